package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "hedge_volume_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
		registry.MustRegister(c)
		return c
	}

	m := &Metrics{
		OpensAttempted:    promCounter{counter("opens_attempted_total", "Total number of hedge open attempts.")},
		OpensSucceeded:    promCounter{counter("opens_succeeded_total", "Total number of hedges fully opened.")},
		OpensRolledBack:   promCounter{counter("opens_rolled_back_total", "Total number of partial opens compensated by rollback.")},
		OpensFailed:       promCounter{counter("opens_failed_total", "Total number of open attempts where both legs failed.")},
		ClosesAttempted:   promCounter{counter("closes_attempted_total", "Total number of hedge close attempts.")},
		ClosesSucceeded:   promCounter{counter("closes_succeeded_total", "Total number of hedges fully closed.")},
		CloseLegFailures:  promCounter{counter("close_leg_failures_total", "Total number of close-side leg failures.")},
		OrdersPlaced:      promCounter{counter("orders_placed_total", "Total number of orders placed.")},
		OrdersFailed:      promCounter{counter("orders_failed_total", "Total number of order placement failures.")},
		OrdersTimedOut:    promCounter{counter("orders_timed_out_total", "Total number of emulated market orders canceled on fill timeout.")},
		ThresholdTriggers: promCounter{counter("threshold_triggers_total", "Total number of take-profit/stop-loss triggers.")},
		FatalResiduals:    promCounter{counter("fatal_residuals_total", "Total number of residual positions left for manual intervention.")},
		StreamSubscribes:  promCounter{counter("stream_subscribes_total", "Total number of successful stream subscriptions.")},
		StreamReconnects:  promCounter{counter("stream_reconnects_total", "Total number of stream reconnect attempts.")},
		StreamGaps:        promCounter{counter("stream_gaps_total", "Total number of sequence gaps or corrupt books detected.")},
		StreamResyncs:     promCounter{counter("stream_resyncs_total", "Total number of completed stream resyncs.")},
	}

	return &Prometheus{Metrics: m, registry: registry}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
