// Package monitor owns an open hedge position for its lifetime: it
// holds, samples per-leg P&L on a fixed interval, and reports the
// first exit trigger. Both legs are checked independently against
// their own entry prices; the legs are anti-correlated, so threshold
// exits are rare and hold-time expiry is the common path.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hedge-volume-bot/internal/hedge"
	"hedge-volume-bot/internal/metrics"
	"hedge-volume-bot/internal/replica"
	"hedge-volume-bot/internal/venue"

	"go.uber.org/zap"
)

type Trigger string

const (
	TriggerHoldExpired Trigger = "HOLD_EXPIRED"
	TriggerTakeProfit  Trigger = "TAKE_PROFIT"
	TriggerStopLoss    Trigger = "STOP_LOSS"
)

// PriceSource is the read side of a stream replica.
type PriceSource interface {
	Book() (replica.BookSnapshot, error)
}

type Monitor struct {
	sm      *StateMachine
	srcA    PriceSource
	srcB    PriceSource
	poll    time.Duration
	log     *zap.Logger
	metrics *metrics.Metrics

	pos     *hedge.Position
	lastErr error
}

func New(srcA, srcB PriceSource, poll time.Duration, log *zap.Logger, m *metrics.Metrics) *Monitor {
	if poll <= 0 {
		poll = time.Second
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Monitor{
		sm:      NewStateMachine(),
		srcA:    srcA,
		srcB:    srcB,
		poll:    poll,
		log:     log,
		metrics: m,
	}
}

func (m *Monitor) State() State { return m.sm.Current() }

// Opened hands the freshly opened position to the monitor.
func (m *Monitor) Opened(pos *hedge.Position) {
	m.pos = pos
	m.sm.Apply(EventOpened)
}

func (m *Monitor) Closed() {
	m.sm.Apply(EventClosed)
	m.pos = nil
}

// Fail marks the position unrecoverable from any non-terminal state.
func (m *Monitor) Fail(err error) {
	m.lastErr = err
	m.sm.Apply(EventFatal)
}

func (m *Monitor) Err() error { return m.lastErr }

// Watch blocks until an exit trigger fires, sampling once per poll
// interval, and moves the position to Closing. The realized exit
// price may overshoot the threshold; this is a sampling process, not
// a tick-exact trigger.
func (m *Monitor) Watch(ctx context.Context) (Trigger, error) {
	if state := m.sm.Current(); state != StateOpen {
		return "", fmt.Errorf("cannot watch position in state %s", state)
	}
	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()
	for {
		if trigger, ok := m.check(time.Now().UTC()); ok {
			m.sm.Apply(EventTrigger)
			return trigger, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Monitor) check(now time.Time) (Trigger, bool) {
	if held := now.Sub(m.pos.OpenedAt); held >= m.pos.HoldTime {
		m.log.Info("hold time expired", zap.Duration("held", held))
		return TriggerHoldExpired, true
	}
	for _, leg := range []struct {
		leg hedge.Leg
		src PriceSource
	}{{m.pos.LegA, m.srcA}, {m.pos.LegB, m.srcB}} {
		if trigger, ok := m.checkLeg(leg.leg, leg.src); ok {
			return trigger, true
		}
	}
	return "", false
}

// checkLeg computes one leg's percentage P&L off its own entry. A
// stale or not-ready replica skips the P&L check for this sample;
// the hold timer still runs.
func (m *Monitor) checkLeg(leg hedge.Leg, src PriceSource) (Trigger, bool) {
	book, err := src.Book()
	if err != nil {
		if !errors.Is(err, replica.ErrStreamStale) && !errors.Is(err, replica.ErrStreamNotReady) {
			m.log.Warn("price read failed", zap.String("venue", leg.Venue), zap.Error(err))
		}
		return "", false
	}
	pnl := pnlPct(leg.Side, leg.EntryPrice, book.Mid())
	if m.pos.TakeProfitPct > 0 && pnl >= m.pos.TakeProfitPct {
		m.metrics.ThresholdTriggers.Inc()
		m.log.Info("take profit hit",
			zap.String("venue", leg.Venue),
			zap.Float64("pnl_pct", pnl),
			zap.Float64("entry", leg.EntryPrice),
			zap.Float64("mark", book.Mid()),
		)
		return TriggerTakeProfit, true
	}
	if m.pos.StopLossPct > 0 && pnl <= -m.pos.StopLossPct {
		m.metrics.ThresholdTriggers.Inc()
		m.log.Info("stop loss hit",
			zap.String("venue", leg.Venue),
			zap.Float64("pnl_pct", pnl),
			zap.Float64("entry", leg.EntryPrice),
			zap.Float64("mark", book.Mid()),
		)
		return TriggerStopLoss, true
	}
	return "", false
}

// pnlPct is the signed percentage move of current against entry, from
// the position holder's point of view: a short profits when price
// falls.
func pnlPct(side venue.Side, entry, current float64) float64 {
	if entry <= 0 {
		return 0
	}
	pct := (current - entry) / entry * 100
	if side == venue.SideSell {
		return -pct
	}
	return pct
}
