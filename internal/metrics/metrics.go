package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	OpensAttempted   Counter
	OpensSucceeded   Counter
	OpensRolledBack  Counter
	OpensFailed      Counter
	ClosesAttempted  Counter
	ClosesSucceeded  Counter
	CloseLegFailures Counter

	OrdersPlaced   Counter
	OrdersFailed   Counter
	OrdersTimedOut Counter

	ThresholdTriggers Counter
	FatalResiduals    Counter

	StreamSubscribes Counter
	StreamReconnects Counter
	StreamGaps       Counter
	StreamResyncs    Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		OpensAttempted:    n,
		OpensSucceeded:    n,
		OpensRolledBack:   n,
		OpensFailed:       n,
		ClosesAttempted:   n,
		ClosesSucceeded:   n,
		CloseLegFailures:  n,
		OrdersPlaced:      n,
		OrdersFailed:      n,
		OrdersTimedOut:    n,
		ThresholdTriggers: n,
		FatalResiduals:    n,
		StreamSubscribes:  n,
		StreamReconnects:  n,
		StreamGaps:        n,
		StreamResyncs:     n,
	}
}
