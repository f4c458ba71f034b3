// Package replica maintains a locally authoritative copy of one
// venue's top-of-book and of the orders this process has placed there,
// fed by the venue's sequenced push stream.
package replica

import (
	"context"
	"errors"
	"sync"
	"time"

	"hedge-volume-bot/internal/journal"
	"hedge-volume-bot/internal/metrics"
	"hedge-volume-bot/internal/venue"

	"go.uber.org/zap"
)

var (
	// ErrStreamNotReady is returned before the first snapshot arrives.
	ErrStreamNotReady = errors.New("stream not ready")
	// ErrStreamStale is returned while a resync is in flight after a
	// sequence gap or corruption.
	ErrStreamStale = errors.New("stream stale")
)

// BookSnapshot is an immutable copy of the top of book. bid < ask
// holds for every snapshot handed to readers.
type BookSnapshot struct {
	Bid      float64
	Ask      float64
	Sequence uint64
}

func (b BookSnapshot) Mid() float64 {
	return (b.Bid + b.Ask) / 2
}

// State is the per-connection bookkeeping exposed for observability.
type State struct {
	LastSequence   uint64
	ResyncInFlight bool
	BackoffLevel   int
}

type Config struct {
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

type Replica struct {
	conn    venue.Connector
	log     *zap.Logger
	metrics *metrics.Metrics
	journal *journal.Writer

	backoffBase time.Duration
	backoffMax  time.Duration

	mu           sync.RWMutex
	book         BookSnapshot
	started      bool
	ready        bool
	lastSeq      uint64
	backoffLevel int
	orders       map[string]venue.OrderRecord
}

func New(conn venue.Connector, cfg Config, log *zap.Logger, m *metrics.Metrics) *Replica {
	base := cfg.BackoffBase
	if base <= 0 {
		base = time.Second
	}
	max := cfg.BackoffMax
	if max < base {
		max = 30 * time.Second
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Replica{
		conn:        conn,
		log:         log.With(zap.String("venue", conn.Name())),
		metrics:     m,
		backoffBase: base,
		backoffMax:  max,
		orders:      make(map[string]venue.OrderRecord),
	}
}

// SetJournal attaches an event journal. Call before Run.
func (r *Replica) SetJournal(w *journal.Writer) {
	r.journal = w
}

// Run is the single writer for this replica. It subscribes, ingests
// events and resubscribes on gaps or connection loss until ctx is
// canceled. Connection loss backs off exponentially; a detected gap
// resubscribes immediately because the venue itself is still up.
func (r *Replica) Run(ctx context.Context) error {
	for {
		// Each subscription gets its own context so the old session
		// is fully torn down before the replacement subscribe.
		subCtx, cancelSub := context.WithCancel(ctx)
		events, err := r.conn.Subscribe(subCtx)
		if err != nil {
			cancelSub()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.log.Warn("subscribe failed", zap.Error(err))
			if err := r.backoff(ctx); err != nil {
				return err
			}
			continue
		}
		r.metrics.StreamSubscribes.Inc()
		gap := r.consume(ctx, events)
		cancelSub()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if gap {
			// Fresh subscribe delivers a new snapshot; no delay.
			continue
		}
		r.markStale("connection lost")
		if err := r.backoff(ctx); err != nil {
			return err
		}
	}
}

// consume ingests events until the channel closes (returns false), the
// context ends (returns false) or a gap/corruption forces a resync
// (returns true).
func (r *Replica) consume(ctx context.Context, events <-chan venue.Event) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-events:
			if !ok {
				return false
			}
			if gap := r.apply(ev); gap {
				return true
			}
		}
	}
}

func (r *Replica) apply(ev venue.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch e := ev.(type) {
	case venue.Snapshot:
		if e.Bid <= 0 || e.Ask <= 0 || e.Bid >= e.Ask {
			r.log.Warn("rejecting corrupt snapshot",
				zap.Float64("bid", e.Bid), zap.Float64("ask", e.Ask))
			return r.staleLocked("corrupt snapshot")
		}
		wasResync := r.started && !r.ready
		r.book = BookSnapshot{Bid: e.Bid, Ask: e.Ask, Sequence: e.Seq}
		r.lastSeq = e.Seq
		r.started = true
		r.ready = true
		r.backoffLevel = 0
		if wasResync {
			r.metrics.StreamResyncs.Inc()
			r.log.Info("stream resync complete", zap.Uint64("seq", e.Seq))
			r.journal.Record(journal.Entry{Kind: journal.KindStreamResync, Venue: r.conn.Name(),
				Fields: map[string]any{"seq": e.Seq}})
		}
	case venue.Delta:
		if !r.ready {
			return false
		}
		if e.Seq <= r.lastSeq {
			// Duplicate delivery, idempotent no-op.
			return false
		}
		if e.Seq != r.lastSeq+1 {
			r.log.Warn("sequence gap detected",
				zap.Uint64("last_seq", r.lastSeq), zap.Uint64("seq", e.Seq))
			r.metrics.StreamGaps.Inc()
			r.journal.Record(journal.Entry{Kind: journal.KindStreamGap, Venue: r.conn.Name(),
				Fields: map[string]any{"last_seq": r.lastSeq, "seq": e.Seq}})
			return r.staleLocked("sequence gap")
		}
		next := r.book
		if e.Bid > 0 {
			next.Bid = e.Bid
		}
		if e.Ask > 0 {
			next.Ask = e.Ask
		}
		next.Sequence = e.Seq
		if next.Bid >= next.Ask {
			// Crossed book after a clean sequence: silent corruption,
			// repaired the same way as a gap.
			r.log.Warn("crossed book after delta",
				zap.Float64("bid", next.Bid), zap.Float64("ask", next.Ask),
				zap.Uint64("seq", e.Seq))
			r.metrics.StreamGaps.Inc()
			r.journal.Record(journal.Entry{Kind: journal.KindStreamGap, Venue: r.conn.Name(),
				Fields: map[string]any{"reason": "crossed book", "seq": e.Seq}})
			return r.staleLocked("crossed book")
		}
		r.book = next
		r.lastSeq = e.Seq
	case venue.OrderUpdate:
		rec, ok := r.orders[e.OrderID]
		if !ok {
			return false
		}
		rec.Status = e.Status
		rec.FilledQty = e.FilledQty
		if e.AvgFillPrice > 0 {
			rec.AvgFillPrice = e.AvgFillPrice
		}
		rec.LastUpdateSeq = r.lastSeq
		r.orders[e.OrderID] = rec
	}
	return false
}

func (r *Replica) staleLocked(reason string) bool {
	r.ready = false
	r.book = BookSnapshot{}
	r.log.Warn("replica stale, discarding book", zap.String("reason", reason))
	return true
}

func (r *Replica) markStale(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ready {
		r.staleLocked(reason)
	}
}

func (r *Replica) backoff(ctx context.Context) error {
	r.mu.Lock()
	level := r.backoffLevel
	r.backoffLevel++
	r.mu.Unlock()
	delay := r.backoffBase << uint(level)
	if delay > r.backoffMax || delay <= 0 {
		delay = r.backoffMax
	}
	r.metrics.StreamReconnects.Inc()
	r.log.Info("reconnecting", zap.Duration("delay", delay))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// Book returns the latest consistent top of book, or a typed error
// while the replica cannot vouch for its data.
func (r *Replica) Book() (BookSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.started {
		return BookSnapshot{}, ErrStreamNotReady
	}
	if !r.ready {
		return BookSnapshot{}, ErrStreamStale
	}
	return r.book, nil
}

// Track registers or reconciles an order record. The executor calls
// this right after submission and again with query responses; stream
// OrderUpdate events only apply to tracked ids.
func (r *Replica) Track(rec venue.OrderRecord) {
	if rec.ID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.orders[rec.ID]
	if ok && existing.Status.Terminal() && !rec.Status.Terminal() {
		// Never regress out of a terminal status on a late reconcile.
		return
	}
	r.orders[rec.ID] = rec
}

// Order returns a copy of the tracked record for id.
func (r *Replica) Order(id string) (venue.OrderRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.orders[id]
	return rec, ok
}

// Forget drops a tracked order once a cycle is done with it.
func (r *Replica) Forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.orders, id)
}

func (r *Replica) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return State{
		LastSequence:   r.lastSeq,
		ResyncInFlight: r.started && !r.ready,
		BackoffLevel:   r.backoffLevel,
	}
}

func (r *Replica) VenueName() string {
	return r.conn.Name()
}
