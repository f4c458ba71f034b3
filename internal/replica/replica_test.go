package replica

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"hedge-volume-bot/internal/config"
	"hedge-volume-bot/internal/journal"
	"hedge-volume-bot/internal/venue"

	"go.uber.org/zap"
)

type fakeConnector struct {
	mu         sync.Mutex
	name       string
	events     chan venue.Event
	subscribes int
	subCtxs    []context.Context
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{name: "fake"}
}

func (f *fakeConnector) Name() string { return f.name }

func (f *fakeConnector) Subscribe(ctx context.Context) (<-chan venue.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes++
	f.subCtxs = append(f.subCtxs, ctx)
	f.events = make(chan venue.Event, 16)
	return f.events, nil
}

func (f *fakeConnector) push(ev venue.Event) {
	f.mu.Lock()
	ch := f.events
	f.mu.Unlock()
	ch <- ev
}

func (f *fakeConnector) subscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribes
}

func (f *fakeConnector) subscribeCtx(i int) context.Context {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subCtxs[i]
}

func (f *fakeConnector) SubmitOrder(ctx context.Context, req venue.OrderRequest) (string, error) {
	return "", errors.New("not implemented")
}
func (f *fakeConnector) CancelOrder(ctx context.Context, orderID string) error { return nil }
func (f *fakeConnector) QueryOrder(ctx context.Context, orderID string) (venue.OrderRecord, error) {
	return venue.OrderRecord{}, errors.New("not implemented")
}
func (f *fakeConnector) QueryPosition(ctx context.Context) (float64, error) { return 0, nil }
func (f *fakeConnector) QueryBalance(ctx context.Context) (float64, error)  { return 0, nil }
func (f *fakeConnector) SizeIncrement() float64                             { return 0.001 }
func (f *fakeConnector) TickSize() float64                                  { return 0.1 }
func (f *fakeConnector) SupportsMarketOrders() bool                         { return true }

func startReplica(t *testing.T) (*Replica, *fakeConnector, context.CancelFunc) {
	t.Helper()
	conn := newFakeConnector()
	r := New(conn, Config{BackoffBase: time.Millisecond, BackoffMax: 5 * time.Millisecond}, zap.NewNop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = r.Run(ctx) }()
	waitFor(t, func() bool { return conn.subscribeCount() >= 1 })
	return r, conn, cancel
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestBookNotReadyBeforeSnapshot(t *testing.T) {
	r, conn, cancel := startReplica(t)
	defer cancel()

	if _, err := r.Book(); !errors.Is(err, ErrStreamNotReady) {
		t.Fatalf("expected ErrStreamNotReady, got %v", err)
	}
	// Deltas before the first snapshot must not make the book readable.
	conn.push(venue.Delta{Seq: 1, Bid: 100, Ask: 101})
	time.Sleep(10 * time.Millisecond)
	if _, err := r.Book(); !errors.Is(err, ErrStreamNotReady) {
		t.Fatalf("expected ErrStreamNotReady, got %v", err)
	}

	conn.push(venue.Snapshot{Seq: 5, Bid: 100, Ask: 101})
	waitFor(t, func() bool { _, err := r.Book(); return err == nil })
	book, err := r.Book()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if book.Bid != 100 || book.Ask != 101 || book.Sequence != 5 {
		t.Fatalf("unexpected book: %+v", book)
	}
}

func TestDeltaSequencing(t *testing.T) {
	r, conn, cancel := startReplica(t)
	defer cancel()

	conn.push(venue.Snapshot{Seq: 1, Bid: 100, Ask: 101})
	conn.push(venue.Delta{Seq: 2, Bid: 100.5})
	conn.push(venue.Delta{Seq: 2, Bid: 99}) // duplicate, discarded
	conn.push(venue.Delta{Seq: 3, Ask: 102})
	waitFor(t, func() bool { b, err := r.Book(); return err == nil && b.Sequence == 3 })

	book, _ := r.Book()
	if book.Bid != 100.5 || book.Ask != 102 {
		t.Fatalf("unexpected book after deltas: %+v", book)
	}
	if got := r.State().LastSequence; got != 3 {
		t.Fatalf("expected lastSequence 3, got %d", got)
	}
}

func TestGapTriggersResync(t *testing.T) {
	r, conn, cancel := startReplica(t)
	defer cancel()

	conn.push(venue.Snapshot{Seq: 1, Bid: 100, Ask: 101})
	conn.push(venue.Delta{Seq: 2, Bid: 100.2})
	waitFor(t, func() bool { b, err := r.Book(); return err == nil && b.Sequence == 2 })

	conn.push(venue.Delta{Seq: 5, Bid: 100.4})
	waitFor(t, func() bool {
		_, err := r.Book()
		return errors.Is(err, ErrStreamStale)
	})
	if !r.State().ResyncInFlight {
		t.Fatal("expected resync in flight after gap")
	}

	// The replica resubscribes immediately; a fresh snapshot repairs it.
	waitFor(t, func() bool { return conn.subscribeCount() >= 2 })
	conn.push(venue.Snapshot{Seq: 10, Bid: 100.6, Ask: 100.9})
	waitFor(t, func() bool { _, err := r.Book(); return err == nil })
	book, _ := r.Book()
	if book.Sequence != 10 {
		t.Fatalf("expected sequence rebased to 10, got %d", book.Sequence)
	}
}

func TestGapTearsDownOldSubscription(t *testing.T) {
	r, conn, cancel := startReplica(t)
	defer cancel()

	conn.push(venue.Snapshot{Seq: 1, Bid: 100, Ask: 101})
	waitFor(t, func() bool { _, err := r.Book(); return err == nil })

	conn.push(venue.Delta{Seq: 5, Bid: 100.4})
	waitFor(t, func() bool { return conn.subscribeCount() >= 2 })

	// The session behind the gapped subscription must be released, or
	// every resync leaks a live connection.
	waitFor(t, func() bool { return conn.subscribeCtx(0).Err() != nil })
	if err := conn.subscribeCtx(1).Err(); err != nil {
		t.Fatalf("replacement subscription must stay live, got %v", err)
	}
}

func TestCrossedBookTreatedAsCorruption(t *testing.T) {
	r, conn, cancel := startReplica(t)
	defer cancel()

	conn.push(venue.Snapshot{Seq: 1, Bid: 100, Ask: 101})
	waitFor(t, func() bool { _, err := r.Book(); return err == nil })

	conn.push(venue.Delta{Seq: 2, Bid: 101.5})
	waitFor(t, func() bool {
		_, err := r.Book()
		return errors.Is(err, ErrStreamStale)
	})
}

func TestConnectionLossReconnectsWithBackoff(t *testing.T) {
	r, conn, cancel := startReplica(t)
	defer cancel()

	conn.push(venue.Snapshot{Seq: 1, Bid: 100, Ask: 101})
	waitFor(t, func() bool { _, err := r.Book(); return err == nil })

	conn.mu.Lock()
	close(conn.events)
	conn.mu.Unlock()

	waitFor(t, func() bool { return conn.subscribeCount() >= 2 })
	conn.push(venue.Snapshot{Seq: 1, Bid: 100, Ask: 101})
	waitFor(t, func() bool { _, err := r.Book(); return err == nil })
	if r.State().BackoffLevel != 0 {
		t.Fatalf("expected backoff reset after snapshot, got %d", r.State().BackoffLevel)
	}
}

func TestOrderUpdates(t *testing.T) {
	r, conn, cancel := startReplica(t)
	defer cancel()

	conn.push(venue.Snapshot{Seq: 1, Bid: 100, Ask: 101})
	waitFor(t, func() bool { _, err := r.Book(); return err == nil })

	r.Track(venue.OrderRecord{ID: "oid-1", Venue: "fake", Side: venue.SideBuy, RequestedQty: 2, Status: venue.StatusOpen})

	// Unknown order ids are ignored.
	conn.push(venue.OrderUpdate{OrderID: "unknown", Status: venue.StatusFilled, FilledQty: 1})
	update := venue.OrderUpdate{OrderID: "oid-1", Status: venue.StatusPartiallyFilled, FilledQty: 1, AvgFillPrice: 100.5}
	conn.push(update)
	conn.push(update) // duplicate delivery must be idempotent
	waitFor(t, func() bool {
		rec, ok := r.Order("oid-1")
		return ok && rec.Status == venue.StatusPartiallyFilled
	})

	rec, _ := r.Order("oid-1")
	if rec.FilledQty != 1 || rec.AvgFillPrice != 100.5 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if _, ok := r.Order("unknown"); ok {
		t.Fatal("unknown order id must not be tracked")
	}

	conn.push(venue.OrderUpdate{OrderID: "oid-1", Status: venue.StatusFilled, FilledQty: 2, AvgFillPrice: 100.6})
	waitFor(t, func() bool {
		rec, ok := r.Order("oid-1")
		return ok && rec.Status == venue.StatusFilled
	})
	// A late non-terminal reconcile must not regress a terminal status.
	r.Track(venue.OrderRecord{ID: "oid-1", Status: venue.StatusOpen})
	rec, _ = r.Order("oid-1")
	if rec.Status != venue.StatusFilled {
		t.Fatalf("terminal status regressed to %s", rec.Status)
	}
}

func TestGapAndResyncAreJournaled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.msgpack")
	jw, err := journal.New(config.JournalConfig{Enabled: true, Path: path, QueueSize: 16}, zap.NewNop())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	jw.Start(context.Background())

	conn := newFakeConnector()
	r := New(conn, Config{BackoffBase: time.Millisecond, BackoffMax: 5 * time.Millisecond}, zap.NewNop(), nil)
	r.SetJournal(jw)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()
	waitFor(t, func() bool { return conn.subscribeCount() >= 1 })

	conn.push(venue.Snapshot{Seq: 1, Bid: 100, Ask: 101})
	waitFor(t, func() bool { _, err := r.Book(); return err == nil })
	conn.push(venue.Delta{Seq: 5, Bid: 100.4})
	waitFor(t, func() bool { return conn.subscribeCount() >= 2 })
	conn.push(venue.Snapshot{Seq: 10, Bid: 100.5, Ask: 101.5})
	waitFor(t, func() bool { _, err := r.Book(); return err == nil })

	if err := jw.Close(); err != nil {
		t.Fatalf("close journal: %v", err)
	}
	entries, err := journal.ReadAll(path)
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	var gaps, resyncs int
	for _, e := range entries {
		switch e.Kind {
		case journal.KindStreamGap:
			gaps++
		case journal.KindStreamResync:
			resyncs++
		}
	}
	if gaps != 1 {
		t.Fatalf("want 1 gap entry, got %d", gaps)
	}
	if resyncs != 1 {
		t.Fatalf("want 1 resync entry, got %d", resyncs)
	}
}
