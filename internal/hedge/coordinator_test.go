package hedge

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"hedge-volume-bot/internal/config"
	"hedge-volume-bot/internal/exec"
	"hedge-volume-bot/internal/journal"
	"hedge-volume-bot/internal/replica"
	"hedge-volume-bot/internal/venue"

	"go.uber.org/zap"
)

// scriptVenue fills or rejects submissions by script: the first
// fillFirst submissions fill (scaled by fillFraction), the rest are
// rejected. Fills move a signed position so tests can assert flatness.
type scriptVenue struct {
	mu           sync.Mutex
	name         string
	fillFirst    int
	fillFraction float64
	events       chan venue.Event
	orders       map[string]venue.OrderRecord
	fills        []venue.OrderRequest
	position     float64
	submits      int
}

func newScriptVenue(name string, fillFirst int) *scriptVenue {
	return &scriptVenue{
		name:         name,
		fillFirst:    fillFirst,
		fillFraction: 1,
		orders:       make(map[string]venue.OrderRecord),
	}
}

func (m *scriptVenue) Name() string { return m.name }

func (m *scriptVenue) SubmitOrder(ctx context.Context, req venue.OrderRequest) (string, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submits++
	id := fmt.Sprintf("%s-%d", m.name, m.submits)
	rec := venue.OrderRecord{
		ID:           id,
		Venue:        m.name,
		Side:         req.Side,
		RequestedQty: req.Quantity,
		Status:       venue.StatusRejected,
	}
	if m.submits <= m.fillFirst {
		price := req.LimitPrice
		if price <= 0 {
			price = 50000
		}
		rec.Status = venue.StatusFilled
		rec.FilledQty = req.Quantity * m.fillFraction
		rec.AvgFillPrice = price
		if req.Side == venue.SideBuy {
			m.position += rec.FilledQty
		} else {
			m.position -= rec.FilledQty
		}
		m.fills = append(m.fills, req)
	}
	m.orders[id] = rec
	return id, nil
}

func (m *scriptVenue) CancelOrder(ctx context.Context, orderID string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.orders[orderID]
	if ok && !rec.Status.Terminal() {
		rec.Status = venue.StatusCanceled
		m.orders[orderID] = rec
	}
	return nil
}

func (m *scriptVenue) QueryOrder(ctx context.Context, orderID string) (venue.OrderRecord, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.orders[orderID]
	if !ok {
		return venue.OrderRecord{}, errors.New("order not found")
	}
	return rec, nil
}

func (m *scriptVenue) QueryPosition(ctx context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.position, nil
}

func (m *scriptVenue) QueryBalance(ctx context.Context) (float64, error) { return 10000, nil }

func (m *scriptVenue) Subscribe(ctx context.Context) (<-chan venue.Event, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = make(chan venue.Event, 16)
	return m.events, nil
}

func (m *scriptVenue) SizeIncrement() float64     { return 0.001 }
func (m *scriptVenue) TickSize() float64          { return 0.5 }
func (m *scriptVenue) SupportsMarketOrders() bool { return true }

func (m *scriptVenue) push(ev venue.Event) {
	m.mu.Lock()
	ch := m.events
	m.mu.Unlock()
	ch <- ev
}

func (m *scriptVenue) setFillFirst(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fillFirst = n
}

func (m *scriptVenue) currentPosition() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.position
}

func (m *scriptVenue) fillLog() []venue.OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]venue.OrderRequest, len(m.fills))
	copy(out, m.fills)
	return out
}

type captureAlerts struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureAlerts) Send(ctx context.Context, message string) error {
	_ = ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, message)
	return nil
}

func (c *captureAlerts) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func startLeg(t *testing.T, conn *scriptVenue) (*exec.Executor, context.CancelFunc) {
	t.Helper()
	rep := replica.New(conn, replica.Config{BackoffBase: time.Millisecond, BackoffMax: 5 * time.Millisecond}, zap.NewNop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = rep.Run(ctx) }()
	deadline := time.Now().Add(time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("replica subscription never established")
		}
		conn.mu.Lock()
		ok := conn.events != nil
		conn.mu.Unlock()
		if ok {
			break
		}
		time.Sleep(time.Millisecond)
	}
	conn.push(venue.Snapshot{Seq: 1, Bid: 49999, Ask: 50001})
	for {
		if time.Now().After(deadline) {
			t.Fatal("replica never became ready")
		}
		if _, err := rep.Book(); err == nil {
			break
		}
		time.Sleep(time.Millisecond)
	}
	cfg := exec.Config{FillTimeout: time.Second, PollInterval: 5 * time.Millisecond, CancelTimeout: 200 * time.Millisecond}
	return exec.New(conn, rep, cfg, nil, zap.NewNop(), nil), cancel
}

func newCoordinator(t *testing.T, venueA, venueB *scriptVenue, cfg Config) (*Coordinator, *captureAlerts, context.CancelFunc) {
	t.Helper()
	legA, cancelA := startLeg(t, venueA)
	legB, cancelB := startLeg(t, venueB)
	alerts := &captureAlerts{}
	c := New(legA, legB, cfg, zap.NewNop(), nil, alerts)
	return c, alerts, func() {
		cancelA()
		cancelB()
	}
}

func TestOpenBothLegsFilled(t *testing.T) {
	venueA := newScriptVenue("a", 100)
	venueB := newScriptVenue("b", 100)
	c, _, cancel := newCoordinator(t, venueA, venueB, Config{HoldTime: time.Minute})
	defer cancel()

	pos, err := c.Open(context.Background(), 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Mid 50000 on both venues, increment 0.001: 100/50000 = 0.002.
	if pos.LegA.Quantity() != 0.002 || pos.LegB.Quantity() != 0.002 {
		t.Fatalf("expected both legs at 0.002, got %v and %v", pos.LegA.Quantity(), pos.LegB.Quantity())
	}
	if pos.LegA.Side != venue.SideBuy || pos.LegB.Side != venue.SideSell {
		t.Fatalf("expected buy/sell, got %s/%s", pos.LegA.Side, pos.LegB.Side)
	}
	if venueA.currentPosition() != 0.002 {
		t.Fatalf("expected long 0.002 on a, got %v", venueA.currentPosition())
	}
	if venueB.currentPosition() != -0.002 {
		t.Fatalf("expected short 0.002 on b, got %v", venueB.currentPosition())
	}
}

func TestOpenSecondLegFailsRollsBackFirst(t *testing.T) {
	venueA := newScriptVenue("a", 100)
	venueB := newScriptVenue("b", 0)
	c, _, cancel := newCoordinator(t, venueA, venueB, Config{})
	defer cancel()

	pos, err := c.Open(context.Background(), 100)
	if !errors.Is(err, ErrPartialOpenRolledBack) {
		t.Fatalf("expected ErrPartialOpenRolledBack, got %v", err)
	}
	if pos != nil {
		t.Fatal("expected no position after rollback")
	}
	if venueA.currentPosition() != 0 {
		t.Fatalf("expected flat after rollback, got %v", venueA.currentPosition())
	}
	fills := venueA.fillLog()
	if len(fills) != 2 {
		t.Fatalf("expected open + compensating fill, got %d", len(fills))
	}
	if fills[0].Side != venue.SideBuy || fills[1].Side != venue.SideSell {
		t.Fatalf("expected buy then compensating sell, got %s then %s", fills[0].Side, fills[1].Side)
	}
	if !fills[1].ReduceOnly {
		t.Fatal("compensating close must be reduce-only")
	}
	if fills[1].Quantity != fills[0].Quantity {
		t.Fatalf("compensation %v does not match fill %v", fills[1].Quantity, fills[0].Quantity)
	}
}

func TestOpenFirstLegFailsRollsBackSecond(t *testing.T) {
	venueA := newScriptVenue("a", 0)
	venueB := newScriptVenue("b", 100)
	c, _, cancel := newCoordinator(t, venueA, venueB, Config{})
	defer cancel()

	_, err := c.Open(context.Background(), 100)
	if !errors.Is(err, ErrPartialOpenRolledBack) {
		t.Fatalf("expected ErrPartialOpenRolledBack, got %v", err)
	}
	if venueB.currentPosition() != 0 {
		t.Fatalf("expected flat after rollback, got %v", venueB.currentPosition())
	}
	if venueA.currentPosition() != 0 {
		t.Fatalf("expected no position on failed leg, got %v", venueA.currentPosition())
	}
}

func TestOpenBothLegsFail(t *testing.T) {
	venueA := newScriptVenue("a", 0)
	venueB := newScriptVenue("b", 0)
	c, _, cancel := newCoordinator(t, venueA, venueB, Config{})
	defer cancel()

	_, err := c.Open(context.Background(), 100)
	if !errors.Is(err, ErrOpenFailed) {
		t.Fatalf("expected ErrOpenFailed, got %v", err)
	}
	if len(venueA.fillLog()) != 0 || len(venueB.fillLog()) != 0 {
		t.Fatal("expected no fills at all")
	}
}

func TestRollbackFailureAlertsAndHalts(t *testing.T) {
	// Venue a fills the open leg but rejects the compensating close;
	// venue b rejects outright.
	venueA := newScriptVenue("a", 1)
	venueB := newScriptVenue("b", 0)
	c, alerts, cancel := newCoordinator(t, venueA, venueB, Config{CloseAttempts: 1})
	defer cancel()

	_, err := c.Open(context.Background(), 100)
	if !errors.Is(err, ErrRollbackFailed) {
		t.Fatalf("expected ErrRollbackFailed, got %v", err)
	}
	if venueA.currentPosition() != 0.002 {
		t.Fatalf("expected residual 0.002 left untouched, got %v", venueA.currentPosition())
	}
	msgs := alerts.messages()
	if len(msgs) == 0 {
		t.Fatal("expected an operator alert for the residual position")
	}
	if !strings.Contains(msgs[0], "CRITICAL") {
		t.Fatalf("expected CRITICAL alert, got %q", msgs[0])
	}
}

func TestOpenQuantityMismatchTrimsBiggerLeg(t *testing.T) {
	venueA := newScriptVenue("a", 100)
	venueB := newScriptVenue("b", 100)
	venueB.fillFraction = 0.5
	c, _, cancel := newCoordinator(t, venueA, venueB, Config{QtyTolerancePct: 1})
	defer cancel()

	pos, err := c.Open(context.Background(), 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pos.LegA.Quantity() != 0.001 || pos.LegB.Quantity() != 0.001 {
		t.Fatalf("expected both legs trimmed to 0.001, got %v and %v", pos.LegA.Quantity(), pos.LegB.Quantity())
	}
	if diff := venueA.currentPosition() + venueB.currentPosition(); absFloat(diff) > 1e-12 {
		t.Fatalf("expected matched legs after trim, net %v", diff)
	}
	fills := venueA.fillLog()
	if len(fills) != 2 || fills[1].Side != venue.SideSell || absFloat(fills[1].Quantity-0.001) > 1e-12 {
		t.Fatalf("expected trim sell of 0.001 on a, got %+v", fills)
	}
}

func TestReverseSwapsSides(t *testing.T) {
	venueA := newScriptVenue("a", 100)
	venueB := newScriptVenue("b", 100)
	c, _, cancel := newCoordinator(t, venueA, venueB, Config{Reverse: true})
	defer cancel()

	pos, err := c.Open(context.Background(), 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pos.LegA.Side != venue.SideSell || pos.LegB.Side != venue.SideBuy {
		t.Fatalf("expected sell/buy with reverse, got %s/%s", pos.LegA.Side, pos.LegB.Side)
	}
}

func TestCloseUnwindsBothLegs(t *testing.T) {
	venueA := newScriptVenue("a", 100)
	venueB := newScriptVenue("b", 100)
	c, _, cancel := newCoordinator(t, venueA, venueB, Config{})
	defer cancel()

	ctx := context.Background()
	pos, err := c.Open(ctx, 100)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := c.Close(ctx, pos); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if venueA.currentPosition() != 0 || venueB.currentPosition() != 0 {
		t.Fatalf("expected both venues flat, got %v and %v",
			venueA.currentPosition(), venueB.currentPosition())
	}
	for _, v := range []*scriptVenue{venueA, venueB} {
		fills := v.fillLog()
		if len(fills) != 2 {
			t.Fatalf("venue %s: expected open + close fills, got %d", v.name, len(fills))
		}
		if !fills[1].ReduceOnly {
			t.Fatalf("venue %s: close must be reduce-only", v.name)
		}
		if fills[1].Side != fills[0].Side.Opposite() {
			t.Fatalf("venue %s: close side %s does not oppose open side %s",
				v.name, fills[1].Side, fills[0].Side)
		}
	}
}

func TestCloseLegFailureEscalates(t *testing.T) {
	venueA := newScriptVenue("a", 100)
	venueB := newScriptVenue("b", 100)
	c, alerts, cancel := newCoordinator(t, venueA, venueB, Config{CloseAttempts: 2})
	defer cancel()

	ctx := context.Background()
	pos, err := c.Open(ctx, 100)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	venueB.setFillFirst(0)

	err = c.Close(ctx, pos)
	if !errors.Is(err, ErrCloseIncomplete) {
		t.Fatalf("expected ErrCloseIncomplete, got %v", err)
	}
	if venueA.currentPosition() != 0 {
		t.Fatalf("expected a closed, got %v", venueA.currentPosition())
	}
	if venueB.currentPosition() == 0 {
		t.Fatal("expected b leg still open")
	}
	msgs := alerts.messages()
	if len(msgs) == 0 {
		t.Fatal("expected an operator alert for the stuck leg")
	}
	if !strings.Contains(msgs[0], "WARNING") {
		t.Fatalf("expected WARNING alert, got %q", msgs[0])
	}
}

func TestDeviationWarningJournaled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.msgpack")
	jw, err := journal.New(config.JournalConfig{Enabled: true, Path: path, QueueSize: 16}, zap.NewNop())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	jw.Start(context.Background())

	venueA := newScriptVenue("a", 100)
	venueB := newScriptVenue("b", 100)
	c, _, cancel := newCoordinator(t, venueA, venueB, Config{HoldTime: time.Minute})
	defer cancel()
	c.SetJournal(jw)

	// Mid 50000, increment 0.001: 130/50000 = 0.0026 rounds down to
	// 0.002, an actual notional of 100 and a 23% deviation.
	if _, err := c.Open(context.Background(), 130); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := jw.Close(); err != nil {
		t.Fatalf("close journal: %v", err)
	}
	entries, err := journal.ReadAll(path)
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	var warnings int
	for _, e := range entries {
		if e.Kind == journal.KindDeviationWarning {
			warnings++
		}
	}
	if warnings != 2 {
		t.Fatalf("want a deviation warning per leg, got %d", warnings)
	}
}
