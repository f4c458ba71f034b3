// Package exec turns a desired side/quantity into a filled order on
// one venue, natively where the venue has market orders and via an
// aggressive limit order with a bounded fill wait everywhere else.
package exec

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"hedge-volume-bot/internal/metrics"
	"hedge-volume-bot/internal/replica"
	"hedge-volume-bot/internal/state"
	"hedge-volume-bot/internal/venue"

	"go.uber.org/zap"
)

type Mode string

const (
	ModeNative   Mode = "native"
	ModeEmulated Mode = "emulated"
)

// ModeFor picks the execution mode a connector can actually serve.
func ModeFor(conn venue.Connector) Mode {
	if conn.SupportsMarketOrders() {
		return ModeNative
	}
	return ModeEmulated
}

var (
	// ErrPriceUnavailable means the replica could not vouch for a
	// price; we never trade on guessed prices.
	ErrPriceUnavailable = errors.New("price unavailable")
	// ErrOrderTimeout means the order did not fully fill within the
	// bounded wait and was canceled; the Result still reports any
	// partial quantity.
	ErrOrderTimeout = errors.New("order fill timeout")
	// ErrOrderRejected means the venue terminally refused the order.
	ErrOrderRejected = errors.New("order rejected")
)

type Params struct {
	Side          venue.Side
	Quantity      float64
	Mode          Mode
	ReduceOnly    bool
	ClientOrderID string
}

type Result struct {
	OrderID      string
	RequestedQty float64
	FilledQty    float64
	AvgFillPrice float64
}

type Config struct {
	AggressiveOffsetPct float64
	FillTimeout         time.Duration
	PollInterval        time.Duration
	CancelTimeout       time.Duration
}

type Executor struct {
	conn    venue.Connector
	replica *replica.Replica
	store   state.Store
	log     *zap.Logger
	metrics *metrics.Metrics
	cfg     Config

	mu    sync.Mutex
	cache map[string]string
}

func New(conn venue.Connector, rep *replica.Replica, cfg Config, store state.Store, log *zap.Logger, m *metrics.Metrics) *Executor {
	if cfg.AggressiveOffsetPct <= 0 {
		cfg.AggressiveOffsetPct = 0.25
	}
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = 10 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = 5 * time.Second
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Executor{
		conn:    conn,
		replica: rep,
		store:   store,
		log:     log.With(zap.String("venue", conn.Name())),
		metrics: m,
		cfg:     cfg,
		cache:   make(map[string]string),
	}
}

func (e *Executor) VenueName() string { return e.conn.Name() }

func (e *Executor) Connector() venue.Connector { return e.conn }

func (e *Executor) Replica() *replica.Replica { return e.replica }

// Execute places and settles one order. On ErrOrderTimeout the Result
// carries the partial fill so the caller can top up or unwind.
func (e *Executor) Execute(ctx context.Context, p Params) (Result, error) {
	if p.Quantity <= 0 {
		return Result{}, errors.New("quantity must be > 0")
	}
	req := venue.OrderRequest{
		Side:          p.Side,
		Quantity:      p.Quantity,
		ReduceOnly:    p.ReduceOnly,
		ClientOrderID: p.ClientOrderID,
	}
	switch p.Mode {
	case ModeNative:
		if !e.conn.SupportsMarketOrders() {
			return Result{}, fmt.Errorf("venue %s has no native market orders", e.conn.Name())
		}
	case ModeEmulated:
		price, err := e.aggressivePrice(p.Side)
		if err != nil {
			return Result{}, err
		}
		req.LimitPrice = price
	default:
		return Result{}, fmt.Errorf("unknown execution mode %q", p.Mode)
	}

	orderID, err := e.submit(ctx, req)
	if err != nil {
		e.metrics.OrdersFailed.Inc()
		return Result{}, err
	}
	e.metrics.OrdersPlaced.Inc()
	e.replica.Track(venue.OrderRecord{
		ID:           orderID,
		Venue:        e.conn.Name(),
		Side:         p.Side,
		RequestedQty: p.Quantity,
		Status:       venue.StatusPending,
	})
	e.log.Info("order placed",
		zap.String("order_id", orderID),
		zap.String("side", string(p.Side)),
		zap.Float64("qty", p.Quantity),
		zap.Float64("limit", req.LimitPrice),
		zap.String("mode", string(p.Mode)),
	)

	rec, err := e.awaitTerminal(ctx, orderID, p.Quantity, e.cfg.FillTimeout)
	if err != nil {
		return Result{OrderID: orderID}, err
	}
	if rec.Status == venue.StatusFilled {
		return resultFrom(rec, p.Quantity), nil
	}
	if rec.Status.Terminal() {
		// Canceled or rejected before the deadline.
		if rec.FilledQty > 0 {
			return resultFrom(rec, p.Quantity), fmt.Errorf("%w: %s with partial fill", ErrOrderRejected, rec.Status)
		}
		return Result{OrderID: orderID, RequestedQty: p.Quantity}, fmt.Errorf("%w: %s", ErrOrderRejected, rec.Status)
	}

	// Unfilled (or partially filled) at the deadline: cancel, confirm
	// the cancel, and report what actually filled.
	e.metrics.OrdersTimedOut.Inc()
	e.log.Warn("order not filled in time, canceling",
		zap.String("order_id", orderID),
		zap.Float64("filled", rec.FilledQty),
	)
	if cancelErr := e.retry(ctx, func() error {
		return e.conn.CancelOrder(ctx, orderID)
	}); cancelErr != nil {
		e.log.Warn("cancel failed", zap.String("order_id", orderID), zap.Error(cancelErr))
	}
	final, err := e.awaitTerminal(ctx, orderID, p.Quantity, e.cfg.CancelTimeout)
	if err != nil {
		return Result{OrderID: orderID}, err
	}
	res := resultFrom(final, p.Quantity)
	if final.Status == venue.StatusFilled {
		// Filled while the cancel was racing through. Still a success.
		return res, nil
	}
	return res, fmt.Errorf("%w: filled %.8f of %.8f", ErrOrderTimeout, res.FilledQty, p.Quantity)
}

func (e *Executor) aggressivePrice(side venue.Side) (float64, error) {
	book, err := e.replica.Book()
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrPriceUnavailable, err)
	}
	offset := e.cfg.AggressiveOffsetPct / 100
	var price float64
	if side == venue.SideBuy {
		price = book.Ask * (1 + offset)
	} else {
		price = book.Bid * (1 - offset)
	}
	if tick := e.conn.TickSize(); tick > 0 {
		price = roundToTick(price, tick)
	}
	if price <= 0 {
		return 0, fmt.Errorf("%w: derived price %.8f", ErrPriceUnavailable, price)
	}
	return price, nil
}

// submit places the order with bounded retries; a client order id
// makes the placement idempotent across retries and restarts.
func (e *Executor) submit(ctx context.Context, req venue.OrderRequest) (string, error) {
	if req.ClientOrderID == "" {
		return e.submitWithRetry(ctx, req)
	}
	cacheKey := "cloid:" + e.conn.Name() + ":" + req.ClientOrderID
	e.mu.Lock()
	if oid, ok := e.cache[cacheKey]; ok {
		e.mu.Unlock()
		return oid, nil
	}
	e.mu.Unlock()
	if e.store != nil {
		if oid, ok, err := e.store.Get(ctx, cacheKey); err != nil {
			return "", err
		} else if ok {
			e.mu.Lock()
			e.cache[cacheKey] = oid
			e.mu.Unlock()
			return oid, nil
		}
	}
	orderID, err := e.submitWithRetry(ctx, req)
	if err != nil {
		return "", err
	}
	if e.store != nil {
		if err := e.store.Set(ctx, cacheKey, orderID); err != nil {
			e.log.Warn("failed to persist order id", zap.Error(err))
		}
	}
	e.mu.Lock()
	e.cache[cacheKey] = orderID
	e.mu.Unlock()
	return orderID, nil
}

func (e *Executor) submitWithRetry(ctx context.Context, req venue.OrderRequest) (string, error) {
	var orderID string
	err := e.retry(ctx, func() error {
		var err error
		orderID, err = e.conn.SubmitOrder(ctx, req)
		return err
	})
	if err != nil {
		return "", err
	}
	if orderID == "" {
		return "", errors.New("empty order id")
	}
	return orderID, nil
}

// awaitTerminal waits for the order to reach a terminal status, or
// returns the latest known record when timeout elapses. The stream
// replica is the primary source; QueryOrder fills the holes when the
// stream has not confirmed anything yet.
func (e *Executor) awaitTerminal(ctx context.Context, orderID string, requested float64, timeout time.Duration) (venue.OrderRecord, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		rec := e.lookup(ctx, orderID, requested)
		if rec.Status.Terminal() {
			return rec, nil
		}
		select {
		case <-ctx.Done():
			return rec, ctx.Err()
		case <-deadline.C:
			return e.lookup(ctx, orderID, requested), nil
		case <-ticker.C:
		}
	}
}

func (e *Executor) lookup(ctx context.Context, orderID string, requested float64) venue.OrderRecord {
	if rec, ok := e.replica.Order(orderID); ok && rec.Status != venue.StatusPending {
		return rec
	}
	rec, err := e.conn.QueryOrder(ctx, orderID)
	if err != nil {
		if cached, ok := e.replica.Order(orderID); ok {
			return cached
		}
		return venue.OrderRecord{ID: orderID, Venue: e.conn.Name(), RequestedQty: requested, Status: venue.StatusPending}
	}
	e.replica.Track(rec)
	return rec
}

func (e *Executor) retry(ctx context.Context, fn func() error) error {
	backoff := 200 * time.Millisecond
	for attempt := 0; attempt < 5; attempt++ {
		if err := fn(); err != nil {
			if attempt == 4 {
				return fmt.Errorf("retry failed: %w", err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
			continue
		}
		return nil
	}
	return nil
}

func resultFrom(rec venue.OrderRecord, requested float64) Result {
	filled := rec.FilledQty
	if filled == 0 && rec.Status == venue.StatusFilled {
		filled = requested
	}
	return Result{
		OrderID:      rec.ID,
		RequestedQty: requested,
		FilledQty:    filled,
		AvgFillPrice: rec.AvgFillPrice,
	}
}

func roundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	return math.Round(price/tick) * tick
}
