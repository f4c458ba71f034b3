// Package hedge opens and closes matched opposite-direction positions
// on two venues as a pseudo-atomic unit. No venue offers a prepare
// phase, so a half-open hedge is repaired by a compensating close of
// the surviving leg rather than by any kind of commit protocol.
package hedge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"hedge-volume-bot/internal/exec"
	"hedge-volume-bot/internal/journal"
	"hedge-volume-bot/internal/metrics"
	"hedge-volume-bot/internal/venue"

	"go.uber.org/zap"
)

var (
	// ErrOpenFailed means both legs failed; there is nothing to unwind.
	ErrOpenFailed = errors.New("hedge open failed")
	// ErrPartialOpenRolledBack means one leg filled, the other did
	// not, and the filled leg was closed again. Flat, but no hedge.
	ErrPartialOpenRolledBack = errors.New("partial open rolled back")
	// ErrRollbackFailed means a compensating close itself failed and a
	// residual one-sided position is left for manual intervention.
	ErrRollbackFailed = errors.New("compensating close failed")
	// ErrCloseIncomplete means at least one leg could not be closed
	// within the retry budget.
	ErrCloseIncomplete = errors.New("hedge close incomplete")
)

type Alerter interface {
	Send(ctx context.Context, message string) error
}

// Leg is one venue's half of a hedge.
type Leg struct {
	Venue      string
	Side       venue.Side
	TargetQty  float64
	Order      venue.OrderRecord
	EntryPrice float64
}

func (l Leg) Quantity() float64 {
	return l.Order.FilledQty
}

type Position struct {
	LegA          Leg
	LegB          Leg
	OpenedAt      time.Time
	HoldTime      time.Duration
	TakeProfitPct float64
	StopLossPct   float64
}

type Config struct {
	HoldTime         time.Duration
	TakeProfitPct    float64
	StopLossPct      float64
	Reverse          bool
	QtyTolerancePct  float64
	DeviationWarnPct float64
	CloseAttempts    int
}

type Coordinator struct {
	legA    *exec.Executor
	legB    *exec.Executor
	cfg     Config
	log     *zap.Logger
	metrics *metrics.Metrics
	alerts  Alerter
	journal *journal.Writer
}

func New(legA, legB *exec.Executor, cfg Config, log *zap.Logger, m *metrics.Metrics, alerts Alerter) *Coordinator {
	if cfg.QtyTolerancePct <= 0 {
		cfg.QtyTolerancePct = 1
	}
	if cfg.DeviationWarnPct <= 0 {
		cfg.DeviationWarnPct = 15
	}
	if cfg.CloseAttempts <= 0 {
		cfg.CloseAttempts = 3
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Coordinator{legA: legA, legB: legB, cfg: cfg, log: log, metrics: m, alerts: alerts}
}

// SetJournal attaches an event journal. Call before Open.
func (c *Coordinator) SetJournal(w *journal.Writer) {
	c.journal = w
}

type legResult struct {
	res exec.Result
	err error
}

func (r legResult) ok() bool {
	return r.err == nil && r.res.FilledQty > 0
}

// Open sizes both legs off a shared reference price, launches them
// concurrently and joins: the only success path is both legs filled.
// Any one-sided fill is compensated before Open returns.
func (c *Coordinator) Open(ctx context.Context, notionalUSD float64) (*Position, error) {
	c.metrics.OpensAttempted.Inc()
	bookA, err := c.legA.Replica().Book()
	if err != nil {
		return nil, fmt.Errorf("venue %s: %w", c.legA.VenueName(), err)
	}
	bookB, err := c.legB.Replica().Book()
	if err != nil {
		return nil, fmt.Errorf("venue %s: %w", c.legB.VenueName(), err)
	}
	// One reference price for both legs: sizing and rounding must not
	// drift apart between venues.
	refPrice := (bookA.Mid() + bookB.Mid()) / 2
	if refPrice <= 0 {
		return nil, fmt.Errorf("invalid reference price %.8f", refPrice)
	}
	rawQty := notionalUSD / refPrice
	qtyA := RoundDownToIncrement(rawQty, c.legA.Connector().SizeIncrement())
	qtyB := RoundDownToIncrement(rawQty, c.legB.Connector().SizeIncrement())
	if qtyA <= 0 || qtyB <= 0 {
		return nil, fmt.Errorf("target notional %.2f rounds to zero quantity", notionalUSD)
	}
	c.logDeviation(c.legA.VenueName(), notionalUSD, qtyA*refPrice)
	c.logDeviation(c.legB.VenueName(), notionalUSD, qtyB*refPrice)

	sideA, sideB := c.openSides()
	cid := fmt.Sprintf("open-%s", time.Now().UTC().Format("20060102T150405.000Z"))
	c.log.Info("opening hedge",
		zap.Float64("notional_usd", notionalUSD),
		zap.Float64("ref_price", refPrice),
		zap.String(c.legA.VenueName(), fmt.Sprintf("%s %.8f", sideA, qtyA)),
		zap.String(c.legB.VenueName(), fmt.Sprintf("%s %.8f", sideB, qtyB)),
	)

	resA, resB := c.both(ctx,
		exec.Params{Side: sideA, Quantity: qtyA, Mode: exec.ModeFor(c.legA.Connector()), ClientOrderID: cid + "-a"},
		exec.Params{Side: sideB, Quantity: qtyB, Mode: exec.ModeFor(c.legB.Connector()), ClientOrderID: cid + "-b"},
	)

	switch {
	case resA.ok() && resB.ok():
		return c.settleOpen(ctx, refPrice, sideA, sideB, qtyA, qtyB, resA, resB)
	case resA.ok():
		c.log.Error("leg failed, rolling back surviving leg",
			zap.String("failed_venue", c.legB.VenueName()), zap.Error(resB.err))
		return nil, c.rollbackPartials(ctx, cid, partial{c.legA, sideA, resA.res}, partial{c.legB, sideB, resB.res})
	case resB.ok():
		c.log.Error("leg failed, rolling back surviving leg",
			zap.String("failed_venue", c.legA.VenueName()), zap.Error(resA.err))
		return nil, c.rollbackPartials(ctx, cid, partial{c.legB, sideB, resB.res}, partial{c.legA, sideA, resA.res})
	default:
		// Both legs failed outright; only timed-out partials, if any,
		// leave something to compensate.
		if resA.res.FilledQty > 0 || resB.res.FilledQty > 0 {
			return nil, c.rollbackPartials(ctx, cid, partial{c.legA, sideA, resA.res}, partial{c.legB, sideB, resB.res})
		}
		c.metrics.OpensFailed.Inc()
		c.log.Error("hedge open failed on both legs",
			zap.NamedError(c.legA.VenueName(), resA.err),
			zap.NamedError(c.legB.VenueName(), resB.err),
		)
		return nil, fmt.Errorf("%w: %s: %v; %s: %v", ErrOpenFailed,
			c.legA.VenueName(), resA.err, c.legB.VenueName(), resB.err)
	}
}

func (c *Coordinator) settleOpen(ctx context.Context, refPrice float64, sideA, sideB venue.Side, qtyA, qtyB float64, resA, resB legResult) (*Position, error) {
	filledA := resA.res.FilledQty
	filledB := resB.res.FilledQty
	tolerance := c.cfg.QtyTolerancePct / 100 * maxFloat(filledA, filledB)
	if diff := filledA - filledB; absFloat(diff) > tolerance {
		// Trim the bigger leg back to the smaller one so the hedge
		// stays matched. A failed trim is a residual position.
		trimLeg, trimSide, trimQty := c.legA, sideA, diff
		if diff < 0 {
			trimLeg, trimSide, trimQty = c.legB, sideB, -diff
		}
		c.log.Warn("leg quantity mismatch, trimming",
			zap.String("venue", trimLeg.VenueName()),
			zap.Float64("excess", trimQty),
		)
		if err := c.compensate(ctx, trimLeg, trimSide, trimQty); err != nil {
			return nil, err
		}
		if diff > 0 {
			resA.res.FilledQty = filledB
		} else {
			resB.res.FilledQty = filledA
		}
	}

	pos := &Position{
		LegA:          c.leg(c.legA, sideA, qtyA, resA.res, refPrice),
		LegB:          c.leg(c.legB, sideB, qtyB, resB.res, refPrice),
		OpenedAt:      time.Now().UTC(),
		HoldTime:      c.cfg.HoldTime,
		TakeProfitPct: c.cfg.TakeProfitPct,
		StopLossPct:   c.cfg.StopLossPct,
	}
	c.metrics.OpensSucceeded.Inc()
	c.log.Info("hedge opened",
		zap.String("leg_a", legString(pos.LegA)),
		zap.String("leg_b", legString(pos.LegB)),
	)
	return pos, nil
}

func (c *Coordinator) leg(e *exec.Executor, side venue.Side, target float64, res exec.Result, refPrice float64) Leg {
	entry := res.AvgFillPrice
	if entry <= 0 {
		entry = refPrice
	}
	return Leg{
		Venue:     e.VenueName(),
		Side:      side,
		TargetQty: target,
		Order: venue.OrderRecord{
			ID:           res.OrderID,
			Venue:        e.VenueName(),
			Side:         side,
			RequestedQty: res.RequestedQty,
			FilledQty:    res.FilledQty,
			AvgFillPrice: res.AvgFillPrice,
			Status:       venue.StatusFilled,
		},
		EntryPrice: entry,
	}
}

type partial struct {
	leg  *exec.Executor
	side venue.Side
	res  exec.Result
}

// rollbackPartials compensates every partially or fully filled leg of
// a failed open. A compensation failure is fatal-but-non-silent: the
// operator is alerted and the residual is left alone rather than
// retried into an unknown position state.
func (c *Coordinator) rollbackPartials(ctx context.Context, cid string, partials ...partial) error {
	var rollbackErr error
	for _, p := range partials {
		if p.res.FilledQty <= 0 {
			continue
		}
		if err := c.compensate(ctx, p.leg, p.side, p.res.FilledQty); err != nil {
			rollbackErr = err
		}
	}
	if rollbackErr != nil {
		return rollbackErr
	}
	c.metrics.OpensRolledBack.Inc()
	return ErrPartialOpenRolledBack
}

func (c *Coordinator) compensate(ctx context.Context, e *exec.Executor, openSide venue.Side, qty float64) error {
	err := c.closeLeg(ctx, e, openSide.Opposite(), qty, "rollback")
	if err == nil {
		c.log.Info("compensating close complete",
			zap.String("venue", e.VenueName()), zap.Float64("qty", qty))
		return nil
	}
	c.metrics.FatalResiduals.Inc()
	msg := fmt.Sprintf("CRITICAL: compensating close failed on %s for %.8f: %v; residual position needs manual intervention",
		e.VenueName(), qty, err)
	c.log.Error("compensating close failed",
		zap.String("venue", e.VenueName()), zap.Float64("qty", qty), zap.Error(err))
	if c.alerts != nil {
		if alertErr := c.alerts.Send(ctx, msg); alertErr != nil {
			c.log.Warn("alert send failed", zap.Error(alertErr))
		}
	}
	return fmt.Errorf("%w: venue %s qty %.8f: %v", ErrRollbackFailed, e.VenueName(), qty, err)
}

// Close unwinds both legs concurrently. Closing is terminal: a leg
// failure is retried a few times and then escalated, never rolled
// back into a reopened hedge.
func (c *Coordinator) Close(ctx context.Context, pos *Position) error {
	c.metrics.ClosesAttempted.Inc()
	var wg sync.WaitGroup
	var errA, errB error
	wg.Add(2)
	go func() {
		defer wg.Done()
		errA = c.closeLeg(ctx, c.legA, pos.LegA.Side.Opposite(), pos.LegA.Quantity(), "close")
	}()
	go func() {
		defer wg.Done()
		errB = c.closeLeg(ctx, c.legB, pos.LegB.Side.Opposite(), pos.LegB.Quantity(), "close")
	}()
	wg.Wait()

	if errA == nil && errB == nil {
		c.metrics.ClosesSucceeded.Inc()
		c.log.Info("hedge closed",
			zap.String("leg_a", legString(pos.LegA)),
			zap.String("leg_b", legString(pos.LegB)),
		)
		return nil
	}
	if errA != nil {
		c.reportCloseFailure(ctx, c.legA.VenueName(), errA)
	}
	if errB != nil {
		c.reportCloseFailure(ctx, c.legB.VenueName(), errB)
	}
	return fmt.Errorf("%w: %s: %v; %s: %v", ErrCloseIncomplete,
		c.legA.VenueName(), errA, c.legB.VenueName(), errB)
}

// closeLeg reduces one venue's position by qty, retrying with fresh
// prices and only the remaining quantity on each attempt.
func (c *Coordinator) closeLeg(ctx context.Context, e *exec.Executor, side venue.Side, qty float64, label string) error {
	remaining := qty
	var lastErr error
	for attempt := 1; attempt <= c.cfg.CloseAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		cid := fmt.Sprintf("%s-%s-%s-%d", label, e.VenueName(),
			time.Now().UTC().Format("20060102T150405.000Z"), attempt)
		res, err := e.Execute(ctx, exec.Params{
			Side:          side,
			Quantity:      remaining,
			Mode:          exec.ModeFor(e.Connector()),
			ReduceOnly:    true,
			ClientOrderID: cid,
		})
		remaining -= res.FilledQty
		if remaining <= 1e-12 {
			return nil
		}
		lastErr = err
		c.log.Warn("close attempt incomplete",
			zap.String("venue", e.VenueName()),
			zap.Int("attempt", attempt),
			zap.Float64("remaining", remaining),
			zap.Error(err),
		)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%.8f left unfilled", remaining)
	}
	return lastErr
}

func (c *Coordinator) reportCloseFailure(ctx context.Context, venueName string, err error) {
	c.metrics.CloseLegFailures.Inc()
	c.log.Error("close leg failed", zap.String("venue", venueName), zap.Error(err))
	if c.alerts != nil {
		msg := fmt.Sprintf("WARNING: close failed on %s: %v; leg may still be open", venueName, err)
		if alertErr := c.alerts.Send(ctx, msg); alertErr != nil {
			c.log.Warn("alert send failed", zap.Error(alertErr))
		}
	}
}

// both launches the two leg executions together and joins them; leg B
// is never gated on leg A's outcome.
func (c *Coordinator) both(ctx context.Context, paramsA, paramsB exec.Params) (legResult, legResult) {
	var wg sync.WaitGroup
	var resA, resB legResult
	wg.Add(2)
	go func() {
		defer wg.Done()
		resA.res, resA.err = c.legA.Execute(ctx, paramsA)
	}()
	go func() {
		defer wg.Done()
		resB.res, resB.err = c.legB.Execute(ctx, paramsB)
	}()
	wg.Wait()
	return resA, resB
}

func (c *Coordinator) openSides() (venue.Side, venue.Side) {
	if c.cfg.Reverse {
		return venue.SideSell, venue.SideBuy
	}
	return venue.SideBuy, venue.SideSell
}

func (c *Coordinator) logDeviation(venueName string, target, actual float64) {
	deviation := NotionalDeviationPct(target, actual)
	if deviation > c.cfg.DeviationWarnPct {
		c.log.Warn("notional deviation above threshold",
			zap.String("venue", venueName),
			zap.Float64("target_usd", target),
			zap.Float64("actual_usd", actual),
			zap.Float64("deviation_pct", deviation),
		)
		c.journal.Record(journal.Entry{
			Kind:  journal.KindDeviationWarning,
			Venue: venueName,
			Fields: map[string]any{
				"target_usd":    target,
				"actual_usd":    actual,
				"deviation_pct": deviation,
			},
		})
		return
	}
	c.log.Info("leg sized",
		zap.String("venue", venueName),
		zap.Float64("target_usd", target),
		zap.Float64("actual_usd", actual),
		zap.Float64("deviation_pct", deviation),
	)
}

func legString(l Leg) string {
	return fmt.Sprintf("%s %s %.8f @ %.4f", l.Venue, l.Side, l.Quantity(), l.EntryPrice)
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
