// Package app wires the venue connectors, stream replicas, executors
// and the hedge coordinator into the cycle loop: open a hedge, hold
// it under the monitor, close it, cool down, repeat.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"hedge-volume-bot/internal/alerts"
	"hedge-volume-bot/internal/config"
	"hedge-volume-bot/internal/exec"
	"hedge-volume-bot/internal/hedge"
	"hedge-volume-bot/internal/history"
	"hedge-volume-bot/internal/journal"
	"hedge-volume-bot/internal/metrics"
	"hedge-volume-bot/internal/monitor"
	"hedge-volume-bot/internal/replica"
	"hedge-volume-bot/internal/state"
	"hedge-volume-bot/internal/state/sqlite"
	"hedge-volume-bot/internal/venue"
	"hedge-volume-bot/internal/venue/grvt"
	"hedge-volume-bot/internal/venue/lighter"

	"go.uber.org/zap"
)

// unwindTimeout bounds the compensating close that runs after the
// main context is already canceled.
const unwindTimeout = 30 * time.Second

const readyPollInterval = 100 * time.Millisecond

type App struct {
	cfg      *config.Config
	log      *zap.Logger
	store    state.Store
	connA    venue.Connector
	connB    venue.Connector
	repA     *replica.Replica
	repB     *replica.Replica
	coord    *hedge.Coordinator
	journal  *journal.Writer
	history  *history.Writer
	telegram *alerts.Telegram
	notify   hedge.Alerter
	metrics  *metrics.Metrics
	prom     *metrics.Prometheus

	opsMu          sync.RWMutex
	paused         bool
	operatorWarned bool
	cycle          int
	position       *hedge.Position
	monitor        *monitor.Monitor
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	var prom *metrics.Prometheus
	m := metrics.NewNoop()
	if cfg.Metrics.Enabled {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	}

	connA, err := newConnector(cfg.VenueA, log)
	if err != nil {
		return nil, err
	}
	connB, err := newConnector(cfg.VenueB, log)
	if err != nil {
		return nil, err
	}
	if connA.Name() == connB.Name() {
		return nil, fmt.Errorf("both legs point at %s, two distinct venues are required", connA.Name())
	}

	repCfg := replica.Config{
		BackoffBase: cfg.Stream.BackoffBase,
		BackoffMax:  cfg.Stream.BackoffMax,
	}
	repA := replica.New(connA, repCfg, log, m)
	repB := replica.New(connB, repCfg, log, m)

	execCfg := exec.Config{
		AggressiveOffsetPct: cfg.Hedge.AggressiveOffsetPct,
		FillTimeout:         cfg.Hedge.FillTimeout,
		PollInterval:        cfg.Hedge.PollInterval,
	}
	execA := exec.New(connA, repA, execCfg, store, log, m)
	execB := exec.New(connB, repB, execCfg, store, log, m)

	telegram := alerts.NewTelegram(cfg.Telegram, log)
	notify := alerts.NewFanout(telegram, alerts.NewLark(cfg.Lark, log))

	coord := hedge.New(execA, execB, hedge.Config{
		HoldTime:         cfg.Hedge.HoldTime,
		TakeProfitPct:    cfg.Hedge.TakeProfitPct,
		StopLossPct:      cfg.Hedge.StopLossPct,
		Reverse:          cfg.Hedge.Reverse,
		QtyTolerancePct:  cfg.Hedge.QtyTolerancePct,
		DeviationWarnPct: cfg.Hedge.DeviationWarnPct,
		CloseAttempts:    cfg.Hedge.CloseAttempts,
	}, log, m, notify)

	jw, err := journal.New(cfg.Journal, log)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	hw, err := history.New(cfg.History, log)
	if err != nil {
		return nil, fmt.Errorf("open history writer: %w", err)
	}
	repA.SetJournal(jw)
	repB.SetJournal(jw)
	coord.SetJournal(jw)

	return &App{
		cfg:      cfg,
		log:      log,
		store:    store,
		connA:    connA,
		connB:    connB,
		repA:     repA,
		repB:     repB,
		coord:    coord,
		journal:  jw,
		history:  hw,
		telegram: telegram,
		notify:   notify,
		metrics:  m,
		prom:     prom,
	}, nil
}

func newConnector(vc config.VenueConfig, log *zap.Logger) (venue.Connector, error) {
	switch vc.Kind {
	case config.VenueKindLighter:
		return lighter.New(vc, log), nil
	case config.VenueKindGRVT:
		return grvt.New(vc, log)
	default:
		return nil, fmt.Errorf("unknown venue kind %q", vc.Kind)
	}
}

type initializer interface {
	Init(ctx context.Context) error
}

func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	a.journal.Start(ctx)
	defer a.journal.Close()
	a.history.Start(ctx)
	defer a.history.Close()
	if a.prom != nil {
		go a.serveMetrics(ctx)
	}

	if snap, ok, err := state.LoadCycleSnapshot(ctx, a.store); err != nil {
		a.log.Warn("cycle snapshot load failed", zap.Error(err))
	} else if ok {
		a.log.Info("previous run state",
			zap.Int("cycle", snap.Cycle),
			zap.String("state", snap.State),
			zap.String("trigger", snap.Trigger),
		)
		if snap.State == cycleStateHalted || snap.State == cycleStateOpen {
			a.log.Warn("previous run did not end flat, check venue positions before trading",
				zap.String("state", snap.State))
		}
	}

	for _, conn := range []venue.Connector{a.connA, a.connB} {
		init, ok := conn.(initializer)
		if !ok {
			continue
		}
		if err := init.Init(ctx); err != nil {
			return fmt.Errorf("init %s: %w", conn.Name(), err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.runReplica(runCtx, a.repA)
	go a.runReplica(runCtx, a.repB)

	for _, rep := range []*replica.Replica{a.repA, a.repB} {
		if err := waitReady(ctx, rep, a.cfg.Stream.ReadyTimeout); err != nil {
			return err
		}
	}
	a.log.Info("streams ready",
		zap.String("venue_a", a.connA.Name()),
		zap.String("venue_b", a.connB.Name()),
	)

	if a.telegram.Enabled() {
		go a.operatorLoop(ctx)
	}

	return a.cycleLoop(ctx)
}

func (a *App) runReplica(ctx context.Context, rep *replica.Replica) {
	if err := rep.Run(ctx); err != nil && ctx.Err() == nil {
		a.log.Error("replica stopped", zap.Error(err))
	}
}

// bookReader is the readiness probe side of a stream replica.
type bookReader interface {
	Book() (replica.BookSnapshot, error)
}

func waitReady(ctx context.Context, rep bookReader, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()
	for {
		if _, err := rep.Book(); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("stream not ready after %s", timeout)
		case <-ticker.C:
		}
	}
}

func (a *App) cycleLoop(ctx context.Context) error {
	for cycle := 1; ; cycle++ {
		if max := a.cfg.Hedge.MaxCycles; max > 0 && cycle > max {
			a.log.Info("cycle budget exhausted", zap.Int("cycles", max))
			return nil
		}
		if err := a.waitWhilePaused(ctx); err != nil {
			return err
		}
		if err := a.checkBalances(ctx); err != nil {
			a.alert(ctx, fmt.Sprintf("WARNING: halting: %v", err))
			return err
		}
		a.setCycle(cycle)

		err := a.runCycle(ctx, cycle)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, hedge.ErrRollbackFailed):
			// A one-sided position is live on a venue. Trading must
			// not resume until a human has dealt with it.
			a.journal.Record(journal.Entry{Kind: journal.KindFatalResidual, Cycle: cycle,
				Fields: map[string]any{"error": err.Error()}})
			a.saveSnapshot(ctx, cycle, cycleStateHalted, "")
			return err
		default:
			a.log.Warn("cycle failed", zap.Int("cycle", cycle), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.cfg.Hedge.Cooldown):
		}
	}
}

const (
	cycleStateOpening = "opening"
	cycleStateOpen    = "open"
	cycleStateClosed  = "closed"
	cycleStateHalted  = "halted"
)

func (a *App) runCycle(ctx context.Context, cycle int) error {
	notional := a.cfg.Hedge.NotionalUSD
	a.journal.Record(journal.Entry{Kind: journal.KindOpenAttempt, Cycle: cycle,
		Fields: map[string]any{"notional_usd": notional}})
	a.saveSnapshot(ctx, cycle, cycleStateOpening, "")

	pos, err := a.coord.Open(ctx, notional)
	if err != nil {
		if errors.Is(err, hedge.ErrPartialOpenRolledBack) {
			a.journal.Record(journal.Entry{Kind: journal.KindOpenRollback, Cycle: cycle,
				Fields: map[string]any{"error": err.Error()}})
		}
		return err
	}
	a.journal.Record(journal.Entry{Kind: journal.KindOpenSuccess, Cycle: cycle,
		Fields: map[string]any{
			"qty_a":   pos.LegA.Quantity(),
			"qty_b":   pos.LegB.Quantity(),
			"entry_a": pos.LegA.EntryPrice,
			"entry_b": pos.LegB.EntryPrice,
		}})

	mon := monitor.New(a.repA, a.repB, a.cfg.Hedge.MonitorInterval, a.log, a.metrics)
	mon.Opened(pos)
	a.setPosition(pos, mon)
	defer a.setPosition(nil, nil)
	a.saveSnapshot(ctx, cycle, cycleStateOpen, "")

	trigger, watchErr := mon.Watch(ctx)
	if watchErr != nil {
		// Shutdown mid-hold. The hedge must not survive the process;
		// unwind on a fresh bounded context.
		closeCtx, cancel := context.WithTimeout(context.Background(), unwindTimeout)
		defer cancel()
		if closeErr := a.closePosition(closeCtx, cycle, mon, pos, "SHUTDOWN"); closeErr != nil {
			a.log.Error("shutdown unwind failed", zap.Error(closeErr))
		}
		return watchErr
	}
	if trigger == monitor.TriggerTakeProfit || trigger == monitor.TriggerStopLoss {
		a.journal.Record(journal.Entry{Kind: journal.KindThresholdTrigger, Cycle: cycle,
			Fields: map[string]any{"trigger": string(trigger)}})
	}
	return a.closePosition(ctx, cycle, mon, pos, string(trigger))
}

func (a *App) closePosition(ctx context.Context, cycle int, mon *monitor.Monitor, pos *hedge.Position, trigger string) error {
	a.journal.Record(journal.Entry{Kind: journal.KindCloseAttempt, Cycle: cycle,
		Fields: map[string]any{"trigger": trigger}})
	heldFor := time.Since(pos.OpenedAt)

	if err := a.coord.Close(ctx, pos); err != nil {
		mon.Fail(err)
		a.recordHistory(cycle, pos, trigger, "close_incomplete", heldFor)
		return err
	}
	mon.Closed()
	a.journal.Record(journal.Entry{Kind: journal.KindCloseSuccess, Cycle: cycle,
		Fields: map[string]any{"trigger": trigger, "held_for": heldFor.String()}})
	a.recordHistory(cycle, pos, trigger, "closed", heldFor)
	a.saveSnapshot(ctx, cycle, cycleStateClosed, trigger)
	a.log.Info("cycle complete",
		zap.Int("cycle", cycle),
		zap.String("trigger", trigger),
		zap.Duration("held_for", heldFor),
	)
	return nil
}

func (a *App) recordHistory(cycle int, pos *hedge.Position, trigger, outcome string, heldFor time.Duration) {
	a.history.Enqueue(history.CycleRecord{
		Time:        time.Now().UTC(),
		Cycle:       cycle,
		VenueA:      pos.LegA.Venue,
		VenueB:      pos.LegB.Venue,
		SideA:       string(pos.LegA.Side),
		SideB:       string(pos.LegB.Side),
		QtyA:        pos.LegA.Quantity(),
		QtyB:        pos.LegB.Quantity(),
		EntryPriceA: pos.LegA.EntryPrice,
		EntryPriceB: pos.LegB.EntryPrice,
		NotionalUSD: a.cfg.Hedge.NotionalUSD,
		Trigger:     trigger,
		Outcome:     outcome,
		HeldFor:     heldFor,
	})
}

func (a *App) saveSnapshot(ctx context.Context, cycle int, cycleState, trigger string) {
	snap := state.CycleSnapshot{
		Cycle:       cycle,
		State:       cycleState,
		VenueA:      a.connA.Name(),
		VenueB:      a.connB.Name(),
		NotionalUSD: a.cfg.Hedge.NotionalUSD,
		Trigger:     trigger,
		UpdatedAtMS: time.Now().UTC().UnixMilli(),
	}
	if pos := a.currentPosition(); pos != nil {
		snap.OpenedAtMS = pos.OpenedAt.UnixMilli()
	}
	if err := state.SaveCycleSnapshot(ctx, a.store, snap); err != nil {
		a.log.Warn("cycle snapshot save failed", zap.Error(err))
	}
}

// checkBalances refuses to open a new hedge when either venue's free
// collateral is below the configured floor.
func (a *App) checkBalances(ctx context.Context) error {
	min := a.cfg.Hedge.MinBalanceUSD
	if min <= 0 {
		return nil
	}
	for _, conn := range []venue.Connector{a.connA, a.connB} {
		balance, err := conn.QueryBalance(ctx)
		if err != nil {
			return fmt.Errorf("balance query on %s: %w", conn.Name(), err)
		}
		if balance < min {
			return fmt.Errorf("balance %.2f USD on %s below minimum %.2f", balance, conn.Name(), min)
		}
	}
	return nil
}

func (a *App) waitWhilePaused(ctx context.Context) error {
	for a.isPaused() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return nil
}

func (a *App) alert(ctx context.Context, message string) {
	if a.notify == nil {
		return
	}
	if err := a.notify.Send(ctx, message); err != nil {
		a.log.Warn("alert send failed", zap.Error(err))
	}
}

func (a *App) serveMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.prom.Handler())
	server := &http.Server{Addr: a.cfg.Metrics.Listen, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	a.log.Info("metrics listening", zap.String("addr", a.cfg.Metrics.Listen))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.log.Warn("metrics server stopped", zap.Error(err))
	}
}

func (a *App) setCycle(cycle int) {
	a.opsMu.Lock()
	a.cycle = cycle
	a.opsMu.Unlock()
}

func (a *App) currentCycle() int {
	a.opsMu.RLock()
	defer a.opsMu.RUnlock()
	return a.cycle
}

func (a *App) setPosition(pos *hedge.Position, mon *monitor.Monitor) {
	a.opsMu.Lock()
	a.position = pos
	a.monitor = mon
	a.opsMu.Unlock()
}

func (a *App) currentPosition() *hedge.Position {
	a.opsMu.RLock()
	defer a.opsMu.RUnlock()
	return a.position
}

func (a *App) currentMonitor() *monitor.Monitor {
	a.opsMu.RLock()
	defer a.opsMu.RUnlock()
	return a.monitor
}
