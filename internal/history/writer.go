// Package history persists one row per completed hedge cycle to
// Postgres/Timescale for offline analysis. Like the journal it never
// blocks the trading loop: rows queue into a channel and overflow is
// dropped with a counter.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"hedge-volume-bot/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// CycleRecord summarizes one open→hold→close round trip.
type CycleRecord struct {
	Time        time.Time
	Cycle       int
	VenueA      string
	VenueB      string
	SideA       string
	SideB       string
	QtyA        float64
	QtyB        float64
	EntryPriceA float64
	EntryPriceB float64
	NotionalUSD float64
	Trigger     string
	Outcome     string
	HeldFor     time.Duration
}

type Writer struct {
	db       *sql.DB
	log      *zap.Logger
	table    string
	cycles   chan CycleRecord
	started  atomic.Bool
	drops    atomic.Uint64
	stop     chan struct{}
	stopOnce sync.Once
}

// New returns nil when history is disabled; a nil *Writer is safe.
func New(cfg config.HistoryConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("history dsn is required")
	}
	table := strings.TrimSpace(cfg.Table)
	if table == "" {
		table = "hedge_cycles"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	writer := &Writer{
		db:     db,
		log:    log,
		table:  table,
		cycles: make(chan CycleRecord, 256),
		stop:   make(chan struct{}),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

// Close stops the run loop before releasing the database so no write
// races the shutdown.
func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	w.stopOnce.Do(func() { close(w.stop) })
	return w.db.Close()
}

func (w *Writer) Enqueue(rec CycleRecord) {
	if w == nil {
		return
	}
	select {
	case w.cycles <- rec:
	default:
		if w.drops.Add(1) == 1 && w.log != nil {
			w.log.Warn("history queue full, dropping cycle records")
		}
	}
}

func (w *Writer) Dropped() uint64 {
	if w == nil {
		return 0
	}
	return w.drops.Load()
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case rec := <-w.cycles:
			w.writeCycle(ctx, rec)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		cycle INTEGER NOT NULL,
		venue_a TEXT NOT NULL,
		venue_b TEXT NOT NULL,
		side_a TEXT NOT NULL,
		side_b TEXT NOT NULL,
		qty_a DOUBLE PRECISION NOT NULL,
		qty_b DOUBLE PRECISION NOT NULL,
		entry_price_a DOUBLE PRECISION NOT NULL,
		entry_price_b DOUBLE PRECISION NOT NULL,
		notional_usd DOUBLE PRECISION NOT NULL,
		trigger TEXT NOT NULL,
		outcome TEXT NOT NULL,
		held_for_seconds DOUBLE PRECISION NOT NULL
	)`, w.table)); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table)); err != nil && w.log != nil {
		w.log.Warn("hypertable create failed", zap.Error(err))
	}
	return nil
}

func (w *Writer) writeCycle(ctx context.Context, rec CycleRecord) {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, cycle, venue_a, venue_b, side_a, side_b,
		qty_a, qty_b, entry_price_a, entry_price_b,
		notional_usd, trigger, outcome, held_for_seconds
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`, w.table)
	if _, err := w.db.ExecContext(writeCtx, query,
		rec.Time, rec.Cycle, rec.VenueA, rec.VenueB, rec.SideA, rec.SideB,
		rec.QtyA, rec.QtyB, rec.EntryPriceA, rec.EntryPriceB,
		rec.NotionalUSD, rec.Trigger, rec.Outcome, rec.HeldFor.Seconds(),
	); err != nil && w.log != nil {
		w.log.Warn("cycle record write failed", zap.Error(err), zap.Int("cycle", rec.Cycle))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	execCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(execCtx, query)
	return err
}
