// Package journal keeps an append-only msgpack log of trading events
// so a cycle can be reconstructed after the fact. Writes go through a
// buffered queue; when the queue is full events are dropped and
// counted rather than blocking the trading loop.
package journal

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"hedge-volume-bot/internal/config"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

const (
	KindOpenAttempt      = "open_attempt"
	KindOpenSuccess      = "open_success"
	KindOpenRollback     = "open_rollback"
	KindCloseAttempt     = "close_attempt"
	KindCloseSuccess     = "close_success"
	KindThresholdTrigger = "threshold_trigger"
	KindDeviationWarning = "deviation_warning"
	KindStreamGap        = "stream_gap"
	KindStreamResync     = "stream_resync"
	KindFatalResidual    = "fatal_residual"
)

type Entry struct {
	Time   time.Time      `msgpack:"ts"`
	Kind   string         `msgpack:"kind"`
	Cycle  int            `msgpack:"cycle,omitempty"`
	Venue  string         `msgpack:"venue,omitempty"`
	Fields map[string]any `msgpack:"fields,omitempty"`
}

type Writer struct {
	file     *os.File
	entries  chan Entry
	started  atomic.Bool
	dropped  atomic.Uint64
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	log      *zap.Logger
}

// New returns nil when the journal is disabled; a nil *Writer is safe
// to use everywhere.
func New(cfg config.JournalConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.Path == "" {
		return nil, errors.New("journal path is required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	return newWriter(file, queueSize, log), nil
}

func newWriter(file *os.File, queueSize int, log *zap.Logger) *Writer {
	return &Writer{
		file:    file,
		entries: make(chan Entry, queueSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		log:     log,
	}
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

// Record enqueues one entry without blocking.
func (w *Writer) Record(entry Entry) {
	if w == nil {
		return
	}
	if entry.Time.IsZero() {
		entry.Time = time.Now().UTC()
	}
	select {
	case w.entries <- entry:
	default:
		if w.dropped.Add(1) == 1 && w.log != nil {
			w.log.Warn("journal queue full, dropping events")
		}
	}
}

func (w *Writer) Dropped() uint64 {
	if w == nil {
		return 0
	}
	return w.dropped.Load()
}

func (w *Writer) run(ctx context.Context) {
	defer close(w.done)
	enc := msgpack.NewEncoder(w.file)
	for {
		select {
		case <-ctx.Done():
			w.drain(enc)
			return
		case <-w.stop:
			w.drain(enc)
			return
		case entry := <-w.entries:
			w.write(enc, entry)
		}
	}
}

// drain flushes whatever is already queued before the loop stops.
func (w *Writer) drain(enc *msgpack.Encoder) {
	for {
		select {
		case entry := <-w.entries:
			w.write(enc, entry)
		default:
			return
		}
	}
}

func (w *Writer) write(enc *msgpack.Encoder, entry Entry) {
	if err := enc.Encode(entry); err != nil && w.log != nil {
		w.log.Warn("journal write failed", zap.Error(err))
	}
}

// Close stops the run loop, flushes queued entries and closes the
// file. It does not require the Start context to have ended.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.stopOnce.Do(func() { close(w.stop) })
	if w.started.Load() {
		<-w.done
	}
	return w.file.Close()
}

// ReadAll decodes every entry in a journal file, oldest first.
func ReadAll(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	dec := msgpack.NewDecoder(file)
	var entries []Entry
	for {
		var entry Entry
		if err := dec.Decode(&entry); err != nil {
			if errors.Is(err, io.EOF) {
				return entries, nil
			}
			return entries, err
		}
		entries = append(entries, entry)
	}
}
