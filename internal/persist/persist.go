// Package persist writes room snapshots to the store behind the broadcast path.
// Reads that must not miss a queued write go through Writer.Load.
package persist

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/manpreetbhatti/codeshare/internal/store"
)

type Config struct {
	FlushInterval time.Duration
	WriteTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		FlushInterval: 2 * time.Second,
		WriteTimeout:  5 * time.Second,
	}
}

type Stats struct {
	Written int64 `json:"written"`
	Failed  int64 `json:"failed"`
	Pending int   `json:"pending"`
}

// Writer coalesces snapshot writes per room and flushes them from a single
// worker. Enqueue never blocks on the store.
type Writer struct {
	store  store.SnapshotStore
	config Config
	logger *slog.Logger

	mu       sync.Mutex // protects pending and inflight
	pending  map[string]store.Record
	inflight map[string]store.Record // taken by the running flush, not yet saved

	flushMu sync.Mutex // serializes flushes so a room's writes land in order

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	written atomic.Int64
	failed  atomic.Int64
}

func New(st store.SnapshotStore, config Config, logger *slog.Logger) *Writer {
	if config.FlushInterval <= 0 {
		config.FlushInterval = DefaultConfig().FlushInterval
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultConfig().WriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		store:   st,
		config:  config,
		logger:  logger,
		pending: make(map[string]store.Record),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
}

func (w *Writer) Start() {
	w.wg.Add(1)
	go w.run()
	w.logger.Info("snapshot writer started", "interval", w.config.FlushInterval)
}

// Stop ends the worker and writes whatever is still pending.
func (w *Writer) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		w.wg.Wait()
		w.Flush()
		w.logger.Info("snapshot writer stopped", "written", w.written.Load(), "failed", w.failed.Load())
	})
}

// Enqueue records the latest state of a room. An older pending record for
// the same room is replaced.
func (w *Writer) Enqueue(rec store.Record) {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	w.mu.Lock()
	w.pending[rec.RoomID] = rec
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Writer) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-w.wake:
			w.Flush()
		case <-ticker.C:
			w.Flush()
		}
	}
}

// Flush writes every pending record synchronously.
func (w *Writer) Flush() {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	batch := w.pending
	w.pending = make(map[string]store.Record, len(batch))
	w.inflight = batch
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.inflight = nil
		w.mu.Unlock()
	}()

	for _, rec := range batch {
		ctx, cancel := context.WithTimeout(context.Background(), w.config.WriteTimeout)
		err := w.store.Save(ctx, rec)
		cancel()
		if err != nil {
			w.failed.Add(1)
			w.logger.Error("snapshot write failed", "room", rec.RoomID, "err", err)
			continue
		}
		w.written.Add(1)
	}
}

// Load returns the newest known record for a room: a pending or in-flight
// write if there is one, otherwise what the store holds.
func (w *Writer) Load(ctx context.Context, roomID string) (store.Record, error) {
	w.mu.Lock()
	rec, ok := w.pending[roomID]
	if !ok {
		rec, ok = w.inflight[roomID]
	}
	w.mu.Unlock()
	if ok {
		return rec, nil
	}
	return w.store.Load(ctx, roomID)
}

func (w *Writer) Stats() Stats {
	w.mu.Lock()
	pending := len(w.pending)
	w.mu.Unlock()
	return Stats{
		Written: w.written.Load(),
		Failed:  w.failed.Load(),
		Pending: pending,
	}
}
