package client

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/manpreetbhatti/codeshare/internal/protocol"
)

// DefaultTypingInterval applies until the room tells us otherwise.
const DefaultTypingInterval = 50 * time.Millisecond

// ErrDiverged means a relayed patch does not fit the local document.
var ErrDiverged = errors.New("local document diverged from room")

// Timer is a cancellable pending callback.
type Timer interface {
	Stop() bool
}

// Scheduler runs f after d. Callbacks must run on the same goroutine that
// drives the Reconciler.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// Reconciler coalesces local edits into batches and applies remote state.
// It is single-threaded: every method, and every Scheduler callback, must
// run on the owner's event loop.
type Reconciler struct {
	editor   Editor
	send     func(protocol.EditBatch) error
	sched    Scheduler
	interval time.Duration
	logger   *slog.Logger

	pending  []protocol.Patch
	timer    Timer
	timerGen uint64
	closed   bool
}

func NewReconciler(editor Editor, send func(protocol.EditBatch) error, sched Scheduler, interval time.Duration, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = DefaultTypingInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reconciler{
		editor:   editor,
		send:     send,
		sched:    sched,
		interval: interval,
		logger:   logger,
	}
	editor.OnEdit(r.capture)
	return r
}

func (r *Reconciler) capture(ch Change) {
	if ch.Origin != OriginLocal || r.closed {
		return
	}
	r.pending = append(r.pending, ch.Patch)
	r.resetTimer()
}

func (r *Reconciler) resetTimer() {
	r.stopTimer()
	gen := r.timerGen
	r.timer = r.sched.AfterFunc(r.interval, func() {
		// A callback that was already queued when the timer was reset is stale.
		if gen == r.timerGen {
			r.Flush()
		}
	})
}

func (r *Reconciler) stopTimer() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.timerGen++
}

// Flush sends the queued patches as one batch with the current snapshot.
// A failed send is not retried.
func (r *Reconciler) Flush() {
	r.stopTimer()
	if r.closed || len(r.pending) == 0 {
		return
	}
	batch := protocol.EditBatch{
		Patches:  r.pending,
		Snapshot: r.editor.Value(),
		Cursor:   r.editor.Cursor(),
	}
	r.pending = nil
	if err := r.send(batch); err != nil {
		r.logger.Warn("edit batch not sent", "patches", len(batch.Patches), "err", err)
	}
}

// Pending reports how many local patches are waiting for the timer.
func (r *Reconciler) Pending() int { return len(r.pending) }

func (r *Reconciler) Interval() time.Duration { return r.interval }

// SetTypingInterval adopts the room interval. Non-positive values are ignored.
func (r *Reconciler) SetTypingInterval(ms int) {
	if ms <= 0 {
		return
	}
	r.interval = time.Duration(ms) * time.Millisecond
}

// ApplyBootstrap replaces the local document with the room state. Local
// patches not yet flushed were made against the old text and are dropped.
// The local cursor is kept where it was, clamped to the new text.
func (r *Reconciler) ApplyBootstrap(b protocol.Bootstrap) {
	r.SetTypingInterval(b.TypingIntervalMs)
	r.Discard()
	cursor := r.editor.Cursor()
	r.editor.SetValue(b.Text, OriginRemote)
	r.editor.SetCursor(protocol.Clamp(b.Text, cursor))
}

// ApplyRelay applies a peer's patches in order and then its cursor. If a
// patch does not fit, the document is left as far as it got and ErrDiverged
// is returned so the caller can ask for a resync.
func (r *Reconciler) ApplyRelay(rel protocol.EditRelay) error {
	for i, p := range rel.Patches {
		if err := r.editor.ApplyPatch(p, OriginRemote); err != nil {
			return fmt.Errorf("%w: patch %d of revision %d: %v", ErrDiverged, i, rel.Revision, err)
		}
	}
	if len(rel.Patches) > 0 {
		r.editor.SetCursor(rel.Cursor)
	}
	return nil
}

// Discard cancels the timer and drops unflushed patches.
func (r *Reconciler) Discard() {
	r.stopTimer()
	if n := len(r.pending); n > 0 {
		r.logger.Debug("discarding unflushed patches", "patches", n)
	}
	r.pending = nil
}

// Close discards pending work and stops capturing edits.
func (r *Reconciler) Close() {
	r.Discard()
	r.closed = true
}
