package persist

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/codeshare/internal/store"
)

// recordingStore counts saves per room and can be told to fail.
type recordingStore struct {
	*store.Memory
	mu    sync.Mutex
	saves map[string]int
	fail  bool
}

func newRecordingStore() *recordingStore {
	return &recordingStore{Memory: store.NewMemory(), saves: make(map[string]int)}
}

func (s *recordingStore) Save(ctx context.Context, rec store.Record) error {
	s.mu.Lock()
	s.saves[rec.RoomID]++
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return s.Memory.Save(ctx, rec)
}

func (s *recordingStore) saveCount(roomID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves[roomID]
}

// A long interval keeps the ticker out of the way; tests flush explicitly.
var manual = Config{FlushInterval: time.Hour, WriteTimeout: time.Second}

func TestEnqueueCoalescesPerRoom(t *testing.T) {
	st := newRecordingStore()
	w := New(st, manual, nil)

	w.Enqueue(store.Record{RoomID: "a", Text: "1"})
	w.Enqueue(store.Record{RoomID: "a", Text: "12"})
	w.Enqueue(store.Record{RoomID: "a", Text: "123"})
	w.Enqueue(store.Record{RoomID: "b", Text: "x"})
	assert.Equal(t, 2, w.Stats().Pending)

	w.Flush()

	assert.Equal(t, 1, st.saveCount("a"))
	assert.Equal(t, 1, st.saveCount("b"))
	rec, err := st.Load(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "123", rec.Text)

	stats := w.Stats()
	assert.Equal(t, int64(2), stats.Written)
	assert.Zero(t, stats.Pending)
}

func TestFailedWritesAreCounted(t *testing.T) {
	st := newRecordingStore()
	st.fail = true
	w := New(st, manual, nil)

	w.Enqueue(store.Record{RoomID: "a", Text: "lost"})
	w.Flush()

	stats := w.Stats()
	assert.Equal(t, int64(1), stats.Failed)
	assert.Zero(t, stats.Written)

	_, err := st.Load(context.Background(), "a")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestWorkerFlushesOnEnqueue(t *testing.T) {
	st := newRecordingStore()
	w := New(st, manual, nil)
	w.Start()
	defer w.Stop()

	w.Enqueue(store.Record{RoomID: "a", Text: "async"})

	require.Eventually(t, func() bool {
		rec, err := st.Load(context.Background(), "a")
		return err == nil && rec.Text == "async"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStopWritesPending(t *testing.T) {
	st := newRecordingStore()
	w := New(st, manual, nil)
	w.Start()

	w.Enqueue(store.Record{RoomID: "a", Text: "last words"})
	w.Stop()
	w.Stop()

	rec, err := st.Load(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "last words", rec.Text)
	assert.Zero(t, w.Stats().Pending)
}

func TestEnqueueStampsUpdatedAt(t *testing.T) {
	st := newRecordingStore()
	w := New(st, manual, nil)

	w.Enqueue(store.Record{RoomID: "a"})
	w.Flush()

	rec, err := st.Load(context.Background(), "a")
	require.NoError(t, err)
	assert.False(t, rec.UpdatedAt.IsZero())
}

// slowStore holds every Save until release is closed.
type slowStore struct {
	*store.Memory
	release chan struct{}
	started chan struct{}
}

func (s *slowStore) Save(ctx context.Context, rec store.Record) error {
	select {
	case s.started <- struct{}{}:
	default:
	}
	<-s.release
	return s.Memory.Save(ctx, rec)
}

func TestLoadSeesQueuedWrites(t *testing.T) {
	ctx := context.Background()
	st := newRecordingStore()
	require.NoError(t, st.Memory.Save(ctx, store.Record{RoomID: "a", Text: "stored"}))
	w := New(st, manual, nil)

	rec, err := w.Load(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "stored", rec.Text)

	w.Enqueue(store.Record{RoomID: "a", Text: "queued"})
	rec, err = w.Load(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "queued", rec.Text)

	_, err = w.Load(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestLoadSeesInFlightWrites(t *testing.T) {
	ctx := context.Background()
	st := &slowStore{Memory: store.NewMemory(), release: make(chan struct{}), started: make(chan struct{}, 1)}
	w := New(st, manual, nil)

	w.Enqueue(store.Record{RoomID: "a", Text: "saving"})
	done := make(chan struct{})
	go func() {
		w.Flush()
		close(done)
	}()
	<-st.started

	rec, err := w.Load(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "saving", rec.Text)

	close(st.release)
	<-done
	rec, err = w.Load(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "saving", rec.Text)
}
