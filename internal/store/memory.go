package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory keeps records in a map. Used for tests and ephemeral servers.
type Memory struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record)}
}

func (m *Memory) Save(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	m.records[rec.RoomID] = rec
	return nil
}

func (m *Memory) Load(_ context.Context, roomID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[roomID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *Memory) List(_ context.Context, limit, offset int) ([]Record, error) {
	m.mu.RLock()
	all := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		all = append(all, rec)
	}
	m.mu.RUnlock()

	sortNewestFirst(all)
	return page(all, limit, offset), nil
}

func (m *Memory) Delete(_ context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, roomID)
	return nil
}

func (m *Memory) Close() error { return nil }

func sortNewestFirst(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].UpdatedAt.Equal(recs[j].UpdatedAt) {
			return recs[i].RoomID < recs[j].RoomID
		}
		return recs[i].UpdatedAt.After(recs[j].UpdatedAt)
	})
}

func page(recs []Record, limit, offset int) []Record {
	if offset >= len(recs) {
		return []Record{}
	}
	recs = recs[offset:]
	if limit > 0 && limit < len(recs) {
		recs = recs[:limit]
	}
	return recs
}
