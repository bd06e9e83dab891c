package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/manpreetbhatti/codeshare/internal/store"
)

// Loader reads the persisted state of a room. store.SnapshotStore satisfies it.
type Loader interface {
	Load(ctx context.Context, roomID string) (store.Record, error)
}

// Persister accepts snapshot records without blocking.
type Persister interface {
	Enqueue(rec store.Record)
}

type Config struct {
	DefaultLanguage         string
	DefaultTypingIntervalMs int
	EvictionGrace           time.Duration // how long an empty room survives to absorb reconnects
	LoadTimeout             time.Duration
	MaxPatches              int // per batch
	MaxSnapshotBytes        int
}

func DefaultConfig() Config {
	return Config{
		DefaultLanguage:         "javascript",
		DefaultTypingIntervalMs: 50,
		EvictionGrace:           30 * time.Second,
		LoadTimeout:             5 * time.Second,
		MaxPatches:              1000,
		MaxSnapshotBytes:        1 << 20,
	}
}

type Stats struct {
	Rooms        int `json:"rooms"`
	Participants int `json:"participants"`
}

// Registry owns every live Room. Its own mutex only guards the map; room
// state is guarded by each room's mutex.
type Registry struct {
	mu     sync.Mutex
	rooms  map[string]*Room
	closed bool

	loader    Loader
	persister Persister
	config    Config
	logger    *slog.Logger
}

// NewRegistry builds a registry. loader and persister may be nil.
func NewRegistry(loader Loader, persister Persister, config Config, logger *slog.Logger) *Registry {
	def := DefaultConfig()
	if config.DefaultLanguage == "" {
		config.DefaultLanguage = def.DefaultLanguage
	}
	if config.DefaultTypingIntervalMs <= 0 {
		config.DefaultTypingIntervalMs = def.DefaultTypingIntervalMs
	}
	if config.LoadTimeout <= 0 {
		config.LoadTimeout = def.LoadTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		rooms:     make(map[string]*Room),
		loader:    loader,
		persister: persister,
		config:    config,
		logger:    logger,
	}
}

// getOrCreate returns the live room for id, creating it if absent.
func (g *Registry) getOrCreate(id string) (*Room, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, ErrClosed
	}
	r, ok := g.rooms[id]
	if !ok {
		r = newRoom(id, g.config)
		g.rooms[id] = r
		g.logger.Debug("room created", "room", id)
	}
	return r, nil
}

func (g *Registry) lookup(id string) (*Room, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRoom, id)
	}
	return r, nil
}

// acquire locks the live room for id. The caller must unlock it.
func (g *Registry) acquire(id string) (*Room, error) {
	r, err := g.lookup(id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownRoom, id)
	}
	return r, nil
}

// loadLocked fills a fresh room from the snapshot store. A failed load
// leaves the room empty.
func (g *Registry) loadLocked(ctx context.Context, r *Room) {
	r.loaded = true
	if g.loader == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, g.config.LoadTimeout)
	defer cancel()

	rec, err := g.loader.Load(ctx, r.ID)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		g.logger.Error("snapshot load failed, starting empty", "room", r.ID, "err", err)
		return
	}
	r.doc.Text = rec.Text
	if rec.Language != "" {
		r.language = rec.Language
	}
	g.logger.Info("room restored from snapshot", "room", r.ID, "bytes", len(rec.Text))
}

func (g *Registry) persistLocked(r *Room) {
	if g.persister == nil {
		return
	}
	g.persister.Enqueue(store.Record{
		RoomID:    r.ID,
		Text:      r.doc.Text,
		Language:  r.language,
		UpdatedAt: time.Now().UTC(),
	})
}

// settleLocked finishes an operation: participants whose sink failed are
// removed, and an empty room is scheduled for eviction. When it returns
// evict=true the caller must call g.evict(r, gen) after unlocking r.
func (g *Registry) settleLocked(r *Room) (gen uint64, evict bool) {
	for len(r.dead) > 0 {
		dead := r.dead
		r.dead = nil
		for _, id := range dead {
			if p, ok := r.removeLocked(id); ok {
				g.logger.Warn("participant dropped after send failure", "room", r.ID, "participant", id)
				g.announceLeaveLocked(r, p)
			}
		}
	}
	if len(r.participants) > 0 || r.released || r.evictTimer != nil {
		return 0, false
	}
	r.evictGen++
	gen = r.evictGen
	if g.config.EvictionGrace > 0 {
		r.evictTimer = time.AfterFunc(g.config.EvictionGrace, func() { g.evict(r, gen) })
		return 0, false
	}
	return gen, true
}

// evict drops r from the registry if it is still empty and no join has
// happened since eviction was scheduled.
func (g *Registry) evict(r *Room, gen uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.released || r.evictGen != gen || len(r.participants) > 0 {
		return
	}
	r.released = true
	r.evictTimer = nil
	if g.rooms[r.ID] == r {
		delete(g.rooms, r.ID)
	}
	g.logger.Info("room closed (empty)", "room", r.ID, "revision", r.doc.Revision)
}

// unlock releases r and runs a pending eviction.
func (g *Registry) unlock(r *Room) {
	gen, evict := g.settleLocked(r)
	r.mu.Unlock()
	if evict {
		g.evict(r, gen)
	}
}

// SnapshotState returns the bootstrap view of a live room.
func (g *Registry) SnapshotState(roomID string) (State, error) {
	r, err := g.acquire(roomID)
	if err != nil {
		return State{}, err
	}
	defer r.mu.Unlock()
	return r.stateLocked(), nil
}

// ActiveRooms maps live room ids to their participant counts.
func (g *Registry) ActiveRooms() map[string]int {
	g.mu.Lock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	g.mu.Unlock()

	active := make(map[string]int, len(rooms))
	for _, r := range rooms {
		r.mu.Lock()
		if !r.released {
			active[r.ID] = len(r.participants)
		}
		r.mu.Unlock()
	}
	return active
}

func (g *Registry) Stats() Stats {
	var s Stats
	for _, n := range g.ActiveRooms() {
		s.Rooms++
		s.Participants += n
	}
	return s
}

// Close stops pending evictions and refuses new joins. Rooms keep their
// last enqueued snapshot.
func (g *Registry) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	for _, r := range g.rooms {
		r.mu.Lock()
		if r.evictTimer != nil {
			r.evictTimer.Stop()
			r.evictTimer = nil
		}
		r.mu.Unlock()
	}
}
