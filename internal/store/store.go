// Package store persists the canonical text and language of each room.
//
// The room engine treats every backend as an opaque upsert/read key-value
// store keyed by room id. Writes arrive through the persist writer, reads
// happen when a room is first created in the registry.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when no record exists for a room
var ErrNotFound = errors.New("snapshot not found")

// Record is the persisted state of a room.
type Record struct {
	RoomID    string    `json:"room_id"`
	Text      string    `json:"text"`
	Language  string    `json:"language"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SnapshotStore is implemented by every backend.
// All implementations must be safe for concurrent use.
type SnapshotStore interface {
	// Save upserts the record for rec.RoomID
	Save(ctx context.Context, rec Record) error

	// Load returns ErrNotFound if the room was never saved
	Load(ctx context.Context, roomID string) (Record, error)

	// List returns records ordered by most recent update first
	List(ctx context.Context, limit, offset int) ([]Record, error)

	// Delete removes a record. No error if it does not exist
	Delete(ctx context.Context, roomID string) error

	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Driver    string // sqlite, bolt, redis, postgres, memory
	Path      string // file path for sqlite and bolt
	URL       string // postgres connection string
	RedisAddr string
	RedisDB   int
	RedisPass string
	KeyPrefix string // redis key namespace
}

// Open builds the backend named by opts.Driver.
func Open(ctx context.Context, opts Options) (SnapshotStore, error) {
	switch opts.Driver {
	case "", "sqlite":
		return NewSQLite(opts.Path)
	case "bolt":
		return NewBolt(opts.Path)
	case "redis":
		return NewRedis(ctx, opts.RedisAddr, opts.RedisPass, opts.RedisDB, opts.KeyPrefix)
	case "postgres":
		return NewPostgres(ctx, opts.URL)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}
