package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite is the default backend.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(dbPath string) (*SQLite, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLite{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS room_snapshots (
		room_id TEXT PRIMARY KEY,
		content TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_room_snapshots_updated_at ON room_snapshots(updated_at DESC);
	`

	_, err := db.Exec(schema)
	return err
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Save(ctx context.Context, rec Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO room_snapshots (room_id, content, language, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET
			content = excluded.content,
			language = excluded.language,
			updated_at = excluded.updated_at
	`, rec.RoomID, rec.Text, rec.Language, rec.UpdatedAt.UnixNano())
	return err
}

func (s *SQLite) Load(ctx context.Context, roomID string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT room_id, content, language, updated_at FROM room_snapshots WHERE room_id = ?",
		roomID,
	)
	rec, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

func (s *SQLite) List(ctx context.Context, limit, offset int) ([]Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT room_id, content, language, updated_at FROM room_snapshots ORDER BY updated_at DESC, room_id ASC LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recs := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *SQLite) Delete(ctx context.Context, roomID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM room_snapshots WHERE room_id = ?", roomID)
	return err
}

func scanRecord(scan func(dest ...any) error) (Record, error) {
	var rec Record
	var updated int64
	if err := scan(&rec.RoomID, &rec.Text, &rec.Language, &updated); err != nil {
		return Record{}, err
	}
	rec.UpdatedAt = time.Unix(0, updated).UTC()
	return rec, nil
}
