package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis keeps one hash per room under prefix+roomID.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

func NewRedis(ctx context.Context, addr, password string, db int, prefix string) (*Redis, error) {
	if addr == "" {
		addr = "localhost:6379"
	}
	if prefix == "" {
		prefix = "codeshare:room:"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return &Redis{rdb: rdb, prefix: prefix}, nil
}

func (r *Redis) key(roomID string) string {
	return r.prefix + roomID
}

func (r *Redis) Save(ctx context.Context, rec Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	return r.rdb.HSet(ctx, r.key(rec.RoomID), map[string]interface{}{
		"content":    rec.Text,
		"language":   rec.Language,
		"updated_at": rec.UpdatedAt.UnixNano(),
	}).Err()
}

func (r *Redis) Load(ctx context.Context, roomID string) (Record, error) {
	fields, err := r.rdb.HGetAll(ctx, r.key(roomID)).Result()
	if err != nil {
		return Record{}, err
	}
	if len(fields) == 0 {
		return Record{}, ErrNotFound
	}
	return recordFromHash(roomID, fields), nil
}

func (r *Redis) List(ctx context.Context, limit, offset int) ([]Record, error) {
	var all []Record
	iter := r.rdb.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		roomID := strings.TrimPrefix(iter.Val(), r.prefix)
		rec, err := r.Load(ctx, roomID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		all = append(all, rec)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sortNewestFirst(all)
	return page(all, limit, offset), nil
}

func (r *Redis) Delete(ctx context.Context, roomID string) error {
	return r.rdb.Del(ctx, r.key(roomID)).Err()
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

func recordFromHash(roomID string, fields map[string]string) Record {
	rec := Record{RoomID: roomID, Text: fields["content"], Language: fields["language"]}
	if ns, err := strconv.ParseInt(fields["updated_at"], 10, 64); err == nil {
		rec.UpdatedAt = time.Unix(0, ns).UTC()
	}
	return rec
}
