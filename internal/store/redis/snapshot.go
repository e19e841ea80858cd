package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tastream/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

// snapshotTTL bounds how long a cached snapshot survives; SQLite keeps the
// durable copy.
const snapshotTTL = 24 * time.Hour

// SnapshotCache stores the latest engine snapshot JSON under a single key.
type SnapshotCache struct {
	client *goredis.Client
	key    string
}

var _ model.SnapshotStore = (*SnapshotCache)(nil)

// Snapshots returns a snapshot store on key backed by the reader's client.
func (r *Reader) Snapshots(key string) *SnapshotCache {
	return &SnapshotCache{client: r.client, key: key}
}

// SaveSnapshotJSON overwrites the cached snapshot.
func (s *SnapshotCache) SaveSnapshotJSON(ctx context.Context, data []byte) error {
	if err := s.client.Set(ctx, s.key, data, snapshotTTL).Err(); err != nil {
		return fmt.Errorf("redis set snapshot %s: %w", s.key, err)
	}
	return nil
}

// ReadLatestSnapshotJSON returns the cached snapshot, or nil, nil if none exists.
func (s *SnapshotCache) ReadLatestSnapshotJSON(ctx context.Context) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get snapshot %s: %w", s.key, err)
	}
	return data, nil
}
