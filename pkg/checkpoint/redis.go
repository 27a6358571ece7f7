package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists snapshots in Redis, letting resumable state survive
// process restarts and be shared across engine replicas. A zero TTL keeps
// snapshots until the run completes and deletes them.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{client: client, ttl: ttl, logger: logger}
}

// Save encodes and stores the snapshot under the run's key.
func (s *RedisStore) Save(ctx context.Context, snap *Snapshot) error {
	if snap == nil || snap.RunID == "" {
		return fmt.Errorf("snapshot requires a run id")
	}
	data, err := Encode(snap)
	if err != nil {
		return err
	}

	if err := s.client.Set(ctx, checkpointKey(snap.RunID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}

	s.logger.Debug("checkpoint saved",
		"run_id", snap.RunID,
		"completed_steps", len(snap.Completed),
		"bytes", len(data),
	)
	return nil
}

// Load fetches and verifies the snapshot for the run.
func (s *RedisStore) Load(ctx context.Context, runID string) (*Snapshot, bool, error) {
	data, err := s.client.Get(ctx, checkpointKey(runID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get checkpoint: %w", err)
	}

	snap, err := Decode(data)
	if err != nil {
		return nil, false, err
	}
	return snap, true, nil
}

// Delete removes the snapshot for the run, if any.
func (s *RedisStore) Delete(ctx context.Context, runID string) error {
	if err := s.client.Del(ctx, checkpointKey(runID)).Err(); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func checkpointKey(runID string) string {
	return "skein:checkpoint:" + runID
}
