package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/medrex/lab-analysis/pkg/interfaces"
	"github.com/medrex/lab-analysis/pkg/types"
)

// redisHashClient captures the go-redis commands the progress store relies on
type redisHashClient interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// RedisProgressStore keeps progress entries in a Redis hash so they
// survive a service restart
type RedisProgressStore struct {
	client redisHashClient
	key    string
}

var _ interfaces.ProgressStore = (*RedisProgressStore)(nil)

// NewRedisProgressStore creates a store using the hash "<prefix>:progress"
func NewRedisProgressStore(client redis.UniversalClient, keyPrefix string) *RedisProgressStore {
	if keyPrefix == "" {
		keyPrefix = "lab"
	}
	return &RedisProgressStore{client: client, key: keyPrefix + ":progress"}
}

// Get returns the entry for an order service
func (s *RedisProgressStore) Get(ctx context.Context, orderServiceID string) (*types.Progress, bool, error) {
	raw, err := s.client.HGet(ctx, s.key, orderServiceID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read progress: %w", err)
	}

	var p types.Progress
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, false, fmt.Errorf("failed to decode progress %s: %w", orderServiceID, err)
	}
	return &p, true, nil
}

// Put stores or replaces an entry
func (s *RedisProgressStore) Put(ctx context.Context, progress *types.Progress) error {
	data, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("failed to encode progress: %w", err)
	}
	if err := s.client.HSet(ctx, s.key, progress.OrderServiceID, data).Err(); err != nil {
		return fmt.Errorf("failed to write progress: %w", err)
	}
	return nil
}

// Delete removes an entry
func (s *RedisProgressStore) Delete(ctx context.Context, orderServiceID string) error {
	if err := s.client.HDel(ctx, s.key, orderServiceID).Err(); err != nil {
		return fmt.Errorf("failed to delete progress: %w", err)
	}
	return nil
}

// List returns every entry ordered by start time
func (s *RedisProgressStore) List(ctx context.Context) ([]*types.Progress, error) {
	all, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list progress: %w", err)
	}

	out := make([]*types.Progress, 0, len(all))
	for id, raw := range all {
		var p types.Progress
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("failed to decode progress %s: %w", id, err)
		}
		out = append(out, &p)
	}
	sortProgress(out)
	return out, nil
}
