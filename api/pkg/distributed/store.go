package distributed

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// store is the narrow surface Registry needs from a Redis-backed (or, in
// tests, in-memory) coordination point. Splitting it out from *Registry
// keeps the Lua scripts in scripts.go exercised by the real implementation
// while letting tests substitute a plain Go fake instead of simulating
// go-redis's reply types.
type store interface {
	register(ctx context.Context, hashKey, field string, nowMS int64) error
	heartbeat(ctx context.Context, hashKey, field string, nowMS int64) error
	remove(ctx context.Context, hashKey, field string) error
	cleanup(ctx context.Context, hashKey string, nowMS, staleAfterMS int64) (int64, error)
	count(ctx context.Context, hashKey string) (int64, error)
	stats(ctx context.Context, hashKey string) (int64, error)
	snapshot(ctx context.Context, hashKey string) (map[string]string, error)
	acquire(ctx context.Context, counterKey string, amount, capacity, ttlSeconds int64) (int64, error)
	release(ctx context.Context, counterKey string, amount int64) (int64, error)
	peek(ctx context.Context, counterKey string) (int64, error)
	setIfAbsent(ctx context.Context, hashKey, field, payload string) (bool, error)
	set(ctx context.Context, hashKey, field, payload string) error
	get(ctx context.Context, hashKey, field string) (string, bool, error)
}

// redisStore is the production store, running the scripts defined in
// scripts.go against a real Redis deployment.
type redisStore struct {
	client *redis.Client
}

func newRedisStore(client *redis.Client) *redisStore {
	return &redisStore{client: client}
}

func (s *redisStore) register(ctx context.Context, hashKey, field string, nowMS int64) error {
	return registerScript.Run(ctx, s.client, []string{hashKey}, field, nowMS).Err()
}

func (s *redisStore) heartbeat(ctx context.Context, hashKey, field string, nowMS int64) error {
	return heartbeatScript.Run(ctx, s.client, []string{hashKey}, field, nowMS).Err()
}

func (s *redisStore) remove(ctx context.Context, hashKey, field string) error {
	return unregisterScript.Run(ctx, s.client, []string{hashKey}, field).Err()
}

func (s *redisStore) cleanup(ctx context.Context, hashKey string, nowMS, staleAfterMS int64) (int64, error) {
	return cleanupScript.Run(ctx, s.client, []string{hashKey}, nowMS, staleAfterMS).Int64()
}

func (s *redisStore) count(ctx context.Context, hashKey string) (int64, error) {
	return s.client.HLen(ctx, hashKey).Result()
}

func (s *redisStore) stats(ctx context.Context, hashKey string) (int64, error) {
	return getStatsScript.Run(ctx, s.client, []string{hashKey}).Int64()
}

func (s *redisStore) snapshot(ctx context.Context, hashKey string) (map[string]string, error) {
	return s.client.HGetAll(ctx, hashKey).Result()
}

func (s *redisStore) acquire(ctx context.Context, counterKey string, amount, capacity, ttlSeconds int64) (int64, error) {
	v, err := acquireScript.Run(ctx, s.client, []string{counterKey}, amount, capacity, ttlSeconds).Int64()
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, ErrCapacityExceeded
	}
	return v, nil
}

func (s *redisStore) release(ctx context.Context, counterKey string, amount int64) (int64, error) {
	return releaseScript.Run(ctx, s.client, []string{counterKey}, amount).Int64()
}

func (s *redisStore) peek(ctx context.Context, counterKey string) (int64, error) {
	v, err := s.client.Get(ctx, counterKey).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

func (s *redisStore) setIfAbsent(ctx context.Context, hashKey, field, payload string) (bool, error) {
	v, err := initConfigScript.Run(ctx, s.client, []string{hashKey}, field, payload).Int64()
	if err != nil {
		return false, err
	}
	return v == 1, nil
}

func (s *redisStore) set(ctx context.Context, hashKey, field, payload string) error {
	return s.client.HSet(ctx, hashKey, field, payload).Err()
}

func (s *redisStore) get(ctx context.Context, hashKey, field string) (string, bool, error) {
	v, err := s.client.HGet(ctx, hashKey, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("distributed: HGET %s.%s: %w", hashKey, field, err)
	}
	return v, true, nil
}
