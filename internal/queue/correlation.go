package queue

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/openmates/orchestrator-core/internal/config"
)

// CorrelationStore records a correlation id's outcome (or task's
// processed-state) under a TTL. Ported from the teacher's DedupeStore
// (internal/orchestrator/dedupe.go) — the same Get/Set shape serves both
// the Skill Dispatcher's queued-dispatch result wait (component E) and the
// Orchestrator's task idempotency check (component H, spec.md §4.H).
type CorrelationStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// RedisCorrelationStore is the Redis-backed CorrelationStore.
type RedisCorrelationStore struct {
	client *redis.Client
}

// NewRedisCorrelationStore dials Redis and pings it to validate the connection.
func NewRedisCorrelationStore(cfg config.RedisConfig) (*RedisCorrelationStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("queue: redis ping failed: %w", err)
	}
	return &RedisCorrelationStore{client: client}, nil
}

func (s *RedisCorrelationStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

func (s *RedisCorrelationStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

// Close closes the underlying Redis client.
func (s *RedisCorrelationStore) Close() error {
	return s.client.Close()
}

// AwaitResult polls store for key until it is set, the deadline elapses, or
// ctx is cancelled. Queued skill dispatch (component E) uses this to wait
// for the worker's published result within its default 120s deadline.
func AwaitResult(ctx context.Context, store CorrelationStore, key string, deadline time.Duration, pollInterval time.Duration) (string, error) {
	if pollInterval <= 0 {
		pollInterval = 200 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		val, err := store.Get(ctx, key)
		if err != nil {
			return "", err
		}
		if val != "" {
			return val, nil
		}
		select {
		case <-ticker.C:
			continue
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}
