package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Store shared across gateway instances. Each client key
// maps to a counter that expires with its window, so eviction is redis's
// problem and the keyspace stays bounded.
type RedisStore struct {
	client *redis.Client
	prefix string
	window time.Duration
	max    int
}

// NewRedisStore creates a redis-backed store. Zero window or max select
// the defaults.
func NewRedisStore(client *redis.Client, window time.Duration, max int) *RedisStore {
	if window <= 0 {
		window = DefaultWindow
	}
	if max <= 0 {
		max = DefaultMax
	}
	return &RedisStore{
		client: client,
		prefix: "authgate:ratelimit:",
		window: window,
		max:    max,
	}
}

func (r *RedisStore) buildKey(key string) string {
	return r.prefix + key
}

func (r *RedisStore) Increment(ctx context.Context, key string) (Result, error) {
	redisKey := r.buildKey(key)

	// INCR and the window expiry run in one transaction; ExpireNX only
	// arms the TTL on the first request of a window.
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.ExpireNX(ctx, redisKey, r.window)
	ttl := pipe.TTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("failed to increment rate limit key: %w", err)
	}

	count := int(incr.Val())
	return Result{
		Count:   count,
		ResetAt: time.Now().Add(ttl.Val()),
		Limited: count > r.max,
	}, nil
}
