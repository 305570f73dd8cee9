package usecase

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

const statisticsCacheKey = "statistics"

func recordCacheKey(id string) string {
	return "prediction:" + id
}

// Cache abstracts the Redis operations used by the use cases.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	// Get returns redis.Nil when the key is absent.
	Get(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, keys ...string) error
}

// RedisCache is a concrete implementation backed by go-redis.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

func (c *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

// NopCache always misses. It is used when no Redis address is configured.
type NopCache struct{}

func (NopCache) Set(context.Context, string, interface{}, time.Duration) error { return nil }
func (NopCache) Get(context.Context, string) (string, error)                   { return "", redis.Nil }
func (NopCache) Delete(context.Context, ...string) error                       { return nil }
