package earlyexit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chazu/steward/pkg/metrics"
)

const redisBackend = "redis"

// RedisCache implements Cache on Redis. Entries expire through the Redis key TTL,
// so concurrent runs storing the same key simply overwrite equivalent content.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCache creates a cache on an existing client. prefix namespaces keys.
func NewRedisCache(client redis.UniversalClient, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

// DialRedisCache creates a cache connected to addr
func DialRedisCache(addr, prefix string, db int) *RedisCache {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	return NewRedisCache(rdb, prefix)
}

// Ping checks connectivity
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the client
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) redisKey(key string) string {
	return c.prefix + key
}

// Get returns the entry stored under key
func (c *RedisCache) Get(ctx context.Context, key string) (*Entry, error) {
	data, err := c.client.Get(ctx, c.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.RecordCacheLookup(redisBackend, "miss")
		return nil, ErrNotFound
	}
	if err != nil {
		metrics.RecordCacheLookup(redisBackend, "error")
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		metrics.RecordCacheLookup(redisBackend, "error")
		return nil, fmt.Errorf("failed to decode cache entry %s: %w", key, err)
	}

	metrics.RecordCacheLookup(redisBackend, "hit")
	return &entry, nil
}

// Set stores entry for ttl. A non-positive ttl is rejected since entries must expire.
func (c *RedisCache) Set(ctx context.Context, entry *Entry, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("cache ttl must be positive, got %s", ttl)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}

	if err := c.client.Set(ctx, c.redisKey(entry.Key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
