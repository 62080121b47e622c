package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// Cache stores short-lived strings such as generated QR URLs.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	c *cache.Cache
}

// NewMemoryCache creates a cache whose entries default to ttl and are purged
// every cleanup interval.
func NewMemoryCache(ttl, cleanup time.Duration) *MemoryCache {
	return &MemoryCache{c: cache.New(ttl, cleanup)}
}

func (m *MemoryCache) Get(_ context.Context, key string) (string, bool, error) {
	if x, found := m.c.Get(key); found {
		return x.(string), true, nil
	}
	return "", false, nil
}

func (m *MemoryCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = cache.DefaultExpiration
	}
	m.c.Set(key, value, ttl)
	return nil
}

// RedisCache shares entries between API replicas.
type RedisCache struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisCache connects using a redis:// URL.
func NewRedisCache(url, prefix string) (*RedisCache, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return &RedisCache{rdb: redis.NewClient(opt), prefix: prefix}, nil
}

func (r *RedisCache) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.rdb.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, true, nil
}

func (r *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.rdb.Set(ctx, r.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *RedisCache) Close() error {
	return r.rdb.Close()
}

var (
	_ Cache = (*MemoryCache)(nil)
	_ Cache = (*RedisCache)(nil)
)
