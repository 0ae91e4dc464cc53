package redis

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/enginehub/cassettedeck/domain/cache"
)

// Cache is a Redis-backed implementation of cache.Cache.
type Cache struct {
	client     redis.UniversalClient
	keyPrefix  string
	defaultTTL time.Duration
	hits       atomic.Int64
	misses     atomic.Int64
}

// NewCache connects to Redis and verifies the connection.
func NewCache(cfg Config, opts ...ConfigOption) (*Cache, error) {
	for _, opt := range opts {
		opt(&cfg)
	}

	uo, err := cfg.universalOptions()
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(uo)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Join(cache.ErrConnectionFailed, err)
	}

	c := NewCacheFromClient(client, cfg.KeyPrefix)
	if cfg.DefaultTTL > 0 {
		c.defaultTTL = cfg.DefaultTTL
	}
	return c, nil
}

// NewCacheFromClient creates a cache from an existing Redis client.
func NewCacheFromClient(client redis.UniversalClient, keyPrefix string) *Cache {
	return &Cache{
		client:     client,
		keyPrefix:  keyPrefix,
		defaultTTL: DefaultConfig().DefaultTTL,
	}
}

// prefixKey adds the key prefix.
func (c *Cache) prefixKey(key string) string {
	return c.keyPrefix + "cache:" + key
}

// Get implements cache.Cache. redis.Nil is a miss.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	result, err := c.client.Get(ctx, c.prefixKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			c.misses.Add(1)
			return nil, false, nil
		}
		return nil, false, c.wrapError(err)
	}

	c.hits.Add(1)
	return result, true, nil
}

// Set implements cache.Cache.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	if err := c.client.Set(ctx, c.prefixKey(key), value, ttl).Err(); err != nil {
		return c.wrapError(err)
	}
	return nil
}

// Delete implements cache.Cache.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = c.prefixKey(k)
	}
	if err := c.client.Unlink(ctx, prefixed...).Err(); err != nil {
		return c.wrapError(err)
	}
	return nil
}

// Stats implements cache.StatsProvider. Size is not tracked for Redis.
func (c *Cache) Stats() cache.Stats {
	return cache.Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Ping checks the Redis connection.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// wrapError wraps Redis errors with domain errors.
func (c *Cache) wrapError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(cache.ErrOperationTimeout, err)
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.Join(cache.ErrOperationTimeout, err)
	}

	return errors.Join(cache.ErrConnectionFailed, err)
}

var (
	_ cache.Cache         = (*Cache)(nil)
	_ cache.StatsProvider = (*Cache)(nil)
)
