package memory

import (
	"context"
	"slices"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/enginehub/cassettedeck/domain/cache"
	"github.com/enginehub/cassettedeck/infrastructure/clock"
)

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// Cache is an in-memory implementation of cache.Cache backed by an
// expiring LRU. Entries older than the cache-wide TTL are dropped by the
// LRU itself; shorter per-entry TTLs are checked on read.
type Cache struct {
	lru    *expirable.LRU[string, cacheEntry]
	ttl    time.Duration
	clock  clock.Clock
	hits   atomic.Int64
	misses atomic.Int64
}

// CacheOption configures the cache.
type CacheOption func(*cacheConfig)

type cacheConfig struct {
	maxSize int
	ttl     time.Duration
	clock   clock.Clock
}

// WithMaxSize sets the maximum number of entries.
func WithMaxSize(size int) CacheOption {
	return func(c *cacheConfig) {
		c.maxSize = size
	}
}

// WithTTL sets the default and maximum entry lifetime.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *cacheConfig) {
		c.ttl = ttl
	}
}

// WithCacheClock sets the clock used for per-entry expiry.
func WithCacheClock(clk clock.Clock) CacheOption {
	return func(c *cacheConfig) {
		c.clock = clk
	}
}

// NewCache creates a new in-memory cache.
func NewCache(opts ...CacheOption) *Cache {
	cfg := cacheConfig{
		maxSize: 1000,
		ttl:     time.Hour,
		clock:   clock.Real(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Cache{
		lru:   expirable.NewLRU[string, cacheEntry](cfg.maxSize, nil, cfg.ttl),
		ttl:   cfg.ttl,
		clock: cfg.clock,
	}
}

// Get implements cache.Cache.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	entry, ok := c.lru.Get(key)
	if !ok {
		c.misses.Add(1)
		return nil, false, nil
	}
	if !c.clock.Now().Before(entry.expiresAt) {
		c.lru.Remove(key)
		c.misses.Add(1)
		return nil, false, nil
	}

	c.hits.Add(1)
	return slices.Clone(entry.value), true, nil
}

// Set implements cache.Cache.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ttl <= 0 || ttl > c.ttl {
		ttl = c.ttl
	}

	c.lru.Add(key, cacheEntry{
		value:     slices.Clone(value),
		expiresAt: c.clock.Now().Add(ttl),
	})
	return nil
}

// Delete implements cache.Cache.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, key := range keys {
		c.lru.Remove(key)
	}
	return nil
}

// Stats implements cache.StatsProvider.
func (c *Cache) Stats() cache.Stats {
	return cache.Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Size:   int64(c.lru.Len()),
	}
}

var (
	_ cache.Cache         = (*Cache)(nil)
	_ cache.StatsProvider = (*Cache)(nil)
)
