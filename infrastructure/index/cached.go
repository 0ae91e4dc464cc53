// Package index provides decorators over artifact.Index.
package index

import (
	"context"
	"encoding/json"
	"iter"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/enginehub/cassettedeck/domain/artifact"
	"github.com/enginehub/cassettedeck/domain/cache"
	"github.com/enginehub/cassettedeck/infrastructure/logging"
)

// Default cache lifetimes. Exact versions are immutable; latest
// resolution changes whenever a newer release is registered.
const (
	DefaultTTL       = time.Hour
	DefaultLatestTTL = 5 * time.Second
)

// Observer is notified of cache lookups.
type Observer func(ctx context.Context, hit bool)

// Cached is an artifact.Index that serves lookups from a cache.
// Cache failures degrade to the underlying index.
type Cached struct {
	next      artifact.Index
	cache     cache.Cache
	ttl       time.Duration
	latestTTL time.Duration
	observe   Observer
}

// Option configures a Cached index.
type Option func(*Cached)

// WithTTL sets the lifetime of exact-version entries.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cached) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithLatestTTL sets the lifetime of latest-version entries.
func WithLatestTTL(ttl time.Duration) Option {
	return func(c *Cached) {
		if ttl > 0 {
			c.latestTTL = ttl
		}
	}
}

// WithObserver sets the hit/miss observer.
func WithObserver(o Observer) Option {
	return func(c *Cached) {
		c.observe = o
	}
}

// NewCached decorates next with c.
func NewCached(next artifact.Index, c cache.Cache, opts ...Option) *Cached {
	x := &Cached{
		next:      next,
		cache:     c,
		ttl:       DefaultTTL,
		latestTTL: DefaultLatestTTL,
		observe:   func(context.Context, bool) {},
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

func exactKey(name, version string) string {
	return "descriptor:" + name + "@" + version
}

func latestKey(name string) string {
	return "latest:" + name
}

// Register implements artifact.Index and drops the cached latest entry.
func (c *Cached) Register(ctx context.Context, desc artifact.Descriptor, d digest.Digest) (artifact.Record, bool, error) {
	rec, created, err := c.next.Register(ctx, desc, d)
	if err != nil {
		return rec, created, err
	}
	if created {
		if err := c.cache.Delete(ctx, latestKey(desc.Name)); err != nil {
			logging.Warn().
				Add(logging.Component("index-cache")).
				Add(logging.Artifact(desc.Name, "")).
				Add(logging.ErrorField(err)).
				Msg("failed to invalidate latest entry")
		}
	}
	c.store(ctx, exactKey(rec.Name, rec.Version), rec, c.ttl)
	return rec, created, nil
}

// Lookup implements artifact.Index.
func (c *Cached) Lookup(ctx context.Context, name, version string) (artifact.Record, error) {
	key, ttl := exactKey(name, version), c.ttl
	if version == "" {
		key, ttl = latestKey(name), c.latestTTL
	}

	if rec, ok := c.load(ctx, key); ok {
		c.observe(ctx, true)
		return rec, nil
	}
	c.observe(ctx, false)

	rec, err := c.next.Lookup(ctx, name, version)
	if err != nil {
		return rec, err
	}
	c.store(ctx, key, rec, ttl)
	return rec, nil
}

// List implements artifact.Index. Listings are not cached.
func (c *Cached) List(ctx context.Context, name string) iter.Seq2[artifact.Record, error] {
	return c.next.List(ctx, name)
}

// ListPage implements artifact.Index.
func (c *Cached) ListPage(ctx context.Context, name string, opts artifact.ListOptions) ([]artifact.Record, error) {
	return c.next.ListPage(ctx, name, opts)
}

// References implements artifact.Index.
func (c *Cached) References(ctx context.Context, d digest.Digest) (int64, error) {
	return c.next.References(ctx, d)
}

func (c *Cached) load(ctx context.Context, key string) (artifact.Record, bool) {
	data, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		logging.Warn().
			Add(logging.Component("index-cache")).
			Add(logging.Str("key", key)).
			Add(logging.ErrorField(err)).
			Msg("cache read failed")
		return artifact.Record{}, false
	}
	if !ok {
		return artifact.Record{}, false
	}
	var rec artifact.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		_ = c.cache.Delete(ctx, key)
		return artifact.Record{}, false
	}
	return rec, true
}

func (c *Cached) store(ctx context.Context, key string, rec artifact.Record, ttl time.Duration) {
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, key, data, ttl); err != nil {
		logging.Warn().
			Add(logging.Component("index-cache")).
			Add(logging.Str("key", key)).
			Add(logging.ErrorField(err)).
			Msg("cache write failed")
	}
}

var _ artifact.Index = (*Cached)(nil)
