// Package cache defines the byte cache used in front of the metadata index.
package cache

import (
	"context"
	"time"
)

// Cache stores opaque values under string keys with a time to live.
type Cache interface {
	// Get returns the value and true on a hit.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value for ttl. A zero ttl means the backend default.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error
}

// Stats holds hit and miss counters.
type Stats struct {
	Hits   int64
	Misses int64
	Size   int64
}

// HitRatio returns hits over lookups, or zero before the first lookup.
func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// StatsProvider is implemented by caches that track statistics.
type StatsProvider interface {
	Stats() Stats
}
