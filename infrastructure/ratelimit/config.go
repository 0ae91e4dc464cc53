package ratelimit

import (
	"time"

	"github.com/enginehub/cassettedeck/infrastructure/clock"
)

// Config configures the governor.
type Config struct {
	// Capacity is the bucket size in tokens.
	Capacity int

	// RefillPerSecond is the token accrual rate.
	RefillPerSecond float64

	// IdleTimeout drops buckets unused for this long. Zero disables it.
	IdleTimeout time.Duration

	// MaxKeys bounds the number of tracked buckets.
	MaxKeys int

	// Shards is the number of independently locked partitions.
	Shards int

	// Clock is the time source. Defaults to the wall clock.
	Clock clock.Clock
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:        50,
		RefillPerSecond: 10,
		IdleTimeout:     10 * time.Minute,
		MaxKeys:         100_000,
		Shards:          16,
	}
}

// Option configures the governor.
type Option func(*Config)

// WithCapacity sets the bucket size.
func WithCapacity(n int) Option {
	return func(c *Config) {
		c.Capacity = n
	}
}

// WithRefillPerSecond sets the accrual rate.
func WithRefillPerSecond(r float64) Option {
	return func(c *Config) {
		c.RefillPerSecond = r
	}
}

// WithIdleTimeout sets how long an unused bucket is kept.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.IdleTimeout = d
	}
}

// WithMaxKeys bounds the number of tracked buckets.
func WithMaxKeys(n int) Option {
	return func(c *Config) {
		c.MaxKeys = n
	}
}

// WithShards sets the number of partitions.
func WithShards(n int) Option {
	return func(c *Config) {
		c.Shards = n
	}
}

// WithClock sets the time source.
func WithClock(clk clock.Clock) Option {
	return func(c *Config) {
		c.Clock = clk
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.Capacity <= 0 {
		c.Capacity = def.Capacity
	}
	if c.RefillPerSecond <= 0 {
		c.RefillPerSecond = def.RefillPerSecond
	}
	if c.MaxKeys <= 0 {
		c.MaxKeys = def.MaxKeys
	}
	if c.Shards <= 0 {
		c.Shards = def.Shards
	}
	if c.Shards > c.MaxKeys {
		c.Shards = c.MaxKeys
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	return c
}
