package application

import (
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/enginehub/cassettedeck/domain/artifact"
	"github.com/enginehub/cassettedeck/domain/blob"
	"github.com/enginehub/cassettedeck/infrastructure/archive"
	"github.com/enginehub/cassettedeck/infrastructure/clock"
	"github.com/enginehub/cassettedeck/infrastructure/content"
	"github.com/enginehub/cassettedeck/infrastructure/telemetry"
)

// Option configures the deck.
type Option func(*Config)

// WithGovernor sets the rate governor.
func WithGovernor(g Governor) Option {
	return func(c *Config) {
		c.Governor = g
	}
}

// WithValidator sets the archive validator.
func WithValidator(v *archive.Validator) Option {
	return func(c *Config) {
		c.Validator = v
	}
}

// WithContentStore sets the content store.
func WithContentStore(s *content.Store) Option {
	return func(c *Config) {
		c.Store = s
	}
}

// WithIndex sets the metadata index.
func WithIndex(x artifact.Index) Option {
	return func(c *Config) {
		c.Index = x
	}
}

// WithAuthority sets the uncached index consulted for the latest version
// when deciding lifecycle state.
func WithAuthority(x artifact.Index) Option {
	return func(c *Config) {
		c.Authority = x
	}
}

// WithReferenceCounter sets the authority the sweeper reconciles against.
// It should bypass any cache in front of the index.
func WithReferenceCounter(r blob.ReferenceCounter) Option {
	return func(c *Config) {
		c.Refs = r
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(c *Config) {
		c.Metrics = m
	}
}

// WithTracer sets the tracer of ingest, fetch and sweep spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *Config) {
		c.Tracer = t
	}
}

// WithClock sets the time source.
func WithClock(clk clock.Clock) Option {
	return func(c *Config) {
		c.Clock = clk
	}
}

// WithCosts sets the tokens charged per fetch and per ingestion.
func WithCosts(read, write int) Option {
	return func(c *Config) {
		c.ReadCost = read
		c.WriteCost = write
	}
}

// WithMaxConcurrentIngestions caps simultaneous ingestions.
func WithMaxConcurrentIngestions(n int) Option {
	return func(c *Config) {
		c.MaxConcurrentIngestions = n
	}
}

// WithIngestionQueue bounds the ingestions waiting for a free slot and
// how long each may wait. A zero timeout waits until the caller's context
// ends.
func WithIngestionQueue(size int, timeout time.Duration) Option {
	return func(c *Config) {
		c.MaxQueuedIngestions = size
		c.QueueTimeout = timeout
	}
}

// WithGracePeriod sets how long unreferenced blobs survive before a sweep
// may reclaim them.
func WithGracePeriod(d time.Duration) Option {
	return func(c *Config) {
		c.GracePeriod = d
	}
}

// NewDeckWithOptions creates a deck with functional options.
func NewDeckWithOptions(opts ...Option) (*Deck, error) {
	config := Config{}
	for _, opt := range opts {
		opt(&config)
	}
	return NewDeck(config)
}
