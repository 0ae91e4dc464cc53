// Package ratelimit provides per-client admission control using token
// buckets. Buckets are created lazily, bounded in number and dropped once
// idle.
package ratelimit

import (
	"context"
	"hash/maphash"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/time/rate"

	"github.com/enginehub/cassettedeck/infrastructure/clock"
	"github.com/enginehub/cassettedeck/infrastructure/logging"
)

// Decision is the outcome of one admission.
type Decision struct {
	Allowed bool
	// RetryAfter estimates the wait until the cost can be paid.
	RetryAfter time.Duration
	// Remaining is the token balance after the decision.
	Remaining float64
}

// Stats describes the tracked buckets.
type Stats struct {
	TrackedKeys int
	Evicted     int64
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type shard struct {
	mu      sync.Mutex
	buckets *simplelru.LRU[string, *bucket]
}

// Governor admits or refuses work per client key. It is safe for
// concurrent use; contention is limited to keys sharing a shard.
type Governor struct {
	config  Config
	clock   clock.Clock
	seed    maphash.Seed
	shards  []*shard
	evicted atomic.Int64
}

// New creates a governor with the given configuration.
func New(config Config, opts ...Option) *Governor {
	for _, opt := range opts {
		opt(&config)
	}
	config = config.normalized()

	g := &Governor{
		config: config,
		clock:  config.Clock,
		seed:   maphash.MakeSeed(),
		shards: make([]*shard, config.Shards),
	}

	perShard := (config.MaxKeys + config.Shards - 1) / config.Shards
	for i := range g.shards {
		lru, err := simplelru.NewLRU[string, *bucket](perShard, func(string, *bucket) {
			g.evicted.Add(1)
		})
		if err != nil {
			// Only reachable with a non-positive size, which normalized rules out.
			panic(err)
		}
		g.shards[i] = &shard{buckets: lru}
	}

	return g
}

// NewDefault creates a governor with default configuration.
func NewDefault() *Governor {
	return New(DefaultConfig())
}

// Admit tries to deduct cost tokens from the bucket of key. It never
// fails; a refusal carries the estimated wait.
func (g *Governor) Admit(key string, cost int) Decision {
	if cost <= 0 {
		return Decision{Allowed: true, Remaining: float64(g.config.Capacity)}
	}

	now := g.clock.Now()
	s := g.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.prune(now, g.config.IdleTimeout)

	b, ok := s.buckets.Get(key)
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(g.config.RefillPerSecond), g.config.Capacity)}
		s.buckets.Add(key, b)
	}
	b.lastSeen = now

	if cost > g.config.Capacity {
		logging.Warn().
			Add(logging.Component("ratelimit")).
			Add(logging.Count("cost", cost)).
			Add(logging.Count("capacity", g.config.Capacity)).
			Msg("admission cost exceeds bucket capacity")
		return Decision{
			RetryAfter: g.tokensDuration(float64(g.config.Capacity)),
			Remaining:  b.limiter.TokensAt(now),
		}
	}

	if b.limiter.AllowN(now, cost) {
		return Decision{Allowed: true, Remaining: b.limiter.TokensAt(now)}
	}

	tokens := b.limiter.TokensAt(now)
	return Decision{
		RetryAfter: g.tokensDuration(float64(cost) - tokens),
		Remaining:  tokens,
	}
}

// Stats returns the number of tracked buckets.
func (g *Governor) Stats() Stats {
	stats := Stats{Evicted: g.evicted.Load()}
	for _, s := range g.shards {
		s.mu.Lock()
		stats.TrackedKeys += s.buckets.Len()
		s.mu.Unlock()
	}
	return stats
}

// Prune drops idle buckets from every shard.
func (g *Governor) Prune() {
	now := g.clock.Now()
	for _, s := range g.shards {
		s.mu.Lock()
		s.prune(now, g.config.IdleTimeout)
		s.mu.Unlock()
	}
}

// Run prunes idle buckets every interval until ctx is done, so quiet
// shards release their buckets without waiting for traffic.
func (g *Governor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			before := g.Stats().TrackedKeys
			g.Prune()
			if pruned := before - g.Stats().TrackedKeys; pruned > 0 {
				logging.Debug().
					Add(logging.Component("ratelimit")).
					Add(logging.Count("pruned", pruned)).
					Msg("idle buckets pruned")
			}
		}
	}
}

// Config returns the effective configuration.
func (g *Governor) Config() Config {
	return g.config
}

func (g *Governor) shardFor(key string) *shard {
	h := maphash.String(g.seed, key)
	return g.shards[h%uint64(len(g.shards))]
}

// tokensDuration is the time needed to accrue n tokens.
func (g *Governor) tokensDuration(n float64) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(n / g.config.RefillPerSecond * float64(time.Second)))
}

// prune removes buckets idle for at least idle. The LRU tail holds the
// least recently used bucket, so pruning stops at the first fresh one.
func (s *shard) prune(now time.Time, idle time.Duration) {
	if idle <= 0 {
		return
	}
	for {
		_, b, ok := s.buckets.GetOldest()
		if !ok || now.Sub(b.lastSeen) < idle {
			return
		}
		s.buckets.RemoveOldest()
	}
}
