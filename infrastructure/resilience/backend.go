// Package resilience wraps remote blob backends with fortify retries and
// a circuit breaker.
package resilience

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"

	"github.com/felixgeelhaar/fortify/circuitbreaker"
	"github.com/felixgeelhaar/fortify/retry"
	"github.com/opencontainers/go-digest"

	"github.com/enginehub/cassettedeck/domain/blob"
	"github.com/enginehub/cassettedeck/infrastructure/logging"
)

// outcome carries a result through fortify. Errors that describe the
// request rather than the backend's health ride in err so they neither
// trigger retries nor count against the breaker.
type outcome struct {
	value any
	err   error
}

// Backend decorates a blob.Backend with retry and circuit breaking.
//
// Composition order: Circuit Breaker → Retry → attempt timeout.
type Backend struct {
	next    blob.Backend
	name    string
	cfg     Config
	breaker circuitbreaker.CircuitBreaker[outcome]
	retry   retry.Retry[outcome]

	mu        sync.Mutex
	lastState string
}

// NewBackend wraps next. name labels log lines.
func NewBackend(name string, next blob.Backend, opts ...Option) *Backend {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.normalized()
	threshold := cfg.FailureThreshold

	b := &Backend{
		next: next,
		name: name,
		cfg:  cfg,
		breaker: circuitbreaker.New[outcome](circuitbreaker.Config{
			MaxRequests: 1,
			Interval:    cfg.OpenTimeout,
			Timeout:     cfg.OpenTimeout,
			ReadyToTrip: func(counts circuitbreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(threshold) // #nosec G115 -- normalized positive
			},
		}),
		retry: retry.New[outcome](retry.Config{
			MaxAttempts:        cfg.MaxAttempts,
			InitialDelay:       cfg.InitialDelay,
			BackoffPolicy:      retry.BackoffExponential,
			Multiplier:         cfg.Multiplier,
			NonRetryableErrors: []error{context.Canceled},
		}),
	}
	b.lastState = b.breaker.State().String()
	return b
}

// permanent reports errors that retrying cannot fix.
func permanent(err error) bool {
	return errors.Is(err, blob.ErrBlobNotFound) ||
		errors.Is(err, blob.ErrDigestMismatch) ||
		errors.Is(err, blob.ErrInvalidDigest)
}

func (b *Backend) call(ctx context.Context, op string, fn func(ctx context.Context) (any, error)) (any, error) {
	out, err := b.breaker.Execute(ctx, func(ctx context.Context) (outcome, error) {
		return b.retry.Do(ctx, func(ctx context.Context) (outcome, error) {
			if b.cfg.AttemptTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, b.cfg.AttemptTimeout)
				defer cancel()
			}
			v, err := fn(ctx)
			if err != nil && permanent(err) {
				return outcome{value: v, err: err}, nil
			}
			return outcome{value: v}, err
		})
	})
	b.observeState()
	if err != nil {
		logging.Warn().
			Add(logging.Component(b.name)).
			Add(logging.Operation(op)).
			Add(logging.ErrorField(err)).
			Msg("backend call failed")
		return nil, fmt.Errorf("%s %s: %w", b.name, op, err)
	}
	return out.value, out.err
}

// observeState logs circuit transitions.
func (b *Backend) observeState() {
	state := b.breaker.State().String()

	b.mu.Lock()
	prev := b.lastState
	b.lastState = state
	b.mu.Unlock()

	if prev != state {
		logging.Warn().
			Add(logging.Component(b.name)).
			Add(logging.Str("from", prev)).
			Add(logging.Str("to", state)).
			Msg("circuit breaker state changed")
		if b.cfg.OnStateChange != nil {
			b.cfg.OnStateChange(prev, state)
		}
	}
}

// State returns the circuit breaker state.
func (b *Backend) State() circuitbreaker.State {
	return b.breaker.State()
}

// Stat implements blob.Backend.
func (b *Backend) Stat(ctx context.Context, d digest.Digest) (blob.Info, error) {
	v, err := b.call(ctx, "stat", func(ctx context.Context) (any, error) {
		return b.next.Stat(ctx, d)
	})
	info, _ := v.(blob.Info)
	return info, err
}

// Write implements blob.Backend. The payload is buffered once so every
// attempt uploads the same bytes.
func (b *Backend) Write(ctx context.Context, d digest.Digest, r io.Reader, size int64) error {
	data, err := io.ReadAll(io.LimitReader(r, size+1))
	if err != nil {
		return fmt.Errorf("failed to read blob: %w", err)
	}
	_, err = b.call(ctx, "write", func(ctx context.Context) (any, error) {
		return nil, b.next.Write(ctx, d, bytes.NewReader(data), size)
	})
	return err
}

// Open implements blob.Backend. The blob is read in full inside the
// attempt so an interrupted transfer is retried as a whole.
func (b *Backend) Open(ctx context.Context, d digest.Digest) (io.ReadCloser, error) {
	v, err := b.call(ctx, "open", func(ctx context.Context) (any, error) {
		rc, err := b.next.Open(ctx, d)
		if err != nil {
			return nil, err
		}
		// The attempt context ends when the attempt returns, so the body
		// is drained while it is still live.
		defer func() { _ = rc.Close() }()
		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, err
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	data, _ := v.([]byte)
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete implements blob.Backend.
func (b *Backend) Delete(ctx context.Context, d digest.Digest) error {
	_, err := b.call(ctx, "delete", func(ctx context.Context) (any, error) {
		return nil, b.next.Delete(ctx, d)
	})
	return err
}

// Walk implements blob.Backend. Listing is not retried; the sweeper
// simply tries again on its next pass.
func (b *Backend) Walk(ctx context.Context) iter.Seq2[blob.Info, error] {
	return b.next.Walk(ctx)
}

var _ blob.Backend = (*Backend)(nil)
