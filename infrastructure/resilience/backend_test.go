package resilience_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/enginehub/cassettedeck/domain/blob"
	"github.com/enginehub/cassettedeck/infrastructure/resilience"
	"github.com/enginehub/cassettedeck/infrastructure/storage/memory"
	"github.com/enginehub/cassettedeck/infrastructure/storage/storagetest"
)

var errUnavailable = errors.New("503 service unavailable")

// flakyBackend fails the first n calls of every operation.
type flakyBackend struct {
	blob.Backend
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flakyBackend) fail() error {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return errUnavailable
	}
	return nil
}

func (f *flakyBackend) Stat(ctx context.Context, d digest.Digest) (blob.Info, error) {
	if err := f.fail(); err != nil {
		return blob.Info{}, err
	}
	return f.Backend.Stat(ctx, d)
}

func (f *flakyBackend) Write(ctx context.Context, d digest.Digest, r io.Reader, size int64) error {
	if err := f.fail(); err != nil {
		_, _ = io.Copy(io.Discard, r)
		return err
	}
	return f.Backend.Write(ctx, d, r, size)
}

func (f *flakyBackend) Open(ctx context.Context, d digest.Digest) (io.ReadCloser, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.Backend.Open(ctx, d)
}

func newFlaky(failures int32) *flakyBackend {
	f := &flakyBackend{Backend: memory.NewBlobBackend(nil)}
	f.failures.Store(failures)
	return f
}

func fastOptions() []resilience.Option {
	return []resilience.Option{
		resilience.WithRetryDelay(time.Millisecond),
		resilience.WithRetryAttempts(3),
	}
}

func TestBackend_Suite(t *testing.T) {
	storagetest.TestBackend(t, func(t *testing.T) blob.Backend {
		return resilience.NewBackend("test", memory.NewBlobBackend(nil), fastOptions()...)
	})
}

func TestBackend_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	flaky := newFlaky(2)
	b := resilience.NewBackend("test", flaky, fastOptions()...)
	data := []byte("payload")
	d := blob.Compute(data)

	if err := b.Write(ctx, d, bytes.NewReader(data), int64(len(data))); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := flaky.calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}

	rc, err := b.Open(ctx, d)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	got, _ := io.ReadAll(rc)
	if !bytes.Equal(got, data) {
		t.Errorf("Open() = %q", got)
	}
}

func TestBackend_GivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	flaky := newFlaky(100)
	b := resilience.NewBackend("test", flaky, fastOptions()...)

	_, err := b.Stat(context.Background(), blob.Compute([]byte("x")))
	if !errors.Is(err, errUnavailable) {
		t.Errorf("Stat() error = %v, want %v", err, errUnavailable)
	}
	if got := flaky.calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestBackend_NotFoundIsNotRetried(t *testing.T) {
	t.Parallel()

	flaky := newFlaky(0)
	b := resilience.NewBackend("test", flaky, fastOptions()...)

	for range 10 {
		_, err := b.Stat(context.Background(), blob.Compute([]byte("absent")))
		if !errors.Is(err, blob.ErrBlobNotFound) {
			t.Fatalf("Stat() error = %v, want ErrBlobNotFound", err)
		}
	}
	if got := flaky.calls.Load(); got != 10 {
		t.Errorf("calls = %d, want one per request", got)
	}
	if state := b.State().String(); state != "closed" {
		t.Errorf("State() = %s, not-found must not trip the breaker", state)
	}
}

func TestBackend_OpensCircuit(t *testing.T) {
	t.Parallel()

	flaky := newFlaky(1000)
	var transitions []string
	b := resilience.NewBackend("test", flaky,
		resilience.WithRetryAttempts(1),
		resilience.WithRetryDelay(time.Millisecond),
		resilience.WithCircuitBreakerThreshold(2),
		resilience.WithCircuitBreakerTimeout(time.Hour),
		resilience.WithStateObserver(func(from, to string) {
			transitions = append(transitions, from+"->"+to)
		}),
	)
	d := blob.Compute([]byte("x"))

	for range 2 {
		_, _ = b.Stat(context.Background(), d)
	}
	if state := b.State().String(); state != "open" {
		t.Fatalf("State() = %s, want open", state)
	}
	if len(transitions) != 1 || transitions[0] != "closed->open" {
		t.Errorf("observed transitions = %v", transitions)
	}

	before := flaky.calls.Load()
	if _, err := b.Stat(context.Background(), d); err == nil {
		t.Error("Stat() should fail fast while the circuit is open")
	}
	if flaky.calls.Load() != before {
		t.Error("open circuit should not reach the backend")
	}
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := resilience.DefaultConfig()
	if cfg.MaxAttempts != 3 || cfg.FailureThreshold != 5 || cfg.OpenTimeout != 30*time.Second {
		t.Errorf("DefaultConfig() = %+v", cfg)
	}
}
