// Package content implements the content-addressed blob store on top of
// a byte backend and a reference ledger.
package content

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"

	"github.com/enginehub/cassettedeck/domain/blob"
	"github.com/enginehub/cassettedeck/infrastructure/clock"
	"github.com/enginehub/cassettedeck/infrastructure/logging"
)

// Store holds immutable blobs keyed by digest.
//
// Writes and deletions of one digest are serialized so a sweep never
// removes a blob that a concurrent Put is about to reference.
type Store struct {
	backend blob.Backend
	ledger  blob.RefLedger
	clock   clock.Clock
	locks   stripedLocks
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for ledger timestamps.
func WithClock(clk clock.Clock) Option {
	return func(s *Store) {
		s.clock = clk
	}
}

// NewStore creates a content store.
func NewStore(backend blob.Backend, ledger blob.RefLedger, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		ledger:  ledger,
		clock:   clock.Real(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put stores data and returns its digest. Storing bytes that are
// already present is a no-op apart from refreshing the ledger row.
func (s *Store) Put(ctx context.Context, data []byte) (digest.Digest, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	d := blob.Compute(data)
	mu := s.locks.forDigest(d)
	mu.Lock()
	defer mu.Unlock()

	// The ledger row exists before the bytes so an interrupted write
	// leaves something the sweeper can account for.
	if err := s.ledger.Touch(ctx, d, s.clock.Now()); err != nil {
		return "", fmt.Errorf("failed to record blob: %w", err)
	}

	if _, err := s.backend.Stat(ctx, d); err == nil {
		logging.Debug().
			Add(logging.Component("content")).
			Add(logging.Digest(d)).
			Msg("blob already present")
		return d, nil
	} else if !errors.Is(err, blob.ErrBlobNotFound) {
		return "", fmt.Errorf("failed to stat blob: %w", err)
	}

	if err := s.backend.Write(ctx, d, bytes.NewReader(data), int64(len(data))); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}

	logging.Debug().
		Add(logging.Component("content")).
		Add(logging.Digest(d)).
		Add(logging.Size(int64(len(data)))).
		Msg("blob stored")
	return d, nil
}

// Get returns the bytes stored under d after verifying them.
func (s *Store) Get(ctx context.Context, d digest.Digest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := blob.Validate(d); err != nil {
		return nil, err
	}

	mu := s.locks.forDigest(d)
	mu.RLock()
	defer mu.RUnlock()

	rc, err := s.backend.Open(ctx, d)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	verifier := d.Verifier()
	data, err := io.ReadAll(io.TeeReader(rc, verifier))
	if err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	if !verifier.Verified() {
		return nil, fmt.Errorf("%w: %s", blob.ErrDigestMismatch, d)
	}
	return data, nil
}

// Has reports whether d is stored.
func (s *Store) Has(ctx context.Context, d digest.Digest) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	_, err := s.backend.Stat(ctx, d)
	if errors.Is(err, blob.ErrBlobNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Retain records one more reference to d.
func (s *Store) Retain(ctx context.Context, d digest.Digest) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	mu := s.locks.forDigest(d)
	mu.RLock()
	defer mu.RUnlock()

	return s.ledger.Retain(ctx, d, s.clock.Now())
}

// Release drops one reference to d. The blob stays until a sweep finds
// it unreferenced past the grace period.
func (s *Store) Release(ctx context.Context, d digest.Digest) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	mu := s.locks.forDigest(d)
	mu.RLock()
	defer mu.RUnlock()

	return s.ledger.Release(ctx, d, s.clock.Now())
}
