package blob

import (
	"context"
	"time"

	"github.com/opencontainers/go-digest"
)

// Ref is one row of the blob reference-count table.
type Ref struct {
	Digest    digest.Digest `json:"digest"`
	Count     int64         `json:"count"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Reclaimable returns true if the row allows deleting its blob at cutoff.
func (r Ref) Reclaimable(cutoff time.Time) bool {
	return r.Count <= 0 && r.UpdatedAt.Before(cutoff)
}

// RefLedger persists blob reference counts.
type RefLedger interface {
	// Touch creates the row if missing and stamps its activity time
	// without changing the count.
	Touch(ctx context.Context, d digest.Digest, at time.Time) error

	// Retain increments the count and returns the new value.
	Retain(ctx context.Context, d digest.Digest, at time.Time) (int64, error)

	// Release decrements the count and returns the new value. It fails
	// with ErrNotRetained if the count is already zero.
	Release(ctx context.Context, d digest.Digest, at time.Time) (int64, error)

	// Ref returns the row for d or ErrRefNotFound.
	Ref(ctx context.Context, d digest.Digest) (Ref, error)

	// Stale returns rows whose activity time is before cutoff.
	Stale(ctx context.Context, cutoff time.Time) ([]Ref, error)

	// Reconcile overwrites the count without touching the activity time.
	Reconcile(ctx context.Context, d digest.Digest, count int64) error

	// Forget deletes the row.
	Forget(ctx context.Context, d digest.Digest) error
}

// ReferenceCounter reports how many descriptors point at a digest.
type ReferenceCounter interface {
	References(ctx context.Context, d digest.Digest) (int64, error)
}
