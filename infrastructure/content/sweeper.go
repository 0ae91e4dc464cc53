package content

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/enginehub/cassettedeck/domain/blob"
	"github.com/enginehub/cassettedeck/infrastructure/logging"
)

// SweepReport summarizes one sweep.
type SweepReport struct {
	// Scanned counts ledger rows past the grace period.
	Scanned int `json:"scanned"`
	// Reconciled counts rows whose count disagreed with the index.
	Reconciled int `json:"reconciled"`
	// Reclaimed counts blobs deleted.
	Reclaimed int `json:"reclaimed"`
	// Orphans counts blobs deleted that had no ledger row.
	Orphans int `json:"orphans"`
	// Bytes is the total size reclaimed, where known.
	Bytes int64 `json:"bytes"`
}

// Sweeper reclaims blobs no descriptor references.
type Sweeper struct {
	store *Store
	refs  blob.ReferenceCounter
	grace time.Duration
}

// NewSweeper creates a sweeper. refs is the authority on how many
// descriptors point at a digest; ledger counts are corrected to match
// it before anything is deleted.
func NewSweeper(store *Store, refs blob.ReferenceCounter, grace time.Duration) *Sweeper {
	return &Sweeper{store: store, refs: refs, grace: grace}
}

// Sweep runs one reclamation pass.
func (w *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	cutoff := w.store.clock.Now().Add(-w.grace)

	stale, err := w.store.ledger.Stale(ctx, cutoff)
	if err != nil {
		return report, fmt.Errorf("failed to list stale blobs: %w", err)
	}
	for _, ref := range stale {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++
		if err := w.sweepRef(ctx, ref.Digest, cutoff, &report); err != nil {
			return report, err
		}
	}

	if err := w.sweepOrphans(ctx, cutoff, &report); err != nil {
		return report, err
	}

	logging.Info().
		Add(logging.Component("sweeper")).
		Add(logging.Count("scanned", report.Scanned)).
		Add(logging.Count("reconciled", report.Reconciled)).
		Add(logging.Count("reclaimed", report.Reclaimed)).
		Add(logging.Count("orphans", report.Orphans)).
		Add(logging.Size(report.Bytes)).
		Msg("sweep complete")
	return report, nil
}

// sweepRef re-reads the ledger row under the digest lock, so a Put or
// Retain that raced the stale listing wins.
func (w *Sweeper) sweepRef(ctx context.Context, d digest.Digest, cutoff time.Time, report *SweepReport) error {
	mu := w.store.locks.forDigest(d)
	mu.Lock()
	defer mu.Unlock()

	ref, err := w.store.ledger.Ref(ctx, d)
	if errors.Is(err, blob.ErrRefNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read blob reference: %w", err)
	}

	actual, err := w.refs.References(ctx, d)
	if err != nil {
		return fmt.Errorf("failed to count references: %w", err)
	}
	if actual != ref.Count {
		logging.Warn().
			Add(logging.Component("sweeper")).
			Add(logging.Digest(d)).
			Add(logging.Count("ledger", int(ref.Count))).
			Add(logging.Count("index", int(actual))).
			Msg("reconciling reference count")
		if err := w.store.ledger.Reconcile(ctx, d, actual); err != nil {
			return fmt.Errorf("failed to reconcile blob reference: %w", err)
		}
		report.Reconciled++
		ref.Count = actual
	}
	if !ref.Reclaimable(cutoff) {
		return nil
	}

	var size int64
	if info, err := w.store.backend.Stat(ctx, d); err == nil {
		size = info.Size
	}
	if err := w.store.backend.Delete(ctx, d); err != nil {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	if err := w.store.ledger.Forget(ctx, d); err != nil {
		return fmt.Errorf("failed to forget blob reference: %w", err)
	}
	report.Reclaimed++
	report.Bytes += size

	logging.Debug().
		Add(logging.Component("sweeper")).
		Add(logging.Digest(d)).
		Add(logging.Size(size)).
		Msg("blob reclaimed")
	return nil
}

// sweepOrphans deletes stored blobs the ledger has never heard of,
// such as leftovers of a crash between write and ledger insert on a
// backend shared with another ledger.
func (w *Sweeper) sweepOrphans(ctx context.Context, cutoff time.Time, report *SweepReport) error {
	var orphans []blob.Info
	for info, err := range w.store.backend.Walk(ctx) {
		if err != nil {
			return fmt.Errorf("failed to walk blobs: %w", err)
		}
		if !info.ModTime.Before(cutoff) {
			continue
		}
		if _, err := w.store.ledger.Ref(ctx, info.Digest); err == nil {
			continue
		} else if !errors.Is(err, blob.ErrRefNotFound) {
			return fmt.Errorf("failed to read blob reference: %w", err)
		}
		orphans = append(orphans, info)
	}

	for _, info := range orphans {
		if err := w.reclaimOrphan(ctx, info, report); err != nil {
			return err
		}
	}
	return nil
}

func (w *Sweeper) reclaimOrphan(ctx context.Context, info blob.Info, report *SweepReport) error {
	mu := w.store.locks.forDigest(info.Digest)
	mu.Lock()
	defer mu.Unlock()

	// A Put may have recorded the digest since the walk.
	if _, err := w.store.ledger.Ref(ctx, info.Digest); !errors.Is(err, blob.ErrRefNotFound) {
		return nil
	}
	if n, err := w.refs.References(ctx, info.Digest); err != nil {
		return fmt.Errorf("failed to count references: %w", err)
	} else if n > 0 {
		// Indexed but unledgered: restore the row instead of deleting.
		now := w.store.clock.Now()
		if err := w.store.ledger.Touch(ctx, info.Digest, now); err != nil {
			return fmt.Errorf("failed to record blob: %w", err)
		}
		if err := w.store.ledger.Reconcile(ctx, info.Digest, n); err != nil {
			return fmt.Errorf("failed to reconcile blob reference: %w", err)
		}
		report.Reconciled++
		return nil
	}

	if err := w.store.backend.Delete(ctx, info.Digest); err != nil {
		return fmt.Errorf("failed to delete orphan blob: %w", err)
	}
	report.Orphans++
	report.Reclaimed++
	report.Bytes += info.Size
	return nil
}

// Run sweeps every interval until ctx is done.
func (w *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
				logging.Error().
					Add(logging.Component("sweeper")).
					Add(logging.ErrorField(err)).
					Msg("sweep failed")
			}
		}
	}
}
