package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/enginehub/cassettedeck/domain/blob"
)

// Touch implements blob.RefLedger.
func (x *Index) Touch(ctx context.Context, d digest.Digest, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := x.db.ExecContext(ctx,
		`INSERT INTO blob_refs (digest, ref_count, updated_at) VALUES (?, 0, ?)
		 ON CONFLICT (digest) DO UPDATE SET updated_at = excluded.updated_at`,
		d.String(), at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to touch blob reference: %w", err)
	}
	return nil
}

// Retain implements blob.RefLedger.
func (x *Index) Retain(ctx context.Context, d digest.Digest, at time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var n int64
	err := x.db.QueryRowContext(ctx,
		`INSERT INTO blob_refs (digest, ref_count, updated_at) VALUES (?, 1, ?)
		 ON CONFLICT (digest) DO UPDATE SET ref_count = ref_count + 1, updated_at = excluded.updated_at
		 RETURNING ref_count`,
		d.String(), at.UnixMilli(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to retain blob: %w", err)
	}
	return n, nil
}

// Release implements blob.RefLedger.
func (x *Index) Release(ctx context.Context, d digest.Digest, at time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var n int64
	err := x.db.QueryRowContext(ctx,
		`UPDATE blob_refs SET ref_count = ref_count - 1, updated_at = ?
		 WHERE digest = ? AND ref_count > 0
		 RETURNING ref_count`,
		at.UnixMilli(), d.String(),
	).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", blob.ErrNotRetained, d)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to release blob: %w", err)
	}
	return n, nil
}

// Ref implements blob.RefLedger.
func (x *Index) Ref(ctx context.Context, d digest.Digest) (blob.Ref, error) {
	if err := ctx.Err(); err != nil {
		return blob.Ref{}, err
	}

	ref := blob.Ref{Digest: d}
	var updatedMs int64
	err := x.db.QueryRowContext(ctx,
		"SELECT ref_count, updated_at FROM blob_refs WHERE digest = ?",
		d.String(),
	).Scan(&ref.Count, &updatedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return blob.Ref{}, blob.ErrRefNotFound
	}
	if err != nil {
		return blob.Ref{}, fmt.Errorf("failed to read blob reference: %w", err)
	}
	ref.UpdatedAt = fromMillis(updatedMs)
	return ref, nil
}

// Stale implements blob.RefLedger.
func (x *Index) Stale(ctx context.Context, cutoff time.Time) ([]blob.Ref, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows, err := x.db.QueryContext(ctx,
		`SELECT digest, ref_count, updated_at FROM blob_refs
		 WHERE updated_at < ?
		 ORDER BY updated_at`,
		cutoff.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale blobs: %w", err)
	}
	defer rows.Close()

	var refs []blob.Ref
	for rows.Next() {
		var (
			ref       blob.Ref
			dg        string
			updatedMs int64
		)
		if err := rows.Scan(&dg, &ref.Count, &updatedMs); err != nil {
			return nil, err
		}
		ref.Digest = digest.Digest(dg)
		ref.UpdatedAt = fromMillis(updatedMs)
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// Reconcile implements blob.RefLedger.
func (x *Index) Reconcile(ctx context.Context, d digest.Digest, count int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	res, err := x.db.ExecContext(ctx,
		"UPDATE blob_refs SET ref_count = ? WHERE digest = ?",
		count, d.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to reconcile blob reference: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return blob.ErrRefNotFound
	}
	return nil
}

// Forget implements blob.RefLedger.
func (x *Index) Forget(ctx context.Context, d digest.Digest) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := x.db.ExecContext(ctx, "DELETE FROM blob_refs WHERE digest = ?", d.String()); err != nil {
		return fmt.Errorf("failed to forget blob reference: %w", err)
	}
	return nil
}
