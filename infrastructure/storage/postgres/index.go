package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/opencontainers/go-digest"

	"github.com/enginehub/cassettedeck/domain/artifact"
	"github.com/enginehub/cassettedeck/domain/blob"
	"github.com/enginehub/cassettedeck/infrastructure/clock"
)

// Index is a PostgreSQL-backed implementation of artifact.Index and
// blob.RefLedger.
type Index struct {
	pool        *pgxpool.Pool
	schema      string
	descriptors string
	refs        string
	clock       clock.Clock
}

// NewIndex creates a PostgreSQL index and its tables.
func NewIndex(ctx context.Context, pool *pgxpool.Pool, schema string) (*Index, error) {
	if schema == "" {
		schema = "public"
	}
	x := &Index{
		pool:        pool,
		schema:      schema,
		descriptors: pgx.Identifier{schema, "descriptors"}.Sanitize(),
		refs:        pgx.Identifier{schema, "blob_refs"}.Sanitize(),
		clock:       clock.Real(),
	}
	if err := x.migrate(ctx); err != nil {
		return nil, err
	}
	return x, nil
}

// SetClock replaces the clock used for registration times.
func (x *Index) SetClock(clk clock.Clock) {
	x.clock = clk
}

func (x *Index) migrate(ctx context.Context) error {
	schema := fmt.Sprintf(`
		CREATE SCHEMA IF NOT EXISTS %[1]s;

		CREATE TABLE IF NOT EXISTS %[2]s (
			name TEXT NOT NULL,
			version TEXT COLLATE "C" NOT NULL,
			digest TEXT NOT NULL,
			release_time TIMESTAMPTZ NOT NULL,
			flags JSONB NOT NULL DEFAULT '{}',
			registered_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (name, version)
		);
		CREATE INDEX IF NOT EXISTS descriptors_release_idx ON %[2]s (name, release_time DESC, version DESC);
		CREATE INDEX IF NOT EXISTS descriptors_digest_idx ON %[2]s (digest);

		CREATE TABLE IF NOT EXISTS %[3]s (
			digest TEXT PRIMARY KEY,
			ref_count BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS blob_refs_updated_at_idx ON %[3]s (updated_at);
	`, pgx.Identifier{x.schema}.Sanitize(), x.descriptors, x.refs)

	if _, err := x.pool.Exec(ctx, schema); err != nil {
		return errors.Join(ErrMigrationFailed, err)
	}
	return nil
}

const recordColumns = "name, version, digest, release_time, flags, registered_at"

// Register implements artifact.Index.
func (x *Index) Register(ctx context.Context, desc artifact.Descriptor, d digest.Digest) (artifact.Record, bool, error) {
	if err := desc.Validate(); err != nil {
		return artifact.Record{}, false, err
	}

	flags := []byte("{}")
	if len(desc.Flags) > 0 {
		var err error
		if flags, err = json.Marshal(desc.Flags); err != nil {
			return artifact.Record{}, false, fmt.Errorf("failed to marshal flags: %w", err)
		}
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name, version) DO NOTHING
	`, x.descriptors, recordColumns)

	tag, err := x.pool.Exec(ctx, query,
		desc.Name, desc.Version, d.String(),
		artifact.NormalizeTime(desc.ReleaseTime), flags, artifact.NormalizeTime(x.clock.Now()),
	)
	if err != nil {
		return artifact.Record{}, false, fmt.Errorf("failed to insert descriptor: %w", err)
	}

	stored, err := x.Lookup(ctx, desc.Name, desc.Version)
	if err != nil {
		return artifact.Record{}, false, err
	}
	created := tag.RowsAffected() == 1
	if !created && stored.Digest != d {
		return stored, false, fmt.Errorf("%w: %s", artifact.ErrConflict, desc.Key())
	}
	return stored, created, nil
}

// Lookup implements artifact.Index.
func (x *Index) Lookup(ctx context.Context, name, version string) (artifact.Record, error) {
	var row pgx.Row
	if version == "" {
		row = x.pool.QueryRow(ctx, fmt.Sprintf(`
			SELECT %s FROM %s
			WHERE name = $1
			ORDER BY release_time DESC, version DESC
			LIMIT 1
		`, recordColumns, x.descriptors), name)
	} else {
		row = x.pool.QueryRow(ctx, fmt.Sprintf(`
			SELECT %s FROM %s WHERE name = $1 AND version = $2
		`, recordColumns, x.descriptors), name, version)
	}

	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if version == "" {
			return artifact.Record{}, fmt.Errorf("%w: %s", artifact.ErrNotFound, name)
		}
		return artifact.Record{}, fmt.Errorf("%w: %s@%s", artifact.ErrNotFound, name, version)
	}
	if err != nil {
		return artifact.Record{}, x.wrapError(err)
	}
	return rec, nil
}

// ListPage implements artifact.Index.
func (x *Index) ListPage(ctx context.Context, name string, opts artifact.ListOptions) ([]artifact.Record, error) {
	limit := opts.EffectiveLimit()

	var (
		rows pgx.Rows
		err  error
	)
	if opts.Before.IsZero() {
		rows, err = x.pool.Query(ctx, fmt.Sprintf(`
			SELECT %s FROM %s
			WHERE name = $1
			ORDER BY release_time DESC, version DESC
			LIMIT $2
		`, recordColumns, x.descriptors), name, limit)
	} else {
		rows, err = x.pool.Query(ctx, fmt.Sprintf(`
			SELECT %s FROM %s
			WHERE name = $1 AND (release_time, version) < ($2, $3)
			ORDER BY release_time DESC, version DESC
			LIMIT $4
		`, recordColumns, x.descriptors), name, opts.Before.ReleaseTime, opts.Before.Version, limit)
	}
	if err != nil {
		return nil, x.wrapError(err)
	}
	defer rows.Close()

	records := make([]artifact.Record, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, x.wrapError(err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// List implements artifact.Index.
func (x *Index) List(ctx context.Context, name string) iter.Seq2[artifact.Record, error] {
	return artifact.Paginate(ctx, name, artifact.DefaultListLimit, x.ListPage)
}

// References implements artifact.Index.
func (x *Index) References(ctx context.Context, d digest.Digest) (int64, error) {
	var n int64
	err := x.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE digest = $1", x.descriptors),
		d.String(),
	).Scan(&n)
	if err != nil {
		return 0, x.wrapError(err)
	}
	return n, nil
}

func scanRecord(row pgx.Row) (artifact.Record, error) {
	var (
		rec   artifact.Record
		dg    string
		flags []byte
	)
	if err := row.Scan(&rec.Name, &rec.Version, &dg, &rec.ReleaseTime, &flags, &rec.RegisteredAt); err != nil {
		return artifact.Record{}, err
	}
	if len(flags) > 0 && string(flags) != "{}" {
		if err := json.Unmarshal(flags, &rec.Flags); err != nil {
			return artifact.Record{}, fmt.Errorf("failed to unmarshal flags: %w", err)
		}
	}
	rec.Digest = digest.Digest(dg)
	rec.ReleaseTime = rec.ReleaseTime.UTC()
	rec.RegisteredAt = rec.RegisteredAt.UTC()
	return rec, nil
}

// wrapError adds the schema to database errors.
func (x *Index) wrapError(err error) error {
	return fmt.Errorf("postgres (%s): %w", x.schema, err)
}

// Touch implements blob.RefLedger.
func (x *Index) Touch(ctx context.Context, d digest.Digest, at time.Time) error {
	_, err := x.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s AS r (digest, ref_count, updated_at) VALUES ($1, 0, $2)
		ON CONFLICT (digest) DO UPDATE SET updated_at = EXCLUDED.updated_at
	`, x.refs), d.String(), at)
	if err != nil {
		return x.wrapError(err)
	}
	return nil
}

// Retain implements blob.RefLedger.
func (x *Index) Retain(ctx context.Context, d digest.Digest, at time.Time) (int64, error) {
	var n int64
	err := x.pool.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO %s AS r (digest, ref_count, updated_at) VALUES ($1, 1, $2)
		ON CONFLICT (digest) DO UPDATE SET ref_count = r.ref_count + 1, updated_at = EXCLUDED.updated_at
		RETURNING ref_count
	`, x.refs), d.String(), at).Scan(&n)
	if err != nil {
		return 0, x.wrapError(err)
	}
	return n, nil
}

// Release implements blob.RefLedger.
func (x *Index) Release(ctx context.Context, d digest.Digest, at time.Time) (int64, error) {
	var n int64
	err := x.pool.QueryRow(ctx, fmt.Sprintf(`
		UPDATE %s SET ref_count = ref_count - 1, updated_at = $2
		WHERE digest = $1 AND ref_count > 0
		RETURNING ref_count
	`, x.refs), d.String(), at).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", blob.ErrNotRetained, d)
	}
	if err != nil {
		return 0, x.wrapError(err)
	}
	return n, nil
}

// Ref implements blob.RefLedger.
func (x *Index) Ref(ctx context.Context, d digest.Digest) (blob.Ref, error) {
	ref := blob.Ref{Digest: d}
	err := x.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT ref_count, updated_at FROM %s WHERE digest = $1", x.refs),
		d.String(),
	).Scan(&ref.Count, &ref.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return blob.Ref{}, blob.ErrRefNotFound
	}
	if err != nil {
		return blob.Ref{}, x.wrapError(err)
	}
	ref.UpdatedAt = ref.UpdatedAt.UTC()
	return ref, nil
}

// Stale implements blob.RefLedger.
func (x *Index) Stale(ctx context.Context, cutoff time.Time) ([]blob.Ref, error) {
	rows, err := x.pool.Query(ctx, fmt.Sprintf(`
		SELECT digest, ref_count, updated_at FROM %s
		WHERE updated_at < $1
		ORDER BY updated_at
	`, x.refs), cutoff)
	if err != nil {
		return nil, x.wrapError(err)
	}
	defer rows.Close()

	var refs []blob.Ref
	for rows.Next() {
		var (
			ref blob.Ref
			dg  string
		)
		if err := rows.Scan(&dg, &ref.Count, &ref.UpdatedAt); err != nil {
			return nil, x.wrapError(err)
		}
		ref.Digest = digest.Digest(dg)
		ref.UpdatedAt = ref.UpdatedAt.UTC()
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// Reconcile implements blob.RefLedger.
func (x *Index) Reconcile(ctx context.Context, d digest.Digest, count int64) error {
	tag, err := x.pool.Exec(ctx,
		fmt.Sprintf("UPDATE %s SET ref_count = $2 WHERE digest = $1", x.refs),
		d.String(), count,
	)
	if err != nil {
		return x.wrapError(err)
	}
	if tag.RowsAffected() == 0 {
		return blob.ErrRefNotFound
	}
	return nil
}

// Forget implements blob.RefLedger.
func (x *Index) Forget(ctx context.Context, d digest.Digest) error {
	_, err := x.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE digest = $1", x.refs), d.String())
	if err != nil {
		return x.wrapError(err)
	}
	return nil
}

var (
	_ artifact.Index        = (*Index)(nil)
	_ blob.RefLedger        = (*Index)(nil)
	_ blob.ReferenceCounter = (*Index)(nil)
)
