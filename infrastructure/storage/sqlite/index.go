package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/enginehub/cassettedeck/domain/artifact"
	"github.com/enginehub/cassettedeck/domain/blob"
	"github.com/enginehub/cassettedeck/infrastructure/clock"
)

// Index is a SQLite-backed implementation of artifact.Index and
// blob.RefLedger. Times are stored as Unix milliseconds.
type Index struct {
	db    *sql.DB
	clock clock.Clock
}

// NewIndex creates a new SQLite index with the given configuration.
func NewIndex(cfg Config, opts ...Option) (*Index, error) {
	// Apply options
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}

	x := &Index{db: db, clock: clock.Real()}

	// Auto-migrate if enabled
	if cfg.AutoMigrate {
		if err := x.migrate(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	return x, nil
}

// NewIndexFromDB creates an index from an existing database connection.
func NewIndexFromDB(db *sql.DB) (*Index, error) {
	x := &Index{db: db, clock: clock.Real()}

	if err := x.migrate(); err != nil {
		return nil, err
	}

	return x, nil
}

// SetClock replaces the clock used for registration times.
func (x *Index) SetClock(clk clock.Clock) {
	x.clock = clk
}

// Close closes the database connection.
func (x *Index) Close() error {
	return x.db.Close()
}

// migrate creates the tables if they don't exist.
func (x *Index) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS descriptors (
			name TEXT NOT NULL,
			version TEXT NOT NULL,
			digest TEXT NOT NULL,
			release_time INTEGER NOT NULL,
			flags TEXT NOT NULL DEFAULT '{}',
			registered_at INTEGER NOT NULL,
			PRIMARY KEY (name, version)
		);
		CREATE INDEX IF NOT EXISTS idx_descriptors_release ON descriptors(name, release_time DESC, version DESC);
		CREATE INDEX IF NOT EXISTS idx_descriptors_digest ON descriptors(digest);

		CREATE TABLE IF NOT EXISTS blob_refs (
			digest TEXT PRIMARY KEY,
			ref_count INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_blob_refs_updated_at ON blob_refs(updated_at);
	`

	_, err := x.db.Exec(schema)
	if err != nil {
		return errors.Join(ErrMigrationFailed, err)
	}

	return nil
}

const recordColumns = "name, version, digest, release_time, flags, registered_at"

// Register implements artifact.Index.
func (x *Index) Register(ctx context.Context, desc artifact.Descriptor, d digest.Digest) (artifact.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return artifact.Record{}, false, err
	}
	if err := desc.Validate(); err != nil {
		return artifact.Record{}, false, err
	}

	flags, err := json.Marshal(desc.Flags)
	if err != nil {
		return artifact.Record{}, false, fmt.Errorf("failed to marshal flags: %w", err)
	}
	if desc.Flags == nil {
		flags = []byte("{}")
	}

	res, err := x.db.ExecContext(ctx,
		`INSERT INTO descriptors (`+recordColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (name, version) DO NOTHING`,
		desc.Name, desc.Version, d.String(),
		desc.ReleaseTime.UnixMilli(), string(flags), x.clock.Now().UnixMilli(),
	)
	if err != nil {
		return artifact.Record{}, false, fmt.Errorf("failed to insert descriptor: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return artifact.Record{}, false, err
	}

	stored, err := x.Lookup(ctx, desc.Name, desc.Version)
	if err != nil {
		return artifact.Record{}, false, err
	}
	if inserted == 0 && stored.Digest != d {
		return stored, false, fmt.Errorf("%w: %s", artifact.ErrConflict, desc.Key())
	}
	return stored, inserted == 1, nil
}

// Lookup implements artifact.Index.
func (x *Index) Lookup(ctx context.Context, name, version string) (artifact.Record, error) {
	if err := ctx.Err(); err != nil {
		return artifact.Record{}, err
	}

	var row *sql.Row
	if version == "" {
		row = x.db.QueryRowContext(ctx,
			`SELECT `+recordColumns+` FROM descriptors
			 WHERE name = ?
			 ORDER BY release_time DESC, version DESC
			 LIMIT 1`,
			name,
		)
	} else {
		row = x.db.QueryRowContext(ctx,
			`SELECT `+recordColumns+` FROM descriptors WHERE name = ? AND version = ?`,
			name, version,
		)
	}

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		if version == "" {
			return artifact.Record{}, fmt.Errorf("%w: %s", artifact.ErrNotFound, name)
		}
		return artifact.Record{}, fmt.Errorf("%w: %s@%s", artifact.ErrNotFound, name, version)
	}
	return rec, err
}

// ListPage implements artifact.Index.
func (x *Index) ListPage(ctx context.Context, name string, opts artifact.ListOptions) ([]artifact.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	limit := opts.EffectiveLimit()
	var (
		rows *sql.Rows
		err  error
	)
	if opts.Before.IsZero() {
		rows, err = x.db.QueryContext(ctx,
			`SELECT `+recordColumns+` FROM descriptors
			 WHERE name = ?
			 ORDER BY release_time DESC, version DESC
			 LIMIT ?`,
			name, limit,
		)
	} else {
		at := opts.Before.ReleaseTime.UnixMilli()
		rows, err = x.db.QueryContext(ctx,
			`SELECT `+recordColumns+` FROM descriptors
			 WHERE name = ? AND (release_time < ? OR (release_time = ? AND version < ?))
			 ORDER BY release_time DESC, version DESC
			 LIMIT ?`,
			name, at, at, opts.Before.Version, limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list descriptors: %w", err)
	}
	defer rows.Close()

	records := make([]artifact.Record, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
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
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var n int64
	err := x.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM descriptors WHERE digest = ?",
		d.String(),
	).Scan(&n)
	return n, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (artifact.Record, error) {
	var (
		rec          artifact.Record
		dg           string
		releaseMs    int64
		flags        string
		registeredMs int64
	)
	if err := s.Scan(&rec.Name, &rec.Version, &dg, &releaseMs, &flags, &registeredMs); err != nil {
		return artifact.Record{}, err
	}
	if flags != "" && flags != "{}" && flags != "null" {
		if err := json.Unmarshal([]byte(flags), &rec.Flags); err != nil {
			return artifact.Record{}, fmt.Errorf("failed to unmarshal flags: %w", err)
		}
	}
	rec.Digest = digest.Digest(dg)
	rec.ReleaseTime = fromMillis(releaseMs)
	rec.RegisteredAt = fromMillis(registeredMs)
	return rec, nil
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

var (
	_ artifact.Index        = (*Index)(nil)
	_ blob.RefLedger        = (*Index)(nil)
	_ blob.ReferenceCounter = (*Index)(nil)
)
