package artifact

import (
	"context"
	"iter"
	"time"

	"github.com/opencontainers/go-digest"
)

// DefaultListLimit is the page size used when ListOptions.Limit is unset.
const DefaultListLimit = 100

// MaxListLimit caps a single page.
const MaxListLimit = 1000

// Index maps artifact identity to content digests.
type Index interface {
	// Register records desc as pointing at d. It returns the stored record
	// and whether it was newly created. Registering an existing version
	// with the same digest succeeds without change; with a different
	// digest it fails with ErrConflict.
	Register(ctx context.Context, desc Descriptor, d digest.Digest) (Record, bool, error)

	// Lookup returns the record for name and version. An empty version
	// resolves to the latest release.
	Lookup(ctx context.Context, name, version string) (Record, error)

	// List lazily yields the records of name, newest release first.
	List(ctx context.Context, name string) iter.Seq2[Record, error]

	// ListPage returns one page of records of name, newest release first.
	ListPage(ctx context.Context, name string, opts ListOptions) ([]Record, error)

	// References counts the records pointing at d.
	References(ctx context.Context, d digest.Digest) (int64, error)
}

// Cursor is a keyset position in release order.
type Cursor struct {
	ReleaseTime time.Time
	// Version breaks ties between equal release times. Empty means
	// "strictly before ReleaseTime".
	Version string
}

// IsZero returns true if the cursor does not bound the listing.
func (c Cursor) IsZero() bool {
	return c.ReleaseTime.IsZero()
}

// Admits returns true if r sorts strictly after the cursor.
func (c Cursor) Admits(r Record) bool {
	if c.IsZero() {
		return true
	}
	if r.ReleaseTime.Before(c.ReleaseTime) {
		return true
	}
	return r.ReleaseTime.Equal(c.ReleaseTime) && r.Version < c.Version
}

// ListOptions bounds a page of records.
type ListOptions struct {
	// Before only includes records released before the cursor.
	Before Cursor
	// Limit caps the page size. Zero means DefaultListLimit.
	Limit int
}

// EffectiveLimit returns the normalized page size.
func (o ListOptions) EffectiveLimit() int {
	switch {
	case o.Limit <= 0:
		return DefaultListLimit
	case o.Limit > MaxListLimit:
		return MaxListLimit
	default:
		return o.Limit
	}
}

// PageFunc fetches one page of records.
type PageFunc func(ctx context.Context, name string, opts ListOptions) ([]Record, error)

// Paginate turns a PageFunc into a lazy sequence. Pages are only fetched
// as the consumer advances, and iteration stops at the first error.
func Paginate(ctx context.Context, name string, pageSize int, page PageFunc) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		opts := ListOptions{Limit: pageSize}
		limit := opts.EffectiveLimit()
		for {
			if err := ctx.Err(); err != nil {
				yield(Record{}, err)
				return
			}
			records, err := page(ctx, name, opts)
			if err != nil {
				yield(Record{}, err)
				return
			}
			for _, r := range records {
				if !yield(r, nil) {
					return
				}
			}
			if len(records) < limit {
				return
			}
			opts.Before = records[len(records)-1].Cursor()
		}
	}
}
