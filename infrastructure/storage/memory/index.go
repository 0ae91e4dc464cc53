package memory

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/enginehub/cassettedeck/domain/artifact"
	"github.com/enginehub/cassettedeck/domain/blob"
	"github.com/enginehub/cassettedeck/infrastructure/clock"
)

// Index is an in-memory implementation of artifact.Index and
// blob.RefLedger.
type Index struct {
	mu       sync.RWMutex
	versions map[string]map[string]artifact.Record
	refs     map[digest.Digest]blob.Ref
	clock    clock.Clock
}

// NewIndex creates an empty in-memory index.
func NewIndex(clk clock.Clock) *Index {
	if clk == nil {
		clk = clock.Real()
	}
	return &Index{
		versions: make(map[string]map[string]artifact.Record),
		refs:     make(map[digest.Digest]blob.Ref),
		clock:    clk,
	}
}

// Register implements artifact.Index.
func (x *Index) Register(ctx context.Context, desc artifact.Descriptor, d digest.Digest) (artifact.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return artifact.Record{}, false, err
	}
	if err := desc.Validate(); err != nil {
		return artifact.Record{}, false, err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	byVersion, ok := x.versions[desc.Name]
	if !ok {
		byVersion = make(map[string]artifact.Record)
		x.versions[desc.Name] = byVersion
	}
	if existing, ok := byVersion[desc.Version]; ok {
		if existing.Digest != d {
			return existing, false, fmt.Errorf("%w: %s", artifact.ErrConflict, desc.Key())
		}
		return existing, false, nil
	}

	desc.ReleaseTime = artifact.NormalizeTime(desc.ReleaseTime)
	desc.Flags = maps.Clone(desc.Flags)
	rec := artifact.Record{
		Descriptor:   desc,
		Digest:       d,
		RegisteredAt: artifact.NormalizeTime(x.clock.Now()),
	}
	byVersion[desc.Version] = rec
	return rec, true, nil
}

// Lookup implements artifact.Index.
func (x *Index) Lookup(ctx context.Context, name, version string) (artifact.Record, error) {
	if err := ctx.Err(); err != nil {
		return artifact.Record{}, err
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	byVersion := x.versions[name]
	if version != "" {
		rec, ok := byVersion[version]
		if !ok {
			return artifact.Record{}, fmt.Errorf("%w: %s@%s", artifact.ErrNotFound, name, version)
		}
		return rec, nil
	}

	var latest artifact.Record
	found := false
	for _, rec := range byVersion {
		if !found || rec.Newer(latest) {
			latest, found = rec, true
		}
	}
	if !found {
		return artifact.Record{}, fmt.Errorf("%w: %s", artifact.ErrNotFound, name)
	}
	return latest, nil
}

// ListPage implements artifact.Index.
func (x *Index) ListPage(ctx context.Context, name string, opts artifact.ListOptions) ([]artifact.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	x.mu.RLock()
	all := slices.Collect(maps.Values(x.versions[name]))
	x.mu.RUnlock()

	slices.SortFunc(all, func(a, b artifact.Record) int {
		switch {
		case a.Newer(b):
			return -1
		case b.Newer(a):
			return 1
		default:
			return 0
		}
	})

	limit := opts.EffectiveLimit()
	page := make([]artifact.Record, 0, min(limit, len(all)))
	for _, rec := range all {
		if !opts.Before.Admits(rec) {
			continue
		}
		page = append(page, rec)
		if len(page) == limit {
			break
		}
	}
	return page, nil
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

	x.mu.RLock()
	defer x.mu.RUnlock()

	var n int64
	for _, byVersion := range x.versions {
		for _, rec := range byVersion {
			if rec.Digest == d {
				n++
			}
		}
	}
	return n, nil
}

// Touch implements blob.RefLedger.
func (x *Index) Touch(ctx context.Context, d digest.Digest, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	ref := x.refs[d]
	ref.Digest = d
	ref.UpdatedAt = at
	x.refs[d] = ref
	return nil
}

// Retain implements blob.RefLedger.
func (x *Index) Retain(ctx context.Context, d digest.Digest, at time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	ref := x.refs[d]
	ref.Digest = d
	ref.Count++
	ref.UpdatedAt = at
	x.refs[d] = ref
	return ref.Count, nil
}

// Release implements blob.RefLedger.
func (x *Index) Release(ctx context.Context, d digest.Digest, at time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	ref, ok := x.refs[d]
	if !ok || ref.Count <= 0 {
		return 0, fmt.Errorf("%w: %s", blob.ErrNotRetained, d)
	}
	ref.Count--
	ref.UpdatedAt = at
	x.refs[d] = ref
	return ref.Count, nil
}

// Ref implements blob.RefLedger.
func (x *Index) Ref(ctx context.Context, d digest.Digest) (blob.Ref, error) {
	if err := ctx.Err(); err != nil {
		return blob.Ref{}, err
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	ref, ok := x.refs[d]
	if !ok {
		return blob.Ref{}, blob.ErrRefNotFound
	}
	return ref, nil
}

// Stale implements blob.RefLedger.
func (x *Index) Stale(ctx context.Context, cutoff time.Time) ([]blob.Ref, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	var stale []blob.Ref
	for _, ref := range x.refs {
		if ref.UpdatedAt.Before(cutoff) {
			stale = append(stale, ref)
		}
	}
	slices.SortFunc(stale, func(a, b blob.Ref) int {
		return a.UpdatedAt.Compare(b.UpdatedAt)
	})
	return stale, nil
}

// Reconcile implements blob.RefLedger.
func (x *Index) Reconcile(ctx context.Context, d digest.Digest, count int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	ref, ok := x.refs[d]
	if !ok {
		return blob.ErrRefNotFound
	}
	ref.Count = count
	x.refs[d] = ref
	return nil
}

// Forget implements blob.RefLedger.
func (x *Index) Forget(ctx context.Context, d digest.Digest) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	delete(x.refs, d)
	return nil
}

var (
	_ artifact.Index        = (*Index)(nil)
	_ blob.RefLedger        = (*Index)(nil)
	_ blob.ReferenceCounter = (*Index)(nil)
)
