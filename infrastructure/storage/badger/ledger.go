package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/opencontainers/go-digest"

	"github.com/enginehub/cassettedeck/domain/blob"
)

type storedRef struct {
	Count     int64 `json:"count"`
	UpdatedAt int64 `json:"updated_ns"`
}

func (x *Index) getRef(txn *badger.Txn, d digest.Digest) (blob.Ref, error) {
	item, err := txn.Get(x.refKey(d))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return blob.Ref{}, blob.ErrRefNotFound
	}
	if err != nil {
		return blob.Ref{}, err
	}
	var ref blob.Ref
	err = item.Value(func(val []byte) error {
		var err error
		ref, err = decodeRef(d, val)
		return err
	})
	return ref, err
}

func decodeRef(d digest.Digest, val []byte) (blob.Ref, error) {
	var s storedRef
	if err := json.Unmarshal(val, &s); err != nil {
		return blob.Ref{}, fmt.Errorf("failed to decode ref: %w", err)
	}
	return blob.Ref{Digest: d, Count: s.Count, UpdatedAt: time.Unix(0, s.UpdatedAt).UTC()}, nil
}

func (x *Index) putRef(txn *badger.Txn, ref blob.Ref) error {
	data, err := json.Marshal(storedRef{Count: ref.Count, UpdatedAt: ref.UpdatedAt.UnixNano()})
	if err != nil {
		return err
	}
	return txn.Set(x.refKey(ref.Digest), data)
}

// mutateRef applies fn to the row for d, creating it when missing.
func (x *Index) mutateRef(ctx context.Context, d digest.Digest, fn func(ref *blob.Ref) error) (blob.Ref, error) {
	var out blob.Ref
	err := x.update(ctx, func(txn *badger.Txn) error {
		ref, err := x.getRef(txn, d)
		if errors.Is(err, blob.ErrRefNotFound) {
			ref = blob.Ref{Digest: d}
		} else if err != nil {
			return err
		}
		if err := fn(&ref); err != nil {
			return err
		}
		out = ref
		return x.putRef(txn, ref)
	})
	return out, err
}

// Touch implements blob.RefLedger.
func (x *Index) Touch(ctx context.Context, d digest.Digest, at time.Time) error {
	_, err := x.mutateRef(ctx, d, func(ref *blob.Ref) error {
		ref.UpdatedAt = at
		return nil
	})
	return err
}

// Retain implements blob.RefLedger.
func (x *Index) Retain(ctx context.Context, d digest.Digest, at time.Time) (int64, error) {
	ref, err := x.mutateRef(ctx, d, func(ref *blob.Ref) error {
		ref.Count++
		ref.UpdatedAt = at
		return nil
	})
	return ref.Count, err
}

// Release implements blob.RefLedger.
func (x *Index) Release(ctx context.Context, d digest.Digest, at time.Time) (int64, error) {
	ref, err := x.mutateRef(ctx, d, func(ref *blob.Ref) error {
		if ref.Count <= 0 {
			return fmt.Errorf("%w: %s", blob.ErrNotRetained, d)
		}
		ref.Count--
		ref.UpdatedAt = at
		return nil
	})
	return ref.Count, err
}

// Ref implements blob.RefLedger.
func (x *Index) Ref(ctx context.Context, d digest.Digest) (blob.Ref, error) {
	if err := ctx.Err(); err != nil {
		return blob.Ref{}, err
	}
	var ref blob.Ref
	err := x.db.View(func(txn *badger.Txn) error {
		var err error
		ref, err = x.getRef(txn, d)
		return err
	})
	return ref, err
}

// Stale implements blob.RefLedger.
func (x *Index) Stale(ctx context.Context, cutoff time.Time) ([]blob.Ref, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := x.key(nsRef)
	var refs []blob.Ref
	err := x.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			d := digest.Digest(item.Key()[len(prefix):])
			err := item.Value(func(val []byte) error {
				ref, err := decodeRef(d, val)
				if err != nil {
					return err
				}
				if ref.UpdatedAt.Before(cutoff) {
					refs = append(refs, ref)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(refs, func(a, b blob.Ref) int {
		return a.UpdatedAt.Compare(b.UpdatedAt)
	})
	return refs, nil
}

// Reconcile implements blob.RefLedger.
func (x *Index) Reconcile(ctx context.Context, d digest.Digest, count int64) error {
	return x.update(ctx, func(txn *badger.Txn) error {
		ref, err := x.getRef(txn, d)
		if err != nil {
			return err
		}
		ref.Count = count
		return x.putRef(txn, ref)
	})
}

// Forget implements blob.RefLedger.
func (x *Index) Forget(ctx context.Context, d digest.Digest) error {
	return x.update(ctx, func(txn *badger.Txn) error {
		return txn.Delete(x.refKey(d))
	})
}
