package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/opencontainers/go-digest"

	"github.com/enginehub/cassettedeck/domain/artifact"
	"github.com/enginehub/cassettedeck/domain/blob"
	"github.com/enginehub/cassettedeck/infrastructure/clock"
	"github.com/enginehub/cassettedeck/infrastructure/logging"
)

// Key layout, all under the configured prefix:
//
//	d/<name>\x00<version>              descriptor record
//	t/<name>\x00<release ms><version>  release-order entry, same record
//	c/<digest>                         descriptors pointing at digest
//	r/<digest>                         blob reference row
const (
	nsDescriptor = "d/"
	nsTimeline   = "t/"
	nsCount      = "c/"
	nsRef        = "r/"
)

// Index is a BadgerDB-backed implementation of artifact.Index and
// blob.RefLedger.
type Index struct {
	db         *badger.DB
	keyPrefix  string
	maxRetries int
	clock      clock.Clock
	ownsDB     bool
	gcStop     chan struct{}
	gcWg       sync.WaitGroup
	closeOnce  sync.Once
}

// NewIndex opens a BadgerDB index with the given configuration.
func NewIndex(cfg Config, opts ...Option) (*Index, error) {
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = Logger{}
	}

	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}

	x := newIndex(db, cfg)
	x.ownsDB = true
	if cfg.GCInterval > 0 && !cfg.InMemory {
		x.startGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return x, nil
}

// NewIndexFromDB creates an index over an existing database. Close does
// not close db.
func NewIndexFromDB(db *badger.DB, keyPrefix string) *Index {
	cfg := DefaultConfig()
	cfg.KeyPrefix = keyPrefix
	return newIndex(db, cfg)
}

func newIndex(db *badger.DB, cfg Config) *Index {
	retries := cfg.MaxTxnRetries
	if retries <= 0 {
		retries = 1
	}
	return &Index{
		db:         db,
		keyPrefix:  cfg.KeyPrefix,
		maxRetries: retries,
		clock:      clock.Real(),
		gcStop:     make(chan struct{}),
	}
}

// SetClock replaces the clock used for registration times.
func (x *Index) SetClock(clk clock.Clock) {
	x.clock = clk
}

// startGC starts the value log garbage collection goroutine.
func (x *Index) startGC(interval time.Duration, discardRatio float64) {
	x.gcWg.Add(1)
	go func() {
		defer x.gcWg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-x.gcStop:
				return
			case <-ticker.C:
				rewrites := 0
				for x.db.RunValueLogGC(discardRatio) == nil {
					rewrites++
				}
				if rewrites > 0 {
					logging.Debug().
						Add(logging.Component("badger")).
						Add(logging.Count("rewrites", rewrites)).
						Msg("value log gc")
				}
			}
		}
	}()
}

// Close stops garbage collection and closes the database if the index
// opened it.
func (x *Index) Close() error {
	var err error
	x.closeOnce.Do(func() {
		close(x.gcStop)
		x.gcWg.Wait()
		if x.ownsDB {
			err = x.db.Close()
		}
	})
	return err
}

func (x *Index) key(ns string, parts ...[]byte) []byte {
	k := []byte(x.keyPrefix + ns)
	for _, p := range parts {
		k = append(k, p...)
	}
	return k
}

func (x *Index) descriptorKey(name, version string) []byte {
	return x.key(nsDescriptor, []byte(name), []byte{0}, []byte(version))
}

func (x *Index) timelinePrefix(name string) []byte {
	return x.key(nsTimeline, []byte(name), []byte{0})
}

// timelineKey sorts by release time, then version. The sign bit is
// flipped so pre-epoch times order correctly as unsigned bytes.
func (x *Index) timelineKey(name string, release time.Time, version string) []byte {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(release.UnixMilli())^(1<<63)) // #nosec G115
	return append(append(x.timelinePrefix(name), ts[:]...), version...)
}

func (x *Index) countKey(d digest.Digest) []byte {
	return x.key(nsCount, []byte(d))
}

func (x *Index) refKey(d digest.Digest) []byte {
	return x.key(nsRef, []byte(d))
}

// update runs fn in a read-write transaction, retrying when a concurrent
// transaction invalidated its reads.
func (x *Index) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for range x.maxRetries {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := x.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return ErrTxnRetries
}

type storedRecord struct {
	Name         string          `json:"name"`
	Version      string          `json:"version"`
	Digest       string          `json:"digest"`
	ReleaseTime  int64           `json:"release_ms"`
	Flags        map[string]bool `json:"flags,omitempty"`
	RegisteredAt int64           `json:"registered_ms"`
}

func encodeRecord(r artifact.Record) ([]byte, error) {
	return json.Marshal(storedRecord{
		Name:         r.Name,
		Version:      r.Version,
		Digest:       r.Digest.String(),
		ReleaseTime:  r.ReleaseTime.UnixMilli(),
		Flags:        r.Flags,
		RegisteredAt: r.RegisteredAt.UnixMilli(),
	})
}

func decodeRecord(data []byte) (artifact.Record, error) {
	var s storedRecord
	if err := json.Unmarshal(data, &s); err != nil {
		return artifact.Record{}, fmt.Errorf("failed to decode record: %w", err)
	}
	rec := artifact.Record{
		Descriptor: artifact.Descriptor{
			Name:        s.Name,
			Version:     s.Version,
			ReleaseTime: time.UnixMilli(s.ReleaseTime).UTC(),
			Flags:       s.Flags,
		},
		Digest:       digest.Digest(s.Digest),
		RegisteredAt: time.UnixMilli(s.RegisteredAt).UTC(),
	}
	return rec, nil
}

func readRecord(item *badger.Item) (artifact.Record, error) {
	var rec artifact.Record
	err := item.Value(func(val []byte) error {
		var err error
		rec, err = decodeRecord(val)
		return err
	})
	return rec, err
}

func readInt(txn *badger.Txn, key []byte) (int64, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var n int64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("corrupt counter at %q", key)
		}
		n = int64(binary.BigEndian.Uint64(val)) // #nosec G115
		return nil
	})
	return n, err
}

func encodeInt(n int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(n)) // #nosec G115
	return b[:]
}

// Register implements artifact.Index.
func (x *Index) Register(ctx context.Context, desc artifact.Descriptor, d digest.Digest) (artifact.Record, bool, error) {
	if err := desc.Validate(); err != nil {
		return artifact.Record{}, false, err
	}

	var (
		stored  artifact.Record
		created bool
	)
	err := x.update(ctx, func(txn *badger.Txn) error {
		created = false
		dk := x.descriptorKey(desc.Name, desc.Version)

		item, err := txn.Get(dk)
		if err == nil {
			stored, err = readRecord(item)
			return err
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		stored = artifact.Record{
			Descriptor:   artifact.NewDescriptor(desc.Name, desc.Version, desc.ReleaseTime),
			Digest:       d,
			RegisteredAt: artifact.NormalizeTime(x.clock.Now()),
		}
		stored.Flags = desc.Flags

		data, err := encodeRecord(stored)
		if err != nil {
			return err
		}
		if err := txn.Set(dk, data); err != nil {
			return err
		}
		if err := txn.Set(x.timelineKey(desc.Name, stored.ReleaseTime, desc.Version), data); err != nil {
			return err
		}

		ck := x.countKey(d)
		n, err := readInt(txn, ck)
		if err != nil {
			return err
		}
		if err := txn.Set(ck, encodeInt(n+1)); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return artifact.Record{}, false, fmt.Errorf("failed to register %s: %w", desc.Key(), err)
	}
	if !created && stored.Digest != d {
		return stored, false, fmt.Errorf("%w: %s", artifact.ErrConflict, desc.Key())
	}
	return stored, created, nil
}

// Lookup implements artifact.Index.
func (x *Index) Lookup(ctx context.Context, name, version string) (artifact.Record, error) {
	if err := ctx.Err(); err != nil {
		return artifact.Record{}, err
	}
	if version == "" {
		page, err := x.ListPage(ctx, name, artifact.ListOptions{Limit: 1})
		if err != nil {
			return artifact.Record{}, err
		}
		if len(page) == 0 {
			return artifact.Record{}, fmt.Errorf("%w: %s", artifact.ErrNotFound, name)
		}
		return page[0], nil
	}

	var rec artifact.Record
	err := x.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(x.descriptorKey(name, version))
		if err != nil {
			return err
		}
		rec, err = readRecord(item)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return artifact.Record{}, fmt.Errorf("%w: %s@%s", artifact.ErrNotFound, name, version)
	}
	if err != nil {
		return artifact.Record{}, err
	}
	return rec, nil
}

// ListPage implements artifact.Index. The timeline is walked in reverse
// so the newest release comes first.
func (x *Index) ListPage(ctx context.Context, name string, opts artifact.ListOptions) ([]artifact.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	limit := opts.EffectiveLimit()
	prefix := x.timelinePrefix(name)

	var seek []byte
	if opts.Before.IsZero() {
		seek = append(append([]byte{}, prefix...), 0xff)
	} else {
		seek = x.timelineKey(name, opts.Before.ReleaseTime, opts.Before.Version)
	}

	records := make([]artifact.Record, 0, min(limit, 64))
	err := x.db.View(func(txn *badger.Txn) error {
		itOpts := badger.DefaultIteratorOptions
		itOpts.Reverse = true
		itOpts.Prefix = prefix
		it := txn.NewIterator(itOpts)
		defer it.Close()

		for it.Seek(seek); it.ValidForPrefix(prefix) && len(records) < limit; it.Next() {
			rec, err := readRecord(it.Item())
			if err != nil {
				return err
			}
			if !opts.Before.Admits(rec) {
				continue
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
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
	err := x.db.View(func(txn *badger.Txn) error {
		var err error
		n, err = readInt(txn, x.countKey(d))
		return err
	})
	return n, err
}

var (
	_ artifact.Index        = (*Index)(nil)
	_ blob.RefLedger        = (*Index)(nil)
	_ blob.ReferenceCounter = (*Index)(nil)
)
