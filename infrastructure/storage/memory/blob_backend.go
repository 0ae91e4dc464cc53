package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"
	"maps"
	"slices"
	"sync"

	"github.com/opencontainers/go-digest"

	"github.com/enginehub/cassettedeck/domain/blob"
	"github.com/enginehub/cassettedeck/infrastructure/clock"
)

type storedBlob struct {
	data []byte
	info blob.Info
}

// BlobBackend is an in-memory implementation of blob.Backend.
type BlobBackend struct {
	mu    sync.RWMutex
	blobs map[digest.Digest]storedBlob
	clock clock.Clock
}

// NewBlobBackend creates an empty in-memory blob backend.
func NewBlobBackend(clk clock.Clock) *BlobBackend {
	if clk == nil {
		clk = clock.Real()
	}
	return &BlobBackend{
		blobs: make(map[digest.Digest]storedBlob),
		clock: clk,
	}
}

// Stat implements blob.Backend.
func (b *BlobBackend) Stat(ctx context.Context, d digest.Digest) (blob.Info, error) {
	if err := ctx.Err(); err != nil {
		return blob.Info{}, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	s, ok := b.blobs[d]
	if !ok {
		return blob.Info{}, blob.ErrBlobNotFound
	}
	return s.info, nil
}

// Write implements blob.Backend.
func (b *BlobBackend) Write(ctx context.Context, d digest.Digest, r io.Reader, size int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := blob.Validate(d); err != nil {
		return err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read blob: %w", err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("short write: got %d bytes, want %d", len(data), size)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.blobs[d]; exists {
		return nil
	}
	b.blobs[d] = storedBlob{
		data: data,
		info: blob.Info{Digest: d, Size: size, ModTime: b.clock.Now()},
	}
	return nil
}

// Open implements blob.Backend.
func (b *BlobBackend) Open(ctx context.Context, d digest.Digest) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	s, ok := b.blobs[d]
	if !ok {
		return nil, blob.ErrBlobNotFound
	}
	return io.NopCloser(bytes.NewReader(s.data)), nil
}

// Delete implements blob.Backend.
func (b *BlobBackend) Delete(ctx context.Context, d digest.Digest) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.blobs, d)
	return nil
}

// Walk implements blob.Backend. It iterates over a snapshot.
func (b *BlobBackend) Walk(ctx context.Context) iter.Seq2[blob.Info, error] {
	return func(yield func(blob.Info, error) bool) {
		b.mu.RLock()
		keys := slices.Sorted(maps.Keys(b.blobs))
		infos := make([]blob.Info, 0, len(keys))
		for _, k := range keys {
			infos = append(infos, b.blobs[k].info)
		}
		b.mu.RUnlock()

		for _, info := range infos {
			if err := ctx.Err(); err != nil {
				yield(blob.Info{}, err)
				return
			}
			if !yield(info, nil) {
				return
			}
		}
	}
}

// Corrupt overwrites the stored bytes of d. It exists for tests of
// integrity checks.
func (b *BlobBackend) Corrupt(d digest.Digest, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.blobs[d]; ok {
		s.data = slices.Clone(data)
		b.blobs[d] = s
	}
}

// Len returns the number of stored blobs.
func (b *BlobBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.blobs)
}

var _ blob.Backend = (*BlobBackend)(nil)
