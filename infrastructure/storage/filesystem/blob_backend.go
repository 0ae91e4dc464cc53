// Package filesystem provides filesystem-based storage implementations.
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"github.com/enginehub/cassettedeck/domain/blob"
)

const tmpDir = "tmp"

// BlobBackend implements blob.Backend on a local directory. Blobs live
// at <algorithm>/<first two hex>/<hex>; every path is resolved through
// an os.Root so nothing escapes the base directory.
type BlobBackend struct {
	root *os.Root
}

// NewBlobBackend opens or creates a blob directory. Temporary files
// left by an interrupted write are removed.
func NewBlobBackend(basePath string) (*BlobBackend, error) {
	// Restrictive permissions (G301)
	if err := os.MkdirAll(basePath, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}

	root, err := os.OpenRoot(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open blob directory: %w", err)
	}
	if err := root.RemoveAll(tmpDir); err != nil {
		root.Close() // #nosec G104 -- best-effort cleanup in error path
		return nil, fmt.Errorf("failed to clear temporary files: %w", err)
	}
	if err := root.MkdirAll(tmpDir, 0o750); err != nil {
		root.Close() // #nosec G104 -- best-effort cleanup in error path
		return nil, fmt.Errorf("failed to create temporary directory: %w", err)
	}

	return &BlobBackend{root: root}, nil
}

// Close releases the directory handle.
func (b *BlobBackend) Close() error {
	return b.root.Close()
}

// Stat implements blob.Backend.
func (b *BlobBackend) Stat(ctx context.Context, d digest.Digest) (blob.Info, error) {
	if err := ctx.Err(); err != nil {
		return blob.Info{}, err
	}
	if err := blob.Validate(d); err != nil {
		return blob.Info{}, err
	}

	fi, err := b.root.Stat(blobPath(d))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return blob.Info{}, blob.ErrBlobNotFound
		}
		return blob.Info{}, fmt.Errorf("failed to stat blob: %w", err)
	}
	return blob.Info{Digest: d, Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

// Write implements blob.Backend. Bytes are written to a temporary file,
// checked against d, synced and renamed into place.
func (b *BlobBackend) Write(ctx context.Context, d digest.Digest, r io.Reader, size int64) error {
	if _, err := b.Stat(ctx, d); err == nil {
		return nil
	} else if !errors.Is(err, blob.ErrBlobNotFound) {
		return err
	}

	tmpName := path.Join(tmpDir, uuid.NewString())
	f, err := b.root.OpenFile(tmpName, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			f.Close()               // #nosec G104 -- best-effort cleanup in error path
			b.root.Remove(tmpName) // #nosec G104 -- best-effort cleanup in error path
		}
	}()

	verifier := d.Verifier()
	n, err := io.Copy(io.MultiWriter(f, verifier), r)
	if err != nil {
		return fmt.Errorf("failed to write blob: %w", err)
	}
	if n != size {
		return fmt.Errorf("short write: got %d bytes, want %d", n, size)
	}
	if !verifier.Verified() {
		return fmt.Errorf("%w: %s", blob.ErrDigestMismatch, d)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync blob: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close blob: %w", err)
	}

	target := blobPath(d)
	if err := b.root.MkdirAll(path.Dir(target), 0o750); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}
	if err := b.root.Rename(tmpName, target); err != nil {
		return fmt.Errorf("failed to publish blob: %w", err)
	}
	committed = true
	return nil
}

// Open implements blob.Backend.
func (b *BlobBackend) Open(ctx context.Context, d digest.Digest) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := blob.Validate(d); err != nil {
		return nil, err
	}

	f, err := b.root.Open(blobPath(d))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, blob.ErrBlobNotFound
		}
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}
	return f, nil
}

// Delete implements blob.Backend.
func (b *BlobBackend) Delete(ctx context.Context, d digest.Digest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := blob.Validate(d); err != nil {
		return err
	}

	if err := b.root.Remove(blobPath(d)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

// Walk implements blob.Backend. Files that do not look like blobs are
// skipped.
func (b *BlobBackend) Walk(ctx context.Context) iter.Seq2[blob.Info, error] {
	return func(yield func(blob.Info, error) bool) {
		algo := string(digest.SHA256)
		err := fs.WalkDir(b.root.FS(), algo, func(p string, entry fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) && p == algo {
					return fs.SkipAll
				}
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if entry.IsDir() {
				return nil
			}

			d := digest.NewDigestFromEncoded(digest.SHA256, path.Base(p))
			if d.Validate() != nil || p != blobPath(d) {
				return nil
			}
			fi, err := entry.Info()
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if !yield(blob.Info{Digest: d, Size: fi.Size(), ModTime: fi.ModTime()}, nil) {
				return fs.SkipAll
			}
			return nil
		})
		if err != nil {
			yield(blob.Info{}, fmt.Errorf("failed to walk blobs: %w", err))
		}
	}
}

func blobPath(d digest.Digest) string {
	enc := d.Encoded()
	return path.Join(string(d.Algorithm()), enc[:2], enc)
}

var _ blob.Backend = (*BlobBackend)(nil)
