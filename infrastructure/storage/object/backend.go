package object

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"path"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/enginehub/cassettedeck/domain/blob"
	"github.com/enginehub/cassettedeck/infrastructure/logging"
)

// Backend stores blobs as objects keyed <prefix>/sha256/ab/<hex>.
type Backend struct {
	client Client
	prefix string
	name   string
}

// NewBackend creates a blob backend over client. name labels log lines.
func NewBackend(name string, client Client, prefix string) *Backend {
	return &Backend{
		client: client,
		prefix: strings.Trim(prefix, "/"),
		name:   name,
	}
}

// Key returns the object key for d.
func (b *Backend) Key(d digest.Digest) string {
	hex := d.Encoded()
	return path.Join(b.prefix, string(d.Algorithm()), hex[:2], hex)
}

func (b *Backend) root() string {
	return path.Join(b.prefix, string(digest.SHA256)) + "/"
}

// Stat implements blob.Backend.
func (b *Backend) Stat(ctx context.Context, d digest.Digest) (blob.Info, error) {
	if err := blob.Validate(d); err != nil {
		return blob.Info{}, err
	}
	info, err := b.client.Head(ctx, b.Key(d))
	if errors.Is(err, ErrNotFound) {
		return blob.Info{}, fmt.Errorf("%w: %s", blob.ErrBlobNotFound, d)
	}
	if err != nil {
		return blob.Info{}, fmt.Errorf("failed to stat %s: %w", d, err)
	}
	return blob.Info{Digest: d, Size: info.Size, ModTime: info.ModTime}, nil
}

// Write implements blob.Backend. The payload is verified before upload
// since a completed object upload cannot be rolled back atomically.
func (b *Backend) Write(ctx context.Context, d digest.Digest, r io.Reader, size int64) error {
	if err := blob.Validate(d); err != nil {
		return err
	}
	if _, err := b.Stat(ctx, d); err == nil {
		return nil
	} else if !errors.Is(err, blob.ErrBlobNotFound) {
		return err
	}

	verifier := d.Verifier()
	data, err := io.ReadAll(io.TeeReader(io.LimitReader(r, size+1), verifier))
	if err != nil {
		return fmt.Errorf("failed to read blob: %w", err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("%w: size %d, expected %d", blob.ErrDigestMismatch, len(data), size)
	}
	if !verifier.Verified() {
		return fmt.Errorf("%w: %s", blob.ErrDigestMismatch, d)
	}

	err = b.client.Put(ctx, b.Key(d), bytes.NewReader(data), size)
	if errors.Is(err, ErrExists) {
		logging.Debug().
			Add(logging.Component(b.name)).
			Add(logging.Digest(d)).
			Msg("concurrent upload won")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", d, err)
	}
	return nil
}

// Open implements blob.Backend.
func (b *Backend) Open(ctx context.Context, d digest.Digest) (io.ReadCloser, error) {
	if err := blob.Validate(d); err != nil {
		return nil, err
	}
	rc, err := b.client.Get(ctx, b.Key(d))
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", blob.ErrBlobNotFound, d)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", d, err)
	}
	return rc, nil
}

// Delete implements blob.Backend.
func (b *Backend) Delete(ctx context.Context, d digest.Digest) error {
	if err := blob.Validate(d); err != nil {
		return err
	}
	err := b.client.Delete(ctx, b.Key(d))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("failed to delete %s: %w", d, err)
	}
	return nil
}

// Walk implements blob.Backend. Keys outside the layout are skipped.
func (b *Backend) Walk(ctx context.Context) iter.Seq2[blob.Info, error] {
	return func(yield func(blob.Info, error) bool) {
		root := b.root()
		for obj, err := range b.client.List(ctx, root) {
			if err != nil {
				yield(blob.Info{}, err)
				return
			}
			d, ok := parseKey(strings.TrimPrefix(obj.Key, root))
			if !ok {
				continue
			}
			if !yield(blob.Info{Digest: d, Size: obj.Size, ModTime: obj.ModTime}, nil) {
				return
			}
		}
	}
}

// parseKey turns "ab/<hex>" back into a digest.
func parseKey(rel string) (digest.Digest, bool) {
	shard, hex, ok := strings.Cut(rel, "/")
	if !ok || len(hex) < 2 || hex[:2] != shard {
		return "", false
	}
	d := digest.NewDigestFromEncoded(digest.SHA256, hex)
	if blob.Validate(d) != nil {
		return "", false
	}
	return d, true
}

var _ blob.Backend = (*Backend)(nil)
