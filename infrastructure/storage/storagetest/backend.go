package storagetest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/enginehub/cassettedeck/domain/blob"
)

// BackendFactory returns a fresh, empty blob backend.
type BackendFactory func(t *testing.T) blob.Backend

// TestBackend runs the blob backend behavioral suite.
func TestBackend(t *testing.T, newBackend BackendFactory) {
	t.Helper()

	t.Run("write and read", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)
		data := []byte("cassette payload")
		d := blob.Compute(data)

		if err := b.Write(ctx, d, bytes.NewReader(data), int64(len(data))); err != nil {
			t.Fatalf("Write() error = %v", err)
		}

		info, err := b.Stat(ctx, d)
		if err != nil {
			t.Fatalf("Stat() error = %v", err)
		}
		if info.Size != int64(len(data)) || info.Digest != d {
			t.Errorf("Stat() = %+v", info)
		}

		rc, err := b.Open(ctx, d)
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		got, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			t.Fatalf("ReadAll() error = %v", err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("Open() = %q, want %q", got, data)
		}
	})

	t.Run("rewrite is a no-op", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)
		data := []byte("same bytes")
		d := blob.Compute(data)

		for range 2 {
			if err := b.Write(ctx, d, bytes.NewReader(data), int64(len(data))); err != nil {
				t.Fatalf("Write() error = %v", err)
			}
		}
		count := 0
		for _, err := range b.Walk(ctx) {
			if err != nil {
				t.Fatalf("Walk() error = %v", err)
			}
			count++
		}
		if count != 1 {
			t.Errorf("Walk() yielded %d blobs, want 1", count)
		}
	})

	t.Run("missing blob", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)
		d := blob.Compute([]byte("absent"))

		if _, err := b.Stat(ctx, d); !errors.Is(err, blob.ErrBlobNotFound) {
			t.Errorf("Stat() error = %v, want ErrBlobNotFound", err)
		}
		if _, err := b.Open(ctx, d); !errors.Is(err, blob.ErrBlobNotFound) {
			t.Errorf("Open() error = %v, want ErrBlobNotFound", err)
		}
		if err := b.Delete(ctx, d); err != nil {
			t.Errorf("Delete() of missing blob error = %v", err)
		}
	})

	t.Run("delete and walk", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)

		keep, drop := []byte("keep"), []byte("drop")
		for _, data := range [][]byte{keep, drop} {
			if err := b.Write(ctx, blob.Compute(data), bytes.NewReader(data), int64(len(data))); err != nil {
				t.Fatalf("Write() error = %v", err)
			}
		}
		if err := b.Delete(ctx, blob.Compute(drop)); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}

		var seen []blob.Info
		for info, err := range b.Walk(ctx) {
			if err != nil {
				t.Fatalf("Walk() error = %v", err)
			}
			seen = append(seen, info)
		}
		if len(seen) != 1 || seen[0].Digest != blob.Compute(keep) {
			t.Errorf("Walk() = %+v, want only the kept blob", seen)
		}
	})
}
