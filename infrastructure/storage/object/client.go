// Package object adapts bucket-style object stores to blob.Backend.
//
// Provider packages (s3, gcs, azure) implement Client; Backend owns the key
// layout, digest verification and error mapping so every provider behaves
// the same.
package object

import (
	"context"
	"errors"
	"io"
	"iter"
	"time"
)

var (
	// ErrNotFound is returned by a Client when the key does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrExists is returned by a Client when a conditional put finds the
	// key already present.
	ErrExists = errors.New("object already exists")
)

// Info describes a stored object.
type Info struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Client is the minimal surface of a bucket.
type Client interface {
	// Put uploads size bytes from r under key only if key does not exist.
	Put(ctx context.Context, key string, r io.Reader, size int64) error

	// Get opens the object for reading.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Head returns object metadata without the body.
	Head(ctx context.Context, key string) (Info, error)

	// Delete removes the object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List yields every object under prefix.
	List(ctx context.Context, prefix string) iter.Seq2[Info, error]
}
