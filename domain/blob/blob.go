// Package blob provides domain models for content-addressed storage.
package blob

import (
	"context"
	_ "crypto/sha256" // registers the canonical digest algorithm
	"errors"
	"io"
	"iter"
	"time"

	"github.com/opencontainers/go-digest"
)

// Domain errors for blob operations.
var (
	// ErrBlobNotFound indicates no blob is stored under the digest.
	ErrBlobNotFound = errors.New("blob not found")

	// ErrInvalidDigest indicates a malformed or unsupported digest.
	ErrInvalidDigest = errors.New("invalid digest")

	// ErrDigestMismatch indicates stored bytes do not hash to their digest.
	ErrDigestMismatch = errors.New("blob digest mismatch")

	// ErrRefNotFound indicates the ledger has no row for the digest.
	ErrRefNotFound = errors.New("blob reference not found")

	// ErrNotRetained indicates a release without a matching retain.
	ErrNotRetained = errors.New("blob not retained")
)

// Info describes a stored blob.
type Info struct {
	Digest  digest.Digest `json:"digest"`
	Size    int64         `json:"size"`
	ModTime time.Time     `json:"mod_time"`
}

// Backend is a byte-addressable surface holding blobs by digest.
//
// Write must publish atomically: a concurrent Open never observes a
// partially written blob. Writing a digest that already exists is not
// an error.
type Backend interface {
	// Stat returns blob info or ErrBlobNotFound.
	Stat(ctx context.Context, d digest.Digest) (Info, error)

	// Write stores size bytes read from r under d.
	Write(ctx context.Context, d digest.Digest, r io.Reader, size int64) error

	// Open returns a reader over the blob or ErrBlobNotFound.
	Open(ctx context.Context, d digest.Digest) (io.ReadCloser, error)

	// Delete removes the blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, d digest.Digest) error

	// Walk yields every stored blob.
	Walk(ctx context.Context) iter.Seq2[Info, error]
}

// Validate checks that d is a well-formed sha256 digest.
func Validate(d digest.Digest) error {
	if err := d.Validate(); err != nil {
		return errors.Join(ErrInvalidDigest, err)
	}
	if d.Algorithm() != digest.SHA256 {
		return errors.Join(ErrInvalidDigest, digest.ErrDigestUnsupported)
	}
	return nil
}

// Compute returns the canonical digest of data.
func Compute(data []byte) digest.Digest {
	return digest.SHA256.FromBytes(data)
}
