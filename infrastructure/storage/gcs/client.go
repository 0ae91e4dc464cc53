// Package gcs implements the object store client for Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/enginehub/cassettedeck/infrastructure/storage/object"
)

// Config configures the GCS client.
type Config struct {
	Bucket string
	// CredentialsFile is a service account JSON file. Application
	// Default Credentials are used when empty.
	CredentialsFile string
	// Endpoint overrides the API endpoint, e.g. for an emulator.
	Endpoint string
}

// singleShotLimit is the largest object uploaded in one request instead of
// a resumable session.
const singleShotLimit = 8 << 20

// Client implements object.Client for one bucket.
type Client struct {
	client *gcs.Client
	bucket *gcs.BucketHandle
}

// NewClient creates a GCS client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs: bucket is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	}

	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &Client{client: client, bucket: client.Bucket(cfg.Bucket)}, nil
}

// Close closes the underlying client.
func (c *Client) Close() error {
	return c.client.Close()
}

// Put implements object.Client with a DoesNotExist precondition.
func (c *Client) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := c.bucket.Object(key).If(gcs.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/x-tar"
	if size <= singleShotLimit {
		w.ChunkSize = 0
	}

	if _, err := io.Copy(w, r); err != nil {
		// Cancelling before Close aborts the upload.
		cancel()
		_ = w.Close()
		return fmt.Errorf("failed to write object: %w", err)
	}
	return mapError(w.Close())
}

// Get implements object.Client.
func (c *Client) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := c.bucket.Object(key).NewReader(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	return r, nil
}

// Head implements object.Client.
func (c *Client) Head(ctx context.Context, key string) (object.Info, error) {
	attrs, err := c.bucket.Object(key).Attrs(ctx)
	if err != nil {
		return object.Info{}, mapError(err)
	}
	return object.Info{Key: key, Size: attrs.Size, ModTime: attrs.Updated.UTC()}, nil
}

// Delete implements object.Client.
func (c *Client) Delete(ctx context.Context, key string) error {
	return mapError(c.bucket.Object(key).Delete(ctx))
}

// List implements object.Client.
func (c *Client) List(ctx context.Context, prefix string) iter.Seq2[object.Info, error] {
	return func(yield func(object.Info, error) bool) {
		q := &gcs.Query{Prefix: prefix}
		if err := q.SetAttrSelection([]string{"Name", "Size", "Updated"}); err != nil {
			yield(object.Info{}, err)
			return
		}

		it := c.bucket.Objects(ctx, q)
		for {
			attrs, err := it.Next()
			if errors.Is(err, iterator.Done) {
				return
			}
			if err != nil {
				yield(object.Info{}, mapError(err))
				return
			}
			if !yield(object.Info{Key: attrs.Name, Size: attrs.Size, ModTime: attrs.Updated.UTC()}, nil) {
				return
			}
		}
	}
}

// mapError translates GCS errors into object sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return errors.Join(object.ErrNotFound, err)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusNotFound:
			return errors.Join(object.ErrNotFound, err)
		case http.StatusPreconditionFailed:
			return errors.Join(object.ErrExists, err)
		}
	}
	return err
}

var _ object.Client = (*Client)(nil)
