// Package s3 implements the object store client for Amazon S3 and
// S3-compatible services.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/enginehub/cassettedeck/infrastructure/storage/object"
)

// Config configures the S3 client.
type Config struct {
	Bucket string
	// Region defaults to us-east-1.
	Region string
	// AccessKeyID and SecretAccessKey select static credentials. The
	// default credential chain is used when empty.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	// Endpoint selects an S3-compatible service and path-style addressing.
	Endpoint string
}

// Client implements object.Client for one bucket.
type Client struct {
	api    *s3.Client
	bucket string
}

// NewClient loads AWS configuration and creates a client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	})
	return NewClientFromAPI(api, cfg.Bucket), nil
}

// NewClientFromAPI wraps an existing SDK client.
func NewClientFromAPI(api *s3.Client, bucket string) *Client {
	return &Client{api: api, bucket: bucket}
}

// Put implements object.Client with an If-None-Match precondition.
func (c *Client) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          r,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/x-tar"),
		IfNoneMatch:   aws.String("*"),
	})
	return mapError(err)
}

// Get implements object.Client.
func (c *Client) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, mapError(err)
	}
	return out.Body, nil
}

// Head implements object.Client.
func (c *Client) Head(ctx context.Context, key string) (object.Info, error) {
	out, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return object.Info{}, mapError(err)
	}
	info := object.Info{Key: key, Size: aws.ToInt64(out.ContentLength)}
	if out.LastModified != nil {
		info.ModTime = out.LastModified.UTC()
	}
	return info, nil
}

// Delete implements object.Client.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	return mapError(err)
}

// List implements object.Client.
func (c *Client) List(ctx context.Context, prefix string) iter.Seq2[object.Info, error] {
	return func(yield func(object.Info, error) bool) {
		pages := s3.NewListObjectsV2Paginator(c.api, &s3.ListObjectsV2Input{
			Bucket: aws.String(c.bucket),
			Prefix: aws.String(prefix),
		})
		for pages.HasMorePages() {
			page, err := pages.NextPage(ctx)
			if err != nil {
				yield(object.Info{}, mapError(err))
				return
			}
			for _, obj := range page.Contents {
				info := object.Info{Key: aws.ToString(obj.Key), Size: aws.ToInt64(obj.Size)}
				if obj.LastModified != nil {
					info.ModTime = obj.LastModified.UTC()
				}
				if !yield(info, nil) {
					return
				}
			}
		}
	}
}

// mapError translates SDK errors into object sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return errors.Join(object.ErrNotFound, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return errors.Join(object.ErrNotFound, err)
		case "PreconditionFailed", "ConditionalRequestConflict":
			return errors.Join(object.ErrExists, err)
		}
	}

	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case http.StatusNotFound:
			return errors.Join(object.ErrNotFound, err)
		case http.StatusPreconditionFailed:
			return errors.Join(object.ErrExists, err)
		}
	}
	return err
}

var _ object.Client = (*Client)(nil)
