// Package azure implements the object store client for Azure Blob Storage.
package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/enginehub/cassettedeck/infrastructure/storage/object"
)

// Config configures the Azure client. ConnectionString wins over
// AccountKey, which wins over the default Azure credential chain.
type Config struct {
	Container        string
	AccountName      string
	AccountKey       string
	ConnectionString string
}

// Client implements object.Client for one container.
type Client struct {
	container *container.Client
}

// NewClient creates a container client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Container == "" {
		return nil, errors.New("azure: container is required")
	}
	if cfg.AccountName == "" && cfg.ConnectionString == "" {
		return nil, errors.New("azure: account name or connection string is required")
	}

	var (
		cc  *container.Client
		err error
	)
	containerURL := fmt.Sprintf("https://%s.blob.core.windows.net/%s", cfg.AccountName, cfg.Container)
	switch {
	case cfg.ConnectionString != "":
		cc, err = container.NewClientFromConnectionString(cfg.ConnectionString, cfg.Container, nil)
	case cfg.AccountKey != "":
		var cred *azblob.SharedKeyCredential
		cred, err = azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create shared key credential: %w", err)
		}
		cc, err = container.NewClientWithSharedKeyCredential(containerURL, cred, nil)
	default:
		var cred *azidentity.DefaultAzureCredential
		cred, err = azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create default credential: %w", err)
		}
		cc, err = container.NewClient(containerURL, cred, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create container client: %w", err)
	}
	return &Client{container: cc}, nil
}

// Put implements object.Client with an If-None-Match: * condition.
func (c *Client) Put(ctx context.Context, key string, r io.Reader, _ int64) error {
	_, err := c.container.NewBlockBlobClient(key).UploadStream(ctx, r, &blockblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr("application/x-tar")},
		AccessConditions: &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfNoneMatch: to.Ptr(azcore.ETagAny)},
		},
	})
	return mapError(err)
}

// Get implements object.Client.
func (c *Client) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := c.container.NewBlobClient(key).DownloadStream(ctx, nil)
	if err != nil {
		return nil, mapError(err)
	}
	return resp.Body, nil
}

// Head implements object.Client.
func (c *Client) Head(ctx context.Context, key string) (object.Info, error) {
	props, err := c.container.NewBlobClient(key).GetProperties(ctx, nil)
	if err != nil {
		return object.Info{}, mapError(err)
	}
	info := object.Info{Key: key}
	if props.ContentLength != nil {
		info.Size = *props.ContentLength
	}
	if props.LastModified != nil {
		info.ModTime = props.LastModified.UTC()
	}
	return info, nil
}

// Delete implements object.Client.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.container.NewBlobClient(key).Delete(ctx, nil)
	return mapError(err)
}

// List implements object.Client.
func (c *Client) List(ctx context.Context, prefix string) iter.Seq2[object.Info, error] {
	return func(yield func(object.Info, error) bool) {
		pager := c.container.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{Prefix: &prefix})
		for pager.More() {
			resp, err := pager.NextPage(ctx)
			if err != nil {
				yield(object.Info{}, mapError(err))
				return
			}
			for _, item := range resp.Segment.BlobItems {
				if item.Name == nil {
					continue
				}
				info := object.Info{Key: *item.Name}
				if p := item.Properties; p != nil {
					if p.ContentLength != nil {
						info.Size = *p.ContentLength
					}
					if p.LastModified != nil {
						info.ModTime = p.LastModified.UTC()
					}
				}
				if !yield(info, nil) {
					return
				}
			}
		}
	}
}

// mapError translates Azure errors into object sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case bloberror.HasCode(err, bloberror.BlobNotFound):
		return errors.Join(object.ErrNotFound, err)
	case bloberror.HasCode(err, bloberror.BlobAlreadyExists, bloberror.ConditionNotMet):
		return errors.Join(object.ErrExists, err)
	}

	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusNotFound:
			return errors.Join(object.ErrNotFound, err)
		case http.StatusPreconditionFailed, http.StatusConflict:
			return errors.Join(object.ErrExists, err)
		}
	}
	return err
}

var _ object.Client = (*Client)(nil)
