// Package dynamodb provides a DynamoDB-backed descriptor cache.
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Config contains DynamoDB connection configuration.
type Config struct {
	// Region is the AWS region.
	Region string

	// Endpoint is the DynamoDB endpoint (useful for local development).
	Endpoint string

	// QueryTimeout bounds each request.
	QueryTimeout time.Duration

	// TableName is the cache table.
	TableName string

	// DefaultTTL applies to entries set without an explicit TTL.
	DefaultTTL time.Duration
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Region:       "us-east-1",
		QueryTimeout: 5 * time.Second,
		TableName:    "cassettedeck_cache",
		DefaultTTL:   time.Hour,
	}
}

// ConfigOption configures the DynamoDB connection.
type ConfigOption func(*Config)

// WithRegion sets the AWS region.
func WithRegion(region string) ConfigOption {
	return func(c *Config) {
		c.Region = region
	}
}

// WithEndpoint sets the DynamoDB endpoint (for local development).
func WithEndpoint(endpoint string) ConfigOption {
	return func(c *Config) {
		c.Endpoint = endpoint
	}
}

// WithQueryTimeout sets the per-request timeout.
func WithQueryTimeout(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.QueryTimeout = d
	}
}

// WithTableName sets the cache table name.
func WithTableName(name string) ConfigOption {
	return func(c *Config) {
		c.TableName = name
	}
}

// WithDefaultTTL sets the TTL of entries set without one.
func WithDefaultTTL(ttl time.Duration) ConfigOption {
	return func(c *Config) {
		c.DefaultTTL = ttl
	}
}

// Client wraps a DynamoDB client with configuration.
type Client struct {
	client *dynamodb.Client
	config Config
}

// NewClient creates a new DynamoDB client.
func NewClient(ctx context.Context, opts ...ConfigOption) (*Client, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	var ddbOpts []func(*dynamodb.Options)
	if cfg.Endpoint != "" {
		ddbOpts = append(ddbOpts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	return &Client{
		client: dynamodb.NewFromConfig(awsCfg, ddbOpts...),
		config: cfg,
	}, nil
}

// DynamoDB returns the underlying DynamoDB client.
func (c *Client) DynamoDB() *dynamodb.Client {
	return c.client
}

// CreateTable creates the cache table if it doesn't exist and enables
// native expiry on expires_at.
func (c *Client) CreateTable(ctx context.Context) error {
	input := &dynamodb.CreateTableInput{
		TableName: aws.String(c.config.TableName),
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String(attrKey),
				KeyType:       types.KeyTypeHash,
			},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String(attrKey),
				AttributeType: types.ScalarAttributeTypeS,
			},
		},
		BillingMode: types.BillingModePayPerRequest,
	}

	_, err := c.client.CreateTable(ctx, input)
	if err != nil {
		var resourceInUse *types.ResourceInUseException
		if errors.As(err, &resourceInUse) {
			return nil
		}
		return err
	}

	waiter := dynamodb.NewTableExistsWaiter(c.client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(c.config.TableName),
	}, 2*time.Minute); err != nil {
		return err
	}

	_, err = c.client.UpdateTimeToLive(ctx, &dynamodb.UpdateTimeToLiveInput{
		TableName: aws.String(c.config.TableName),
		TimeToLiveSpecification: &types.TimeToLiveSpecification{
			AttributeName: aws.String(attrExpiresAt),
			Enabled:       aws.Bool(true),
		},
	})
	return err
}
