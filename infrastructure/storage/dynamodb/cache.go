package dynamodb

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/enginehub/cassettedeck/domain/cache"
	"github.com/enginehub/cassettedeck/infrastructure/clock"
)

const (
	attrKey       = "key"
	attrExpiresAt = "expires_at"

	// maxBatchWrite is the DynamoDB BatchWriteItem request limit.
	maxBatchWrite = 25
)

// API is the subset of the DynamoDB client the cache uses.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

var _ API = (*dynamodb.Client)(nil)

// cacheItem represents a cache entry in DynamoDB.
type cacheItem struct {
	Key       string `dynamodbav:"key"`
	Value     []byte `dynamodbav:"value"`
	ExpiresAt int64  `dynamodbav:"expires_at,omitempty"`
}

// Cache is a DynamoDB-backed implementation of cache.Cache. Expired items
// are treated as misses before DynamoDB's own expiry removes them.
type Cache struct {
	api          API
	tableName    string
	queryTimeout time.Duration
	defaultTTL   time.Duration
	clock        clock.Clock
	hits         atomic.Int64
	misses       atomic.Int64
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithClock sets the time source used for expiry.
func WithClock(clk clock.Clock) CacheOption {
	return func(c *Cache) {
		c.clock = clk
	}
}

// NewCache creates a cache on the client's table.
func NewCache(client *Client, opts ...CacheOption) *Cache {
	return NewCacheFromAPI(client.DynamoDB(), client.config, opts...)
}

// NewCacheFromAPI creates a cache over an existing API implementation.
func NewCacheFromAPI(api API, cfg Config, opts ...CacheOption) *Cache {
	def := DefaultConfig()
	if cfg.TableName == "" {
		cfg.TableName = def.TableName
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = def.QueryTimeout
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}

	c := &Cache{
		api:          api,
		tableName:    cfg.TableName,
		queryTimeout: cfg.QueryTimeout,
		defaultTTL:   cfg.DefaultTTL,
		clock:        clock.Real(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func itemKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrKey: &types.AttributeValueMemberS{Value: key},
	}
}

// Get implements cache.Cache.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	result, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            itemKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, false, c.wrapError(err)
	}

	if result.Item == nil {
		c.misses.Add(1)
		return nil, false, nil
	}

	var item cacheItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return nil, false, err
	}

	if item.ExpiresAt > 0 && c.clock.Now().Unix() >= item.ExpiresAt {
		c.misses.Add(1)
		return nil, false, nil
	}

	c.hits.Add(1)
	return item.Value, true, nil
}

// Set implements cache.Cache.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	av, err := attributevalue.MarshalMap(cacheItem{
		Key:       key,
		Value:     value,
		ExpiresAt: c.clock.Now().Add(ttl).Unix(),
	})
	if err != nil {
		return err
	}

	if _, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      av,
	}); err != nil {
		return c.wrapError(err)
	}
	return nil
}

// Delete implements cache.Cache.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if len(keys) == 1 {
		if _, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(c.tableName),
			Key:       itemKey(keys[0]),
		}); err != nil {
			return c.wrapError(err)
		}
		return nil
	}

	for i := 0; i < len(keys); i += maxBatchWrite {
		end := min(i+maxBatchWrite, len(keys))

		requests := make([]types.WriteRequest, 0, end-i)
		for _, key := range keys[i:end] {
			requests = append(requests, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{Key: itemKey(key)},
			})
		}

		pending := map[string][]types.WriteRequest{c.tableName: requests}
		for len(pending) > 0 {
			out, err := c.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
			if err != nil {
				return c.wrapError(err)
			}
			pending = out.UnprocessedItems
		}
	}
	return nil
}

// Stats implements cache.StatsProvider. Size is not tracked.
func (c *Cache) Stats() cache.Stats {
	return cache.Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
}

// wrapError wraps DynamoDB errors with domain errors.
func (c *Cache) wrapError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(cache.ErrOperationTimeout, err)
	}

	var throughputExceeded *types.ProvisionedThroughputExceededException
	if errors.As(err, &throughputExceeded) {
		return errors.Join(cache.ErrOperationTimeout, err)
	}

	return errors.Join(cache.ErrConnectionFailed, err)
}

var (
	_ cache.Cache         = (*Cache)(nil)
	_ cache.StatsProvider = (*Cache)(nil)
)
