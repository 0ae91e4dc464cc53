// Package mongodb provides a MongoDB-backed metadata index and blob
// reference ledger.
package mongodb

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Errors returned while connecting and preparing collections.
var (
	// ErrConnectionFailed indicates the server could not be reached.
	ErrConnectionFailed = errors.New("mongodb connection failed")

	// ErrMigrationFailed indicates the collection indexes could not be created.
	ErrMigrationFailed = errors.New("mongodb index creation failed")
)

// Collection names.
const (
	DescriptorsCollection = "descriptors"
	RefsCollection        = "blob_refs"
)

// Config contains MongoDB connection configuration.
type Config struct {
	// URI is the MongoDB connection string.
	URI string

	// Database holds the descriptor and reference collections.
	Database string

	ConnectTimeout time.Duration
	QueryTimeout   time.Duration

	MaxPoolSize uint64
	MinPoolSize uint64
}

// DefaultConfig returns the configuration used when no options are given.
func DefaultConfig() Config {
	return Config{
		URI:            "mongodb://localhost:27017",
		Database:       "cassettedeck",
		ConnectTimeout: 10 * time.Second,
		QueryTimeout:   5 * time.Second,
		MaxPoolSize:    32,
	}
}

// ConfigOption configures the MongoDB connection.
type ConfigOption func(*Config)

// WithURI sets the connection string.
func WithURI(uri string) ConfigOption {
	return func(c *Config) {
		c.URI = uri
	}
}

// WithDatabase sets the database name.
func WithDatabase(db string) ConfigOption {
	return func(c *Config) {
		if db != "" {
			c.Database = db
		}
	}
}

// WithQueryTimeout bounds every index and ledger operation.
func WithQueryTimeout(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.QueryTimeout = d
	}
}

// WithPoolSize sets the connection pool bounds.
func WithPoolSize(minSize, maxSize uint64) ConfigOption {
	return func(c *Config) {
		c.MinPoolSize = minSize
		c.MaxPoolSize = maxSize
	}
}

// Client is a connected MongoDB client bound to one database.
type Client struct {
	client   *mongo.Client
	database *mongo.Database
	config   Config
}

// NewClient connects and pings the server.
func NewClient(ctx context.Context, opts ...ConfigOption) (*Client, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	clientOpts := options.Client().
		ApplyURI(cfg.URI).
		SetAppName("cassettedeck").
		SetMaxPoolSize(cfg.MaxPoolSize).
		SetMinPoolSize(cfg.MinPoolSize)

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, clientOpts)
	if err != nil {
		return nil, errors.Join(ErrConnectionFailed, err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Join(ErrConnectionFailed, err)
	}

	return &Client{
		client:   client,
		database: client.Database(cfg.Database),
		config:   cfg,
	}, nil
}

// Database returns the configured database.
func (c *Client) Database() *mongo.Database {
	return c.database
}

// Close disconnects from the server.
func (c *Client) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.ConnectTimeout)
	defer cancel()
	return c.client.Disconnect(ctx)
}

// EnsureIndexes creates the unique identity index, the release order
// index and the reference indexes.
func (c *Client) EnsureIndexes(ctx context.Context) error {
	descriptors := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "name", Value: 1}, {Key: "version", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("descriptors_identity"),
		},
		{
			Keys: bson.D{
				{Key: "name", Value: 1},
				{Key: "release_time", Value: -1},
				{Key: "version", Value: -1},
			},
			Options: options.Index().SetName("descriptors_release"),
		},
		{
			Keys:    bson.D{{Key: "digest", Value: 1}},
			Options: options.Index().SetName("descriptors_digest"),
		},
	}
	if _, err := c.database.Collection(DescriptorsCollection).Indexes().CreateMany(ctx, descriptors); err != nil {
		return errors.Join(ErrMigrationFailed, err)
	}

	refs := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "updated_at", Value: 1}},
			Options: options.Index().SetName("blob_refs_updated_at"),
		},
	}
	if _, err := c.database.Collection(RefsCollection).Indexes().CreateMany(ctx, refs); err != nil {
		return errors.Join(ErrMigrationFailed, err)
	}
	return nil
}
