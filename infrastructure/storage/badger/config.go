// Package badger provides a BadgerDB-backed artifact index and blob
// reference ledger for single-node deployments.
package badger

import (
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

// Errors
var (
	ErrConnectionFailed = errors.New("badger: connection failed")
	ErrTxnRetries       = errors.New("badger: transaction retries exhausted")
	ErrNoDir            = errors.New("badger: data directory required")
)

// Config configures the BadgerDB index.
type Config struct {
	// Dir is the data directory. Ignored when InMemory is set.
	Dir string

	// InMemory keeps everything in memory (tests and throwaway decks).
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// Compression applies to SST blocks. Descriptor records are small JSON
	// documents that compress well with zstd.
	Compression options.CompressionType

	// ValueLogFileSize bounds each value log file in bytes.
	ValueLogFileSize int64

	// GCInterval is the time between value log GC passes. Zero disables GC.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum reclaimable fraction of a value log
	// file before GC rewrites it.
	GCDiscardRatio float64

	// KeyPrefix namespaces every key so decks can share a database.
	KeyPrefix string

	// MaxTxnRetries bounds retries of transactions aborted by a
	// concurrent writer.
	MaxTxnRetries int

	// Logger receives badger's internal messages. Defaults to Logger{}.
	Logger badger.Logger
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Compression:      options.ZSTD,
		ValueLogFileSize: 64 << 20,
		GCInterval:       5 * time.Minute,
		GCDiscardRatio:   0.5,
		MaxTxnRetries:    16,
	}
}

// Option configures the BadgerDB index.
type Option func(*Config)

// WithDir sets the data directory.
func WithDir(dir string) Option {
	return func(c *Config) {
		c.Dir = dir
	}
}

// WithInMemory enables in-memory storage.
func WithInMemory() Option {
	return func(c *Config) {
		c.InMemory = true
	}
}

// WithSyncWrites enables synchronous writes.
func WithSyncWrites() Option {
	return func(c *Config) {
		c.SyncWrites = true
	}
}

// WithCompression sets the block compression.
func WithCompression(ct options.CompressionType) Option {
	return func(c *Config) {
		c.Compression = ct
	}
}

// WithGCInterval sets the value log GC interval.
func WithGCInterval(d time.Duration) Option {
	return func(c *Config) {
		c.GCInterval = d
	}
}

// WithKeyPrefix sets the key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(c *Config) {
		c.KeyPrefix = prefix
	}
}

// WithMaxTxnRetries sets the transaction retry bound.
func WithMaxTxnRetries(n int) Option {
	return func(c *Config) {
		c.MaxTxnRetries = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger badger.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// badgerOptions translates cfg into badger options.
func (c Config) badgerOptions() (badger.Options, error) {
	if c.InMemory {
		return badger.DefaultOptions("").
			WithInMemory(true).
			WithLogger(c.Logger), nil
	}
	if c.Dir == "" {
		return badger.Options{}, ErrNoDir
	}

	opts := badger.DefaultOptions(c.Dir).
		WithSyncWrites(c.SyncWrites).
		WithCompression(c.Compression).
		WithNumVersionsToKeep(1).
		WithLogger(c.Logger)
	if c.ValueLogFileSize > 0 {
		opts = opts.WithValueLogFileSize(c.ValueLogFileSize)
	}
	return opts, nil
}

func openDB(cfg Config) (*badger.DB, error) {
	opts, err := cfg.badgerOptions()
	if err != nil {
		return nil, err
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Join(ErrConnectionFailed, err)
	}
	return db, nil
}
