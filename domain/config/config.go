// Package config provides domain models for deck configuration.
package config

import "time"

// DeckConfig represents the complete service configuration.
type DeckConfig struct {
	// Name identifies this deployment in logs and metrics.
	Name string `json:"name" yaml:"name"`

	// Logging configures structured logging.
	Logging LoggingConfig `json:"logging,omitempty" yaml:"logging,omitempty"`
	// RateLimit configures per-client admission control.
	RateLimit RateLimitConfig `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
	// Archive configures archive validation limits.
	Archive ArchiveConfig `json:"archive,omitempty" yaml:"archive,omitempty"`
	// Content configures the blob backend.
	Content ContentConfig `json:"content" yaml:"content"`
	// Index configures the metadata index backend.
	Index IndexConfig `json:"index" yaml:"index"`
	// Cache configures the descriptor cache.
	Cache CacheConfig `json:"cache,omitempty" yaml:"cache,omitempty"`
	// Sweep configures blob reclamation.
	Sweep SweepConfig `json:"sweep,omitempty" yaml:"sweep,omitempty"`
	// Ingest configures the write path.
	Ingest IngestConfig `json:"ingest,omitempty" yaml:"ingest,omitempty"`
	// Resilience configures retries around remote backends.
	Resilience ResilienceConfig `json:"resilience,omitempty" yaml:"resilience,omitempty"`
	// Tracing configures span export.
	Tracing TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error.
	Level string `json:"level,omitempty" yaml:"level,omitempty"`
	// Format is json or console.
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
}

// RateLimitConfig configures token buckets.
type RateLimitConfig struct {
	Capacity        int      `json:"capacity,omitempty" yaml:"capacity,omitempty"`
	RefillPerSecond float64  `json:"refill_per_second,omitempty" yaml:"refill_per_second,omitempty"`
	ReadCost        int      `json:"read_cost,omitempty" yaml:"read_cost,omitempty"`
	WriteCost       int      `json:"write_cost,omitempty" yaml:"write_cost,omitempty"`
	IdleTimeout     Duration `json:"idle_timeout,omitempty" yaml:"idle_timeout,omitempty"`
	MaxKeys         int      `json:"max_keys,omitempty" yaml:"max_keys,omitempty"`
}

// ArchiveConfig bounds inbound archives.
type ArchiveConfig struct {
	MaxArchiveSize int64 `json:"max_archive_size,omitempty" yaml:"max_archive_size,omitempty"`
	MaxEntries     int   `json:"max_entries,omitempty" yaml:"max_entries,omitempty"`
	MaxEntrySize   int64 `json:"max_entry_size,omitempty" yaml:"max_entry_size,omitempty"`
	MaxTotalSize   int64 `json:"max_total_size,omitempty" yaml:"max_total_size,omitempty"`
}

// Content backend types.
const (
	ContentFilesystem = "filesystem"
	ContentMemory     = "memory"
	ContentS3         = "s3"
	ContentGCS        = "gcs"
	ContentAzure      = "azure"
)

// ContentConfig selects and configures the blob backend.
type ContentConfig struct {
	// Backend is one of filesystem, memory, s3, gcs, azure.
	Backend string `json:"backend" yaml:"backend"`
	// Path is the root directory of the filesystem backend.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
	// Bucket is the bucket or container of object store backends.
	Bucket string `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	// Prefix is prepended to every object key.
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`

	S3    S3Config    `json:"s3,omitempty" yaml:"s3,omitempty"`
	GCS   GCSConfig   `json:"gcs,omitempty" yaml:"gcs,omitempty"`
	Azure AzureConfig `json:"azure,omitempty" yaml:"azure,omitempty"`
}

// S3Config configures the S3 backend.
type S3Config struct {
	Region          string `json:"region,omitempty" yaml:"region,omitempty"`
	Endpoint        string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	AccessKeyID     string `json:"access_key_id,omitempty" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty" yaml:"secret_access_key,omitempty"`
}

// GCSConfig configures the Google Cloud Storage backend.
type GCSConfig struct {
	CredentialsFile string `json:"credentials_file,omitempty" yaml:"credentials_file,omitempty"`
}

// AzureConfig configures the Azure Blob Storage backend.
type AzureConfig struct {
	AccountName      string `json:"account_name,omitempty" yaml:"account_name,omitempty"`
	AccountKey       string `json:"account_key,omitempty" yaml:"account_key,omitempty"`
	ConnectionString string `json:"connection_string,omitempty" yaml:"connection_string,omitempty"`
}

// Index backend types.
const (
	IndexMemory   = "memory"
	IndexSQLite   = "sqlite"
	IndexPostgres = "postgres"
	IndexBadger   = "badger"
	IndexMongo    = "mongodb"
)

// IndexConfig selects and configures the metadata index.
type IndexConfig struct {
	// Backend is one of memory, sqlite, postgres, badger, mongodb.
	Backend string `json:"backend" yaml:"backend"`
	// DSN is the sqlite data source name, the postgres connection string
	// or the mongodb URI.
	DSN string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
	// Path is the badger data directory.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
	// Schema is the postgres schema.
	Schema string `json:"schema,omitempty" yaml:"schema,omitempty"`
	// Database is the mongodb database.
	Database string `json:"database,omitempty" yaml:"database,omitempty"`
}

// Cache backend types.
const (
	CacheNone   = "none"
	CacheMemory = "memory"
	CacheRedis  = "redis"
	CacheDynamo = "dynamodb"
)

// CacheConfig configures the descriptor cache.
type CacheConfig struct {
	// Backend is one of none, memory, redis, dynamodb.
	Backend   string   `json:"backend,omitempty" yaml:"backend,omitempty"`
	Address   string   `json:"address,omitempty" yaml:"address,omitempty"`
	Password  string   `json:"password,omitempty" yaml:"password,omitempty"`
	Size      int      `json:"size,omitempty" yaml:"size,omitempty"`
	TTL       Duration `json:"ttl,omitempty" yaml:"ttl,omitempty"`
	LatestTTL Duration `json:"latest_ttl,omitempty" yaml:"latest_ttl,omitempty"`

	// Table, Region and Endpoint configure the dynamodb backend.
	Table    string `json:"table,omitempty" yaml:"table,omitempty"`
	Region   string `json:"region,omitempty" yaml:"region,omitempty"`
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	// CreateTable creates the dynamodb table on startup when missing.
	CreateTable bool `json:"create_table,omitempty" yaml:"create_table,omitempty"`
}

// SweepConfig configures blob reclamation.
type SweepConfig struct {
	Interval    Duration `json:"interval,omitempty" yaml:"interval,omitempty"`
	GracePeriod Duration `json:"grace_period,omitempty" yaml:"grace_period,omitempty"`
}

// IngestConfig configures the write path.
type IngestConfig struct {
	// MaxConcurrent caps simultaneous ingestions.
	MaxConcurrent int `json:"max_concurrent,omitempty" yaml:"max_concurrent,omitempty"`
	// MaxQueued bounds ingestions waiting for a free slot.
	MaxQueued int `json:"max_queued,omitempty" yaml:"max_queued,omitempty"`
	// QueueTimeout bounds the wait for a slot. Zero waits for the caller.
	QueueTimeout Duration `json:"queue_timeout,omitempty" yaml:"queue_timeout,omitempty"`
}

// ResilienceConfig configures retries around remote backends.
type ResilienceConfig struct {
	MaxAttempts      int      `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	InitialDelay     Duration `json:"initial_delay,omitempty" yaml:"initial_delay,omitempty"`
	FailureThreshold int      `json:"failure_threshold,omitempty" yaml:"failure_threshold,omitempty"`
	OpenTimeout      Duration `json:"open_timeout,omitempty" yaml:"open_timeout,omitempty"`
}

// Tracing exporter types.
const (
	TracingNone   = "none"
	TracingStdout = "stdout"
	TracingOTLP   = "otlp"
)

// TracingConfig configures span export.
type TracingConfig struct {
	// Exporter is one of none, stdout, otlp.
	Exporter string `json:"exporter,omitempty" yaml:"exporter,omitempty"`
	// Endpoint is the OTLP gRPC collector address.
	Endpoint    string  `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Insecure    bool    `json:"insecure,omitempty" yaml:"insecure,omitempty"`
	SampleRate  float64 `json:"sample_rate,omitempty" yaml:"sample_rate,omitempty"`
	Environment string  `json:"environment,omitempty" yaml:"environment,omitempty"`
}

// DefaultDeckConfig returns a configuration with sensible defaults.
func DefaultDeckConfig() DeckConfig {
	return DeckConfig{
		Name: "cassettedeck",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		RateLimit: RateLimitConfig{
			Capacity:        50,
			RefillPerSecond: 10,
			ReadCost:        1,
			WriteCost:       10,
			IdleTimeout:     Duration(10 * time.Minute),
			MaxKeys:         100_000,
		},
		Archive: ArchiveConfig{
			MaxArchiveSize: 256 << 20,
			MaxEntries:     10_000,
			MaxEntrySize:   64 << 20,
			MaxTotalSize:   512 << 20,
		},
		Content: ContentConfig{
			Backend: ContentFilesystem,
			Path:    "data/blobs",
		},
		Index: IndexConfig{
			Backend: IndexSQLite,
			DSN:     "file:data/cassettedeck.db?mode=rwc",
			Schema:   "public",
			Database: "cassettedeck",
		},
		Cache: CacheConfig{
			Backend:   CacheNone,
			Size:      4096,
			TTL:       Duration(time.Hour),
			LatestTTL: Duration(5 * time.Second),
		},
		Sweep: SweepConfig{
			Interval:    Duration(15 * time.Minute),
			GracePeriod: Duration(time.Hour),
		},
		Ingest: IngestConfig{
			MaxConcurrent: 4,
			MaxQueued:     256,
		},
		Resilience: ResilienceConfig{
			MaxAttempts:      3,
			InitialDelay:     Duration(100 * time.Millisecond),
			FailureThreshold: 5,
			OpenTimeout:      Duration(30 * time.Second),
		},
		Tracing: TracingConfig{
			Exporter:   TracingNone,
			SampleRate: 1.0,
		},
	}
}

// Duration is a time.Duration that supports JSON/YAML string representation.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}

	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}

	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}
