package config

import (
	"encoding/json"

	domainconfig "github.com/enginehub/cassettedeck/domain/config"
)

// JSONSchema represents a JSON Schema document.
type JSONSchema struct {
	Schema               string                 `json:"$schema,omitempty"`
	ID                   string                 `json:"$id,omitempty"`
	Title                string                 `json:"title,omitempty"`
	Description          string                 `json:"description,omitempty"`
	Type                 string                 `json:"type,omitempty"`
	Properties           map[string]*JSONSchema `json:"properties,omitempty"`
	Required             []string               `json:"required,omitempty"`
	AdditionalProperties *bool                  `json:"additionalProperties,omitempty"`
	Enum                 []string               `json:"enum,omitempty"`
	Default              any                    `json:"default,omitempty"`
	Minimum              *float64               `json:"minimum,omitempty"`
	Format               string                 `json:"format,omitempty"`
}

// GenerateSchema generates a JSON Schema for DeckConfig. Defaults are
// taken from DefaultDeckConfig.
func GenerateSchema() *JSONSchema {
	d := domainconfig.DefaultDeckConfig()

	return &JSONSchema{
		Schema:      "https://json-schema.org/draft/2020-12/schema",
		ID:          "https://github.com/enginehub/cassettedeck/deck-config.schema.json",
		Title:       "CassetteDeck Configuration",
		Description: "Configuration schema for the cassettedeck artifact service",
		Type:        "object",
		Required:    []string{"content", "index"},
		Properties: map[string]*JSONSchema{
			"name": {
				Type:        "string",
				Description: "Identifies this deployment in logs and metrics",
				Default:     d.Name,
			},
			"logging": object("Structured logging", map[string]*JSONSchema{
				"level":  enum("Minimum level", d.Logging.Level, "trace", "debug", "info", "warn", "error"),
				"format": enum("Output format", d.Logging.Format, "json", "console"),
			}),
			"rate_limit": object("Per-client token buckets", map[string]*JSONSchema{
				"capacity":          integer("Bucket capacity in tokens", 1, d.RateLimit.Capacity),
				"refill_per_second": number("Tokens added per second", d.RateLimit.RefillPerSecond),
				"read_cost":         integer("Tokens charged per fetch", 0, d.RateLimit.ReadCost),
				"write_cost":        integer("Tokens charged per ingestion", 0, d.RateLimit.WriteCost),
				"idle_timeout":      duration("Idle window before a bucket is evicted", d.RateLimit.IdleTimeout),
				"max_keys":          integer("Maximum tracked client keys", 1, d.RateLimit.MaxKeys),
			}),
			"archive": object("Archive validation limits", map[string]*JSONSchema{
				"max_archive_size": integer("Maximum raw payload bytes", 1, d.Archive.MaxArchiveSize),
				"max_entries":      integer("Maximum entries per archive", 1, d.Archive.MaxEntries),
				"max_entry_size":   integer("Maximum bytes per entry", 1, d.Archive.MaxEntrySize),
				"max_total_size":   integer("Maximum uncompressed bytes", 1, d.Archive.MaxTotalSize),
			}),
			"content": object("Blob backend", map[string]*JSONSchema{
				"backend": enum("Backend type", d.Content.Backend,
					domainconfig.ContentFilesystem, domainconfig.ContentMemory,
					domainconfig.ContentS3, domainconfig.ContentGCS, domainconfig.ContentAzure),
				"path":   {Type: "string", Description: "Filesystem root directory"},
				"bucket": {Type: "string", Description: "Bucket or container name"},
				"prefix": {Type: "string", Description: "Object key prefix"},
				"s3": object("S3 settings", map[string]*JSONSchema{
					"region":            {Type: "string"},
					"endpoint":          {Type: "string", Format: "uri"},
					"access_key_id":     {Type: "string"},
					"secret_access_key": {Type: "string"},
				}),
				"gcs": object("Google Cloud Storage settings", map[string]*JSONSchema{
					"credentials_file": {Type: "string"},
				}),
				"azure": object("Azure Blob Storage settings", map[string]*JSONSchema{
					"account_name":      {Type: "string"},
					"account_key":       {Type: "string"},
					"connection_string": {Type: "string"},
				}),
			}),
			"index": object("Metadata index", map[string]*JSONSchema{
				"backend": enum("Backend type", d.Index.Backend,
					domainconfig.IndexMemory, domainconfig.IndexSQLite,
					domainconfig.IndexPostgres, domainconfig.IndexBadger, domainconfig.IndexMongo),
				"dsn":      {Type: "string", Description: "sqlite data source, postgres connection string or mongodb URI"},
				"path":     {Type: "string", Description: "badger data directory"},
				"schema":   {Type: "string", Description: "postgres schema", Default: d.Index.Schema},
				"database": {Type: "string", Description: "mongodb database", Default: d.Index.Database},
			}),
			"cache": object("Descriptor cache", map[string]*JSONSchema{
				"backend": enum("Backend type", d.Cache.Backend,
					domainconfig.CacheNone, domainconfig.CacheMemory,
					domainconfig.CacheRedis, domainconfig.CacheDynamo),
				"address":      {Type: "string", Description: "redis address"},
				"password":     {Type: "string"},
				"size":         integer("In-process entries", 1, d.Cache.Size),
				"ttl":          duration("Lifetime of exact-version entries", d.Cache.TTL),
				"latest_ttl":   duration("Lifetime of latest-version entries", d.Cache.LatestTTL),
				"table":        {Type: "string", Description: "dynamodb table"},
				"region":       {Type: "string", Description: "dynamodb region"},
				"endpoint":     {Type: "string", Description: "dynamodb endpoint override"},
				"create_table": {Type: "boolean", Description: "Create the dynamodb table on startup"},
			}),
			"sweep": object("Blob reclamation", map[string]*JSONSchema{
				"interval":     duration("Time between sweeps; 0 disables the loop", d.Sweep.Interval),
				"grace_period": duration("Minimum idle time before reclaiming", d.Sweep.GracePeriod),
			}),
			"ingest": object("Write path", map[string]*JSONSchema{
				"max_concurrent": integer("Simultaneous ingestions", 1, d.Ingest.MaxConcurrent),
				"max_queued":     integer("Ingestions waiting for a free slot", 1, d.Ingest.MaxQueued),
				"queue_timeout":  duration("Longest wait for a slot, 0 waits for the caller", d.Ingest.QueueTimeout),
			}),
			"resilience": object("Retries around remote blob backends", map[string]*JSONSchema{
				"max_attempts":      integer("Attempts per operation", 1, d.Resilience.MaxAttempts),
				"initial_delay":     duration("First backoff delay", d.Resilience.InitialDelay),
				"failure_threshold": integer("Consecutive failures before the circuit opens", 1, d.Resilience.FailureThreshold),
				"open_timeout":      duration("How long the circuit stays open", d.Resilience.OpenTimeout),
			}),
			"tracing": object("Span export", map[string]*JSONSchema{
				"exporter": enum("Exporter type", d.Tracing.Exporter,
					domainconfig.TracingNone, domainconfig.TracingStdout, domainconfig.TracingOTLP),
				"endpoint":    {Type: "string", Description: "OTLP gRPC collector address"},
				"insecure":    {Type: "boolean", Description: "Disable TLS to the collector"},
				"sample_rate": number("Fraction of traces sampled", d.Tracing.SampleRate),
				"environment": {Type: "string", Description: "deployment.environment resource attribute"},
			}),
		},
	}
}

func object(desc string, props map[string]*JSONSchema) *JSONSchema {
	closed := false
	return &JSONSchema{
		Type:                 "object",
		Description:          desc,
		Properties:           props,
		AdditionalProperties: &closed,
	}
}

func enum(desc, def string, values ...string) *JSONSchema {
	return &JSONSchema{Type: "string", Description: desc, Enum: values, Default: def}
}

func integer[T int | int64](desc string, minimum float64, def T) *JSONSchema {
	return &JSONSchema{Type: "integer", Description: desc, Minimum: &minimum, Default: def}
}

func number(desc string, def float64) *JSONSchema {
	return &JSONSchema{Type: "number", Description: desc, Default: def}
}

func duration(desc string, def domainconfig.Duration) *JSONSchema {
	return &JSONSchema{Type: "string", Description: desc, Format: "duration", Default: def.Duration().String()}
}

// SchemaJSON returns the JSON Schema as a JSON string.
func SchemaJSON() (string, error) {
	data, err := json.MarshalIndent(GenerateSchema(), "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
