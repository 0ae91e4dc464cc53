package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	// Path is the dotted path to the invalid field.
	Path string
	// Message describes the validation error.
	Message string
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("%d validation errors:\n  - %s", len(e), strings.Join(msgs, "\n  - "))
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates deck configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate validates the configuration and returns any errors.
func (v *Validator) Validate(config *DeckConfig) ValidationErrors {
	v.errors = nil

	v.validateLogging(config)
	v.validateRateLimit(config)
	v.validateArchive(config)
	v.validateContent(config)
	v.validateIndex(config)
	v.validateCache(config)
	v.validateSweep(config)
	v.validateTracing(config)

	if config.Ingest.MaxConcurrent <= 0 {
		v.addError("ingest.max_concurrent", "max_concurrent must be positive")
	}
	if config.Ingest.MaxQueued <= 0 {
		v.addError("ingest.max_queued", "max_queued must be positive")
	}
	if config.Ingest.QueueTimeout < 0 {
		v.addError("ingest.queue_timeout", "queue_timeout must be non-negative")
	}

	return v.errors
}

func (v *Validator) addError(path, message string) {
	v.errors = append(v.errors, ValidationError{Path: path, Message: message})
}

func (v *Validator) validateLogging(config *DeckConfig) {
	switch config.Logging.Level {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		v.addError("logging.level", fmt.Sprintf("invalid level: %s", config.Logging.Level))
	}
	switch config.Logging.Format {
	case "", "json", "console":
	default:
		v.addError("logging.format", fmt.Sprintf("invalid format: %s", config.Logging.Format))
	}
}

func (v *Validator) validateRateLimit(config *DeckConfig) {
	rl := config.RateLimit
	if rl.Capacity <= 0 {
		v.addError("rate_limit.capacity", "capacity must be positive")
	}
	if rl.RefillPerSecond <= 0 {
		v.addError("rate_limit.refill_per_second", "refill_per_second must be positive")
	}
	if rl.ReadCost < 0 || rl.ReadCost > rl.Capacity {
		v.addError("rate_limit.read_cost", "read_cost must be between 0 and capacity")
	}
	if rl.WriteCost < 0 || rl.WriteCost > rl.Capacity {
		v.addError("rate_limit.write_cost", "write_cost must be between 0 and capacity")
	}
	if rl.WriteCost < rl.ReadCost {
		v.addError("rate_limit.write_cost", "write_cost must not be below read_cost")
	}
	if rl.MaxKeys <= 0 {
		v.addError("rate_limit.max_keys", "max_keys must be positive")
	}
	if rl.IdleTimeout < 0 {
		v.addError("rate_limit.idle_timeout", "idle_timeout must be non-negative")
	}
}

func (v *Validator) validateArchive(config *DeckConfig) {
	a := config.Archive
	if a.MaxArchiveSize <= 0 {
		v.addError("archive.max_archive_size", "max_archive_size must be positive")
	}
	if a.MaxEntries <= 0 {
		v.addError("archive.max_entries", "max_entries must be positive")
	}
	if a.MaxEntrySize <= 0 {
		v.addError("archive.max_entry_size", "max_entry_size must be positive")
	}
	if a.MaxTotalSize < a.MaxEntrySize {
		v.addError("archive.max_total_size", "max_total_size must be at least max_entry_size")
	}
}

func (v *Validator) validateContent(config *DeckConfig) {
	c := config.Content
	switch c.Backend {
	case ContentFilesystem:
		if c.Path == "" {
			v.addError("content.path", "path is required for the filesystem backend")
		}
	case ContentMemory:
	case ContentS3, ContentGCS:
		if c.Bucket == "" {
			v.addError("content.bucket", "bucket is required for "+c.Backend)
		}
	case ContentAzure:
		if c.Bucket == "" {
			v.addError("content.bucket", "container is required for azure")
		}
		if c.Azure.AccountName == "" && c.Azure.ConnectionString == "" {
			v.addError("content.azure", "account_name or connection_string is required")
		}
	case "":
		v.addError("content.backend", "backend is required")
	default:
		v.addError("content.backend", fmt.Sprintf("unknown backend: %s", c.Backend))
	}
}

func (v *Validator) validateIndex(config *DeckConfig) {
	i := config.Index
	switch i.Backend {
	case IndexMemory:
	case IndexSQLite, IndexPostgres, IndexMongo:
		if i.DSN == "" {
			v.addError("index.dsn", "dsn is required for "+i.Backend)
		}
	case IndexBadger:
		if i.Path == "" {
			v.addError("index.path", "path is required for badger")
		}
	case "":
		v.addError("index.backend", "backend is required")
	default:
		v.addError("index.backend", fmt.Sprintf("unknown backend: %s", i.Backend))
	}
}

func (v *Validator) validateCache(config *DeckConfig) {
	c := config.Cache
	switch c.Backend {
	case "", CacheNone:
	case CacheMemory:
		if c.Size <= 0 {
			v.addError("cache.size", "size must be positive")
		}
	case CacheRedis:
		if c.Address == "" {
			v.addError("cache.address", "address is required for redis")
		}
	case CacheDynamo:
		if c.Table == "" {
			v.addError("cache.table", "table is required for dynamodb")
		}
	default:
		v.addError("cache.backend", fmt.Sprintf("unknown backend: %s", c.Backend))
	}
	if c.TTL < 0 || c.LatestTTL < 0 {
		v.addError("cache.ttl", "ttl must be non-negative")
	}
}

func (v *Validator) validateSweep(config *DeckConfig) {
	if config.Sweep.GracePeriod <= 0 {
		v.addError("sweep.grace_period", "grace_period must be positive")
	}
	if config.Sweep.Interval < 0 {
		v.addError("sweep.interval", "interval must be non-negative")
	}
}

func (v *Validator) validateTracing(config *DeckConfig) {
	t := config.Tracing
	switch t.Exporter {
	case "", TracingNone, TracingStdout:
	case TracingOTLP:
		if t.Endpoint == "" {
			v.addError("tracing.endpoint", "endpoint is required for otlp")
		}
	default:
		v.addError("tracing.exporter", fmt.Sprintf("unknown exporter: %s", t.Exporter))
	}
	if t.SampleRate < 0 || t.SampleRate > 1 {
		v.addError("tracing.sample_rate", "sample_rate must be between 0 and 1")
	}
}
