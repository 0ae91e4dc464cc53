// Package bootstrap assembles a Deck from a DeckConfig.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"

	"go.opentelemetry.io/otel/attribute"

	"github.com/enginehub/cassettedeck/application"
	"github.com/enginehub/cassettedeck/domain/artifact"
	"github.com/enginehub/cassettedeck/domain/blob"
	"github.com/enginehub/cassettedeck/domain/cache"
	"github.com/enginehub/cassettedeck/domain/config"
	"github.com/enginehub/cassettedeck/infrastructure/archive"
	"github.com/enginehub/cassettedeck/infrastructure/clock"
	"github.com/enginehub/cassettedeck/infrastructure/content"
	"github.com/enginehub/cassettedeck/infrastructure/index"
	"github.com/enginehub/cassettedeck/infrastructure/logging"
	"github.com/enginehub/cassettedeck/infrastructure/observability"
	"github.com/enginehub/cassettedeck/infrastructure/ratelimit"
	"github.com/enginehub/cassettedeck/infrastructure/resilience"
	"github.com/enginehub/cassettedeck/infrastructure/storage/azure"
	"github.com/enginehub/cassettedeck/infrastructure/storage/badger"
	"github.com/enginehub/cassettedeck/infrastructure/storage/dynamodb"
	"github.com/enginehub/cassettedeck/infrastructure/storage/filesystem"
	"github.com/enginehub/cassettedeck/infrastructure/storage/gcs"
	"github.com/enginehub/cassettedeck/infrastructure/storage/memory"
	"github.com/enginehub/cassettedeck/infrastructure/storage/mongodb"
	"github.com/enginehub/cassettedeck/infrastructure/storage/object"
	"github.com/enginehub/cassettedeck/infrastructure/storage/postgres"
	"github.com/enginehub/cassettedeck/infrastructure/storage/redis"
	"github.com/enginehub/cassettedeck/infrastructure/storage/s3"
	"github.com/enginehub/cassettedeck/infrastructure/storage/sqlite"
	"github.com/enginehub/cassettedeck/infrastructure/telemetry"
)

// ledgerIndex is an index that also keeps the blob reference counts.
type ledgerIndex interface {
	artifact.Index
	blob.RefLedger
}

// Deployment is a running deck together with the resources it owns.
type Deployment struct {
	Deck   *application.Deck
	Config config.DeckConfig

	closers []func() error
}

// Close releases every resource in reverse acquisition order.
func (d *Deployment) Close() error {
	var errs []error
	for _, closeFn := range slices.Backward(d.closers) {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

func (d *Deployment) onClose(fn func() error) {
	d.closers = append(d.closers, fn)
}

// Option configures Build.
type Option func(*options)

type options struct {
	clock       clock.Clock
	metrics     telemetry.Metrics
	initLogging bool
}

// WithClock sets the time source of every component.
func WithClock(clk clock.Clock) Option {
	return func(o *options) {
		o.clock = clk
	}
}

// WithMetrics sets the metrics recorder. Defaults to an OpenTelemetry
// provider on the global meter provider.
func WithMetrics(m telemetry.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithLogging initializes the global logger from the logging section.
func WithLogging() Option {
	return func(o *options) {
		o.initLogging = true
	}
}

// Build validates cfg and wires a deck from it. The caller must Close the
// returned deployment.
func Build(ctx context.Context, cfg config.DeckConfig, opts ...Option) (*Deployment, error) {
	o := &options{clock: clock.Real()}
	for _, opt := range opts {
		opt(o)
	}

	if errs := config.NewValidator().Validate(&cfg); errs.HasErrors() {
		return nil, errors.Join(config.ErrValidationFailed, errs)
	}

	if o.initLogging {
		logging.Init(logging.FromSettings(cfg.Logging.Level, cfg.Logging.Format))
	}

	if o.metrics == nil {
		mc := telemetry.DefaultMetricsConfig()
		mc.Attributes = append(mc.Attributes, attribute.String("deployment", cfg.Name))
		provider := telemetry.NewMetricsProvider(mc)
		if err := provider.Error(); err != nil {
			return nil, errors.Join(config.ErrBuildFailed, err)
		}
		o.metrics = provider
	}

	dep := &Deployment{Config: cfg}
	deck, err := dep.wire(ctx, cfg, o)
	if err != nil {
		if closeErr := dep.Close(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
		return nil, errors.Join(config.ErrBuildFailed, err)
	}
	dep.Deck = deck

	logging.Info().
		Add(logging.Component("bootstrap")).
		Add(logging.Str("deployment", cfg.Name)).
		Add(logging.Str("content", cfg.Content.Backend)).
		Add(logging.Str("index", cfg.Index.Backend)).
		Add(logging.Str("cache", cacheBackend(cfg.Cache))).
		Msg("deck ready")
	return dep, nil
}

func (d *Deployment) wire(ctx context.Context, cfg config.DeckConfig, o *options) (*application.Deck, error) {
	idx, err := d.buildIndex(ctx, cfg.Index, o.clock)
	if err != nil {
		return nil, err
	}

	backend, err := d.buildBackend(ctx, cfg, o)
	if err != nil {
		return nil, err
	}

	tracing, err := d.buildTracing(cfg)
	if err != nil {
		return nil, err
	}

	served := artifact.Index(idx)
	c, err := d.buildCache(ctx, cfg.Cache, o.clock)
	if err != nil {
		return nil, err
	}
	if c != nil {
		served = index.NewCached(idx, c,
			index.WithTTL(cfg.Cache.TTL.Duration()),
			index.WithLatestTTL(cfg.Cache.LatestTTL.Duration()),
			index.WithObserver(func(ctx context.Context, hit bool) {
				if hit {
					o.metrics.RecordCacheHit(ctx)
				} else {
					o.metrics.RecordCacheMiss(ctx)
				}
			}),
		)
	}

	rl := cfg.RateLimit
	governor := ratelimit.New(ratelimit.DefaultConfig(),
		ratelimit.WithCapacity(rl.Capacity),
		ratelimit.WithRefillPerSecond(rl.RefillPerSecond),
		ratelimit.WithIdleTimeout(rl.IdleTimeout.Duration()),
		ratelimit.WithMaxKeys(rl.MaxKeys),
		ratelimit.WithClock(o.clock),
	)

	if idle := rl.IdleTimeout.Duration(); idle > 0 {
		pruneCtx, stopPruning := context.WithCancel(context.Background())
		go governor.Run(pruneCtx, idle)
		d.onClose(func() error {
			stopPruning()
			return nil
		})
	}

	validator := archive.NewValidator(archive.Limits{
		MaxArchiveSize: cfg.Archive.MaxArchiveSize,
		MaxEntries:     cfg.Archive.MaxEntries,
		MaxEntrySize:   cfg.Archive.MaxEntrySize,
		MaxTotalSize:   cfg.Archive.MaxTotalSize,
	})

	deck, err := application.NewDeckWithOptions(
		application.WithGovernor(governor),
		application.WithValidator(validator),
		application.WithContentStore(content.NewStore(backend, idx, content.WithClock(o.clock))),
		application.WithIndex(served),
		application.WithReferenceCounter(idx),
		application.WithAuthority(idx),
		application.WithMetrics(o.metrics),
		application.WithTracer(tracing.Tracer()),
		application.WithClock(o.clock),
		application.WithCosts(rl.ReadCost, rl.WriteCost),
		application.WithMaxConcurrentIngestions(cfg.Ingest.MaxConcurrent),
		application.WithIngestionQueue(cfg.Ingest.MaxQueued, cfg.Ingest.QueueTimeout.Duration()),
		application.WithGracePeriod(cfg.Sweep.GracePeriod.Duration()),
	)
	if err != nil {
		return nil, err
	}
	d.onClose(deck.Close)
	return deck, nil
}

func (d *Deployment) buildIndex(ctx context.Context, cfg config.IndexConfig, clk clock.Clock) (ledgerIndex, error) {
	switch cfg.Backend {
	case config.IndexMemory:
		return memory.NewIndex(clk), nil

	case config.IndexSQLite:
		idx, err := sqlite.NewIndex(sqlite.DefaultConfig(), sqlite.WithDSN(cfg.DSN), sqlite.WithAutoMigrate())
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite index: %w", err)
		}
		d.onClose(idx.Close)
		return idx, nil

	case config.IndexPostgres:
		pool, err := postgres.NewPool(ctx, postgres.DefaultConfig(),
			postgres.WithDSN(cfg.DSN),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres pool: %w", err)
		}
		d.onClose(func() error {
			pool.Close()
			return nil
		})
		idx, err := postgres.NewIndex(ctx, pool, cfg.Schema)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres index: %w", err)
		}
		return idx, nil

	case config.IndexMongo:
		client, err := mongodb.NewClient(ctx, mongodb.WithURI(cfg.DSN), mongodb.WithDatabase(cfg.Database))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
		}
		d.onClose(client.Close)
		idx, err := mongodb.NewIndex(ctx, client, mongodb.WithClock(clk))
		if err != nil {
			return nil, fmt.Errorf("failed to open mongodb index: %w", err)
		}
		return idx, nil

	case config.IndexBadger:
		idx, err := badger.NewIndex(badger.DefaultConfig(), badger.WithDir(cfg.Path))
		if err != nil {
			return nil, fmt.Errorf("failed to open badger index: %w", err)
		}
		d.onClose(idx.Close)
		return idx, nil

	default:
		return nil, fmt.Errorf("unknown index backend: %s", cfg.Backend)
	}
}

func (d *Deployment) buildBackend(ctx context.Context, cfg config.DeckConfig, o *options) (blob.Backend, error) {
	c := cfg.Content
	var client object.Client

	switch c.Backend {
	case config.ContentFilesystem:
		backend, err := filesystem.NewBlobBackend(c.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open filesystem backend: %w", err)
		}
		return backend, nil

	case config.ContentMemory:
		return memory.NewBlobBackend(o.clock), nil

	case config.ContentS3:
		s3Client, err := s3.NewClient(ctx, s3.Config{
			Bucket:          c.Bucket,
			Region:          c.S3.Region,
			Endpoint:        c.S3.Endpoint,
			AccessKeyID:     c.S3.AccessKeyID,
			SecretAccessKey: c.S3.SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		client = s3Client

	case config.ContentGCS:
		gcsClient, err := gcs.NewClient(ctx, gcs.Config{
			Bucket:          c.Bucket,
			CredentialsFile: c.GCS.CredentialsFile,
		})
		if err != nil {
			return nil, err
		}
		d.onClose(gcsClient.Close)
		client = gcsClient

	case config.ContentAzure:
		azClient, err := azure.NewClient(azure.Config{
			Container:        c.Bucket,
			AccountName:      c.Azure.AccountName,
			AccountKey:       c.Azure.AccountKey,
			ConnectionString: c.Azure.ConnectionString,
		})
		if err != nil {
			return nil, err
		}
		client = azClient

	default:
		return nil, fmt.Errorf("unknown content backend: %s", c.Backend)
	}

	return resilient(c.Backend, object.NewBackend(c.Backend, client, c.Prefix), cfg.Resilience, o.metrics), nil
}

// resilient wraps a remote backend with retries and a circuit breaker
// whose state feeds the open-circuit gauge.
func resilient(name string, next blob.Backend, cfg config.ResilienceConfig, metrics telemetry.Metrics) blob.Backend {
	return resilience.NewBackend(name, next,
		resilience.WithRetryAttempts(cfg.MaxAttempts),
		resilience.WithRetryDelay(cfg.InitialDelay.Duration()),
		resilience.WithCircuitBreakerThreshold(cfg.FailureThreshold),
		resilience.WithCircuitBreakerTimeout(cfg.OpenTimeout.Duration()),
		resilience.WithStateObserver(func(from, to string) {
			switch {
			case to == "open":
				metrics.RecordCircuitBreakerStateChange(context.Background(), name, true)
			case from == "open":
				metrics.RecordCircuitBreakerStateChange(context.Background(), name, false)
			}
		}),
	)
}

func cacheBackend(cfg config.CacheConfig) string {
	if cfg.Backend == "" {
		return config.CacheNone
	}
	return cfg.Backend
}

// buildTracing installs the span exporter. Stdout spans go to stderr so
// they never mix with fetched payloads.
func (d *Deployment) buildTracing(cfg config.DeckConfig) (*observability.Provider, error) {
	t := cfg.Tracing
	opts := []observability.Option{
		observability.WithServiceName(cfg.Name),
		observability.WithSampleRate(t.SampleRate),
	}
	if t.Environment != "" {
		opts = append(opts, observability.WithEnvironment(t.Environment))
	}

	switch t.Exporter {
	case "", config.TracingNone:
		return observability.NewNoopProvider(), nil
	case config.TracingStdout:
		opts = append(opts, observability.WithStdout(os.Stderr))
	case config.TracingOTLP:
		opts = append(opts, observability.WithOTLP(t.Endpoint, t.Insecure), observability.WithGlobal())
	}

	provider, err := observability.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to start tracing: %w", err)
	}
	d.onClose(func() error {
		return provider.Shutdown(context.Background())
	})
	return provider, nil
}

func (d *Deployment) buildCache(ctx context.Context, cfg config.CacheConfig, clk clock.Clock) (cache.Cache, error) {
	switch cacheBackend(cfg) {
	case config.CacheNone:
		return nil, nil

	case config.CacheMemory:
		return memory.NewCache(
			memory.WithMaxSize(cfg.Size),
			memory.WithTTL(cfg.TTL.Duration()),
			memory.WithCacheClock(clk),
		), nil

	case config.CacheRedis:
		rc, err := redis.NewCache(redis.DefaultConfig(),
			redis.WithAddress(cfg.Address),
			redis.WithPassword(cfg.Password),
			redis.WithDefaultTTL(cfg.TTL.Duration()),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		d.onClose(rc.Close)
		return rc, nil

	case config.CacheDynamo:
		opts := []dynamodb.ConfigOption{
			dynamodb.WithTableName(cfg.Table),
			dynamodb.WithDefaultTTL(cfg.TTL.Duration()),
		}
		if cfg.Region != "" {
			opts = append(opts, dynamodb.WithRegion(cfg.Region))
		}
		if cfg.Endpoint != "" {
			opts = append(opts, dynamodb.WithEndpoint(cfg.Endpoint))
		}
		client, err := dynamodb.NewClient(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to dynamodb: %w", err)
		}
		if cfg.CreateTable {
			if err := client.CreateTable(ctx); err != nil {
				return nil, fmt.Errorf("failed to create dynamodb table: %w", err)
			}
		}
		return dynamodb.NewCache(client, dynamodb.WithClock(clk)), nil

	default:
		return nil, fmt.Errorf("unknown cache backend: %s", cfg.Backend)
	}
}
