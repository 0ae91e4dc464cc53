// Package telemetry provides OpenTelemetry metrics for the artifact service.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Ingestion outcomes.
const (
	OutcomePublished  = "published"
	OutcomeIdempotent = "idempotent"
	OutcomeRejected   = "rejected"
	OutcomeConflict   = "conflict"
	OutcomeLimited    = "rate_limited"
	OutcomeFailed     = "failed"
)

// MetricsProvider provides access to metrics instruments.
type MetricsProvider struct {
	meter metric.Meter

	// Counters
	admissions  metric.Int64Counter
	ingestions  metric.Int64Counter
	storedBytes metric.Int64Counter
	fetches     metric.Int64Counter
	reclaimed   metric.Int64Counter
	transitions metric.Int64Counter
	cacheHits   metric.Int64Counter
	cacheMisses metric.Int64Counter
	errors      metric.Int64Counter

	// Histograms
	ingestDuration metric.Float64Histogram
	fetchDuration  metric.Float64Histogram

	// Gauges (using UpDownCounter for OpenTelemetry)
	activeIngestions   metric.Int64UpDownCounter
	circuitBreakerOpen metric.Int64UpDownCounter

	initErr error
}

// MetricsConfig configures the metrics provider.
type MetricsConfig struct {
	// MeterName is the name of the meter.
	MeterName string
	// MeterVersion is the version of the meter.
	MeterVersion string
	// MeterProvider overrides the global provider.
	MeterProvider metric.MeterProvider
	// Attributes are default attributes to attach to all metrics.
	Attributes []attribute.KeyValue
}

// DefaultMetricsConfig returns a default metrics configuration.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		MeterName:    "github.com/enginehub/cassettedeck",
		MeterVersion: "1.0.0",
	}
}

// NewMetricsProvider creates a new metrics provider.
func NewMetricsProvider(config MetricsConfig) *MetricsProvider {
	defaults := DefaultMetricsConfig()
	if config.MeterName == "" {
		config.MeterName = defaults.MeterName
	}
	if config.MeterVersion == "" {
		config.MeterVersion = defaults.MeterVersion
	}

	provider := config.MeterProvider
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(
		config.MeterName,
		metric.WithInstrumentationVersion(config.MeterVersion),
		metric.WithInstrumentationAttributes(config.Attributes...),
	)

	mp := &MetricsProvider{meter: meter}
	mp.initErr = mp.initInstruments()
	return mp
}

func (mp *MetricsProvider) counter(name, desc, unit string, dst *metric.Int64Counter) error {
	c, err := mp.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil {
		return err
	}
	*dst = c
	return nil
}

// initInstruments initializes all metric instruments.
func (mp *MetricsProvider) initInstruments() error {
	counters := []struct {
		name, desc, unit string
		dst              *metric.Int64Counter
	}{
		{"deck.admissions", "Rate governor decisions", "{decision}", &mp.admissions},
		{"deck.ingestions", "Ingestions by outcome", "{ingestion}", &mp.ingestions},
		{"deck.stored.bytes", "Canonical bytes of newly registered versions", "By", &mp.storedBytes},
		{"deck.fetches", "Artifact fetches", "{fetch}", &mp.fetches},
		{"deck.blobs.reclaimed", "Blobs deleted by the sweeper", "{blob}", &mp.reclaimed},
		{"deck.lifecycle.transitions", "Artifact lifecycle transitions", "{transition}", &mp.transitions},
		{"deck.cache.hits", "Descriptor cache hits", "{hit}", &mp.cacheHits},
		{"deck.cache.misses", "Descriptor cache misses", "{miss}", &mp.cacheMisses},
		{"deck.errors", "Errors by stable code", "{error}", &mp.errors},
	}
	for _, c := range counters {
		if err := mp.counter(c.name, c.desc, c.unit, c.dst); err != nil {
			return err
		}
	}

	var err error

	// Histograms
	mp.ingestDuration, err = mp.meter.Float64Histogram(
		"deck.ingest.duration",
		metric.WithDescription("Duration of ingestions"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	mp.fetchDuration, err = mp.meter.Float64Histogram(
		"deck.fetch.duration",
		metric.WithDescription("Duration of fetches"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	// Gauges (UpDownCounters)
	mp.activeIngestions, err = mp.meter.Int64UpDownCounter(
		"deck.ingestions.active",
		metric.WithDescription("Ingestions in flight"),
		metric.WithUnit("{ingestion}"),
	)
	if err != nil {
		return err
	}

	mp.circuitBreakerOpen, err = mp.meter.Int64UpDownCounter(
		"deck.circuitbreaker.open",
		metric.WithDescription("Number of open circuit breakers"),
		metric.WithUnit("{circuit}"),
	)
	if err != nil {
		return err
	}

	return nil
}

// Error returns any initialization error.
func (mp *MetricsProvider) Error() error {
	return mp.initErr
}

// RecordAdmission records a rate governor decision.
func (mp *MetricsProvider) RecordAdmission(ctx context.Context, operation string, allowed bool) {
	mp.admissions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.Bool("allowed", allowed),
	))
}

// RecordIngestion records a finished ingestion.
func (mp *MetricsProvider) RecordIngestion(ctx context.Context, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	mp.ingestions.Add(ctx, 1, attrs)
	mp.ingestDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// RecordStoredBytes records canonical bytes of a newly registered version.
func (mp *MetricsProvider) RecordStoredBytes(ctx context.Context, n int64) {
	mp.storedBytes.Add(ctx, n)
}

// RecordFetch records a finished fetch.
func (mp *MetricsProvider) RecordFetch(ctx context.Context, found bool, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.Bool("found", found))
	mp.fetches.Add(ctx, 1, attrs)
	mp.fetchDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// RecordReclaimed records blobs deleted by a sweep. Kind is "unreferenced" or "orphan".
func (mp *MetricsProvider) RecordReclaimed(ctx context.Context, kind string, n int) {
	if n <= 0 {
		return
	}
	mp.reclaimed.Add(ctx, int64(n), metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordTransition records a lifecycle transition.
func (mp *MetricsProvider) RecordTransition(ctx context.Context, from, to string) {
	mp.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("state.from", from),
		attribute.String("state.to", to),
	))
}

// RecordCacheHit records a descriptor cache hit.
func (mp *MetricsProvider) RecordCacheHit(ctx context.Context) {
	mp.cacheHits.Add(ctx, 1)
}

// RecordCacheMiss records a descriptor cache miss.
func (mp *MetricsProvider) RecordCacheMiss(ctx context.Context) {
	mp.cacheMisses.Add(ctx, 1)
}

// RecordError records an error by its stable code.
func (mp *MetricsProvider) RecordError(ctx context.Context, code string) {
	mp.errors.Add(ctx, 1, metric.WithAttributes(attribute.String("error.code", code)))
}

// IncrementActiveIngestions increments the in-flight ingestion gauge.
func (mp *MetricsProvider) IncrementActiveIngestions(ctx context.Context) {
	mp.activeIngestions.Add(ctx, 1)
}

// DecrementActiveIngestions decrements the in-flight ingestion gauge.
func (mp *MetricsProvider) DecrementActiveIngestions(ctx context.Context) {
	mp.activeIngestions.Add(ctx, -1)
}

// RecordCircuitBreakerStateChange records a circuit breaker state change.
func (mp *MetricsProvider) RecordCircuitBreakerStateChange(ctx context.Context, backend string, isOpen bool) {
	attrs := metric.WithAttributes(attribute.String("backend", backend))
	if isOpen {
		mp.circuitBreakerOpen.Add(ctx, 1, attrs)
	} else {
		mp.circuitBreakerOpen.Add(ctx, -1, attrs)
	}
}

// NoopMetrics is a no-op metrics recorder for tests or when metrics are disabled.
type NoopMetrics struct{}

// RecordAdmission is a no-op.
func (NoopMetrics) RecordAdmission(context.Context, string, bool) {}

// RecordIngestion is a no-op.
func (NoopMetrics) RecordIngestion(context.Context, string, time.Duration) {}

// RecordStoredBytes is a no-op.
func (NoopMetrics) RecordStoredBytes(context.Context, int64) {}

// RecordFetch is a no-op.
func (NoopMetrics) RecordFetch(context.Context, bool, time.Duration) {}

// RecordReclaimed is a no-op.
func (NoopMetrics) RecordReclaimed(context.Context, string, int) {}

// RecordTransition is a no-op.
func (NoopMetrics) RecordTransition(context.Context, string, string) {}

// RecordCacheHit is a no-op.
func (NoopMetrics) RecordCacheHit(context.Context) {}

// RecordCacheMiss is a no-op.
func (NoopMetrics) RecordCacheMiss(context.Context) {}

// RecordError is a no-op.
func (NoopMetrics) RecordError(context.Context, string) {}

// IncrementActiveIngestions is a no-op.
func (NoopMetrics) IncrementActiveIngestions(context.Context) {}

// DecrementActiveIngestions is a no-op.
func (NoopMetrics) DecrementActiveIngestions(context.Context) {}

// RecordCircuitBreakerStateChange is a no-op.
func (NoopMetrics) RecordCircuitBreakerStateChange(context.Context, string, bool) {}

// Metrics defines the interface for metrics recording.
type Metrics interface {
	RecordAdmission(ctx context.Context, operation string, allowed bool)
	RecordIngestion(ctx context.Context, outcome string, duration time.Duration)
	RecordStoredBytes(ctx context.Context, n int64)
	RecordFetch(ctx context.Context, found bool, duration time.Duration)
	RecordReclaimed(ctx context.Context, kind string, n int)
	RecordTransition(ctx context.Context, from, to string)
	RecordCacheHit(ctx context.Context)
	RecordCacheMiss(ctx context.Context)
	RecordError(ctx context.Context, code string)
	IncrementActiveIngestions(ctx context.Context)
	DecrementActiveIngestions(ctx context.Context)
	RecordCircuitBreakerStateChange(ctx context.Context, backend string, isOpen bool)
}

// Ensure implementations satisfy the interface.
var (
	_ Metrics = (*MetricsProvider)(nil)
	_ Metrics = NoopMetrics{}
)
