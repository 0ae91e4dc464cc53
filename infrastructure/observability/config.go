// Package observability provides OpenTelemetry tracing for the deck.
package observability

import (
	"io"
	"time"
)

// Config configures the tracing infrastructure.
type Config struct {
	// ServiceName is the name of the service for telemetry.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// Environment is the deployment environment (e.g., "production", "staging").
	Environment string

	// Exporter specifies the trace exporter type.
	Exporter ExporterType

	// Endpoint is the OTLP endpoint (e.g., "localhost:4317").
	Endpoint string

	// Insecure disables TLS for the exporter connection.
	Insecure bool

	// SampleRate is the sampling rate (0.0-1.0, default: 1.0).
	SampleRate float64

	// BatchTimeout is the batch export timeout.
	BatchTimeout time.Duration

	// MaxExportBatchSize is the maximum batch size.
	MaxExportBatchSize int

	// Writer receives stdout exporter output. Defaults to os.Stdout.
	Writer io.Writer

	// Global installs the provider as the otel global tracer provider.
	Global bool
}

// ExporterType specifies the trace exporter.
type ExporterType string

const (
	// ExporterOTLP exports to an OTLP gRPC endpoint (e.g., Jaeger, Tempo).
	ExporterOTLP ExporterType = "otlp"

	// ExporterStdout exports to stdout (useful for development).
	ExporterStdout ExporterType = "stdout"

	// ExporterNoop disables tracing.
	ExporterNoop ExporterType = "none"
)

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		ServiceName:        "cassettedeck",
		ServiceVersion:     "0.1.0",
		Environment:        "development",
		Exporter:           ExporterNoop,
		SampleRate:         1.0,
		BatchTimeout:       5 * time.Second,
		MaxExportBatchSize: 512,
	}
}

// Option configures the tracing infrastructure.
type Option func(*Config)

// WithServiceName sets the service name.
func WithServiceName(name string) Option {
	return func(c *Config) {
		c.ServiceName = name
	}
}

// WithServiceVersion sets the service version.
func WithServiceVersion(version string) Option {
	return func(c *Config) {
		c.ServiceVersion = version
	}
}

// WithEnvironment sets the environment.
func WithEnvironment(env string) Option {
	return func(c *Config) {
		c.Environment = env
	}
}

// WithOTLP exports spans to an OTLP gRPC endpoint.
func WithOTLP(endpoint string, insecure bool) Option {
	return func(c *Config) {
		c.Exporter = ExporterOTLP
		c.Endpoint = endpoint
		c.Insecure = insecure
	}
}

// WithStdout exports spans as JSON to w.
func WithStdout(w io.Writer) Option {
	return func(c *Config) {
		c.Exporter = ExporterStdout
		c.Writer = w
	}
}

// WithSampleRate sets the trace sampling rate.
func WithSampleRate(rate float64) Option {
	return func(c *Config) {
		c.SampleRate = rate
	}
}

// WithBatchTimeout sets the batch export timeout.
func WithBatchTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.BatchTimeout = d
	}
}

// WithGlobal installs the provider as the global tracer provider.
func WithGlobal() Option {
	return func(c *Config) {
		c.Global = true
	}
}
