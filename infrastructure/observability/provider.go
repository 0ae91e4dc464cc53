package observability

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ErrUnknownExporter indicates an unsupported exporter type.
var ErrUnknownExporter = errors.New("unknown trace exporter type")

// TracerName is the instrumentation scope of deck spans.
const TracerName = "github.com/enginehub/cassettedeck"

// Provider manages the tracing infrastructure.
type Provider struct {
	config        Config
	provider      trace.TracerProvider
	shutdownFuncs []func(context.Context) error
}

// New creates a new tracing provider.
func New(opts ...Option) (*Provider, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	p := &Provider{config: cfg}
	if cfg.Exporter == ExporterNoop || cfg.Exporter == "" {
		p.provider = noop.NewTracerProvider()
		return p, nil
	}

	exporter, err := newExporter(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	p.install(exporter)
	return p, nil
}

// NewWithExporter creates a provider that sends spans synchronously to
// exporter. Tests use it with an in-memory exporter.
func NewWithExporter(exporter sdktrace.SpanExporter, opts ...Option) *Provider {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	p := &Provider{config: cfg}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithResource(p.resource()),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
	)
	p.provider = tp
	p.shutdownFuncs = append(p.shutdownFuncs, tp.Shutdown)
	return p
}

// NewNoopProvider creates a provider whose spans are discarded.
func NewNoopProvider() *Provider {
	return &Provider{config: DefaultConfig(), provider: noop.NewTracerProvider()}
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case ExporterOTLP:
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}
		return exp, nil

	case ExporterStdout:
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		return exp, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.Exporter)
	}
}

func (p *Provider) resource() *resource.Resource {
	// Not merged with resource.Default() to avoid schema URL conflicts.
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(p.config.ServiceName),
		semconv.ServiceVersion(p.config.ServiceVersion),
		semconv.DeploymentEnvironment(p.config.Environment),
	)
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.AlwaysSample()
	case rate <= 0.0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

func (p *Provider) install(exporter sdktrace.SpanExporter) {
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout),
			sdktrace.WithMaxExportBatchSize(p.config.MaxExportBatchSize),
		),
		sdktrace.WithResource(p.resource()),
		sdktrace.WithSampler(sampler(p.config.SampleRate)),
	)

	if p.config.Global {
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
	}

	p.provider = tp
	p.shutdownFuncs = append(p.shutdownFuncs, tp.Shutdown)
}

// Tracer returns the deck tracer.
func (p *Provider) Tracer() trace.Tracer {
	return p.provider.Tracer(TracerName, trace.WithInstrumentationVersion(p.config.ServiceVersion))
}

// Shutdown flushes pending spans and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdownFuncs {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	p.shutdownFuncs = nil
	return errors.Join(errs...)
}
