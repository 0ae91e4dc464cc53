package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/enginehub/cassettedeck/domain/artifact"
)

// Attribute keys of deck spans.
const (
	KeyPrincipal   = attribute.Key("deck.principal")
	KeyIngestionID = attribute.Key("deck.ingestion.id")
	KeyName        = attribute.Key("deck.artifact.name")
	KeyVersion     = attribute.Key("deck.artifact.version")
	KeyDigest      = attribute.Key("deck.artifact.digest")
	KeyState       = attribute.Key("deck.lifecycle.state")
	KeyCode        = attribute.Key("deck.error.code")
	KeySize        = attribute.Key("deck.size")
)

// StartSpan starts an internal span on tracer.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

// EndSpan records the outcome of err on span and ends it. Errors carry
// their stable deck code.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(KeyCode.String(artifact.Code(err)))
		span.SetStatus(codes.Error, artifact.Code(err))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// RecordAttributes returns the span attributes of a record.
func RecordAttributes(rec artifact.Record) []attribute.KeyValue {
	return []attribute.KeyValue{
		KeyName.String(rec.Name),
		KeyVersion.String(rec.Version),
		KeyDigest.String(rec.Digest.String()),
	}
}

// ResultAttributes returns the span attributes of an ingestion result.
func ResultAttributes(result artifact.IngestionResult) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		KeyIngestionID.String(result.ID),
		KeyState.String(result.State.String()),
	}
	if result.Descriptor.Name != "" {
		attrs = append(attrs,
			KeyName.String(result.Descriptor.Name),
			KeyVersion.String(result.Descriptor.Version),
		)
	}
	if result.Digest != "" {
		attrs = append(attrs, KeyDigest.String(result.Digest.String()))
	}
	return attrs
}
