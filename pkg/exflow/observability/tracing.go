package observability

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("exflow")

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartAttemptSpan starts a span for one processing attempt of an event
	// by a consumer group.
	StartAttemptSpan(ctx context.Context, group, eventID, eventType string, attempt int) (context.Context, trace.Span)

	// StartCommandSpan starts a span for a synchronous command such as a
	// step completion.
	StartCommandSpan(ctx context.Context, command, tenantID, exceptionID string) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

type otelSpanManager struct{}

// NewSpanManager returns a SpanManager that uses the global OTel tracer
// provider.
func NewSpanManager() SpanManager {
	return &otelSpanManager{}
}

func (m *otelSpanManager) StartAttemptSpan(ctx context.Context, group, eventID, eventType string, attempt int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "exflow.stage."+group,
		trace.WithAttributes(
			attribute.String("consumer_group", group),
			attribute.String("event.id", eventID),
			attribute.String("event.type", eventType),
			attribute.Int("attempt", attempt),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
}

func (m *otelSpanManager) StartCommandSpan(ctx context.Context, command, tenantID, exceptionID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "exflow.command."+command,
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.String("exception.id", exceptionID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	EndSpanWithError(span, err)
}

func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	AddSpanEvent(ctx, name, attrs...)
}

// EndSpanWithError completes a span, optionally recording an error.
func EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddSpanEvent adds an event to the current span in context.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// PartitionAttr is the span attribute for a partition number.
func PartitionAttr(partition int) attribute.KeyValue {
	return attribute.String("partition", strconv.Itoa(partition))
}
