package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Outcome labels for RecordEvent.
const (
	OutcomeHandled      = "handled"
	OutcomeSkipped      = "skipped"
	OutcomeDeadLettered = "dead_lettered"
)

// MetricsRecorder records exflow metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordEvent records one event leaving a stage worker with its outcome
	// and total handling time.
	RecordEvent(ctx context.Context, group, eventType, outcome string, duration time.Duration)

	// RecordRetry records a failed attempt that will be retried.
	RecordRetry(ctx context.Context, group, category string)

	// RecordDeadLetter records an event moved to the dead-letter store.
	RecordDeadLetter(ctx context.Context, group, category string)

	// RecordAppend records events offered to the store and how many were new.
	RecordAppend(ctx context.Context, offered, appended int)

	// RecordStepCompleted records a completed playbook step.
	RecordStepCompleted(ctx context.Context, actionType string)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	events         metric.Int64Counter
	latency        metric.Float64Histogram
	retries        metric.Int64Counter
	deadLetters    metric.Int64Counter
	appends        metric.Int64Counter
	duplicates     metric.Int64Counter
	stepsCompleted metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics lazily initializes the default OTel metrics instance.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("exflow")

	events, err := meter.Int64Counter("exflow.worker.events",
		metric.WithDescription("Number of events processed by stage workers"),
	)
	if err != nil {
		return nil, err
	}

	latency, err := meter.Float64Histogram("exflow.worker.latency_ms",
		metric.WithDescription("Event handling latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	retries, err := meter.Int64Counter("exflow.worker.retries",
		metric.WithDescription("Number of scheduled retries"),
	)
	if err != nil {
		return nil, err
	}

	deadLetters, err := meter.Int64Counter("exflow.worker.dead_letters",
		metric.WithDescription("Number of dead-lettered events"),
	)
	if err != nil {
		return nil, err
	}

	appends, err := meter.Int64Counter("exflow.store.appends",
		metric.WithDescription("Number of events newly appended to the log"),
	)
	if err != nil {
		return nil, err
	}

	duplicates, err := meter.Int64Counter("exflow.store.duplicates",
		metric.WithDescription("Number of appends ignored because the event already existed"),
	)
	if err != nil {
		return nil, err
	}

	steps, err := meter.Int64Counter("exflow.playbook.steps_completed",
		metric.WithDescription("Number of completed playbook steps"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		events:         events,
		latency:        latency,
		retries:        retries,
		deadLetters:    deadLetters,
		appends:        appends,
		duplicates:     duplicates,
		stepsCompleted: steps,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordEvent records one processed event.
func (m *otelMetrics) RecordEvent(ctx context.Context, group, eventType, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("consumer_group", group),
		attribute.String("event_type", eventType),
		attribute.String("outcome", outcome),
	)
	m.events.Add(ctx, 1, attrs)
	m.latency.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// RecordRetry records a scheduled retry.
func (m *otelMetrics) RecordRetry(ctx context.Context, group, category string) {
	m.retries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("consumer_group", group),
		attribute.String("category", category),
	))
}

// RecordDeadLetter records a dead-lettered event.
func (m *otelMetrics) RecordDeadLetter(ctx context.Context, group, category string) {
	m.deadLetters.Add(ctx, 1, metric.WithAttributes(
		attribute.String("consumer_group", group),
		attribute.String("category", category),
	))
}

// RecordAppend records an append call.
func (m *otelMetrics) RecordAppend(ctx context.Context, offered, appended int) {
	if appended > 0 {
		m.appends.Add(ctx, int64(appended))
	}
	if dup := offered - appended; dup > 0 {
		m.duplicates.Add(ctx, int64(dup))
	}
}

// RecordStepCompleted records a completed step.
func (m *otelMetrics) RecordStepCompleted(ctx context.Context, actionType string) {
	m.stepsCompleted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action_type", actionType),
	))
}
