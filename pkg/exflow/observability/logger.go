// Package observability provides structured logging helpers, metrics and
// tracing for exflow stage workers and commands.
//
// Features:
//   - Structured logging via slog
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds worker context to a logger.
// Returns a new logger with consumer_group, partition and event_id fields.
//
// Example:
//
//	enriched := EnrichLogger(logger, "playbook", 3, env.EventID)
//	enriched.Info("handling") // includes consumer_group, partition, event_id
func EnrichLogger(logger *slog.Logger, group string, partition int, eventID string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("consumer_group", group),
		slog.Int("partition", partition),
		slog.String("event_id", eventID),
	)
}

// LogEventConsumed logs that a worker picked up an event.
func LogEventConsumed(logger *slog.Logger, eventType string, seq int64) {
	if logger == nil {
		return
	}
	logger.Debug("event consumed",
		slog.String("event_type", eventType),
		slog.Int64("seq", seq),
	)
}

// LogEventHandled logs successful handling and commit of an event.
func LogEventHandled(logger *slog.Logger, eventType string, emitted int, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("event handled",
		slog.String("event_type", eventType),
		slog.Int("emitted", emitted),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogEventSkipped logs an event acknowledged without execution.
func LogEventSkipped(logger *slog.Logger, eventType, reason string) {
	if logger == nil {
		return
	}
	logger.Debug("event skipped",
		slog.String("event_type", eventType),
		slog.String("reason", reason),
	)
}

// LogRetryScheduled logs a failed attempt that will be retried.
func LogRetryScheduled(logger *slog.Logger, attempt int, delay time.Duration, err error) {
	if logger == nil {
		return
	}
	logger.Warn("attempt failed, retry scheduled",
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
		slog.String("error", err.Error()),
	)
}

// LogEventDeadLettered logs an event moved to the dead-letter store.
func LogEventDeadLettered(logger *slog.Logger, eventType string, retryCount int, category string, err error) {
	if logger == nil {
		return
	}
	logger.Error("event dead-lettered",
		slog.String("event_type", eventType),
		slog.Int("retry_count", retryCount),
		slog.String("category", category),
		slog.String("error", err.Error()),
	)
}

// LogStepCompleted logs a completed playbook step.
func LogStepCompleted(logger *slog.Logger, exceptionKey string, playbookID int64, stepOrder int, action string) {
	if logger == nil {
		return
	}
	logger.Info("playbook step completed",
		slog.String("exception", exceptionKey),
		slog.Int64("playbook_id", playbookID),
		slog.Int("step_order", stepOrder),
		slog.String("action_type", action),
	)
}

// LogStoreError logs a store failure (the caller decides whether it is fatal).
func LogStoreError(logger *slog.Logger, op string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("store operation failed",
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	durationMs := done()
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Milliseconds())
	}
}
