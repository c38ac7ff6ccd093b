package playbook

import (
	"log/slog"
	"time"

	"github.com/randalmurphal/exflow/pkg/exflow/collaborator"
	"github.com/randalmurphal/exflow/pkg/exflow/observability"
	"github.com/randalmurphal/exflow/pkg/exflow/template"
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Default slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMetrics sets the metrics recorder. Default no-op.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithSpans sets the span manager. Default no-op.
func WithSpans(s observability.SpanManager) Option {
	return func(e *Engine) {
		e.spans = s
	}
}

// WithToolExecutor sets the collaborator for call_tool steps. Default
// collaborator.NoopToolExecutor.
func WithToolExecutor(t collaborator.ToolExecutor) Option {
	return func(e *Engine) {
		e.tools = t
	}
}

// WithNotifier sets the collaborator for notify steps. Default
// collaborator.LogNotifier.
func WithNotifier(n collaborator.Notifier) Option {
	return func(e *Engine) {
		e.notifier = n
	}
}

// WithToolTimeout bounds each call_tool invocation. Default 30s.
func WithToolTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.toolTimeout = d
	}
}

// WithNotifyTimeout bounds each notify invocation. Default 10s.
func WithNotifyTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.notifyTimeout = d
	}
}

// WithResolver sets the placeholder resolver.
func WithResolver(r *template.Resolver) Option {
	return func(e *Engine) {
		e.resolver = r
	}
}

// WithClock sets the clock used for event timestamps and SLA evaluation.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}
