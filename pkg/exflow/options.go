package exflow

import (
	"log/slog"
	"time"

	"github.com/randalmurphal/exflow/pkg/exflow/broker"
	"github.com/randalmurphal/exflow/pkg/exflow/collaborator"
	exerrors "github.com/randalmurphal/exflow/pkg/exflow/errors"
	"github.com/randalmurphal/exflow/pkg/exflow/observability"
)

type serviceConfig struct {
	logger   *slog.Logger
	metrics  observability.MetricsRecorder
	spans    observability.SpanManager
	tools    collaborator.ToolExecutor
	notifier collaborator.Notifier
	now      func() time.Time

	retry        map[string]exerrors.RetryConfig
	stageTimeout time.Duration
	redrive      broker.RedriverConfig
}

func defaultServiceConfig() serviceConfig {
	return serviceConfig{
		logger:  slog.Default(),
		metrics: observability.NoopMetrics{},
		spans:   observability.NoopSpanManager{},
		now:     time.Now,
		retry:   make(map[string]exerrors.RetryConfig),
		redrive: broker.DefaultRedriverConfig,
	}
}

// Option configures a Service.
type Option func(*serviceConfig)

// WithLogger sets the logger for the service and its engine.
func WithLogger(logger *slog.Logger) Option {
	return func(c *serviceConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder. Default no-op.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(c *serviceConfig) {
		c.metrics = m
	}
}

// WithSpans sets the span manager. Default no-op.
func WithSpans(s observability.SpanManager) Option {
	return func(c *serviceConfig) {
		c.spans = s
	}
}

// WithToolExecutor sets the collaborator for call_tool steps.
func WithToolExecutor(t collaborator.ToolExecutor) Option {
	return func(c *serviceConfig) {
		c.tools = t
	}
}

// WithNotifier sets the collaborator for notify steps.
func WithNotifier(n collaborator.Notifier) Option {
	return func(c *serviceConfig) {
		c.notifier = n
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *serviceConfig) {
		c.now = now
	}
}

// WithStageRetry sets the retry policy of one stage by consumer group name.
func WithStageRetry(group string, cfg exerrors.RetryConfig) Option {
	return func(c *serviceConfig) {
		c.retry[group] = cfg
	}
}

// WithStageTimeout bounds every processing attempt of every stage.
func WithStageTimeout(d time.Duration) Option {
	return func(c *serviceConfig) {
		c.stageTimeout = d
	}
}

// WithRedriverConfig sets the dead-letter redrive settings.
func WithRedriverConfig(cfg broker.RedriverConfig) Option {
	return func(c *serviceConfig) {
		c.redrive = cfg
	}
}
