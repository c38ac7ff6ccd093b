package broker

import (
	"log/slog"
	"time"

	"github.com/randalmurphal/exflow/pkg/exflow/event"
	"github.com/randalmurphal/exflow/pkg/exflow/observability"
)

// Option configures workers, groups and the redriver.
type Option func(*options)

type options struct {
	logger        *slog.Logger
	metrics       observability.MetricsRecorder
	spans         observability.SpanManager
	registry      *event.Registry
	wakeup        *Wakeup
	onTransition  func(State, event.Envelope)
	now           func() time.Time
	batchSize     int
	pollInterval  time.Duration
	leaseTTL      time.Duration
	owner         string
	maxPartitions int
}

func defaultOptions() options {
	return options{
		logger:       slog.Default(),
		metrics:      observability.NoopMetrics{},
		spans:        observability.NoopSpanManager{},
		registry:     event.DefaultRegistry,
		now:          time.Now,
		batchSize:    100,
		pollInterval: time.Second,
		leaseTTL:     30 * time.Second,
		owner:        event.NewID(),
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithSpans sets the span manager used for per-attempt spans.
func WithSpans(s observability.SpanManager) Option {
	return func(o *options) {
		if s != nil {
			o.spans = s
		}
	}
}

// WithRegistry sets the registry events are re-validated against.
func WithRegistry(r *event.Registry) Option {
	return func(o *options) {
		if r != nil {
			o.registry = r
		}
	}
}

// WithWakeup subscribes workers to append notifications.
func WithWakeup(w *Wakeup) Option {
	return func(o *options) {
		o.wakeup = w
	}
}

// OnTransition registers a hook called on every state change.
func OnTransition(fn func(State, event.Envelope)) Option {
	return func(o *options) {
		o.onTransition = fn
	}
}

// WithClock sets the clock for dead-letter and control-event timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithBatchSize sets how many events a worker reads per poll.
func WithBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithPollInterval sets how long an idle worker waits between polls.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithLeaseTTL sets the partition lease duration. Leases are renewed every
// third of the TTL.
func WithLeaseTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.leaseTTL = d
		}
	}
}

// WithOwner sets the lease owner identity. Defaults to a random ID.
func WithOwner(owner string) Option {
	return func(o *options) {
		if owner != "" {
			o.owner = owner
		}
	}
}

// WithMaxPartitions caps how many partitions one group member owns on top
// of its fair share of the live members. Zero means no cap.
func WithMaxPartitions(n int) Option {
	return func(o *options) {
		o.maxPartitions = n
	}
}
