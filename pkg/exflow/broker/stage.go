package broker

import (
	"errors"
	"time"

	exerrors "github.com/randalmurphal/exflow/pkg/exflow/errors"
	"github.com/randalmurphal/exflow/pkg/exflow/event"
)

// State is a worker's position in the per-event processing sequence.
type State int

// Worker states, in processing order.
const (
	StateConsuming State = iota
	StateValidating
	StateIdempotencyCheck
	StateExecuting
	StateEmitting
	StateCommitting
)

func (s State) String() string {
	switch s {
	case StateConsuming:
		return "consuming"
	case StateValidating:
		return "validating"
	case StateIdempotencyCheck:
		return "idempotency_check"
	case StateExecuting:
		return "executing"
	case StateEmitting:
		return "emitting"
	case StateCommitting:
		return "committing"
	default:
		return "unknown"
	}
}

// Stage is one pipeline step run by a consumer group.
type Stage struct {
	// Name is the consumer group name. Processed records and offsets are
	// kept per name.
	Name string

	// Handler processes events. It is wrapped with RecoveryMiddleware.
	Handler Handler

	// Retry is the per-stage retry policy. Zero value means DefaultRetry.
	Retry exerrors.RetryConfig

	// Timeout bounds each processing attempt. Zero means no bound.
	Timeout time.Duration
}

// ErrInvalidStage is returned for a stage without a name or handler.
var ErrInvalidStage = errors.New("stage needs a name and a handler")

func (s Stage) validate() error {
	if s.Name == "" || s.Handler == nil {
		return ErrInvalidStage
	}
	return nil
}

func (s Stage) retry() exerrors.RetryConfig {
	if s.Retry.MaxAttempts <= 0 {
		return exerrors.DefaultRetry
	}
	return s.Retry
}

// Emitter builds events derived from a source event. The n-th event it
// builds always gets the same ID for the same source and stage.
type Emitter struct {
	source   event.Envelope
	stage    string
	registry *event.Registry
	now      func() time.Time
	next     int
}

// NewEmitter returns an Emitter for events derived from src by stage.
func NewEmitter(src event.Envelope, stage string) *Emitter {
	return &Emitter{source: src, stage: stage, registry: event.DefaultRegistry, now: time.Now}
}

// WithClock sets the clock used for derived timestamps.
func (e *Emitter) WithClock(now func() time.Time) *Emitter {
	e.now = now
	return e
}

// Emit validates and builds the next derived event for the source's
// exception. Derived events never sort before their source.
func (e *Emitter) Emit(t event.Type, actor event.Actor, payload any) (event.Envelope, error) {
	id := event.EmissionID(e.source.EventID, e.stage, e.next)
	e.next++
	ts := e.now().UTC()
	if !ts.After(e.source.CreatedAt) {
		ts = e.source.CreatedAt.Add(time.Microsecond)
	}
	return e.registry.Validate(e.source.Key(), t, actor, payload,
		event.WithEventID(id), event.WithTimestamp(ts))
}
