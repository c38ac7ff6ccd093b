package broker

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/randalmurphal/exflow/pkg/exflow/event"
)

// Handler processes one event and returns the events it derives.
type Handler interface {
	// Handle processes env. Returned events are appended atomically with
	// the processed record.
	Handle(ctx context.Context, env event.Envelope) ([]event.Envelope, error)

	// Handles lists the event types this handler accepts. Empty means all.
	Handles() []event.Type
}

// HandlerFunc adapts a function to the Handler interface. It accepts all
// event types.
type HandlerFunc func(ctx context.Context, env event.Envelope) ([]event.Envelope, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, env event.Envelope) ([]event.Envelope, error) {
	return f(ctx, env)
}

// Handles implements Handler.
func (f HandlerFunc) Handles() []event.Type {
	return nil
}

type typedHandler struct {
	fn    HandlerFunc
	types []event.Type
}

// NewHandler returns a Handler that runs fn for the given event types.
func NewHandler(fn HandlerFunc, types ...event.Type) Handler {
	return &typedHandler{fn: fn, types: types}
}

func (h *typedHandler) Handle(ctx context.Context, env event.Envelope) ([]event.Envelope, error) {
	return h.fn(ctx, env)
}

func (h *typedHandler) Handles() []event.Type {
	return h.types
}

// Accepts reports whether h handles events of type t.
func Accepts(h Handler, t event.Type) bool {
	types := h.Handles()
	return len(types) == 0 || slices.Contains(types, t)
}

// MiddlewareFunc wraps a handler.
type MiddlewareFunc func(Handler) Handler

// Chain applies middleware to h. The first middleware is outermost. The
// chained handler keeps h's accepted types.
func Chain(h Handler, mw ...MiddlewareFunc) Handler {
	types := h.Handles()
	wrapped := h
	for i := len(mw) - 1; i >= 0; i-- {
		wrapped = mw[i](wrapped)
	}
	return &typedHandler{fn: wrapped.Handle, types: types}
}

// PanicError is returned by RecoveryMiddleware when a handler panics.
type PanicError struct {
	EventID string
	Value   any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic on event %s: %v", e.EventID, e.Value)
}

// RecoveryMiddleware turns handler panics into errors. Panics are not
// retried.
func RecoveryMiddleware() MiddlewareFunc {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, env event.Envelope) (out []event.Envelope, err error) {
			defer func() {
				if r := recover(); r != nil {
					out = nil
					err = &PanicError{EventID: env.EventID, Value: r}
				}
			}()
			return next.Handle(ctx, env)
		})
	}
}

// LoggingMiddleware reports every handler invocation to logFn.
func LoggingMiddleware(logFn func(env event.Envelope, emitted int, duration time.Duration, err error)) MiddlewareFunc {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, env event.Envelope) ([]event.Envelope, error) {
			start := time.Now()
			out, err := next.Handle(ctx, env)
			logFn(env, len(out), time.Since(start), err)
			return out, err
		})
	}
}

// TimeoutMiddleware bounds each invocation by d.
func TimeoutMiddleware(d time.Duration) MiddlewareFunc {
	return func(next Handler) Handler {
		if d <= 0 {
			return next
		}
		return HandlerFunc(func(ctx context.Context, env event.Envelope) ([]event.Envelope, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next.Handle(ctx, env)
		})
	}
}
