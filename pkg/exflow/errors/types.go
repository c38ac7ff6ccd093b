package errors

import (
	"fmt"
	"strings"
)

// ValidationError indicates an event or command payload failed schema checks.
type ValidationError struct {
	EventType string
	Field     string
	Message   string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("validation error")
	if e.EventType != "" {
		fmt.Fprintf(&b, " [%s]", e.EventType)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " on %s", e.Field)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	return b.String()
}

// Invalid builds a ValidationError for a single field.
func Invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// PreconditionError indicates a command was rejected because the target was
// not in the required state. Reason is stable and safe to show callers.
type PreconditionError struct {
	Reason   string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *PreconditionError) Error() string {
	if e.Expected != "" || e.Actual != "" {
		return fmt.Sprintf("precondition failed: %s (expected %s, got %s)", e.Reason, e.Expected, e.Actual)
	}
	return "precondition failed: " + e.Reason
}

// TransientError wraps a store or broker failure that may succeed on retry.
type TransientError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure during %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransientError) Unwrap() error {
	return e.Err
}

// Infra wraps err as a TransientError, passing nil through.
func Infra(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// CollaboratorError indicates an external collaborator call failed.
type CollaboratorError struct {
	Collaborator string
	Operation    string
	StatusCode   int
	Err          error

	// NonIdempotent routes the failure straight to manual review instead
	// of automatic retry.
	NonIdempotent bool
}

// Error implements the error interface.
func (e *CollaboratorError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s failed with HTTP %d: %v", e.Collaborator, e.Operation, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Collaborator, e.Operation, e.Err)
}

// Unwrap returns the underlying error.
func (e *CollaboratorError) Unwrap() error {
	return e.Err
}
