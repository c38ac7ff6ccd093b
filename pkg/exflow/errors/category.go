// Package errors provides the error taxonomy and retry policy shared by the
// event pipeline and the playbook engine.
//
// Every failure is reduced to a Category so callers can decide deterministically
// whether to retry, dead-letter, or surface the error:
//   - Validation: malformed events or payloads, never retried
//   - Precondition: a command arrived in the wrong state, surfaced to the caller
//   - TransientInfra: store or broker unavailable, retried with backoff
//   - Collaborator: tool or notification failure, retried per policy
//   - Conflict: a lost race already resolved by idempotency, treated as success
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Category represents how an error should be handled.
type Category int

const (
	// CategoryValidation indicates a malformed event or payload.
	// Retrying cannot help.
	CategoryValidation Category = iota

	// CategoryPrecondition indicates the target was not in the state the
	// command requires (wrong step, no playbook assigned).
	CategoryPrecondition

	// CategoryTransientInfra indicates the store or broker was unreachable
	// or timed out.
	CategoryTransientInfra

	// CategoryCollaborator indicates an external collaborator (tool
	// execution, notification) failed.
	CategoryCollaborator

	// CategoryConflict indicates a concurrent writer won the race. The
	// loser treats it as a no-op success.
	CategoryConflict

	// CategoryUnknown is used for errors that carry no classification.
	CategoryUnknown
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryValidation:
		return "validation"
	case CategoryPrecondition:
		return "precondition"
	case CategoryTransientInfra:
		return "transient_infra"
	case CategoryCollaborator:
		return "collaborator"
	case CategoryConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// CategorizedError wraps an error with its category and context.
type CategorizedError struct {
	// Err is the underlying error.
	Err error

	// Category indicates how this error should be handled.
	Category Category

	// Retries is the number of attempts that have been made.
	Retries int

	// Context describes what operation was being attempted.
	Context string
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (category: %s, attempts: %d)",
			e.Context, e.Err, e.Category, e.Retries)
	}
	return fmt.Sprintf("%s (category: %s, attempts: %d)",
		e.Err, e.Category, e.Retries)
}

// Unwrap returns the underlying error.
func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// NewCategorized creates a new categorized error.
func NewCategorized(err error, category Category, context string) *CategorizedError {
	return &CategorizedError{
		Err:      err,
		Category: category,
		Context:  context,
	}
}

// Transient marks err as a transient infrastructure failure.
func Transient(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryTransientInfra, context)
}

// Conflict marks err as a lost concurrency race.
func Conflict(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryConflict, context)
}

// Categorize determines how an error should be handled.
func Categorize(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Category
	}

	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return CategoryValidation
	}

	var preErr *PreconditionError
	if errors.As(err, &preErr) {
		return CategoryPrecondition
	}

	var transErr *TransientError
	if errors.As(err, &transErr) {
		return CategoryTransientInfra
	}

	var collErr *CollaboratorError
	if errors.As(err, &collErr) {
		return CategoryCollaborator
	}

	// An attempt that ran out of time is retried like any other
	// infrastructure hiccup.
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTransientInfra
	}

	return CategoryUnknown
}

// IsRetryable reports whether the error should be retried by the worker.
func IsRetryable(err error) bool {
	var collErr *CollaboratorError
	if errors.As(err, &collErr) && collErr.NonIdempotent {
		return false
	}
	switch Categorize(err) {
	case CategoryTransientInfra, CategoryCollaborator:
		return true
	default:
		return false
	}
}

// IsPermanent reports whether retrying can never succeed.
func IsPermanent(err error) bool {
	switch Categorize(err) {
	case CategoryValidation, CategoryPrecondition:
		return true
	default:
		return false
	}
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	return Categorize(err) == CategoryValidation
}

// IsPrecondition reports whether err is a precondition failure.
func IsPrecondition(err error) bool {
	return Categorize(err) == CategoryPrecondition
}

// IsConflict reports whether err is a resolved concurrency conflict.
func IsConflict(err error) bool {
	return Categorize(err) == CategoryConflict
}
