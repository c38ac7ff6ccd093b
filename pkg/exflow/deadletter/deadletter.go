// Package deadletter defines dead-letter entries: events a consumer group
// gave up on, held for manual or policy-driven resolution.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/randalmurphal/exflow/pkg/exflow/event"
)

// Sentinel errors.
var (
	ErrNotFound          = errors.New("dead-letter entry not found")
	ErrInvalidTransition = errors.New("invalid dead-letter status transition")
)

// Status of a dead-letter entry.
type Status string

// Entry statuses.
const (
	StatusPending   Status = "pending"
	StatusRetrying  Status = "retrying"
	StatusSucceeded Status = "succeeded"
	StatusDiscarded Status = "discarded"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRetrying, StatusSucceeded, StatusDiscarded:
		return true
	}
	return false
}

// Terminal reports whether the entry is resolved.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusDiscarded
}

// CanTransition reports whether an entry may move from s to next.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRetrying || next == StatusDiscarded
	case StatusRetrying:
		return next == StatusSucceeded || next == StatusPending || next == StatusDiscarded
	}
	return false
}

// Entry is one dead-lettered event for one consumer group.
type Entry struct {
	EventID       string         `json:"event_id"`
	ConsumerGroup string         `json:"consumer_group"`
	TenantID      string         `json:"tenant_id"`
	ExceptionID   string         `json:"exception_id"`
	EventType     event.Type     `json:"event_type"`
	Envelope      event.Envelope `json:"envelope"`
	Error         string         `json:"error"`
	Category      string         `json:"category"`
	RetryCount    int            `json:"retry_count"`
	Status        Status         `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// NewEntry builds a pending entry for env.
func NewEntry(env event.Envelope, group string, cause error, category string, retryCount int, now time.Time) Entry {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return Entry{
		EventID:       env.EventID,
		ConsumerGroup: group,
		TenantID:      env.TenantID,
		ExceptionID:   env.ExceptionID,
		EventType:     env.Type,
		Envelope:      env,
		Error:         msg,
		Category:      category,
		RetryCount:    retryCount,
		Status:        StatusPending,
		CreatedAt:     now.UTC(),
		UpdatedAt:     now.UTC(),
	}
}

// Key returns the partition key of the dead-lettered event.
func (e Entry) Key() event.Key {
	return event.Key{TenantID: e.TenantID, ExceptionID: e.ExceptionID}
}

// Update describes a status change.
type Update struct {
	Status Status

	// Error replaces the recorded error when non-empty.
	Error string

	// IncrementRetry adds one to RetryCount.
	IncrementRetry bool
}

// Apply validates and applies u to e.
func (e *Entry) Apply(u Update, now time.Time) error {
	if !e.Status.CanTransition(u.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, u.Status)
	}
	e.Status = u.Status
	if u.Error != "" {
		e.Error = u.Error
	}
	if u.IncrementRetry {
		e.RetryCount++
	}
	e.UpdatedAt = now.UTC()
	return nil
}

// ListFilter filters dead-letter listings.
type ListFilter struct {
	ConsumerGroup string
	TenantID      string
	Status        Status
	Limit         int
	Offset        int
}

// Matches reports whether e passes the filter, ignoring pagination.
func (f ListFilter) Matches(e *Entry) bool {
	if f.ConsumerGroup != "" && e.ConsumerGroup != f.ConsumerGroup {
		return false
	}
	if f.TenantID != "" && e.TenantID != f.TenantID {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	return true
}

// Store is the dead-letter inspection surface.
type Store interface {
	// GetDeadLetter returns the entry for (group, eventID).
	GetDeadLetter(ctx context.Context, group, eventID string) (*Entry, error)

	// ListDeadLetters returns entries oldest first.
	ListDeadLetters(ctx context.Context, filter ListFilter) ([]*Entry, error)

	// UpdateDeadLetter applies a status change.
	UpdateDeadLetter(ctx context.Context, group, eventID string, u Update) (*Entry, error)

	// CountDeadLetters counts entries by status.
	CountDeadLetters(ctx context.Context, group string) (map[Status]int, error)
}
