// Package eventstore provides the append-only event log and the exception
// projection that is updated in the same atomic unit as every append.
//
// Two implementations are provided:
//   - MemoryStore: for tests and single-process development
//   - SQLiteStore: durable, pure-Go SQLite
//
// Both also implement the broker-facing log operations (partition reads,
// consumer offsets, processed-event records, partition leases) and the
// dead-letter store, so a stage commit can append its emitted events, mark
// the source processed and advance the offset atomically.
package eventstore

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/randalmurphal/exflow/pkg/exflow/deadletter"
	exerrors "github.com/randalmurphal/exflow/pkg/exflow/errors"
	"github.com/randalmurphal/exflow/pkg/exflow/event"
	"github.com/randalmurphal/exflow/pkg/exflow/exception"
)

// Sentinel errors.
var (
	// ErrNotFound is returned when an exception does not exist for the
	// given tenant.
	ErrNotFound = errors.New("not found")

	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("store closed")
)

// Filter selects events from one exception's log.
type Filter struct {
	// Types restricts to these event types when non-empty.
	Types []event.Type

	// Since and Until bound created_at, inclusive and exclusive.
	Since time.Time
	Until time.Time

	Limit  int
	Offset int
}

// Matches reports whether env passes the type and time filters.
func (f Filter) Matches(env event.Envelope) bool {
	if len(f.Types) > 0 && !slices.Contains(f.Types, env.Type) {
		return false
	}
	if !f.Since.IsZero() && env.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !env.CreatedAt.Before(f.Until) {
		return false
	}
	return true
}

// ListFilter selects exceptions within a tenant.
type ListFilter struct {
	Status event.Status
	Domain string

	// Open restricts to exceptions that are not resolved.
	Open bool

	Limit  int
	Offset int
}

// Matches reports whether exc passes the filter, ignoring pagination.
func (f ListFilter) Matches(exc *exception.Exception) bool {
	if f.Status != "" && exc.Status != f.Status {
		return false
	}
	if f.Domain != "" && exc.Domain != f.Domain {
		return false
	}
	if f.Open && exc.Status.Terminal() {
		return false
	}
	return true
}

// Store is the append-only event log with its exception projection.
type Store interface {
	// AppendIfNew appends env unless an event with the same ID exists.
	// It reports whether the event was newly appended. The projection is
	// updated in the same atomic unit.
	AppendIfNew(ctx context.Context, env event.Envelope) (bool, error)

	// AppendBatch appends envs atomically, deduplicating each by ID.
	// Either every new event is appended or none is.
	AppendBatch(ctx context.Context, envs []event.Envelope) ([]bool, error)

	// GetEvents returns events for key in (created_at, event_id) order.
	GetEvents(ctx context.Context, key event.Key, filter Filter) ([]event.Envelope, error)

	// Exists reports whether an event ID is in the log.
	Exists(ctx context.Context, eventID string) (bool, error)

	// GetException returns the projection for key.
	GetException(ctx context.Context, key event.Key) (*exception.Exception, error)

	// ListExceptions returns projections for a tenant ordered by creation.
	ListExceptions(ctx context.Context, tenantID string, filter ListFilter) ([]*exception.Exception, error)

	// Rebuild re-folds the projection for key from its log and stores it.
	Rebuild(ctx context.Context, key event.Key) (*exception.Exception, error)

	// Close releases resources.
	Close() error
}

// Commit is the atomic unit a consumer group writes after handling one
// event.
type Commit struct {
	// Group is the consumer group name.
	Group string

	// Source is the event that was handled.
	Source event.Envelope

	// Emitted events are appended with per-event deduplication.
	Emitted []event.Envelope

	// MarkProcessed records (Source.EventID, Group) as processed.
	MarkProcessed bool

	// DeadLetter, when set, is stored as a pending entry.
	DeadLetter *deadletter.Entry

	// AdvanceOffset moves the group's offset for Source.Partition to
	// Source.Seq. Offsets never move backwards.
	AdvanceOffset bool
}

// Log is the broker-facing view of the store.
type Log interface {
	// Partitions returns the partition count events are spread over.
	Partitions() int

	// ReadPartition returns up to limit events from partition with seq
	// greater than afterSeq, in seq order.
	ReadPartition(ctx context.Context, partition int, afterSeq int64, limit int) ([]event.Envelope, error)

	// Offset returns the last committed seq for (group, partition).
	Offset(ctx context.Context, group string, partition int) (int64, error)

	// IsProcessed reports whether group already handled eventID.
	IsProcessed(ctx context.Context, group, eventID string) (bool, error)

	// CommitStage applies c atomically and reports which emitted events
	// were newly appended.
	CommitStage(ctx context.Context, c Commit) ([]bool, error)

	// ClaimPartition acquires or renews a lease. It reports false when
	// another live owner holds the partition.
	ClaimPartition(ctx context.Context, group string, partition int, owner string, ttl time.Duration) (bool, error)

	// ReleasePartition drops owner's lease if held.
	ReleasePartition(ctx context.Context, group string, partition int, owner string) error

	// LeaseOwners returns the distinct owners holding an unexpired lease
	// in group, sorted.
	LeaseOwners(ctx context.Context, group string) ([]string, error)

	// AppendIfNew appends control events outside a stage commit.
	AppendIfNew(ctx context.Context, env event.Envelope) (bool, error)

	// GetException returns the projection handlers read state from.
	GetException(ctx context.Context, key event.Key) (*exception.Exception, error)
}

// Full is implemented by both stores.
type Full interface {
	Store
	Log
	deadletter.Store
}

// Notifier is told when new events land in a partition.
type Notifier interface {
	Notify(partition int)
}

// Option configures a store.
type Option func(*options)

type options struct {
	partitions int
	notifier   Notifier
	now        func() time.Time
}

func defaultOptions() options {
	return options{partitions: 16, now: time.Now}
}

// WithPartitions sets the partition count.
func WithPartitions(n int) Option {
	return func(o *options) {
		o.partitions = n
	}
}

// WithNotifier registers a notifier called after each committed append.
func WithNotifier(n Notifier) Option {
	return func(o *options) {
		o.notifier = n
	}
}

// WithClock sets the clock used for bookkeeping timestamps (processed
// records, leases, dead-letter updates). Event timestamps come from the
// envelopes.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// project folds env into the current projection. It returns the new
// projection, or nil if env does not touch one (control events for an
// exception that was never ingested). When env sorts before the last event
// already folded, the projection is rebuilt from history so incremental and
// replayed projections agree.
func project(current *exception.Exception, history func() ([]event.Envelope, error), env event.Envelope) (*exception.Exception, error) {
	if current == nil {
		if env.Type != event.TypeExceptionIngested {
			if env.Type.IsControl() {
				return nil, nil
			}
			return nil, &exerrors.PreconditionError{Reason: "exception " + env.Key().String() + " has not been ingested"}
		}
		next := &exception.Exception{}
		if err := next.Apply(env); err != nil {
			return nil, err
		}
		return next, nil
	}

	last := event.Envelope{EventID: current.LastEventID, CreatedAt: current.UpdatedAt}
	if env.Before(last) {
		events, err := history()
		if err != nil {
			return nil, err
		}
		return exception.Fold(append(events, env))
	}

	next := current.Clone()
	if err := next.Apply(env); err != nil {
		return nil, err
	}
	return next, nil
}

func sortEvents(events []event.Envelope) {
	slices.SortStableFunc(events, func(a, b event.Envelope) int {
		switch {
		case a.Before(b):
			return -1
		case b.Before(a):
			return 1
		}
		return 0
	})
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
