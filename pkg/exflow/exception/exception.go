// Package exception holds the queryable projection of an exception, derived
// by folding its event log.
package exception

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/randalmurphal/exflow/pkg/exflow/event"
)

// StepCompleted is the current_step value once the assigned playbook has
// completed. It is larger than any real step order, so "order < current
// step" holds for every step.
const StepCompleted = math.MaxInt32

// ErrNotIngested is returned when an event is folded into an exception that
// has no ingestion event yet.
var ErrNotIngested = errors.New("exception not ingested")

// Exception is the mutable projection of one exception's event log.
type Exception struct {
	TenantID          string         `json:"tenant_id"`
	ExceptionID       string         `json:"exception_id"`
	SourceSystem      string         `json:"source_system"`
	Domain            string         `json:"domain"`
	Type              string         `json:"type"`
	Severity          event.Severity `json:"severity"`
	Status            event.Status   `json:"status"`
	CurrentPlaybookID *int64         `json:"current_playbook_id"`
	PlaybookVersion   int            `json:"playbook_version,omitempty"`
	CurrentStep       *int           `json:"current_step"`
	SLADeadline       *time.Time     `json:"sla_deadline"`
	Owner             *string        `json:"owner"`
	OwnerType         string         `json:"owner_type,omitempty"`
	PolicyTags        []string       `json:"policy_tags,omitempty"`
	PolicyDecision    string         `json:"policy_decision,omitempty"`
	Context           map[string]any `json:"context,omitempty"`
	CommentCount      int            `json:"comment_count"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	LastEventID       string         `json:"last_event_id"`
	Version           int64          `json:"version"`
}

// Key returns the exception's partition key.
func (e *Exception) Key() event.Key {
	return event.Key{TenantID: e.TenantID, ExceptionID: e.ExceptionID}
}

// Ingested reports whether the projection has seen its ingestion event.
func (e *Exception) Ingested() bool {
	return e != nil && !e.CreatedAt.IsZero()
}

// PlaybookCompleted reports whether the assigned playbook ran to completion.
func (e *Exception) PlaybookCompleted() bool {
	return e.CurrentStep != nil && *e.CurrentStep == StepCompleted
}

// AssignedTo reports whether playbookID is the current assignment.
func (e *Exception) AssignedTo(playbookID int64) bool {
	return e.CurrentPlaybookID != nil && *e.CurrentPlaybookID == playbookID
}

// MinutesRemaining returns the minutes until the SLA deadline, negative once
// breached. ok is false when no deadline is set.
func (e *Exception) MinutesRemaining(now time.Time) (minutes float64, ok bool) {
	if e.SLADeadline == nil {
		return 0, false
	}
	return e.SLADeadline.Sub(now).Minutes(), true
}

// Apply folds one event into the projection. Apply is deterministic: it
// reads only the envelope, never the clock.
func (e *Exception) Apply(env event.Envelope) error {
	if env.Type == event.TypeExceptionIngested {
		if e.Ingested() {
			// A repeated ingestion for the same key keeps the first.
			e.touch(env)
			return nil
		}
		p, err := event.Decode[event.ExceptionIngested](env)
		if err != nil {
			return err
		}
		e.TenantID = env.TenantID
		e.ExceptionID = env.ExceptionID
		e.SourceSystem = p.SourceSystem
		e.Domain = p.Domain
		e.Type = p.ExceptionType
		e.Severity = p.Severity
		e.Status = event.StatusOpen
		e.SLADeadline = cloneTime(p.SLADeadline)
		e.PolicyTags = mergeTags(nil, p.PolicyTags)
		e.Context = cloneMap(p.NormalizedContext)
		e.CreatedAt = env.CreatedAt
		e.touch(env)
		return nil
	}

	if !e.Ingested() {
		return fmt.Errorf("%w: %s", ErrNotIngested, env.Key())
	}
	if env.TenantID != e.TenantID || env.ExceptionID != e.ExceptionID {
		return fmt.Errorf("event %s belongs to %s, not %s", env.EventID, env.Key(), e.Key())
	}

	switch env.Type {
	case event.TypeTriageCompleted:
		p, err := event.Decode[event.TriageCompleted](env)
		if err != nil {
			return err
		}
		e.Type = p.ExceptionType
		e.Severity = p.Severity
		if e.Status == event.StatusOpen {
			e.Status = event.StatusAnalyzing
		}

	case event.TypePolicyEvaluated:
		p, err := event.Decode[event.PolicyEvaluated](env)
		if err != nil {
			return err
		}
		e.PolicyDecision = p.Decision
		e.PolicyTags = mergeTags(e.PolicyTags, p.PolicyTags)
		if p.SLADeadline != nil {
			e.SLADeadline = cloneTime(p.SLADeadline)
		}
		if p.Decision == event.DecisionEscalate && e.Status != event.StatusResolved {
			e.Status = event.StatusEscalated
		}

	case event.TypePlaybookMatched:
		p, err := event.Decode[event.PlaybookMatched](env)
		if err != nil {
			return err
		}
		e.assign(p.PlaybookID, p.PlaybookVersion)

	case event.TypePlaybookRecalculated:
		p, err := event.Decode[event.PlaybookRecalculated](env)
		if err != nil {
			return err
		}
		e.assign(p.PlaybookID, p.PlaybookVersion)

	case event.TypePlaybookStepCompleted:
		p, err := event.Decode[event.PlaybookStepCompleted](env)
		if err != nil {
			return err
		}
		// Advance exactly one step, and only for the step that was due.
		if e.AssignedTo(p.PlaybookID) && e.CurrentStep != nil && *e.CurrentStep == p.StepOrder {
			next := p.StepOrder + 1
			e.CurrentStep = &next
		}

	case event.TypePlaybookCompleted:
		p, err := event.Decode[event.PlaybookCompleted](env)
		if err != nil {
			return err
		}
		if e.AssignedTo(p.PlaybookID) {
			done := StepCompleted
			e.CurrentStep = &done
		}

	case event.TypeStatusChanged:
		p, err := event.Decode[event.StatusChanged](env)
		if err != nil {
			return err
		}
		e.Status = p.To

	case event.TypeOwnerAssigned:
		p, err := event.Decode[event.OwnerAssigned](env)
		if err != nil {
			return err
		}
		owner := p.Owner
		e.Owner = &owner
		e.OwnerType = p.OwnerType

	case event.TypeCommentAdded:
		e.CommentCount++
	}

	e.touch(env)
	return nil
}

func (e *Exception) assign(playbookID *int64, version int) {
	if playbookID == nil {
		e.CurrentPlaybookID = nil
		e.CurrentStep = nil
		e.PlaybookVersion = 0
		return
	}
	id := *playbookID
	step := 1
	e.CurrentPlaybookID = &id
	e.CurrentStep = &step
	e.PlaybookVersion = version
}

func (e *Exception) touch(env event.Envelope) {
	e.UpdatedAt = env.CreatedAt
	e.LastEventID = env.EventID
	e.Version++
}

// Fold builds a projection from events. Events are sorted into log order
// first; events preceding the ingestion event are skipped. It returns
// ErrNotIngested if no ingestion event is present.
func Fold(events []event.Envelope) (*Exception, error) {
	sorted := slices.Clone(events)
	slices.SortStableFunc(sorted, func(a, b event.Envelope) int {
		switch {
		case a.Before(b):
			return -1
		case b.Before(a):
			return 1
		}
		return 0
	})

	exc := &Exception{}
	for _, env := range sorted {
		if !exc.Ingested() && env.Type != event.TypeExceptionIngested {
			continue
		}
		if err := exc.Apply(env); err != nil {
			return nil, err
		}
	}
	if !exc.Ingested() {
		return nil, ErrNotIngested
	}
	return exc, nil
}

// Clone returns a deep copy.
func (e *Exception) Clone() *Exception {
	if e == nil {
		return nil
	}
	c := *e
	if e.CurrentPlaybookID != nil {
		v := *e.CurrentPlaybookID
		c.CurrentPlaybookID = &v
	}
	if e.CurrentStep != nil {
		v := *e.CurrentStep
		c.CurrentStep = &v
	}
	if e.Owner != nil {
		v := *e.Owner
		c.Owner = &v
	}
	c.SLADeadline = cloneTime(e.SLADeadline)
	c.PolicyTags = slices.Clone(e.PolicyTags)
	c.Context = cloneMap(e.Context)
	return &c
}

// Fields returns the projection as a generic map, the form placeholder
// resolution walks. Context is exposed under "context".
func (e *Exception) Fields() map[string]any {
	data, err := json.Marshal(e)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{}
	}
	m["id"] = e.ExceptionID
	return m
}

func mergeTags(existing, add []string) []string {
	out := slices.Clone(existing)
	for _, t := range add {
		if !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
