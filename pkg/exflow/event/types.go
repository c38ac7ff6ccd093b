package event

import (
	"strings"

	exerrors "github.com/randalmurphal/exflow/pkg/exflow/errors"
)

// Type is a member of the closed event catalog.
type Type string

// Ingestion.
const (
	TypeExceptionIngested Type = "exception.ingested"
)

// Stage completion.
const (
	TypeTriageCompleted Type = "triage.completed"
	TypePolicyEvaluated Type = "policy.evaluated"
)

// Playbook lifecycle.
const (
	TypePlaybookMatched                Type = "playbook.matched"
	TypePlaybookRecalculationRequested Type = "playbook.recalculation_requested"
	TypePlaybookRecalculated           Type = "playbook.recalculated"
	TypePlaybookStepCompleted          Type = "playbook.step_completed"
	TypePlaybookCompleted              Type = "playbook.completed"
)

// Action effects.
const (
	TypeStatusChanged      Type = "exception.status_changed"
	TypeOwnerAssigned      Type = "exception.owner_assigned"
	TypeCommentAdded       Type = "exception.comment_added"
	TypeNotificationQueued Type = "notification.queued"
	TypeToolExecuted       Type = "tool.executed"
)

// Control.
const (
	TypeRetryScheduled   Type = "control.retry_scheduled"
	TypeDeadLettered     Type = "control.dead_lettered"
	TypeSLAImminent      Type = "control.sla_imminent"
	TypeValidationFailed Type = "control.validation_failed"
)

// IsControl reports whether t is a pipeline control event.
func (t Type) IsControl() bool {
	return strings.HasPrefix(string(t), "control.")
}

// Severity of an exception.
type Severity string

// Severities, lowest first.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity parses a severity case-insensitively.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if !sev.Valid() {
		return "", exerrors.Invalid("severity", "unknown severity %q", s)
	}
	return sev, nil
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// Rank orders severities from 1 (low) to 4 (critical); unknown is 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// Status of an exception.
type Status string

// Exception statuses.
const (
	StatusOpen      Status = "open"
	StatusAnalyzing Status = "analyzing"
	StatusResolved  Status = "resolved"
	StatusEscalated Status = "escalated"
)

// ParseStatus parses a status case-insensitively.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", exerrors.Invalid("status", "unknown status %q", s)
	}
	return st, nil
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusAnalyzing, StatusResolved, StatusEscalated:
		return true
	}
	return false
}

// Terminal reports whether no further automated work applies.
func (s Status) Terminal() bool {
	return s == StatusResolved
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return exerrors.Invalid(field, "is required")
	}
	return nil
}

func unitInterval(field string, v float64) error {
	if v < 0 || v > 1 {
		return exerrors.Invalid(field, "must be within [0,1], got %v", v)
	}
	return nil
}

func nonNegative(field string, v int64) error {
	if v < 0 {
		return exerrors.Invalid(field, "must be >= 0, got %d", v)
	}
	return nil
}

func positive(field string, v int64) error {
	if v < 1 {
		return exerrors.Invalid(field, "must be >= 1, got %d", v)
	}
	return nil
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return exerrors.Invalid(field, "must be one of %s, got %q", strings.Join(allowed, "|"), value)
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func severityField(field string, s Severity) error {
	if !s.Valid() {
		return exerrors.Invalid(field, "unknown severity %q", string(s))
	}
	return nil
}

func statusField(field string, s Status) error {
	if !s.Valid() {
		return exerrors.Invalid(field, "unknown status %q", string(s))
	}
	return nil
}

func typeField(field string, t Type) error {
	if t == "" {
		return exerrors.Invalid(field, "is required")
	}
	return nil
}
