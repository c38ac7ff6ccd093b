package event

import (
	"encoding/json"
	"time"

	exerrors "github.com/randalmurphal/exflow/pkg/exflow/errors"
)

// Payload is implemented by every catalog payload struct.
type Payload interface {
	Validate() error
}

// ExceptionIngested records a newly reported exception.
type ExceptionIngested struct {
	SourceSystem      string          `json:"source_system"`
	Domain            string          `json:"domain"`
	ExceptionType     string          `json:"exception_type"`
	Severity          Severity        `json:"severity"`
	RawPayload        json.RawMessage `json:"raw_payload,omitempty"`
	NormalizedContext map[string]any  `json:"normalized_context,omitempty"`
	PolicyTags        []string        `json:"policy_tags,omitempty"`
	SLADeadline       *time.Time      `json:"sla_deadline,omitempty"`
}

// Validate implements Payload.
func (p ExceptionIngested) Validate() error {
	return firstErr(
		required("source_system", p.SourceSystem),
		required("domain", p.Domain),
		required("exception_type", p.ExceptionType),
		severityField("severity", p.Severity),
	)
}

// TriageCompleted records the triage stage's classification.
type TriageCompleted struct {
	ExceptionType string   `json:"exception_type"`
	Severity      Severity `json:"severity"`
	Confidence    float64  `json:"confidence"`
	Summary       string   `json:"summary,omitempty"`
}

// Validate implements Payload.
func (p TriageCompleted) Validate() error {
	return firstErr(
		required("exception_type", p.ExceptionType),
		severityField("severity", p.Severity),
		unitInterval("confidence", p.Confidence),
	)
}

// Policy decisions.
const (
	DecisionAllow    = "allow"
	DecisionEscalate = "escalate"
	DecisionBlock    = "block"
)

// PolicyEvaluated records the policy stage's decision.
type PolicyEvaluated struct {
	Decision     string     `json:"decision"`
	Confidence   float64    `json:"confidence"`
	PolicyTags   []string   `json:"policy_tags,omitempty"`
	MatchedRules []string   `json:"matched_rules,omitempty"`
	SLADeadline  *time.Time `json:"sla_deadline,omitempty"`
}

// Validate implements Payload.
func (p PolicyEvaluated) Validate() error {
	return firstErr(
		oneOf("decision", p.Decision, DecisionAllow, DecisionEscalate, DecisionBlock),
		unitInterval("confidence", p.Confidence),
	)
}

// PlaybookMatched records the first assignment decision for an exception.
// A nil PlaybookID means no playbook matched.
type PlaybookMatched struct {
	PlaybookID      *int64 `json:"playbook_id"`
	PlaybookVersion int    `json:"playbook_version,omitempty"`
	Reasoning       string `json:"reasoning"`
}

// Validate implements Payload.
func (p PlaybookMatched) Validate() error {
	return firstErr(
		validPlaybookID("playbook_id", p.PlaybookID),
		required("reasoning", p.Reasoning),
	)
}

// PlaybookRecalculationRequested asks the matching stage to re-evaluate.
type PlaybookRecalculationRequested struct {
	Reason string `json:"reason,omitempty"`
}

// Validate implements Payload.
func (p PlaybookRecalculationRequested) Validate() error { return nil }

// PlaybookRecalculated records a changed assignment.
type PlaybookRecalculated struct {
	PreviousPlaybookID *int64 `json:"previous_playbook_id"`
	PlaybookID         *int64 `json:"playbook_id"`
	PlaybookVersion    int    `json:"playbook_version,omitempty"`
	Reasoning          string `json:"reasoning"`
}

// Validate implements Payload.
func (p PlaybookRecalculated) Validate() error {
	if err := firstErr(
		validPlaybookID("previous_playbook_id", p.PreviousPlaybookID),
		validPlaybookID("playbook_id", p.PlaybookID),
		required("reasoning", p.Reasoning),
	); err != nil {
		return err
	}
	if samePlaybook(p.PreviousPlaybookID, p.PlaybookID) {
		return exerrors.Invalid("playbook_id", "recalculation must change the assignment")
	}
	return nil
}

// PlaybookStepCompleted records one completed step with its resolved parameters.
type PlaybookStepCompleted struct {
	PlaybookID     int64          `json:"playbook_id"`
	StepID         string         `json:"step_id,omitempty"`
	StepOrder      int            `json:"step_order"`
	Name           string         `json:"name,omitempty"`
	ActionType     string         `json:"action_type"`
	ResolvedParams map[string]any `json:"resolved_params,omitempty"`
	Notes          string         `json:"notes,omitempty"`
}

// Validate implements Payload.
func (p PlaybookStepCompleted) Validate() error {
	return firstErr(
		positive("playbook_id", p.PlaybookID),
		positive("step_order", int64(p.StepOrder)),
		required("action_type", p.ActionType),
	)
}

// PlaybookCompleted records that every step of the assigned playbook ran.
type PlaybookCompleted struct {
	PlaybookID int64 `json:"playbook_id"`
	TotalSteps int   `json:"total_steps"`
}

// Validate implements Payload.
func (p PlaybookCompleted) Validate() error {
	return firstErr(
		positive("playbook_id", p.PlaybookID),
		nonNegative("total_steps", int64(p.TotalSteps)),
	)
}

// StatusChanged records a status transition.
type StatusChanged struct {
	From   Status `json:"from"`
	To     Status `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// Validate implements Payload.
func (p StatusChanged) Validate() error {
	return firstErr(statusField("from", p.From), statusField("to", p.To))
}

// Owner types.
const (
	OwnerUser  = "user"
	OwnerQueue = "queue"
)

// OwnerAssigned records a new owner.
type OwnerAssigned struct {
	OwnerType string `json:"owner_type"`
	Owner     string `json:"owner"`
}

// Validate implements Payload.
func (p OwnerAssigned) Validate() error {
	return firstErr(oneOf("owner_type", p.OwnerType, OwnerUser, OwnerQueue), required("owner", p.Owner))
}

// CommentAdded records a free-text note.
type CommentAdded struct {
	Text string `json:"text"`
}

// Validate implements Payload.
func (p CommentAdded) Validate() error {
	return required("text", p.Text)
}

// NotificationQueued records a message handed to the notification collaborator.
type NotificationQueued struct {
	Channel   string `json:"channel,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	Subject   string `json:"subject,omitempty"`
	Message   string `json:"message"`
	Delivered bool   `json:"delivered"`
	Error     string `json:"error,omitempty"`
}

// Validate implements Payload.
func (p NotificationQueued) Validate() error {
	return required("message", p.Message)
}

// ToolExecuted records a call to the tool execution collaborator.
type ToolExecuted struct {
	ToolID      string         `json:"tool_id"`
	ExecutionID string         `json:"execution_id"`
	Status      string         `json:"status,omitempty"`
	Request     map[string]any `json:"request,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
}

// Validate implements Payload.
func (p ToolExecuted) Validate() error {
	return firstErr(required("tool_id", p.ToolID), required("execution_id", p.ExecutionID))
}

// RetryScheduled records a failed processing attempt that will be retried.
type RetryScheduled struct {
	SourceEventID string `json:"source_event_id"`
	ConsumerGroup string `json:"consumer_group"`
	Attempt       int    `json:"attempt"`
	DelayMS       int64  `json:"delay_ms"`
	Error         string `json:"error"`
}

// Validate implements Payload.
func (p RetryScheduled) Validate() error {
	return firstErr(
		required("source_event_id", p.SourceEventID),
		required("consumer_group", p.ConsumerGroup),
		positive("attempt", int64(p.Attempt)),
		nonNegative("delay_ms", p.DelayMS),
	)
}

// DeadLettered records an event moved to the dead-letter store.
type DeadLettered struct {
	SourceEventID   string `json:"source_event_id"`
	SourceEventType Type   `json:"source_event_type"`
	ConsumerGroup   string `json:"consumer_group"`
	RetryCount      int    `json:"retry_count"`
	Error           string `json:"error"`
	Category        string `json:"category,omitempty"`
}

// Validate implements Payload.
func (p DeadLettered) Validate() error {
	return firstErr(
		required("source_event_id", p.SourceEventID),
		typeField("source_event_type", p.SourceEventType),
		required("consumer_group", p.ConsumerGroup),
		nonNegative("retry_count", int64(p.RetryCount)),
		required("error", p.Error),
	)
}

// SLAImminent records that an exception's SLA deadline is close.
type SLAImminent struct {
	SLADeadline      time.Time `json:"sla_deadline"`
	MinutesRemaining float64   `json:"minutes_remaining"`
}

// Validate implements Payload.
func (p SLAImminent) Validate() error {
	if p.SLADeadline.IsZero() {
		return exerrors.Invalid("sla_deadline", "is required")
	}
	return nil
}

// ValidationFailed records an event rejected by schema validation.
type ValidationFailed struct {
	AttemptedType string `json:"attempted_type"`
	SourceEventID string `json:"source_event_id,omitempty"`
	Field         string `json:"field,omitempty"`
	Reason        string `json:"reason"`
}

// Validate implements Payload.
func (p ValidationFailed) Validate() error {
	return firstErr(required("attempted_type", p.AttemptedType), required("reason", p.Reason))
}

func validPlaybookID(field string, id *int64) error {
	if id != nil && *id < 1 {
		return exerrors.Invalid(field, "must be >= 1, got %d", *id)
	}
	return nil
}

func samePlaybook(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
