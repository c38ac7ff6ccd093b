package event_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	exerrors "github.com/randalmurphal/exflow/pkg/exflow/errors"
	"github.com/randalmurphal/exflow/pkg/exflow/event"
)

var key = event.NewKey("tenant-a", "exc-1")

func ingested() event.ExceptionIngested {
	return event.ExceptionIngested{
		SourceSystem:  "erp",
		Domain:        "Finance",
		ExceptionType: "payment.failed",
		Severity:      event.SeverityCritical,
	}
}

func TestNew_FillsEnvelope(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.FixedZone("X", 3600))
	env, err := event.New(key, event.TypeExceptionIngested, event.Actor{Type: event.ActorUser, ID: "u-1"}, ingested(),
		event.WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if env.EventID == "" {
		t.Error("expected generated event ID")
	}
	if !env.CreatedAt.Equal(now) || env.CreatedAt.Location() != time.UTC {
		t.Errorf("CreatedAt = %v, want %v in UTC", env.CreatedAt, now)
	}
	if env.ActorID == nil || *env.ActorID != "u-1" {
		t.Errorf("ActorID = %v, want u-1", env.ActorID)
	}
	if env.Key() != key {
		t.Errorf("Key() = %v, want %v", env.Key(), key)
	}
}

func TestNew_KeepsProvidedID(t *testing.T) {
	env, err := event.New(key, event.TypeCommentAdded, event.System, event.CommentAdded{Text: "hi"},
		event.WithEventID("fixed"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if env.EventID != "fixed" {
		t.Errorf("EventID = %q, want fixed", env.EventID)
	}
	if env.ActorID != nil {
		t.Errorf("system actor without ID should leave ActorID nil")
	}
}

func TestNew_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		key     event.Key
		typ     event.Type
		actor   event.Actor
		payload any
		field   string
	}{
		{"unknown type", key, event.Type("exception.exploded"), event.System, nil, "event_type"},
		{"missing tenant", event.NewKey("", "x"), event.TypeCommentAdded, event.System, event.CommentAdded{Text: "x"}, "tenant_id"},
		{"bad actor", key, event.TypeCommentAdded, event.Actor{Type: "robot"}, event.CommentAdded{Text: "x"}, "actor_type"},
		{"unknown field", key, event.TypeCommentAdded, event.System, json.RawMessage(`{"text":"x","extra":1}`), "payload"},
		{"trailing data", key, event.TypeCommentAdded, event.System, json.RawMessage(`{"text":"x"} {}`), "payload"},
		{"confidence above one", key, event.TypeTriageCompleted, event.System,
			event.TriageCompleted{ExceptionType: "t", Severity: event.SeverityLow, Confidence: 1.5}, "confidence"},
		{"confidence below zero", key, event.TypePolicyEvaluated, event.System,
			event.PolicyEvaluated{Decision: event.DecisionAllow, Confidence: -0.1}, "confidence"},
		{"bad severity", key, event.TypeExceptionIngested, event.System,
			map[string]any{"source_system": "s", "domain": "d", "exception_type": "t", "severity": "urgent"}, "severity"},
		{"step order zero", key, event.TypePlaybookStepCompleted, event.System,
			event.PlaybookStepCompleted{PlaybookID: 1, StepOrder: 0, ActionType: "notify"}, "step_order"},
		{"wrong json type", key, event.TypeCommentAdded, event.System, json.RawMessage(`{"text":5}`), "payload"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := event.New(tt.key, tt.typ, tt.actor, tt.payload)
			if err == nil {
				t.Fatal("expected validation error")
			}
			var ve *exerrors.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected *ValidationError, got %T: %v", err, err)
			}
			if ve.Field != tt.field {
				t.Errorf("Field = %q, want %q (%v)", ve.Field, tt.field, err)
			}
			if ve.EventType != string(tt.typ) {
				t.Errorf("EventType = %q, want %q", ve.EventType, tt.typ)
			}
			if exerrors.IsRetryable(err) {
				t.Error("validation errors must never be retryable")
			}
		})
	}
}

func TestNew_CanonicalPayload(t *testing.T) {
	env, err := event.New(key, event.TypeCommentAdded, event.System, map[string]any{"text": "hello"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if string(env.Payload) != `{"text":"hello"}` {
		t.Errorf("Payload = %s", env.Payload)
	}

	c, err := event.Decode[event.CommentAdded](env)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if c.Text != "hello" {
		t.Errorf("Text = %q", c.Text)
	}
}

func TestRecalculatedMustChangeAssignment(t *testing.T) {
	one := int64(1)
	_, err := event.New(key, event.TypePlaybookRecalculated, event.System, event.PlaybookRecalculated{
		PreviousPlaybookID: &one, PlaybookID: &one, Reasoning: "same",
	})
	if err == nil {
		t.Fatal("expected unchanged recalculation to be rejected")
	}

	_, err = event.New(key, event.TypePlaybookRecalculated, event.System, event.PlaybookRecalculated{
		PreviousPlaybookID: &one, PlaybookID: nil, Reasoning: "no playbook matched",
	})
	if err != nil {
		t.Fatalf("clearing an assignment should be valid: %v", err)
	}
}

func TestCheck(t *testing.T) {
	env, err := event.New(key, event.TypeOwnerAssigned, event.System, event.OwnerAssigned{OwnerType: "queue", Owner: "ap-team"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := event.Check(env); err != nil {
		t.Fatalf("Check valid envelope: %v", err)
	}

	bad := env
	bad.Payload = json.RawMessage(`{"owner_type":"robot","owner":"x"}`)
	if err := event.Check(bad); !exerrors.IsValidation(err) {
		t.Errorf("Check tampered payload = %v, want validation error", err)
	}

	noID := env
	noID.EventID = ""
	if err := event.Check(noID); !exerrors.IsValidation(err) {
		t.Errorf("Check without ID = %v, want validation error", err)
	}
}

func TestDerivedID(t *testing.T) {
	a := event.EmissionID("evt-1", "playbook", 0)
	b := event.EmissionID("evt-1", "playbook", 0)
	c := event.EmissionID("evt-1", "playbook", 1)
	if a != b {
		t.Errorf("derived IDs differ for identical input: %s vs %s", a, b)
	}
	if a == c {
		t.Error("derived IDs must differ by index")
	}
	if event.NewID() == event.NewID() {
		t.Error("random IDs must differ")
	}
}

func TestControlEvents(t *testing.T) {
	src, err := event.New(key, event.TypeExceptionIngested, event.System, ingested())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	retry, err := event.NewRetryScheduled(src, "playbook", 2, 2*time.Second, exerrors.Infra("append", errors.New("busy")))
	if err != nil {
		t.Fatalf("NewRetryScheduled: %v", err)
	}
	p, _ := event.Decode[event.RetryScheduled](retry)
	if p.Attempt != 2 || p.DelayMS != 2000 || p.SourceEventID != src.EventID {
		t.Errorf("unexpected retry payload %+v", p)
	}

	dl, err := event.NewDeadLettered(src, "playbook", 4, exerrors.Infra("append", errors.New("busy")))
	if err != nil {
		t.Fatalf("NewDeadLettered: %v", err)
	}
	again, _ := event.NewDeadLettered(src, "playbook", 4, errors.New("other"))
	if dl.EventID != again.EventID {
		t.Error("dead-letter control event ID should be deterministic per source and group")
	}
	d, _ := event.Decode[event.DeadLettered](dl)
	if d.RetryCount != 4 || d.Category != "transient_infra" {
		t.Errorf("unexpected dead-letter payload %+v", d)
	}

	vf, err := event.NewValidationFailed(key, "bogus.type", "evt-9", &exerrors.ValidationError{Field: "payload", Message: "unknown field"})
	if err != nil {
		t.Fatalf("NewValidationFailed: %v", err)
	}
	v, _ := event.Decode[event.ValidationFailed](vf)
	if v.AttemptedType != "bogus.type" || v.Field != "payload" || !strings.Contains(v.Reason, "unknown field") {
		t.Errorf("unexpected validation-failed payload %+v", v)
	}
}

func TestEnvelopeBefore(t *testing.T) {
	t0 := time.Unix(100, 0)
	a := event.Envelope{EventID: "b", CreatedAt: t0}
	b := event.Envelope{EventID: "a", CreatedAt: t0.Add(time.Millisecond)}
	c := event.Envelope{EventID: "a", CreatedAt: t0}
	if !a.Before(b) {
		t.Error("earlier created_at should sort first")
	}
	if !c.Before(a) {
		t.Error("equal created_at should sort by event_id")
	}
}

func TestParseSeverity(t *testing.T) {
	s, err := event.ParseSeverity(" CRITICAL ")
	if err != nil || s != event.SeverityCritical {
		t.Errorf("ParseSeverity = %q, %v", s, err)
	}
	if _, err := event.ParseSeverity("urgent"); err == nil {
		t.Error("expected error for unknown severity")
	}
	if event.SeverityHigh.Rank() <= event.SeverityMedium.Rank() {
		t.Error("high should outrank medium")
	}
}
