package exception_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/exflow/pkg/exflow/event"
	"github.com/randalmurphal/exflow/pkg/exflow/exception"
)

var (
	key = event.NewKey("tenant-a", "exc-1")
	t0  = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
)

func mustEvent(t *testing.T, typ event.Type, payload any, at time.Duration) event.Envelope {
	t.Helper()
	env, err := event.New(key, typ, event.System, payload, event.WithTimestamp(t0.Add(at)))
	require.NoError(t, err)
	return env
}

func ptr[T any](v T) *T { return &v }

func lifecycle(t *testing.T) []event.Envelope {
	deadline := t0.Add(4 * time.Hour)
	return []event.Envelope{
		mustEvent(t, event.TypeExceptionIngested, event.ExceptionIngested{
			SourceSystem: "erp", Domain: "Finance", ExceptionType: "payment.failed",
			Severity: event.SeverityHigh, PolicyTags: []string{"sox"},
			NormalizedContext: map[string]any{"amount": 120.5, "vendor": map[string]any{"name": "Acme"}},
			SLADeadline:       &deadline,
		}, 0),
		mustEvent(t, event.TypeTriageCompleted, event.TriageCompleted{
			ExceptionType: "payment.failed.duplicate", Severity: event.SeverityCritical, Confidence: 0.9,
		}, time.Second),
		mustEvent(t, event.TypePolicyEvaluated, event.PolicyEvaluated{
			Decision: event.DecisionAllow, Confidence: 0.8, PolicyTags: []string{"pci"},
		}, 2*time.Second),
		mustEvent(t, event.TypePlaybookMatched, event.PlaybookMatched{
			PlaybookID: ptr(int64(7)), PlaybookVersion: 2, Reasoning: "r",
		}, 3*time.Second),
		mustEvent(t, event.TypePlaybookStepCompleted, event.PlaybookStepCompleted{
			PlaybookID: 7, StepOrder: 1, ActionType: "notify",
		}, 4*time.Second),
		mustEvent(t, event.TypeOwnerAssigned, event.OwnerAssigned{OwnerType: "queue", Owner: "ap"}, 5*time.Second),
		mustEvent(t, event.TypePlaybookStepCompleted, event.PlaybookStepCompleted{
			PlaybookID: 7, StepOrder: 2, ActionType: "assign_owner",
		}, 6*time.Second),
		mustEvent(t, event.TypePlaybookCompleted, event.PlaybookCompleted{PlaybookID: 7, TotalSteps: 2}, 7*time.Second),
	}
}

func TestFold_Lifecycle(t *testing.T) {
	events := lifecycle(t)
	exc, err := exception.Fold(events)
	require.NoError(t, err)

	assert.Equal(t, "Finance", exc.Domain)
	assert.Equal(t, "payment.failed.duplicate", exc.Type)
	assert.Equal(t, event.SeverityCritical, exc.Severity)
	assert.Equal(t, event.StatusAnalyzing, exc.Status)
	assert.Equal(t, []string{"pci", "sox"}, exc.PolicyTags)
	require.NotNil(t, exc.CurrentPlaybookID)
	assert.Equal(t, int64(7), *exc.CurrentPlaybookID)
	assert.Equal(t, 2, exc.PlaybookVersion)
	assert.True(t, exc.PlaybookCompleted())
	require.NotNil(t, exc.Owner)
	assert.Equal(t, "ap", *exc.Owner)
	assert.Equal(t, int64(len(events)), exc.Version)
	assert.Equal(t, events[len(events)-1].EventID, exc.LastEventID)
	assert.Equal(t, t0, exc.CreatedAt)
	assert.Equal(t, t0.Add(7*time.Second), exc.UpdatedAt)
}

func TestFold_OrderIndependentOfInput(t *testing.T) {
	events := lifecycle(t)
	want, err := exception.Fold(events)
	require.NoError(t, err)

	reversed := make([]event.Envelope, len(events))
	for i, e := range events {
		reversed[len(events)-1-i] = e
	}
	got, err := exception.Fold(reversed)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestApply_StepAdvancesOnlyInSequence(t *testing.T) {
	events := lifecycle(t)[:4]
	exc, err := exception.Fold(events)
	require.NoError(t, err)
	require.Equal(t, 1, *exc.CurrentStep)

	skip := mustEvent(t, event.TypePlaybookStepCompleted, event.PlaybookStepCompleted{
		PlaybookID: 7, StepOrder: 3, ActionType: "notify",
	}, 10*time.Second)
	require.NoError(t, exc.Apply(skip))
	assert.Equal(t, 1, *exc.CurrentStep, "out-of-sequence completion must not move current_step")

	other := mustEvent(t, event.TypePlaybookStepCompleted, event.PlaybookStepCompleted{
		PlaybookID: 8, StepOrder: 1, ActionType: "notify",
	}, 11*time.Second)
	require.NoError(t, exc.Apply(other))
	assert.Equal(t, 1, *exc.CurrentStep, "completion for another playbook must not move current_step")
}

func TestApply_RecalculatedResetsStep(t *testing.T) {
	events := lifecycle(t)[:5]
	exc, err := exception.Fold(events)
	require.NoError(t, err)
	require.Equal(t, 2, *exc.CurrentStep)

	require.NoError(t, exc.Apply(mustEvent(t, event.TypePlaybookRecalculated, event.PlaybookRecalculated{
		PreviousPlaybookID: ptr(int64(7)), PlaybookID: ptr(int64(9)), Reasoning: "r",
	}, 20*time.Second)))
	assert.Equal(t, int64(9), *exc.CurrentPlaybookID)
	assert.Equal(t, 1, *exc.CurrentStep)

	require.NoError(t, exc.Apply(mustEvent(t, event.TypePlaybookRecalculated, event.PlaybookRecalculated{
		PreviousPlaybookID: ptr(int64(9)), Reasoning: "none",
	}, 21*time.Second)))
	assert.Nil(t, exc.CurrentPlaybookID)
	assert.Nil(t, exc.CurrentStep)
}

func TestApply_NotIngested(t *testing.T) {
	exc := &exception.Exception{}
	err := exc.Apply(mustEvent(t, event.TypeCommentAdded, event.CommentAdded{Text: "x"}, 0))
	assert.True(t, errors.Is(err, exception.ErrNotIngested))

	_, err = exception.Fold(nil)
	assert.ErrorIs(t, err, exception.ErrNotIngested)
}

func TestApply_PolicyEscalates(t *testing.T) {
	exc, err := exception.Fold(lifecycle(t)[:1])
	require.NoError(t, err)
	require.NoError(t, exc.Apply(mustEvent(t, event.TypePolicyEvaluated, event.PolicyEvaluated{
		Decision: event.DecisionEscalate, Confidence: 1,
	}, time.Second)))
	assert.Equal(t, event.StatusEscalated, exc.Status)
}

func TestClone_IsDeep(t *testing.T) {
	exc, err := exception.Fold(lifecycle(t))
	require.NoError(t, err)
	c := exc.Clone()
	*c.CurrentPlaybookID = 99
	c.Context["amount"] = 1
	c.Context["vendor"].(map[string]any)["name"] = "Other"
	assert.Equal(t, int64(7), *exc.CurrentPlaybookID)
	assert.Equal(t, 120.5, exc.Context["amount"])
	assert.Equal(t, "Acme", exc.Context["vendor"].(map[string]any)["name"])
}

func TestMinutesRemaining(t *testing.T) {
	exc, err := exception.Fold(lifecycle(t)[:1])
	require.NoError(t, err)
	m, ok := exc.MinutesRemaining(t0.Add(3 * time.Hour))
	require.True(t, ok)
	assert.InDelta(t, 60.0, m, 0.001)

	exc.SLADeadline = nil
	_, ok = exc.MinutesRemaining(t0)
	assert.False(t, ok)
}

func TestFields(t *testing.T) {
	exc, err := exception.Fold(lifecycle(t))
	require.NoError(t, err)
	f := exc.Fields()
	assert.Equal(t, "exc-1", f["id"])
	assert.Equal(t, "Finance", f["domain"])
	assert.Equal(t, "Acme", f["context"].(map[string]any)["vendor"].(map[string]any)["name"])
}

func TestTransitions(t *testing.T) {
	tr := exception.DefaultTransitions
	assert.False(t, tr.Allowed(event.StatusOpen, event.StatusResolved))
	assert.True(t, tr.Allowed(event.StatusOpen, event.StatusAnalyzing))
	assert.True(t, tr.Allowed(event.StatusAnalyzing, event.StatusResolved))
	assert.True(t, tr.Allowed(event.StatusResolved, event.StatusResolved))

	custom, err := exception.FromStrings(map[string][]string{"open": {"Resolved"}})
	require.NoError(t, err)
	assert.True(t, custom.Allowed(event.StatusOpen, event.StatusResolved))

	_, err = exception.FromStrings(map[string][]string{"open": {"closed"}})
	assert.Error(t, err)
}
