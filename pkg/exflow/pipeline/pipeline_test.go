package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/exflow/pkg/exflow/broker"
	"github.com/randalmurphal/exflow/pkg/exflow/event"
	"github.com/randalmurphal/exflow/pkg/exflow/eventstore"
	"github.com/randalmurphal/exflow/pkg/exflow/pack"
	"github.com/randalmurphal/exflow/pkg/exflow/pipeline"
	"github.com/randalmurphal/exflow/pkg/exflow/playbook"
)

var (
	ctx = context.Background()
	now = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	key = event.NewKey("acme", "exc-1")
)

func minutes(v float64) *float64 { return &v }

func testPack() *pack.Pack {
	return &pack.Pack{
		TenantID: "acme",
		Version:  1,
		Playbooks: []pack.Playbook{
			{
				ID:         7,
				Name:       "Finance triage",
				Conditions: pack.Conditions{Domain: "Finance", Priority: 10},
				Steps: []pack.Step{
					{StepOrder: 1, Name: "Note", ActionType: pack.ActionAddComment, Auto: true, Params: map[string]any{"text": "auto triage {exception.id}"}},
					{StepOrder: 2, Name: "Queue", ActionType: pack.ActionAssignOwner, Auto: true, Params: map[string]any{"queue": "ap"}},
					{StepOrder: 3, Name: "Review", ActionType: pack.ActionSetStatus, Params: map[string]any{"status": "analyzing"}},
				},
			},
			{
				ID:         9,
				Name:       "Critical escalation",
				Conditions: pack.Conditions{Domain: "Finance", Severity: "critical", Priority: 100},
				Steps: []pack.Step{
					{StepOrder: 1, Name: "Escalate", ActionType: pack.ActionSetStatus, Params: map[string]any{"status": "escalated"}},
				},
			},
			{
				ID:         11,
				Name:       "SLA rescue",
				Conditions: pack.Conditions{Domain: "Finance", Severity: "low", SLAMinutesRemainingLT: minutes(60), Priority: 500},
				Steps: []pack.Step{
					{StepOrder: 1, Name: "Page", ActionType: pack.ActionNotify, Params: map[string]any{"message": "SLA at risk"}},
				},
			},
		},
	}
}

type harness struct {
	now     time.Time
	store   *eventstore.MemoryStore
	engine  *playbook.Engine
	matcher *broker.Worker
	runner  *broker.Worker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{now: now, store: eventstore.NewMemoryStore(eventstore.WithPartitions(1))}
	packs, err := pack.NewStaticProvider(testPack())
	require.NoError(t, err)
	h.engine = playbook.NewEngine(h.store, packs, playbook.WithClock(h.clock))

	h.matcher, err = broker.NewWorker(pipeline.MatcherStage(h.engine), h.store, 0, broker.WithClock(h.clock))
	require.NoError(t, err)
	h.runner, err = broker.NewWorker(pipeline.RunnerStage(h.engine, nil), h.store, 0, broker.WithClock(h.clock))
	require.NoError(t, err)
	return h
}

func (h *harness) clock() time.Time { return h.now }

// drain polls both workers until neither reads anything new.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 50; i++ {
		m, err := h.matcher.Poll(ctx)
		require.NoError(t, err)
		r, err := h.runner.Poll(ctx)
		require.NoError(t, err)
		if m == 0 && r == 0 {
			return
		}
	}
	t.Fatal("pipeline did not settle")
}

func (h *harness) append(t *testing.T, typ event.Type, payload any, at time.Time) {
	t.Helper()
	env, err := event.New(key, typ, event.System, payload, event.WithTimestamp(at))
	require.NoError(t, err)
	_, err = h.store.AppendIfNew(ctx, env)
	require.NoError(t, err)
}

func (h *harness) ingest(t *testing.T, sev event.Severity, deadline *time.Time) {
	h.append(t, event.TypeExceptionIngested, event.ExceptionIngested{
		SourceSystem:  "erp",
		Domain:        "Finance",
		ExceptionType: "payment.failed",
		Severity:      sev,
		SLADeadline:   deadline,
	}, now.Add(-time.Hour))
}

func (h *harness) count(t *testing.T, typ event.Type) int {
	t.Helper()
	events, err := h.store.GetEvents(ctx, key, eventstore.Filter{Types: []event.Type{typ}})
	require.NoError(t, err)
	return len(events)
}

func TestPipeline_MatchesAndRunsAutoSteps(t *testing.T) {
	h := newHarness(t)
	h.ingest(t, event.SeverityHigh, nil)
	h.drain(t)

	assert.Equal(t, 1, h.count(t, event.TypePlaybookMatched))
	assert.Equal(t, 2, h.count(t, event.TypePlaybookStepCompleted))
	assert.Equal(t, 0, h.count(t, event.TypePlaybookCompleted))

	st, err := h.engine.Status(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, st.PlaybookID)
	assert.Equal(t, int64(7), *st.PlaybookID)
	assert.Equal(t, 3, *st.CurrentStep)
	for _, s := range st.Steps[:2] {
		assert.Equal(t, playbook.StepCompleted, s.Status)
		assert.Equal(t, event.ActorSystem, s.ActorType)
	}
	assert.Equal(t, playbook.StepPending, st.Steps[2].Status)

	exc, err := h.store.GetException(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, exc.Owner)
	assert.Equal(t, "ap", *exc.Owner)

	// A redelivered trigger changes nothing.
	h.drain(t)
	assert.Equal(t, 2, h.count(t, event.TypePlaybookStepCompleted))
}

func TestPipeline_TriageRecalculates(t *testing.T) {
	h := newHarness(t)
	h.ingest(t, event.SeverityHigh, nil)
	h.drain(t)

	h.append(t, event.TypeTriageCompleted, event.TriageCompleted{
		ExceptionType: "payment.failed",
		Severity:      event.SeverityCritical,
		Confidence:    0.9,
	}, now.Add(time.Minute))
	h.drain(t)

	assert.Equal(t, 1, h.count(t, event.TypePlaybookRecalculated))
	st, err := h.engine.Status(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(9), *st.PlaybookID)
	assert.Equal(t, playbook.StateAssigned, st.State)
}

func TestPipeline_RecalculationRequestWithoutChange(t *testing.T) {
	h := newHarness(t)
	h.ingest(t, event.SeverityHigh, nil)
	h.drain(t)

	h.append(t, event.TypePlaybookRecalculationRequested, event.PlaybookRecalculationRequested{Reason: "manual"}, now.Add(time.Minute))
	h.drain(t)

	assert.Equal(t, 0, h.count(t, event.TypePlaybookRecalculated))
	assert.Equal(t, 1, h.count(t, event.TypePlaybookMatched))
}

func TestSLAWatcher_AppendsOncePerDeadline(t *testing.T) {
	h := newHarness(t)
	deadline := now.Add(90 * time.Minute)
	h.ingest(t, event.SeverityLow, &deadline)

	far := event.NewKey("acme", "exc-far")
	farDeadline := now.Add(5 * time.Hour)
	env, err := event.New(far, event.TypeExceptionIngested, event.System, event.ExceptionIngested{
		SourceSystem: "erp", Domain: "Finance", ExceptionType: "payment.failed", Severity: event.SeverityLow,
		SLADeadline: &farDeadline,
	}, event.WithTimestamp(now.Add(-time.Hour)))
	require.NoError(t, err)
	_, err = h.store.AppendIfNew(ctx, env)
	require.NoError(t, err)
	h.drain(t)

	st, err := h.engine.Status(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(7), *st.PlaybookID)

	w := pipeline.NewSLAWatcher(h.store, pipeline.SLAConfig{
		Threshold: time.Hour,
		PageSize:  1,
		Now:       h.clock,
		Tenants:   func() []string { return []string{"acme"} },
	})

	n, err := w.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	h.now = now.Add(45 * time.Minute)
	n, err = w.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = w.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, h.count(t, event.TypeSLAImminent))

	// The imminent deadline now satisfies the SLA predicate.
	h.drain(t)
	st, err = h.engine.Status(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(11), *st.PlaybookID)
}

func TestSLAWatcher_StartStop(t *testing.T) {
	h := newHarness(t)
	deadline := now.Add(10 * time.Minute)
	h.ingest(t, event.SeverityHigh, &deadline)

	w := pipeline.NewSLAWatcher(h.store, pipeline.SLAConfig{
		Interval: 5 * time.Millisecond,
		Now:      h.clock,
		Tenants:  func() []string { return []string{"acme"} },
	})
	w.Start(ctx)
	require.Eventually(t, func() bool {
		return h.count(t, event.TypeSLAImminent) == 1
	}, time.Second, 5*time.Millisecond)
	w.Stop()
	w.Stop()
}
