package exflow_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/exflow/pkg/exflow"
	"github.com/randalmurphal/exflow/pkg/exflow/broker"
	"github.com/randalmurphal/exflow/pkg/exflow/collaborator"
	"github.com/randalmurphal/exflow/pkg/exflow/deadletter"
	exerrors "github.com/randalmurphal/exflow/pkg/exflow/errors"
	"github.com/randalmurphal/exflow/pkg/exflow/event"
	"github.com/randalmurphal/exflow/pkg/exflow/eventstore"
	"github.com/randalmurphal/exflow/pkg/exflow/pack"
	"github.com/randalmurphal/exflow/pkg/exflow/pipeline"
	"github.com/randalmurphal/exflow/pkg/exflow/playbook"
)

var (
	ctx = context.Background()
	now = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
)

// refundTool fails with a 503 while failing is set.
type refundTool struct {
	failing atomic.Bool
	calls   atomic.Int32
}

func (f *refundTool) Execute(_ context.Context, req collaborator.ToolRequest) (*collaborator.ToolResult, error) {
	f.calls.Add(1)
	if f.failing.Load() {
		return nil, &exerrors.CollaboratorError{Collaborator: "tool", Operation: req.ToolID, StatusCode: 503, Err: errors.New("unavailable")}
	}
	return &collaborator.ToolResult{ExecutionID: "exec-" + req.IdempotencyKey, Status: "succeeded"}, nil
}

func packV(version int, priority int) *pack.Pack {
	return &pack.Pack{
		TenantID:     "acme",
		Version:      version,
		Active:       version == 1,
		AllowedTools: []string{"refund-api"},
		Playbooks: []pack.Playbook{
			{
				ID:         5,
				Name:       "Refund",
				Conditions: pack.Conditions{Domain: "Finance", Priority: priority},
				Steps: []pack.Step{
					{StepOrder: 1, Name: "Refund", ActionType: pack.ActionCallTool, Auto: true, Params: map[string]any{"tool_id": "refund-api", "invoice": "{exception.context.invoice}"}},
					{StepOrder: 2, Name: "Close out", ActionType: pack.ActionAddComment, Params: map[string]any{"text": "refund issued"}},
				},
			},
			{
				ID:         6,
				Name:       "Finance fallback",
				Conditions: pack.Conditions{Domain: "Finance", Priority: 50},
				Steps: []pack.Step{
					{StepOrder: 1, Name: "Comment", ActionType: pack.ActionAddComment, Params: map[string]any{"text": "manual review"}},
				},
			},
		},
	}
}

type fixture struct {
	svc     *exflow.Service
	store   *eventstore.MemoryStore
	tool    *refundTool
	workers []*broker.Worker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := eventstore.NewMemoryStore(eventstore.WithPartitions(1))
	src, err := pack.NewMemorySource(packV(1, 100), packV(2, 10))
	require.NoError(t, err)
	packs := pack.NewCache(src)
	require.NoError(t, packs.Activate(ctx, "acme", 1))

	tool := &refundTool{}
	fast := exerrors.NewRetryConfig(
		exerrors.WithMaxRetries(3),
		exerrors.WithInitialBackoff(time.Millisecond),
		exerrors.WithMaxBackoff(2*time.Millisecond),
		exerrors.WithJitter(0),
	)
	clock := func() time.Time { return now }
	svc := exflow.New(store, packs,
		exflow.WithToolExecutor(tool),
		exflow.WithClock(clock),
		exflow.WithStageRetry(pipeline.RunnerGroup, fast),
	)

	f := &fixture{svc: svc, store: store, tool: tool}
	for _, st := range svc.Stages() {
		w, err := broker.NewWorker(st, store, 0, broker.WithClock(clock))
		require.NoError(t, err)
		f.workers = append(f.workers, w)
	}
	return f
}

func (f *fixture) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 50; i++ {
		total := 0
		for _, w := range f.workers {
			n, err := w.Poll(ctx)
			require.NoError(t, err)
			total += n
		}
		if total == 0 {
			return
		}
	}
	t.Fatal("pipeline did not settle")
}

func (f *fixture) count(t *testing.T, key event.Key, typ event.Type) int {
	t.Helper()
	events, err := f.store.GetEvents(ctx, key, eventstore.Filter{Types: []event.Type{typ}})
	require.NoError(t, err)
	return len(events)
}

func submit(t *testing.T, svc *exflow.Service, id string) exflow.Accepted {
	t.Helper()
	acc, err := svc.SubmitException(ctx, exflow.SubmitRequest{
		TenantID:      "acme",
		ExceptionID:   id,
		SourceSystem:  "erp",
		Domain:        "Finance",
		ExceptionType: "refund.pending",
		Severity:      "HIGH",
		Context:       map[string]any{"invoice": "INV-42"},
	})
	require.NoError(t, err)
	return acc
}

func TestService_SubmitRunsPipeline(t *testing.T) {
	f := newFixture(t)
	acc := submit(t, f.svc, "exc-1")
	assert.False(t, acc.Duplicate)
	key := event.NewKey("acme", acc.ExceptionID)

	f.drain(t)

	exc, err := f.svc.GetException(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, event.SeverityHigh, exc.Severity)
	require.NotNil(t, exc.CurrentPlaybookID)
	assert.Equal(t, int64(5), *exc.CurrentPlaybookID)

	st, err := f.svc.PlaybookStatus(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 2, *st.CurrentStep)
	assert.Equal(t, int32(1), f.tool.calls.Load())

	tools, err := f.svc.ListEvents(ctx, key, eventstore.Filter{Types: []event.Type{event.TypeToolExecuted}})
	require.NoError(t, err)
	require.Len(t, tools, 1)
	out, err := event.Decode[event.ToolExecuted](tools[0])
	require.NoError(t, err)
	assert.Equal(t, "INV-42", out.Request["invoice"])

	st, err = f.svc.CompleteStep(ctx, playbook.CompleteStepRequest{
		Key: key, StepOrder: 2, Actor: event.Actor{Type: event.ActorUser, ID: "jdoe"},
	})
	require.NoError(t, err)
	assert.Equal(t, playbook.StateCompleted, st.State)
	assert.Equal(t, 1, f.count(t, key, event.TypePlaybookCompleted))
}

func TestService_SubmitIsIdempotentForCallerIDs(t *testing.T) {
	f := newFixture(t)
	first := submit(t, f.svc, "exc-1")
	second := submit(t, f.svc, "exc-1")
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.EventID, second.EventID)
	assert.Equal(t, 1, f.store.Len())

	generated, err := f.svc.SubmitException(ctx, exflow.SubmitRequest{
		TenantID: "acme", SourceSystem: "erp", Domain: "Ops", ExceptionType: "x", Severity: event.SeverityLow,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, generated.ExceptionID)
	assert.NotEqual(t, "exc-1", generated.ExceptionID)
}

func TestService_SubmitValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.SubmitException(ctx, exflow.SubmitRequest{TenantID: "acme", SourceSystem: "erp", Domain: "Finance", ExceptionType: "x", Severity: "urgent"})
	assert.True(t, exerrors.IsValidation(err))

	_, err = f.svc.SubmitException(ctx, exflow.SubmitRequest{SourceSystem: "erp", Domain: "Finance", ExceptionType: "x", Severity: "low"})
	assert.True(t, exerrors.IsValidation(err))

	_, err = f.svc.SubmitException(ctx, exflow.SubmitRequest{TenantID: "acme", Domain: "Finance", ExceptionType: "x", Severity: "low"})
	assert.True(t, exerrors.IsValidation(err))
	assert.Equal(t, 0, f.store.Len())
}

func TestService_RecalculateTwiceAddsNothing(t *testing.T) {
	f := newFixture(t)
	key := event.NewKey("acme", submit(t, f.svc, "exc-1").ExceptionID)
	f.drain(t)

	first, err := f.svc.RecalculatePlaybook(ctx, key, "manual")
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	f.drain(t)
	before := f.store.Len()

	second, err := f.svc.RecalculatePlaybook(ctx, key, "manual")
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	f.drain(t)
	assert.Equal(t, before, f.store.Len())
	assert.Equal(t, 0, f.count(t, key, event.TypePlaybookRecalculated))

	_, err = f.svc.RecalculatePlaybook(ctx, event.NewKey("acme", "missing"), "")
	assert.ErrorIs(t, err, eventstore.ErrNotFound)
}

func TestService_ActivatePackThenRecalculate(t *testing.T) {
	f := newFixture(t)
	key := event.NewKey("acme", submit(t, f.svc, "exc-1").ExceptionID)
	f.drain(t)

	require.NoError(t, f.svc.ActivatePack(ctx, "acme", 2))
	v, ok := f.svc.ActivePackVersion("acme")
	require.True(t, ok)
	assert.Equal(t, 2, v)
	assert.ErrorIs(t, f.svc.ActivatePack(ctx, "acme", 9), pack.ErrPackNotFound)

	_, err := f.svc.RecalculatePlaybook(ctx, key, "pack v2")
	require.NoError(t, err)
	f.drain(t)

	exc, err := f.svc.GetException(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(6), *exc.CurrentPlaybookID)
	assert.Equal(t, 1, f.count(t, key, event.TypePlaybookRecalculated))
}

func TestService_DeadLetterRedriveAndDiscard(t *testing.T) {
	f := newFixture(t)
	f.tool.failing.Store(true)
	key := event.NewKey("acme", submit(t, f.svc, "exc-1").ExceptionID)
	f.drain(t)

	entries, err := f.svc.ListDeadLetters(ctx, deadletter.ListFilter{ConsumerGroup: pipeline.RunnerGroup})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	entry := entries[0]
	assert.Equal(t, 4, entry.RetryCount)
	assert.Equal(t, "collaborator", entry.Category)
	assert.Equal(t, event.TypePlaybookMatched, entry.EventType)
	assert.Equal(t, 0, f.count(t, key, event.TypePlaybookStepCompleted))

	f.tool.failing.Store(false)
	redriven, err := f.svc.RedriveDeadLetter(ctx, entry.ConsumerGroup, entry.EventID)
	require.NoError(t, err)
	assert.Equal(t, deadletter.StatusSucceeded, redriven.Status)
	assert.Equal(t, 1, f.count(t, key, event.TypePlaybookStepCompleted))

	_, err = f.svc.DiscardDeadLetter(ctx, entry.ConsumerGroup, entry.EventID)
	assert.ErrorIs(t, err, deadletter.ErrInvalidTransition)

	_, err = f.svc.RedriveDeadLetter(ctx, "unknown", entry.EventID)
	assert.ErrorIs(t, err, broker.ErrUnknownStage)
}

func TestService_CompleteStepPrecondition(t *testing.T) {
	f := newFixture(t)
	f.tool.failing.Store(true)
	key := event.NewKey("acme", submit(t, f.svc, "exc-1").ExceptionID)
	f.drain(t)
	before := f.store.Len()

	_, err := f.svc.CompleteStep(ctx, playbook.CompleteStepRequest{
		Key: key, StepOrder: 2, Actor: event.Actor{Type: event.ActorUser, ID: "jdoe"},
	})
	assert.True(t, exerrors.IsPrecondition(err))
	assert.Equal(t, before, f.store.Len())
}

func TestService_Rebuild(t *testing.T) {
	f := newFixture(t)
	key := event.NewKey("acme", submit(t, f.svc, "exc-1").ExceptionID)
	submit(t, f.svc, "exc-2")
	f.drain(t)

	want, err := f.svc.GetException(ctx, key)
	require.NoError(t, err)
	got, err := f.svc.Rebuild(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	n, err := f.svc.RebuildTenant(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = f.svc.ListEvents(ctx, event.NewKey("acme", "nope"), eventstore.Filter{})
	assert.ErrorIs(t, err, eventstore.ErrNotFound)
}

func TestService_SLAWatcherScansActiveTenants(t *testing.T) {
	f := newFixture(t)
	deadline := now.Add(20 * time.Minute)
	_, err := f.svc.SubmitException(ctx, exflow.SubmitRequest{
		TenantID: "acme", ExceptionID: "exc-9", SourceSystem: "erp", Domain: "Ops",
		ExceptionType: "late", Severity: event.SeverityMedium, SLADeadline: &deadline,
	})
	require.NoError(t, err)

	n, err := f.svc.SLAWatcher(time.Hour, time.Minute).Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
