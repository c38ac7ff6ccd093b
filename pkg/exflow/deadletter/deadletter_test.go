package deadletter_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/exflow/pkg/exflow/deadletter"
	"github.com/randalmurphal/exflow/pkg/exflow/event"
)

func sample(t *testing.T) event.Envelope {
	t.Helper()
	env, err := event.New(event.NewKey("t1", "e1"), event.TypeCommentAdded, event.System,
		event.CommentAdded{Text: "a fairly repetitive comment comment comment comment comment"})
	require.NoError(t, err)
	return env
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to deadletter.Status
		ok       bool
	}{
		{deadletter.StatusPending, deadletter.StatusRetrying, true},
		{deadletter.StatusPending, deadletter.StatusDiscarded, true},
		{deadletter.StatusPending, deadletter.StatusSucceeded, false},
		{deadletter.StatusRetrying, deadletter.StatusSucceeded, true},
		{deadletter.StatusRetrying, deadletter.StatusPending, true},
		{deadletter.StatusSucceeded, deadletter.StatusPending, false},
		{deadletter.StatusDiscarded, deadletter.StatusRetrying, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}
	assert.True(t, deadletter.StatusDiscarded.Terminal())
	assert.False(t, deadletter.StatusRetrying.Terminal())
}

func TestEntryApply(t *testing.T) {
	now := time.Now()
	e := deadletter.NewEntry(sample(t), "playbook", errors.New("boom"), "transient_infra", 4, now)
	assert.Equal(t, deadletter.StatusPending, e.Status)
	assert.Equal(t, 4, e.RetryCount)
	assert.Equal(t, "boom", e.Error)

	require.NoError(t, e.Apply(deadletter.Update{Status: deadletter.StatusRetrying}, now))
	require.NoError(t, e.Apply(deadletter.Update{Status: deadletter.StatusPending, Error: "again", IncrementRetry: true}, now))
	assert.Equal(t, 5, e.RetryCount)
	assert.Equal(t, "again", e.Error)

	err := e.Apply(deadletter.Update{Status: deadletter.StatusSucceeded}, now)
	assert.ErrorIs(t, err, deadletter.ErrInvalidTransition)
}

func TestListFilter(t *testing.T) {
	e := deadletter.NewEntry(sample(t), "playbook", nil, "", 1, time.Now())
	assert.True(t, deadletter.ListFilter{}.Matches(&e))
	assert.True(t, deadletter.ListFilter{ConsumerGroup: "playbook", TenantID: "t1", Status: deadletter.StatusPending}.Matches(&e))
	assert.False(t, deadletter.ListFilter{ConsumerGroup: "sla"}.Matches(&e))
	assert.False(t, deadletter.ListFilter{TenantID: "t2"}.Matches(&e))
	assert.False(t, deadletter.ListFilter{Status: deadletter.StatusDiscarded}.Matches(&e))
}

func TestEnvelopeCodec(t *testing.T) {
	env := sample(t)
	blob, err := deadletter.EncodeEnvelope(env)
	require.NoError(t, err)

	got, err := deadletter.DecodeEnvelope(blob)
	require.NoError(t, err)
	assert.Equal(t, env.EventID, got.EventID)
	assert.JSONEq(t, string(env.Payload), string(got.Payload))
	assert.True(t, env.CreatedAt.Equal(got.CreatedAt))

	_, err = deadletter.DecodeEnvelope([]byte("not snappy"))
	assert.Error(t, err)
}
