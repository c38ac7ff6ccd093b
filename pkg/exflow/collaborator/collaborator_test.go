package collaborator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	exerrors "github.com/randalmurphal/exflow/pkg/exflow/errors"
)

func TestHTTPToolExecutor_Execute(t *testing.T) {
	var got ToolRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/tools/refund-api/executions", r.URL.Path)
		assert.Equal(t, "step-key", r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"execution_id":"exec-1","status":"ok","output":{"refunded":true}}`))
	}))
	defer server.Close()

	exec, err := NewHTTPToolExecutor(HTTPConfig{BaseURL: server.URL, Headers: map[string]string{"X-Api-Key": "secret"}})
	require.NoError(t, err)

	res, err := exec.Execute(context.Background(), ToolRequest{
		TenantID:       "acme",
		ExceptionID:    "exc-1",
		ToolID:         "refund-api",
		Payload:        map[string]any{"invoice": "INV-9"},
		IdempotencyKey: "step-key",
	})
	require.NoError(t, err)
	assert.Equal(t, "exec-1", res.ExecutionID)
	assert.Equal(t, "ok", res.Status)
	assert.Equal(t, true, res.Output["refunded"])
	assert.Equal(t, "INV-9", got.Payload["invoice"])
	assert.Equal(t, "acme", got.TenantID)
}

func TestHTTPToolExecutor_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		code   int
	}{
		{"server error", http.StatusBadGateway, `upstream down`, http.StatusBadGateway},
		{"client error", http.StatusUnprocessableEntity, `bad payload`, http.StatusUnprocessableEntity},
		{"missing execution id", http.StatusOK, `{"status":"ok"}`, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			exec, err := NewHTTPToolExecutor(HTTPConfig{BaseURL: server.URL})
			require.NoError(t, err)

			_, err = exec.Execute(context.Background(), ToolRequest{ToolID: "refund-api"})
			require.Error(t, err)

			var ce *exerrors.CollaboratorError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, "tool", ce.Collaborator)
			assert.Equal(t, tt.code, ce.StatusCode)
			assert.Equal(t, exerrors.CategoryCollaborator, exerrors.Categorize(err))
		})
	}
}

func TestHTTPToolExecutor_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	exec, err := NewHTTPToolExecutor(HTTPConfig{BaseURL: server.URL, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)

	_, err = exec.Execute(context.Background(), ToolRequest{ToolID: "slow"})
	require.Error(t, err)
	assert.True(t, exerrors.IsRetryable(err))
}

func TestHTTPNotifier_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	var got Notification
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "/notifications", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	n, err := NewHTTPNotifier(HTTPConfig{BaseURL: server.URL, RetryCount: 2})
	require.NoError(t, err)

	err = n.Notify(context.Background(), Notification{TenantID: "acme", Message: "hello", Channel: "email"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "hello", got.Message)
}

func TestHTTPNotifier_Failure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	n, err := NewHTTPNotifier(HTTPConfig{BaseURL: server.URL})
	require.NoError(t, err)

	err = n.Notify(context.Background(), Notification{Message: "x"})
	var ce *exerrors.CollaboratorError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, http.StatusInternalServerError, ce.StatusCode)
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	_, err := NewHTTPToolExecutor(HTTPConfig{})
	assert.ErrorIs(t, err, ErrNoBaseURL)
	_, err = NewHTTPNotifier(HTTPConfig{})
	assert.ErrorIs(t, err, ErrNoBaseURL)
}

func TestFallbacks(t *testing.T) {
	var buf bytes.Buffer
	n := LogNotifier{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}
	require.NoError(t, n.Notify(context.Background(), Notification{TenantID: "acme", Message: "queued"}))
	assert.Contains(t, buf.String(), `"message":"queued"`)

	res, err := NoopToolExecutor{}.Execute(context.Background(), ToolRequest{ToolID: "x", IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "k", res.ExecutionID)
	assert.Equal(t, "skipped", res.Status)
}
