package errors

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func TestCategoryString(t *testing.T) {
	tests := []struct {
		category Category
		expected string
	}{
		{CategoryValidation, "validation"},
		{CategoryPrecondition, "precondition"},
		{CategoryTransientInfra, "transient_infra"},
		{CategoryCollaborator, "collaborator"},
		{CategoryConflict, "conflict"},
		{Category(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.category.String(); got != tt.expected {
				t.Errorf("Category(%d).String() = %s, want %s", tt.category, got, tt.expected)
			}
		})
	}
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Category
	}{
		{"nil error", nil, CategoryUnknown},
		{"validation", &ValidationError{Message: "missing field"}, CategoryValidation},
		{"wrapped validation", fmt.Errorf("ingest: %w", Invalid("severity", "bad")), CategoryValidation},
		{"precondition", &PreconditionError{Reason: "step mismatch"}, CategoryPrecondition},
		{"transient", &TransientError{Op: "append", Err: errors.New("locked")}, CategoryTransientInfra},
		{"collaborator", &CollaboratorError{Collaborator: "tool", Err: errors.New("boom")}, CategoryCollaborator},
		{"deadline", fmt.Errorf("attempt: %w", context.DeadlineExceeded), CategoryTransientInfra},
		{"categorized", Conflict(errors.New("race"), "complete step"), CategoryConflict},
		{"unknown", errors.New("unknown"), CategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Categorize(tt.err); got != tt.expected {
				t.Errorf("Categorize() = %s, want %s", got, tt.expected)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(Infra("append", errors.New("db down"))) {
		t.Error("transient infra errors should be retryable")
	}
	if !IsRetryable(&CollaboratorError{Collaborator: "tool", Err: errors.New("503")}) {
		t.Error("collaborator errors should be retryable")
	}
	if IsRetryable(&CollaboratorError{Collaborator: "tool", Err: errors.New("503"), NonIdempotent: true}) {
		t.Error("non-idempotent collaborator errors must not be retried")
	}
	if IsRetryable(&ValidationError{Message: "bad"}) {
		t.Error("validation errors must not be retried")
	}
	if IsRetryable(&PreconditionError{Reason: "wrong step"}) {
		t.Error("precondition errors must not be retried")
	}
	if Infra("noop", nil) != nil {
		t.Error("Infra(nil) should be nil")
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err      error
		expected string
	}{
		{&ValidationError{EventType: "triage.completed", Field: "confidence", Message: "must be within [0,1]"},
			"validation error [triage.completed] on confidence: must be within [0,1]"},
		{&ValidationError{Message: "empty"}, "validation error: empty"},
		{&PreconditionError{Reason: "step order mismatch", Expected: "1", Actual: "2"},
			"precondition failed: step order mismatch (expected 1, got 2)"},
		{&PreconditionError{Reason: "no playbook assigned"}, "precondition failed: no playbook assigned"},
		{NewCategorized(errors.New("failed"), CategoryTransientInfra, "append"),
			"append: failed (category: transient_infra, attempts: 0)"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.expected {
			t.Errorf("Error() = %q, want %q", got, tt.expected)
		}
	}
}

func TestBaseBackoff(t *testing.T) {
	cfg := RetryConfig{InitialBackoff: time.Second, MaxBackoff: 8 * time.Second, BackoffFactor: 2}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second}
	for i, w := range want {
		if got := cfg.BaseBackoff(i + 1); got != w {
			t.Errorf("BaseBackoff(%d) = %v, want %v", i+1, got, w)
		}
	}
	if got := cfg.Backoff(2); got != 2*time.Second {
		t.Errorf("Backoff without jitter = %v, want 2s", got)
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	cfg := RetryConfig{InitialBackoff: 100 * time.Millisecond, BackoffFactor: 2, Jitter: 0.1}
	for i := 0; i < 100; i++ {
		got := cfg.Backoff(1)
		if got < 90*time.Millisecond || got > 110*time.Millisecond {
			t.Fatalf("Backoff(1) = %v, outside jitter bounds", got)
		}
	}
}

func TestWithRetryContext(t *testing.T) {
	fast := RetryConfig{MaxAttempts: 4, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, BackoffFactor: 2}

	t.Run("succeeds after transient failures", func(t *testing.T) {
		var calls atomic.Int32
		var retries []int
		cfg := fast
		cfg.OnRetry = func(attempt int, _ error, _ time.Duration) { retries = append(retries, attempt) }

		res := WithRetryContext(context.Background(), cfg, func(context.Context) (string, error) {
			if calls.Add(1) < 3 {
				return "", Infra("read", errors.New("busy"))
			}
			return "ok", nil
		})
		if res.Err != nil {
			t.Fatalf("unexpected error: %v", res.Err)
		}
		if res.Value != "ok" || res.Attempts != 3 {
			t.Errorf("got value=%q attempts=%d, want ok/3", res.Value, res.Attempts)
		}
		if len(retries) != 2 || retries[0] != 1 || retries[1] != 2 {
			t.Errorf("OnRetry attempts = %v, want [1 2]", retries)
		}
	})

	t.Run("exhausts retries", func(t *testing.T) {
		var calls atomic.Int32
		res := WithRetryContext(context.Background(), fast, func(context.Context) (int, error) {
			calls.Add(1)
			return 0, Infra("read", errors.New("busy"))
		})
		if calls.Load() != 4 || res.Attempts != 4 {
			t.Errorf("calls=%d attempts=%d, want 4", calls.Load(), res.Attempts)
		}
		if !res.Exhausted(fast) {
			t.Error("expected result to be exhausted")
		}
		var te *TransientError
		if !errors.As(res.Err, &te) {
			t.Errorf("expected last error to be returned, got %v", res.Err)
		}
	})

	t.Run("stops on permanent error", func(t *testing.T) {
		var calls atomic.Int32
		res := WithRetryContext(context.Background(), fast, func(context.Context) (int, error) {
			calls.Add(1)
			return 0, Invalid("payload", "unknown field")
		})
		if calls.Load() != 1 {
			t.Errorf("calls = %d, want 1", calls.Load())
		}
		if res.Exhausted(fast) {
			t.Error("permanent failure should not count as exhausted")
		}
	})

	t.Run("respects cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		res := WithRetryContext(ctx, fast, func(context.Context) (int, error) {
			t.Fatal("fn should not run with a cancelled context")
			return 0, nil
		})
		if !errors.Is(res.Err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", res.Err)
		}
	})
}

func TestNewRetryConfig(t *testing.T) {
	cfg := NewRetryConfig(WithMaxRetries(5), WithInitialBackoff(time.Millisecond), WithJitter(0))
	if cfg.MaxAttempts != 6 {
		t.Errorf("MaxAttempts = %d, want 6", cfg.MaxAttempts)
	}
	if cfg.InitialBackoff != time.Millisecond || cfg.Jitter != 0 {
		t.Errorf("options not applied: %+v", cfg)
	}
	if cfg.MaxBackoff != DefaultRetry.MaxBackoff {
		t.Errorf("MaxBackoff = %v, want default", cfg.MaxBackoff)
	}
}
