package errors

import (
	"context"
	"math/rand"
	"time"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including initial).
	MaxAttempts int

	// InitialBackoff is the starting backoff duration.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	MaxBackoff time.Duration

	// BackoffFactor is the multiplier applied to backoff after each attempt.
	BackoffFactor float64

	// Jitter is the random jitter factor (0.0-1.0).
	Jitter float64

	// RetryableFunc optionally overrides the default retryability check.
	RetryableFunc func(error) bool

	// OnRetry is called after a failed attempt, before sleeping. attempt is
	// 1-based and counts the attempt that just failed.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetry retries three times after the initial attempt, waiting
// 1s, 2s and 4s, and never more than 30s.
var DefaultRetry = RetryConfig{
	MaxAttempts:    4,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	BackoffFactor:  2.0,
	Jitter:         0.1,
}

// NoRetry disables retries.
var NoRetry = RetryConfig{
	MaxAttempts: 1,
}

// RetryResult contains the result of a retry operation.
type RetryResult[T any] struct {
	// Value is the result if successful.
	Value T

	// Err is the final error if all attempts failed.
	Err error

	// Attempts is the number of attempts made.
	Attempts int

	// Duration is the total time spent retrying.
	Duration time.Duration
}

// Exhausted reports whether the operation failed on every permitted attempt
// with a retryable error.
func (r RetryResult[T]) Exhausted(cfg RetryConfig) bool {
	return r.Err != nil && r.Attempts >= cfg.MaxAttempts && cfg.retryable(r.Err)
}

// WithRetryContext executes a function with retries, respecting context cancellation.
// The returned error is the last error returned by fn, unwrapped, so callers can
// categorize it themselves.
func WithRetryContext[T any](
	ctx context.Context,
	cfg RetryConfig,
	fn func(context.Context) (T, error),
) RetryResult[T] {
	start := time.Now()
	maxAttempts := max(cfg.MaxAttempts, 1)
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			return RetryResult[T]{Err: lastErr, Attempts: attempt, Duration: time.Since(start)}
		}

		result, err := fn(ctx)
		if err == nil {
			return RetryResult[T]{
				Value:    result,
				Attempts: attempt + 1,
				Duration: time.Since(start),
			}
		}
		lastErr = err

		if !cfg.retryable(err) {
			return RetryResult[T]{Err: err, Attempts: attempt + 1, Duration: time.Since(start)}
		}

		// Don't sleep after the last attempt
		if attempt < maxAttempts-1 {
			delay := cfg.Backoff(attempt + 1)
			if cfg.OnRetry != nil {
				cfg.OnRetry(attempt+1, err, delay)
			}
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return RetryResult[T]{Err: err, Attempts: attempt + 1, Duration: time.Since(start)}
			case <-timer.C:
			}
		}
	}

	return RetryResult[T]{Err: lastErr, Attempts: maxAttempts, Duration: time.Since(start)}
}

// Backoff returns the delay to wait after the given failed attempt (1-based),
// with jitter applied.
func (cfg RetryConfig) Backoff(attempt int) time.Duration {
	base := cfg.BaseBackoff(attempt)
	return calculateBackoff(base, cfg.Jitter)
}

// BaseBackoff returns the capped exponential delay for attempt without jitter.
func (cfg RetryConfig) BaseBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := cfg.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	backoff := float64(cfg.InitialBackoff)
	for i := 1; i < attempt; i++ {
		backoff *= factor
		if cfg.MaxBackoff > 0 && backoff >= float64(cfg.MaxBackoff) {
			return cfg.MaxBackoff
		}
	}
	if cfg.MaxBackoff > 0 && backoff > float64(cfg.MaxBackoff) {
		return cfg.MaxBackoff
	}
	return time.Duration(backoff)
}

func (cfg RetryConfig) retryable(err error) bool {
	if cfg.RetryableFunc != nil {
		return cfg.RetryableFunc(err)
	}
	return IsRetryable(err)
}

// calculateBackoff returns the backoff duration with jitter applied.
func calculateBackoff(base time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return base
	}

	// Calculate jitter: base +/- (base * jitter * random)
	jitterAmount := float64(base) * jitter * (rand.Float64()*2 - 1)
	return time.Duration(float64(base) + jitterAmount)
}

// RetryOption configures retry behavior.
type RetryOption func(*RetryConfig)

// WithMaxRetries sets the number of retries after the initial attempt.
func WithMaxRetries(n int) RetryOption {
	return func(cfg *RetryConfig) {
		cfg.MaxAttempts = n + 1
	}
}

// WithInitialBackoff sets the initial backoff duration.
func WithInitialBackoff(d time.Duration) RetryOption {
	return func(cfg *RetryConfig) {
		cfg.InitialBackoff = d
	}
}

// WithMaxBackoff sets the maximum backoff duration.
func WithMaxBackoff(d time.Duration) RetryOption {
	return func(cfg *RetryConfig) {
		cfg.MaxBackoff = d
	}
}

// WithBackoffFactor sets the backoff multiplier.
func WithBackoffFactor(f float64) RetryOption {
	return func(cfg *RetryConfig) {
		cfg.BackoffFactor = f
	}
}

// WithJitter sets the jitter factor.
func WithJitter(j float64) RetryOption {
	return func(cfg *RetryConfig) {
		cfg.Jitter = j
	}
}

// WithRetryableFunc sets a custom retryability check.
func WithRetryableFunc(fn func(error) bool) RetryOption {
	return func(cfg *RetryConfig) {
		cfg.RetryableFunc = fn
	}
}

// NewRetryConfig creates a retry configuration with the given options.
func NewRetryConfig(opts ...RetryOption) RetryConfig {
	cfg := DefaultRetry
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
