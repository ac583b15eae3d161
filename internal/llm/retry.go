package llm

import (
	"context"
	"time"
)

// BackoffFunc returns the wait before retry attempt n (1-based).
type BackoffFunc func(attempt int) time.Duration

// RetryPolicy controls transport-level retries. Provider-reported errors
// (an error message inside a well-formed response) are never retried; only
// transport failures are.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     BackoffFunc
}

// DefaultRetryPolicy retries twice with doubling waits starting at one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff: func(attempt int) time.Duration {
			return time.Second << (attempt - 1)
		},
	}
}

type retryingInvoker struct {
	inner  Invoker
	policy RetryPolicy
}

// WithRetry wraps an invoker with a transport retry policy. The engine
// itself never retries; backoff belongs to the collaborator.
func WithRetry(inner Invoker, policy RetryPolicy) Invoker {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &retryingInvoker{inner: inner, policy: policy}
}

func (r *retryingInvoker) Invoke(ctx context.Context, prompt string, maxTokens int, temperature float64) (*Response, error) {
	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		resp, err := r.inner.Invoke(ctx, prompt, maxTokens, temperature)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if attempt == r.policy.MaxAttempts || r.policy.Backoff == nil {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.policy.Backoff(attempt)):
		}
	}
	return nil, lastErr
}

func (r *retryingInvoker) CountTokens(ctx context.Context, text string) (int, error) {
	return r.inner.CountTokens(ctx, text)
}

func (r *retryingInvoker) RateLimits() RateLimitInfo {
	return r.inner.RateLimits()
}

func (r *retryingInvoker) Provider() string {
	return r.inner.Provider()
}
