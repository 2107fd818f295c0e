package resilience

import (
	"context"
	"errors"
	"math/rand"
	"time"

	core "github.com/voxnexus/core"
)

// RetryPolicy configures bounded retry-with-backoff for a single provider
// call.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first.
	// Non-positive is normalized to 3.
	MaxAttempts int

	// InitialBackoff is the delay before the first retry. Non-positive is
	// normalized to 500ms.
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff duration. Non-positive is normalized to
	// 30s.
	MaxBackoff time.Duration

	// BackoffFactor multiplies the backoff after each retry. Non-positive is
	// normalized to 2.0.
	BackoffFactor float64

	// Jitter adds up to 50% randomness to each backoff to avoid thundering
	// herds across sessions.
	Jitter bool

	// RetryableErrors is an additional allowlist of error codes to retry,
	// beyond the default rate_limit/timeout/provider_unavailable set.
	RetryableErrors []core.ErrorCode
}

// DefaultRetryPolicy returns three attempts with jittered exponential
// backoff starting at 500ms and capped at 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
		Jitter:         true,
	}
}

func (p RetryPolicy) normalize() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 500 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 30 * time.Second
	}
	if p.BackoffFactor <= 0 {
		p.BackoffFactor = 2.0
	}
	return p
}

func (p RetryPolicy) isRetryable(err error) bool {
	if core.IsRetryableError(err) {
		return true
	}
	if len(p.RetryableErrors) == 0 {
		return false
	}
	var e *core.Error
	if !errors.As(err, &e) {
		return false
	}
	for _, code := range p.RetryableErrors {
		if e.Code == code {
			return true
		}
	}
	return false
}

// Retry calls fn, retrying on retryable errors (per policy and
// [core.IsRetryableError]) with exponential backoff until it succeeds, a
// non-retryable error is returned, attempts are exhausted, or ctx is
// cancelled.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(context.Context) (T, error)) (T, error) {
	policy = policy.normalize()
	backoff := policy.InitialBackoff

	var zero T
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == policy.MaxAttempts || !policy.isRetryable(err) {
			return zero, err
		}

		delay := backoff
		if policy.Jitter {
			delay = time.Duration(float64(delay) * (0.5 + rand.Float64()))
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}

		backoff = time.Duration(float64(backoff) * policy.BackoffFactor)
		if backoff > policy.MaxBackoff {
			backoff = policy.MaxBackoff
		}
	}
	return zero, lastErr
}
