package resilience

import (
	"context"
	"math"
	"sync"
	"time"
)

// ProviderLimits configures the optional rate and concurrency ceilings for
// a single provider adapter. Zero fields mean unlimited.
type ProviderLimits struct {
	// RPM is the maximum requests per minute. Zero means unlimited.
	RPM int

	// TPM is the maximum tokens (LLM) consumed per minute. Zero means
	// unlimited.
	TPM int

	// MaxConcurrent is the maximum number of in-flight calls. Zero means
	// unlimited.
	MaxConcurrent int

	// CooldownOnRetry is an extra pause [RateLimiter.Wait] enforces before a
	// retried call, independent of the token buckets.
	CooldownOnRetry time.Duration
}

// RateLimiter enforces per-provider RPM, TPM, and concurrency ceilings using
// token buckets that refill continuously, plus an optional fixed cooldown
// used between retry attempts.
type RateLimiter struct {
	limits ProviderLimits

	mu         sync.Mutex
	rpmTokens  float64
	rpmLast    time.Time
	tpmTokens  float64
	tpmLast    time.Time
	concurrent int
}

// NewRateLimiter creates a RateLimiter with full buckets for the given
// limits.
func NewRateLimiter(limits ProviderLimits) *RateLimiter {
	now := time.Now()
	return &RateLimiter{
		limits:    limits,
		rpmTokens: float64(limits.RPM),
		rpmLast:   now,
		tpmTokens: float64(limits.TPM),
		tpmLast:   now,
	}
}

// Allow blocks until a request slot and an RPM token are both available, or
// ctx is done.
func (rl *RateLimiter) Allow(ctx context.Context) error {
	if rl.limits.MaxConcurrent > 0 {
		if err := rl.acquireConcurrency(ctx); err != nil {
			return err
		}
	}
	if rl.limits.RPM > 0 {
		rate := float64(rl.limits.RPM) / 60.0
		if err := rl.acquireBucket(ctx, &rl.rpmTokens, &rl.rpmLast, rate, float64(rl.limits.RPM), 1); err != nil {
			if rl.limits.MaxConcurrent > 0 {
				rl.Release()
			}
			return err
		}
	}
	return nil
}

// Release returns a concurrency slot acquired by Allow. It never drives the
// counter negative, so a stray Release is harmless.
func (rl *RateLimiter) Release() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.concurrent > 0 {
		rl.concurrent--
	}
}

// Wait enforces the configured CooldownOnRetry, or returns immediately if
// none is configured.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if rl.limits.CooldownOnRetry <= 0 {
		return nil
	}
	timer := time.NewTimer(rl.limits.CooldownOnRetry)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ConsumeTokens blocks until count TPM tokens are available, or ctx is
// done. A non-positive count or an unlimited (zero) TPM budget returns
// immediately.
func (rl *RateLimiter) ConsumeTokens(ctx context.Context, count int) error {
	if rl.limits.TPM <= 0 || count <= 0 {
		return nil
	}
	rate := float64(rl.limits.TPM) / 60.0
	return rl.acquireBucket(ctx, &rl.tpmTokens, &rl.tpmLast, rate, float64(rl.limits.TPM), float64(count))
}

func (rl *RateLimiter) acquireConcurrency(ctx context.Context) error {
	for {
		rl.mu.Lock()
		if rl.concurrent < rl.limits.MaxConcurrent {
			rl.concurrent++
			rl.mu.Unlock()
			return nil
		}
		rl.mu.Unlock()

		timer := time.NewTimer(5 * time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// acquireBucket consumes amount tokens from a lazily-refilled bucket
// (capacity cap, refill ratePerSec), blocking until enough accrue or ctx is
// done.
func (rl *RateLimiter) acquireBucket(ctx context.Context, tokens *float64, last *time.Time, ratePerSec, capacity, amount float64) error {
	for {
		rl.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(*last).Seconds()
		*tokens = math.Min(capacity, *tokens+elapsed*ratePerSec)
		*last = now
		if *tokens >= amount {
			*tokens -= amount
			rl.mu.Unlock()
			return nil
		}
		deficit := amount - *tokens
		rl.mu.Unlock()

		wait := time.Duration(deficit / ratePerSec * float64(time.Second))
		if wait > 20*time.Millisecond {
			wait = 20 * time.Millisecond
		}
		if wait <= 0 {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
