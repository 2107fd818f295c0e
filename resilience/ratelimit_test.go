package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRateLimiterUnlimitedByDefault(t *testing.T) {
	rl := NewRateLimiter(ProviderLimits{})
	for i := 0; i < 50; i++ {
		if err := rl.Allow(context.Background()); err != nil {
			t.Fatalf("Allow with no limits: %v", err)
		}
	}
	if err := rl.ConsumeTokens(context.Background(), 1_000_000); err != nil {
		t.Fatalf("ConsumeTokens with no TPM limit: %v", err)
	}
}

func TestRateLimiterConcurrencyCeiling(t *testing.T) {
	// A provider adapter capped at two in-flight synthesis calls.
	rl := NewRateLimiter(ProviderLimits{MaxConcurrent: 2})
	ctx := context.Background()

	if err := rl.Allow(ctx); err != nil {
		t.Fatalf("first Allow: %v", err)
	}
	if err := rl.Allow(ctx); err != nil {
		t.Fatalf("second Allow: %v", err)
	}

	// The third caller blocks until a slot frees.
	blocked, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if err := rl.Allow(blocked); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("third Allow = %v, want DeadlineExceeded while both slots are held", err)
	}

	rl.Release()
	if err := rl.Allow(ctx); err != nil {
		t.Fatalf("Allow after Release: %v", err)
	}
}

func TestRateLimiterReleaseNeverGoesNegative(t *testing.T) {
	rl := NewRateLimiter(ProviderLimits{MaxConcurrent: 1})
	ctx := context.Background()

	// Stray releases with nothing held are harmless.
	rl.Release()
	rl.Release()

	if err := rl.Allow(ctx); err != nil {
		t.Fatalf("Allow: %v", err)
	}
	// The single slot is genuinely held despite the earlier strays.
	blocked, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if err := rl.Allow(blocked); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second Allow = %v, want DeadlineExceeded", err)
	}
}

func TestRateLimiterRPMBucketExhausts(t *testing.T) {
	// Two requests per minute: the initial bucket allows two calls, the
	// third has to wait for refill far longer than this test permits.
	rl := NewRateLimiter(ProviderLimits{RPM: 2})
	ctx := context.Background()

	if err := rl.Allow(ctx); err != nil {
		t.Fatalf("first Allow: %v", err)
	}
	if err := rl.Allow(ctx); err != nil {
		t.Fatalf("second Allow: %v", err)
	}

	blocked, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if err := rl.Allow(blocked); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("third Allow = %v, want DeadlineExceeded on an empty bucket", err)
	}
}

func TestRateLimiterTPMBucketTracksUsage(t *testing.T) {
	// A 600-token-per-minute LLM budget: one 500-token completion fits,
	// the next does not until the bucket refills.
	rl := NewRateLimiter(ProviderLimits{TPM: 600})
	ctx := context.Background()

	if err := rl.ConsumeTokens(ctx, 500); err != nil {
		t.Fatalf("first ConsumeTokens: %v", err)
	}

	blocked, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if err := rl.ConsumeTokens(blocked, 500); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second ConsumeTokens = %v, want DeadlineExceeded", err)
	}

	// Zero and negative counts are free.
	if err := rl.ConsumeTokens(ctx, 0); err != nil {
		t.Fatalf("zero-count ConsumeTokens: %v", err)
	}
}

func TestRateLimiterWaitEnforcesCooldown(t *testing.T) {
	rl := NewRateLimiter(ProviderLimits{CooldownOnRetry: 20 * time.Millisecond})

	start := time.Now()
	if err := rl.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Fatalf("Wait returned after %v, want at least the configured cooldown", elapsed)
	}
}

func TestRateLimiterWaitWithoutCooldownReturnsImmediately(t *testing.T) {
	rl := NewRateLimiter(ProviderLimits{})
	start := time.Now()
	if err := rl.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if time.Since(start) > 10*time.Millisecond {
		t.Fatal("Wait with no cooldown should not sleep")
	}
}

func TestRateLimiterWaitObservesCancellation(t *testing.T) {
	rl := NewRateLimiter(ProviderLimits{CooldownOnRetry: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := rl.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait = %v, want context.Canceled", err)
	}
}
