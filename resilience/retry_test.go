package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	core "github.com/voxnexus/core"
)

// fastPolicy keeps backoff in the microsecond range so tests don't sleep.
func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    attempts,
		InitialBackoff: time.Microsecond,
		MaxBackoff:     time.Millisecond,
		BackoffFactor:  2.0,
	}
}

func TestRetryFirstAttemptSucceeds(t *testing.T) {
	calls := 0
	got, err := Retry(context.Background(), fastPolicy(3), func(ctx context.Context) (string, error) {
		calls++
		return "synthesized audio", nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if got != "synthesized audio" || calls != 1 {
		t.Fatalf("got %q after %d calls, want success on the first", got, calls)
	}
}

func TestRetryRecoversFromRateLimit(t *testing.T) {
	// An LLM adapter being throttled: two 429s, then success.
	calls := 0
	got, err := Retry(context.Background(), fastPolicy(5), func(ctx context.Context) (string, error) {
		calls++
		if calls <= 2 {
			return "", core.NewError("llm.Complete", core.ErrRateLimit, "429 too many requests", nil)
		}
		return "the reply", nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if got != "the reply" || calls != 3 {
		t.Fatalf("got %q after %d calls, want success on the third", got, calls)
	}
}

func TestRetryDoesNotRetryMisconfiguredProvider(t *testing.T) {
	// A missing API key never heals by retrying.
	calls := 0
	_, err := Retry(context.Background(), fastPolicy(5), func(ctx context.Context) (string, error) {
		calls++
		return "", core.NewError("tts.Synthesize", core.ErrProviderMisconfigured, "api_key is required", nil)
	})
	if err == nil {
		t.Fatal("expected the misconfiguration error to surface")
	}
	if calls != 1 {
		t.Fatalf("provider called %d times, want exactly 1 for a non-retryable error", calls)
	}
}

func TestRetryExhaustsAttemptsAndReturnsLastError(t *testing.T) {
	calls := 0
	wantErr := core.NewError("stt.Transcribe", core.ErrProviderDown, "upstream 503", nil)
	_, err := Retry(context.Background(), fastPolicy(3), func(ctx context.Context) (string, error) {
		calls++
		return "", wantErr
	})
	if calls != 3 {
		t.Fatalf("provider called %d times, want 3 (MaxAttempts)", calls)
	}
	var ce *core.Error
	if !errors.As(err, &ce) || ce.Code != core.ErrProviderDown {
		t.Fatalf("err = %v, want the provider's last error", err)
	}
}

func TestRetryHonorsExtraRetryableCodes(t *testing.T) {
	// Tool failures are not retryable by default, but a policy can opt in.
	policy := fastPolicy(3)
	policy.RetryableErrors = []core.ErrorCode{core.ErrToolFailed}

	calls := 0
	got, err := Retry(context.Background(), policy, func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", core.NewError("toolsynth.Invoke", core.ErrToolFailed, "webhook 500", nil)
		}
		return "tool result", nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if got != "tool result" || calls != 2 {
		t.Fatalf("got %q after %d calls, want success on the second", got, calls)
	}
}

func TestRetryStopsOnContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	policy := fastPolicy(10)
	policy.InitialBackoff = time.Hour // force the retry to block in backoff

	done := make(chan error, 1)
	go func() {
		_, err := Retry(ctx, policy, func(ctx context.Context) (string, error) {
			return "", core.NewError("llm.Complete", core.ErrProviderDown, "503", nil)
		})
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Retry did not observe cancellation during backoff")
	}
}

func TestDefaultRetryPolicyShape(t *testing.T) {
	p := DefaultRetryPolicy()
	if p.MaxAttempts != 3 {
		t.Fatalf("MaxAttempts = %d, want 3", p.MaxAttempts)
	}
	if !p.Jitter {
		t.Fatal("default policy should jitter to avoid thundering herds")
	}
}
