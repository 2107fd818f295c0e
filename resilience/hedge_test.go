package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	core "github.com/voxnexus/core"
)

// The hedge scenarios mirror the TTS fallback path: primary is the
// voice-cloning service, secondary the cloud TTS.

func TestHedgeFastPrimaryWinsWithoutStartingSecondary(t *testing.T) {
	var secondaryStarted atomic.Bool

	got, err := Hedge(context.Background(),
		func(ctx context.Context) (string, error) { return "cloned voice audio", nil },
		func(ctx context.Context) (string, error) {
			secondaryStarted.Store(true)
			return "cloud audio", nil
		},
		50*time.Millisecond,
	)
	if err != nil {
		t.Fatalf("Hedge: %v", err)
	}
	if got != "cloned voice audio" {
		t.Fatalf("got %q, want the primary's result", got)
	}
	if secondaryStarted.Load() {
		t.Fatal("secondary must not start while the primary answers within the delay")
	}
}

func TestHedgeSlowPrimaryLosesToSecondary(t *testing.T) {
	got, err := Hedge(context.Background(),
		func(ctx context.Context) (string, error) {
			select {
			case <-time.After(time.Second):
				return "cloned voice audio", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
		func(ctx context.Context) (string, error) { return "cloud audio", nil },
		5*time.Millisecond,
	)
	if err != nil {
		t.Fatalf("Hedge: %v", err)
	}
	if got != "cloud audio" {
		t.Fatalf("got %q, want the hedged secondary's result", got)
	}
}

func TestHedgeFailingPrimaryFallsBackImmediately(t *testing.T) {
	start := time.Now()
	got, err := Hedge(context.Background(),
		func(ctx context.Context) (string, error) {
			return "", core.NewError("tts.Synthesize", core.ErrProviderDown, "clone service down", nil)
		},
		func(ctx context.Context) (string, error) { return "cloud audio", nil },
		time.Second,
	)
	if err != nil {
		t.Fatalf("Hedge: %v", err)
	}
	if got != "cloud audio" {
		t.Fatalf("got %q, want the fallback's result", got)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("fallback should start on primary failure, not wait out the hedge delay")
	}
}

func TestHedgeBothFailReturnsPrimaryError(t *testing.T) {
	primaryErr := core.NewError("tts.Synthesize", core.ErrProviderDown, "clone service down", nil)
	_, err := Hedge(context.Background(),
		func(ctx context.Context) (string, error) { return "", primaryErr },
		func(ctx context.Context) (string, error) {
			return "", core.NewError("tts.Synthesize", core.ErrRateLimit, "cloud 429", nil)
		},
		time.Millisecond,
	)
	var ce *core.Error
	if !errors.As(err, &ce) || ce.Code != core.ErrProviderDown {
		t.Fatalf("err = %v, want the primary's error when both fail", err)
	}
}

func TestHedgeLatePrimarySuccessBeatsFailedSecondary(t *testing.T) {
	got, err := Hedge(context.Background(),
		func(ctx context.Context) (string, error) {
			time.Sleep(30 * time.Millisecond)
			return "cloned voice audio", nil
		},
		func(ctx context.Context) (string, error) {
			return "", core.NewError("tts.Synthesize", core.ErrProviderDown, "cloud down", nil)
		},
		time.Millisecond,
	)
	if err != nil {
		t.Fatalf("Hedge: %v", err)
	}
	if got != "cloned voice audio" {
		t.Fatalf("got %q, want the slow-but-successful primary", got)
	}
}

func TestHedgeObservesContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	blocked := func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
	_, err := Hedge(ctx, blocked, blocked, 10*time.Millisecond)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
