package guardian

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/voxnexus/core/internal/domain"
)

func testConfig() *domain.GuardianConfig {
	return &domain.GuardianConfig{
		CriticalKeywords:     []string{"suicide", "kill myself"},
		HighRiskKeywords:     []string{"lawsuit", "sue you"},
		MediumRiskKeywords:   []string{"frustrated", "cancel"},
		AutoHandoffThreshold: 0.7,
		Enabled:              true,
	}
}

func TestObserveClassifiesCriticalKeyword(t *testing.T) {
	a := NewAccumulator()
	ev := a.Observe(testConfig(), "I feel like committing suicide")
	if ev.Level != domain.RiskCritical {
		t.Fatalf("expected RiskCritical, got %s", ev.Level)
	}
}

func TestMaxRiskLevelIsMonotonic(t *testing.T) {
	a := NewAccumulator()
	a.Observe(testConfig(), "I am a bit frustrated today")
	_, _, max1, _ := a.Snapshot()
	if max1 != domain.RiskMedium {
		t.Fatalf("expected RiskMedium after first observation, got %s", max1)
	}

	a.Observe(testConfig(), "this is fine, thanks")
	_, _, max2, _ := a.Snapshot()
	if max2 < max1 {
		t.Fatalf("maxRiskLevel decreased: %s -> %s", max1, max2)
	}

	a.Observe(testConfig(), "I am going to sue you")
	_, _, max3, _ := a.Snapshot()
	if max3 != domain.RiskHigh {
		t.Fatalf("expected RiskHigh after high-risk keyword, got %s", max3)
	}
}

func TestShouldInterveneOnCritical(t *testing.T) {
	a := NewAccumulator()
	a.Observe(testConfig(), "I want to kill myself")
	if !a.ShouldIntervene(testConfig()) {
		t.Fatal("expected intervention on critical risk")
	}
}

func TestShouldInterveneWhenScoreCrossesThreshold(t *testing.T) {
	cfg := testConfig()
	a := NewAccumulator()
	a.Observe(cfg, "I am going to sue you, this is unacceptable")
	if got := a.RiskScore(); got < cfg.AutoHandoffThreshold {
		t.Fatalf("RiskScore() = %v, expected at least %v", got, cfg.AutoHandoffThreshold)
	}
	if !a.ShouldIntervene(cfg) {
		t.Fatal("expected intervention: high risk with very negative sentiment")
	}
}

func TestShouldInterveneMediumRiskWithSouredSentiment(t *testing.T) {
	// A MEDIUM-level session can still cross a lower configured threshold
	// on sentiment alone; no HIGH keyword is required.
	cfg := testConfig()
	cfg.AutoHandoffThreshold = 0.5
	a := NewAccumulator()
	a.Observe(cfg, "I am so frustrated, this is terrible and awful, cancel everything")
	if !a.ShouldIntervene(cfg) {
		t.Fatalf("expected intervention at score %v with threshold %v", a.RiskScore(), cfg.AutoHandoffThreshold)
	}
}

func TestShouldInterveneDisabledConfigNeverFires(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	a := NewAccumulator()
	a.Observe(cfg, "I feel like committing suicide")
	if a.ShouldIntervene(cfg) {
		t.Fatal("a disabled guardian config must never intervene")
	}
}

func TestRiskEventLogIsCapped(t *testing.T) {
	a := NewAccumulator()
	cfg := testConfig()
	for i := 0; i < maxRiskEvents+10; i++ {
		a.Observe(cfg, "I am going to sue you")
	}
	_, _, _, events := a.Snapshot()
	if len(events) != maxRiskEvents {
		t.Fatalf("expected event log capped at %d, got %d", maxRiskEvents, len(events))
	}
}

func TestCompoundScoreNeutralForNoHits(t *testing.T) {
	if got := CompoundScore("the quick brown fox jumps"); got != 0 {
		t.Fatalf("expected neutral score 0, got %v", got)
	}
}

func TestCompoundScorePositiveAndNegative(t *testing.T) {
	if got := CompoundScore("thank you so much, great job"); got <= 0 {
		t.Fatalf("expected positive score, got %v", got)
	}
	if got := CompoundScore("this is terrible and unacceptable"); got >= 0 {
		t.Fatalf("expected negative score, got %v", got)
	}
}

type fakeLock struct {
	mu       sync.Mutex
	held     map[string]string
	acquires int
}

func newFakeLock() *fakeLock { return &fakeLock{held: make(map[string]string)} }

func (f *fakeLock) AcquireTakeoverLock(ctx context.Context, sessionID, owner string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquires++
	if _, ok := f.held[sessionID]; ok {
		return false, nil
	}
	f.held[sessionID] = owner
	return true, nil
}

func (f *fakeLock) ReleaseTakeoverLock(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.held, sessionID)
	return nil
}

type fakeSession struct {
	muted bool
}

func (s *fakeSession) Mute(ctx context.Context)   { s.muted = true }
func (s *fakeSession) Unmute(ctx context.Context) { s.muted = false }

func TestCommandBusTakeoverMutesAndReleases(t *testing.T) {
	lock := newFakeLock()
	bus := NewCommandBus(lock)
	sess := &fakeSession{}

	var observedMuted bool
	err := bus.Takeover(context.Background(), "sess-1", "guardian-a", sess, func(ctx context.Context) error {
		observedMuted = sess.muted
		return nil
	})
	if err != nil {
		t.Fatalf("Takeover: %v", err)
	}
	if !observedMuted {
		t.Fatal("expected session to be muted during intervention")
	}
	if sess.muted {
		t.Fatal("expected session to be unmuted after intervention returns")
	}
	if _, held := lock.held["sess-1"]; held {
		t.Fatal("expected lock released after takeover completes")
	}
}

func TestCommandBusTakeoverContentionFails(t *testing.T) {
	lock := newFakeLock()
	lock.held["sess-1"] = "other-owner"
	bus := NewCommandBus(lock)
	sess := &fakeSession{}

	err := bus.Takeover(context.Background(), "sess-1", "guardian-a", sess, func(ctx context.Context) error {
		t.Fatal("intervene should not run when the lock is already held")
		return nil
	})
	if err == nil {
		t.Fatal("expected an error on lock contention")
	}
}

func TestCommandBusReleaseIsUnconditional(t *testing.T) {
	lock := newFakeLock()
	bus := NewCommandBus(lock)
	if err := bus.Release(context.Background(), "never-locked"); err != nil {
		t.Fatalf("Release: %v", err)
	}
}
