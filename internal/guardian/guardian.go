// Package guardian implements the call Supervisor: a per-session
// running accumulator over the live transcript (message count, mean
// sentiment, max risk level, a capped risk-event log), keyword-based risk
// classification, the intervention predicate, and the command bus that
// takes over a session through the broker's fencing lock.
package guardian

import (
	"context"
	"strings"
	"sync"
	"time"

	core "github.com/voxnexus/core"
	"github.com/voxnexus/core/internal/domain"
)

// maxRiskEvents caps the per-session risk-event log at the last 10 entries.
const maxRiskEvents = 10

// RiskEvent is one keyword/sentiment trigger recorded against a session.
type RiskEvent struct {
	At      time.Time
	Level   domain.RiskLevel
	Reason  string
	Excerpt string
}

// Accumulator tracks one session's running risk state. Safe for concurrent
// use: the turn engine feeds it from the audio-processing goroutine while
// the admin surface may read it concurrently.
type Accumulator struct {
	mu              sync.Mutex
	messageCount    int
	sentimentTotal  float64
	maxRisk         domain.RiskLevel
	events          []RiskEvent
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Observe scores one user turn's text, updates the running mean sentiment,
// classifies its risk level against cfg's keyword sets, and returns the
// resulting RiskEvent; only events at RiskHigh or above are appended to the
// capped risk-event log. The maximum observed risk level is monotonic
// non-decreasing for the lifetime of the accumulator.
func (a *Accumulator) Observe(cfg *domain.GuardianConfig, text string) RiskEvent {
	score := CompoundScore(text)
	level, reason := classifyRisk(cfg, text)
	level, reason = liftLevel(level, reason, score)

	a.mu.Lock()
	defer a.mu.Unlock()

	a.messageCount++
	a.sentimentTotal += score
	if level > a.maxRisk {
		a.maxRisk = level
	}

	ev := RiskEvent{At: time.Now(), Level: level, Reason: reason, Excerpt: excerpt(text)}
	if level >= domain.RiskHigh {
		a.events = append(a.events, ev)
		if len(a.events) > maxRiskEvents {
			a.events = a.events[len(a.events)-maxRiskEvents:]
		}
	}
	return ev
}

// Snapshot returns the accumulator's current read-only state.
func (a *Accumulator) Snapshot() (messageCount int, meanSentiment float64, maxRisk domain.RiskLevel, events []RiskEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	mean := 0.0
	if a.messageCount > 0 {
		mean = a.sentimentTotal / float64(a.messageCount)
	}
	out := make([]RiskEvent, len(a.events))
	copy(out, a.events)
	return a.messageCount, mean, a.maxRisk, out
}

// RiskScore condenses the accumulator into a single score in [0, 1]: the
// max observed risk level contributes in thirds (LOW 0 through CRITICAL 1)
// and a negative running-mean sentiment adds up to one further third, so a
// lower-level session with a badly souring mean can still cross a
// configured threshold.
func (a *Accumulator) RiskScore() float64 {
	_, mean, maxRisk, _ := a.Snapshot()
	score := float64(maxRisk) / 3
	if mean < 0 {
		score += -mean / 3
	}
	if score > 1 {
		return 1
	}
	return score
}

// ShouldIntervene applies the intervention predicate: the Guardian takes
// over when the condensed risk score reaches the agent's configured
// handoff threshold, or unconditionally once CRITICAL has been observed.
// A disabled (or never-loaded) config never intervenes.
func (a *Accumulator) ShouldIntervene(cfg *domain.GuardianConfig) bool {
	if cfg == nil || !cfg.Enabled {
		return false
	}
	_, _, maxRisk, _ := a.Snapshot()
	if maxRisk >= domain.RiskCritical {
		return true
	}
	return a.RiskScore() >= cfg.AutoHandoffThreshold
}

// classifyRisk matches text against cfg's categorized keyword sets,
// returning the highest matching category.
func classifyRisk(cfg *domain.GuardianConfig, text string) (domain.RiskLevel, string) {
	lower := strings.ToLower(text)
	if kw, ok := matchAny(lower, cfg.CriticalKeywords); ok {
		return domain.RiskCritical, "matched critical keyword: " + kw
	}
	if kw, ok := matchAny(lower, cfg.HighRiskKeywords); ok {
		return domain.RiskHigh, "matched high-risk keyword: " + kw
	}
	if kw, ok := matchAny(lower, cfg.MediumRiskKeywords); ok {
		return domain.RiskMedium, "matched medium-risk keyword: " + kw
	}
	return domain.RiskLow, ""
}

// strongNegativeSentiment is the compound-score cutoff at or below which a
// LOW classification is lifted to MEDIUM.
const strongNegativeSentiment = -0.5

func liftLevel(level domain.RiskLevel, reason string, score float64) (domain.RiskLevel, string) {
	if level == domain.RiskLow && score <= strongNegativeSentiment {
		return domain.RiskMedium, "lifted from LOW: strong negative sentiment"
	}
	return level, reason
}

func matchAny(haystack string, keywords []string) (string, bool) {
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(haystack, strings.ToLower(kw)) {
			return kw, true
		}
	}
	return "", false
}

func excerpt(text string) string {
	const maxLen = 200
	if len(text) <= maxLen {
		return text
	}
	return text[:maxLen]
}

// TakeoverController is the capability a session exposes to the command
// bus: mute and unmute the session's turn engine.
type TakeoverController interface {
	Mute(ctx context.Context)
	Unmute(ctx context.Context)
}

// FencingLock is the subset of the broker's capability the command bus
// needs to hold exclusive control of one session's takeover.
type FencingLock interface {
	AcquireTakeoverLock(ctx context.Context, sessionID, owner string, ttl time.Duration) (bool, error)
	ReleaseTakeoverLock(ctx context.Context, sessionID string) error
}

const takeoverLockTTL = 30 * time.Second

// CommandBus mediates a Guardian takeover: acquire the fencing lock, mute
// the session, run the intervention, and always release the lock on exit.
type CommandBus struct {
	lock FencingLock
}

// NewCommandBus wraps a FencingLock implementation (the broker).
func NewCommandBus(lock FencingLock) *CommandBus {
	return &CommandBus{lock: lock}
}

// Takeover attempts to acquire the fencing lock for sessionID and, on
// success, mutes the session and runs intervene while the lock is held.
// Returns core.ErrLockContention if another owner already holds the lock.
func (c *CommandBus) Takeover(ctx context.Context, sessionID, owner string, session TakeoverController, intervene func(ctx context.Context) error) error {
	ok, err := c.lock.AcquireTakeoverLock(ctx, sessionID, owner, takeoverLockTTL)
	if err != nil {
		return err
	}
	if !ok {
		return core.NewError("guardian.Takeover", core.ErrLockContention, "takeover lock already held for session "+sessionID, nil)
	}
	defer c.lock.ReleaseTakeoverLock(ctx, sessionID)

	session.Mute(ctx)
	defer session.Unmute(ctx)

	return intervene(ctx)
}

// Release unconditionally clears the fencing lock for sessionID, called
// when a session ends regardless of whether a takeover was ever acquired.
func (c *CommandBus) Release(ctx context.Context, sessionID string) error {
	return c.lock.ReleaseTakeoverLock(ctx, sessionID)
}

// Execute runs fn while holding the fencing lock for sessionID, releasing
// it unconditionally in a finally branch regardless of fn's outcome.
// Unlike Takeover, it does not impose any
// mute/unmute pairing on fn — callers whose mute state must outlive a
// single command (a takeover that persists until a separate, later release
// command) drive that state from inside fn themselves.
func (c *CommandBus) Execute(ctx context.Context, sessionID, owner string, fn func(ctx context.Context) error) error {
	ok, err := c.lock.AcquireTakeoverLock(ctx, sessionID, owner, takeoverLockTTL)
	if err != nil {
		return err
	}
	if !ok {
		return core.NewError("guardian.Execute", core.ErrLockContention, "takeover lock already held for session "+sessionID, nil)
	}
	defer c.lock.ReleaseTakeoverLock(ctx, sessionID)
	return fn(ctx)
}
