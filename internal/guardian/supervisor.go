package guardian

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/voxnexus/core/internal/domain"
	"github.com/voxnexus/core/internal/otelx"
)

// EventPublisher is the subset of the broker's capability the Supervisor
// needs to push events on `guardian:events` and `guardian:alerts`.
type EventPublisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Event is the typed envelope published on the events channel.
type Event struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversation_id"`
	At             time.Time `json:"at"`
	MeanSentiment  float64   `json:"mean_sentiment,omitempty"`
	RiskLevel      string    `json:"risk_level,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	Excerpt        string    `json:"excerpt,omitempty"`
}

// Alert is the envelope published on the alerts channel for operational
// failures that are non-fatal to the session, like a Guardian config that
// failed to load.
type Alert struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversation_id,omitempty"`
	AgentConfigID  string    `json:"agent_config_id,omitempty"`
	Message        string    `json:"message"`
	At             time.Time `json:"at"`
}

// Command is the wire shape of a takeover/release instruction published
// on `guardian:takeover`.
type Command struct {
	ConversationID string    `json:"conversationId"`
	Command        string    `json:"command"` // "takeover" | "release"
	Timestamp      time.Time `json:"timestamp"`
}

const (
	EventSentimentUpdate = "sentiment_update"
	EventRiskDetected     = "risk_detected"

	CommandTakeover = "takeover"
	CommandRelease  = "release"
)

// SupervisorSession is the in-memory per-conversation state the Supervisor
// tracks: the risk accumulator, the live
// human-takeover flag, and the callback that mutes/unmutes the owning
// controller.
type SupervisorSession struct {
	ConversationID string
	AgentConfigID  string
	DeviceID       string // SIP extension id, when the session is SIP-origin
	Accumulator    *Accumulator
	Callback       TakeoverController

	mu          sync.Mutex
	humanActive bool
}

func (s *SupervisorSession) setHumanActive(v bool) {
	s.mu.Lock()
	s.humanActive = v
	s.mu.Unlock()
}

// HumanActive reports whether a human operator currently owns this
// session's audio.
func (s *SupervisorSession) HumanActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.humanActive
}

// dedupWindow caps how many recently-processed command keys the Supervisor
// remembers before evicting the oldest, bounding memory for a long-running
// process while keeping commands at-most-once per command id.
const dedupWindow = 4096

// Supervisor is the Guardian core: a registry of live SupervisorSessions, the
// risk-classification pipeline, and the command-bus listener that executes
// takeover/release under the broker's fencing lock.
type Supervisor struct {
	bus       *CommandBus
	publisher EventPublisher
	ownerID   string

	mu               sync.Mutex
	sessions         map[string]*SupervisorSession
	deviceFallback   map[string]*SupervisorSession
	processedCmds    map[string]struct{}
	processedCmdsQ   []string
	configs          map[string]*domain.GuardianConfig
}

// NewSupervisor builds a Supervisor. ownerID is this process's identity,
// written as the fencing lock's value so a stale lock can be attributed in
// logs.
func NewSupervisor(bus *CommandBus, publisher EventPublisher, ownerID string) *Supervisor {
	return &Supervisor{
		bus:            bus,
		publisher:      publisher,
		ownerID:        ownerID,
		sessions:       make(map[string]*SupervisorSession),
		deviceFallback: make(map[string]*SupervisorSession),
		processedCmds:  make(map[string]struct{}),
		configs:        make(map[string]*domain.GuardianConfig),
	}
}

// Open registers a new SupervisorSession and loads its agent's
// GuardianConfig. A config load failure is non-fatal: it publishes a
// config_load_failed alert and the session proceeds with whatever config
// was last known for this agent, or an empty (never-intervening) one if
// none was ever loaded.
func (sup *Supervisor) Open(ctx context.Context, session *SupervisorSession, load func(context.Context) (*domain.GuardianConfig, error)) {
	sup.mu.Lock()
	sup.sessions[session.ConversationID] = session
	if session.DeviceID != "" {
		sup.deviceFallback[session.DeviceID] = session
	}
	sup.mu.Unlock()

	cfg, err := load(ctx)
	if err != nil {
		// Non-fatal: keep whatever config (if any) configFor already has
		// cached for this agent and proceed with last-known values.
		sup.publishAlert(ctx, Alert{
			Type:           "config_load_failed",
			ConversationID: session.ConversationID,
			AgentConfigID:  session.AgentConfigID,
			Message:        err.Error(),
			At:             time.Now(),
		})
		return
	}
	sup.mu.Lock()
	sup.configs[session.AgentConfigID] = cfg
	sup.mu.Unlock()
}

// Close unregisters a session and unconditionally releases its fencing
// lock, purging any orphan left by a crashed holder.
func (sup *Supervisor) Close(ctx context.Context, conversationID string) {
	sup.mu.Lock()
	session := sup.sessions[conversationID]
	delete(sup.sessions, conversationID)
	if session != nil && session.DeviceID != "" {
		delete(sup.deviceFallback, session.DeviceID)
	}
	sup.mu.Unlock()
	sup.bus.Release(ctx, conversationID)
}

// AnyHumanActive reports whether at least one live session currently has a
// human operator in control, for the admin surface's `GET /health`
// `guardian_active` flag.
func (sup *Supervisor) AnyHumanActive() bool {
	sup.mu.Lock()
	sessions := make([]*SupervisorSession, 0, len(sup.sessions))
	for _, s := range sup.sessions {
		sessions = append(sessions, s)
	}
	sup.mu.Unlock()
	for _, s := range sessions {
		if s.HumanActive() {
			return true
		}
	}
	return false
}

// configFor returns the last-loaded GuardianConfig for an agent, or an
// empty never-intervening one if none has been loaded.
func (sup *Supervisor) configFor(agentConfigID string) *domain.GuardianConfig {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	if cfg, ok := sup.configs[agentConfigID]; ok {
		return cfg
	}
	return &domain.GuardianConfig{AgentConfigID: agentConfigID}
}

// ObserveTranscript runs the analysis pipeline for one finalized
// transcript, publishes sentiment_update / risk_detected, and, if the
// intervention predicate fires, emits a takeover command on the
// guardian:takeover channel rather than acting directly, so the auto-handoff decision is
// delivered through the same command bus as an operator-initiated
// takeover.
func (sup *Supervisor) ObserveTranscript(ctx context.Context, conversationID, text string) {
	sup.mu.Lock()
	session := sup.sessions[conversationID]
	sup.mu.Unlock()
	if session == nil {
		return
	}
	cfg := sup.configFor(session.AgentConfigID)
	transcriptCounter.Add(ctx, 1)

	ev := session.Accumulator.Observe(cfg, text)
	_, mean, _, _ := session.Accumulator.Snapshot()

	sup.publishEvent(ctx, Event{
		Type:           EventSentimentUpdate,
		ConversationID: conversationID,
		At:             time.Now(),
		MeanSentiment:  mean,
	})

	if ev.Level > domain.RiskLow {
		countRisk(ctx, ev.Level.String())
		sup.publishEvent(ctx, Event{
			Type:           EventRiskDetected,
			ConversationID: conversationID,
			At:             ev.At,
			RiskLevel:      ev.Level.String(),
			Reason:         ev.Reason,
			Excerpt:        ev.Excerpt,
		})
	}

	if !session.HumanActive() && session.Accumulator.ShouldIntervene(cfg) {
		sup.emitTakeover(ctx, conversationID)
	}
}

func (sup *Supervisor) emitTakeover(ctx context.Context, conversationID string) {
	if sup.publisher == nil {
		return
	}
	payload, err := json.Marshal(Command{ConversationID: conversationID, Command: CommandTakeover, Timestamp: time.Now()})
	if err != nil {
		return
	}
	takeoverCounter.Add(ctx, 1)
	_ = sup.publisher.Publish(ctx, "guardian:takeover", payload)
}

// HandleCommand processes one takeover/release command observed on the
// broker. It deduplicates by (command, timestamp, conversationId),
// resolves the target session — preferring an exact conversation match,
// falling back to any locally-active device-scoped session — and drives
// the fencing lock via the CommandBus.
func (sup *Supervisor) HandleCommand(ctx context.Context, cmd Command) error {
	ctx, span := otelx.StartSpan(ctx, "guardian.HandleCommand", cmd.ConversationID)
	defer span.End()

	key := cmd.Command + "|" + cmd.Timestamp.UTC().Format(time.RFC3339Nano) + "|" + cmd.ConversationID
	if sup.seen(key) {
		return nil
	}

	session := sup.resolveSession(cmd.ConversationID)
	if session == nil {
		return nil
	}

	switch cmd.Command {
	case CommandTakeover:
		return sup.bus.Execute(ctx, session.ConversationID, sup.ownerID, func(ctx context.Context) error {
			session.Callback.Mute(ctx)
			session.setHumanActive(true)
			return nil
		})
	case CommandRelease:
		return sup.bus.Execute(ctx, session.ConversationID, sup.ownerID, func(ctx context.Context) error {
			session.Callback.Unmute(ctx)
			session.setHumanActive(false)
			return nil
		})
	default:
		return nil
	}
}

func (sup *Supervisor) resolveSession(conversationID string) *SupervisorSession {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	if s, ok := sup.sessions[conversationID]; ok {
		return s
	}
	// Fall back to any locally-active device-scoped callback: typically
	// exactly one per SIP-bridge process.
	for _, s := range sup.deviceFallback {
		return s
	}
	return nil
}

func (sup *Supervisor) seen(key string) bool {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	if _, ok := sup.processedCmds[key]; ok {
		return true
	}
	sup.processedCmds[key] = struct{}{}
	sup.processedCmdsQ = append(sup.processedCmdsQ, key)
	if len(sup.processedCmdsQ) > dedupWindow {
		oldest := sup.processedCmdsQ[0]
		sup.processedCmdsQ = sup.processedCmdsQ[1:]
		delete(sup.processedCmds, oldest)
	}
	return false
}

func (sup *Supervisor) publishEvent(ctx context.Context, ev Event) {
	if sup.publisher == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_ = sup.publisher.Publish(ctx, "guardian:events", payload)
}

func (sup *Supervisor) publishAlert(ctx context.Context, a Alert) {
	if sup.publisher == nil {
		return
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return
	}
	_ = sup.publisher.Publish(ctx, "guardian:alerts", payload)
}

// Listen subscribes to the takeover command channel and dispatches every
// received message to HandleCommand until ctx is cancelled. recv is a
// channel of raw message payloads, decoupling this loop from the broker's
// concrete pub/sub type so it is trivially testable.
func (sup *Supervisor) Listen(ctx context.Context, recv <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-recv:
			if !ok {
				return
			}
			var cmd Command
			if err := json.Unmarshal(payload, &cmd); err != nil {
				continue
			}
			_ = sup.HandleCommand(ctx, cmd)
		}
	}
}
