// Package turnengine implements the VAD-gated conversation state
// machine: IDLE → GREETING → LISTENING → TRANSCRIBING → THINKING →
// SPEAKING → LISTENING, with MUTED (Guardian takeover) and TERMINATED side
// states. It owns the bounded message history handed to the LLM provider
// and the Supervisor transcript feed.
package turnengine

import (
	"context"
	"strings"
	"sync"

	core "github.com/voxnexus/core"
	"github.com/voxnexus/core/internal/domain"
	"github.com/voxnexus/core/internal/hookutil"
	"github.com/voxnexus/core/internal/otelx"
	"github.com/voxnexus/core/internal/provider/llm"
	"github.com/voxnexus/core/internal/provider/stt"
	"github.com/voxnexus/core/internal/provider/tts"
)

// Hook lets a caller observe an engine's state transitions without
// changing its behavior, e.g. for an admin dashboard's live call view.
type Hook struct {
	OnStateChange func(ctx context.Context, from, to State)
}

// State is one node of the turn-taking state machine.
type State string

const (
	StateIdle          State = "IDLE"
	StateGreeting      State = "GREETING"
	StateListening     State = "LISTENING"
	StateTranscribing  State = "TRANSCRIBING"
	StateThinking      State = "THINKING"
	StateSpeaking      State = "SPEAKING"
	StateMuted         State = "MUTED"
	StateTerminated    State = "TERMINATED"
)

// maxHistoryTurns bounds the message window handed to the LLM on every
// completion; the system instruction is never trimmed.
const maxHistoryTurns = 20

// TranscriptSink receives every finalized user/assistant turn, feeding the
// Guardian Supervisor's per-session accumulator.
type TranscriptSink interface {
	OnTurn(ctx context.Context, role domain.MessageRole, text string)
}

// AudioOut is the sink the engine writes synthesized speech frames to
// (the SIP bridge or the WebRTC publisher, depending on origin).
type AudioOut interface {
	WriteAudio(ctx context.Context, pcm16 []byte, sampleRate int) error
}

// ToolInvoker resolves a provider tool call into a result string, delegated
// to the tool synthesizer so the engine stays provider-agnostic.
type ToolInvoker interface {
	Invoke(ctx context.Context, call llm.ToolCall) (string, error)
}

// Engine drives one conversation's turn-taking. Not safe for concurrent use
// from more than one audio-processing goroutine; the Guardian command path
// uses its own locked methods.
type Engine struct {
	llmProvider llm.Provider
	sttProvider stt.Provider
	ttsProvider tts.Provider
	tools       []llm.ToolSpec
	invoker     ToolInvoker
	sink        TranscriptSink
	out         AudioOut

	systemPrompt string
	sampleRate   int

	mu      sync.Mutex
	state   State
	history []llm.Message
	hooks   []Hook
	onState func(ctx context.Context, from, to State)
}

// AddHook registers an observer for this engine's state transitions. Hooks
// run synchronously on the goroutine that made the transition, in
// registration order, after the transition has already taken effect.
func (e *Engine) AddHook(h Hook) {
	e.mu.Lock()
	e.hooks = append(e.hooks, h)
	e.onState = hookutil.ComposeVoid2(e.hooks, func(h Hook) func(context.Context, State, State) { return h.OnStateChange })
	e.mu.Unlock()
}

// New builds an Engine for one conversation. systemPrompt should already
// include any adaptive-memory suffix the caller computed.
func New(llmProvider llm.Provider, sttProvider stt.Provider, ttsProvider tts.Provider, tools []llm.ToolSpec, invoker ToolInvoker, sink TranscriptSink, out AudioOut, systemPrompt string, sampleRate int) *Engine {
	return &Engine{
		llmProvider:  llmProvider,
		sttProvider:  sttProvider,
		ttsProvider:  ttsProvider,
		tools:        tools,
		invoker:      invoker,
		sink:         sink,
		out:          out,
		systemPrompt: systemPrompt,
		sampleRate:   sampleRate,
		state:        StateIdle,
	}
}

// State returns the current turn state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(ctx context.Context, s State) {
	e.mu.Lock()
	from := e.state
	e.state = s
	onState := e.onState
	e.mu.Unlock()
	if onState != nil && from != s {
		onState(ctx, from, s)
	}
}

// Greet synthesizes and emits the configured greeting, transitioning
// IDLE → GREETING → LISTENING.
func (e *Engine) Greet(ctx context.Context, greetingText string) error {
	e.setState(ctx, StateGreeting)
	if err := e.speak(ctx, greetingText); err != nil {
		return err
	}
	e.setState(ctx, StateListening)
	return nil
}

// Mute transitions into MUTED, used while the Guardian holds the takeover
// fencing lock on this session. No audio is processed until Unmute.
func (e *Engine) Mute(ctx context.Context) {
	e.setState(ctx, StateMuted)
}

// Unmute returns to LISTENING after a Guardian takeover releases the lock.
func (e *Engine) Unmute(ctx context.Context) {
	e.setState(ctx, StateListening)
}

// Terminate ends the conversation; no further state transitions occur.
func (e *Engine) Terminate(ctx context.Context) {
	e.setState(ctx, StateTerminated)
}

// HandleUtterance runs one full turn: transcribe → think → speak. It is a
// no-op (returns nil immediately) if the engine is MUTED or TERMINATED, so
// callers can feed it audio unconditionally without checking state first.
func (e *Engine) HandleUtterance(ctx context.Context, pcm16 []byte) error {
	if s := e.State(); s == StateMuted || s == StateTerminated {
		return nil
	}

	ctx, span := otelx.StartSpan(ctx, "turnengine.HandleUtterance", "")
	defer span.End()

	e.setState(ctx, StateTranscribing)
	text, err := e.sttProvider.Transcribe(ctx, pcm16, e.sampleRate)
	if err != nil {
		otelx.RecordError(span, err)
		e.setState(ctx, StateListening)
		return err
	}
	if nonSpaceLen(text) < 2 {
		e.setState(ctx, StateListening)
		return nil
	}

	e.appendHistory(llm.Message{Role: domain.RoleUser, Content: text})
	if e.sink != nil {
		e.sink.OnTurn(ctx, domain.RoleUser, text)
	}

	// The Guardian can mute mid-turn; re-check before spending an LLM call.
	// The transcript above is still recorded so a human operator picks up
	// with full context.
	if s := e.State(); s == StateMuted || s == StateTerminated {
		return nil
	}

	e.setState(ctx, StateThinking)
	reply, err := e.think(ctx)
	if err != nil {
		otelx.RecordError(span, err)
		e.setState(ctx, StateListening)
		return err
	}

	e.appendHistory(llm.Message{Role: domain.RoleAssistant, Content: reply})
	if e.sink != nil {
		e.sink.OnTurn(ctx, domain.RoleAssistant, reply)
	}

	// Re-check once more after the LLM round-trip: a takeover that landed
	// while think() was in flight means no AI audio may reach the caller.
	if s := e.State(); s == StateMuted || s == StateTerminated {
		return nil
	}

	if err := e.speak(ctx, reply); err != nil {
		otelx.RecordError(span, err)
		e.setState(ctx, StateListening)
		return err
	}

	if e.State() != StateMuted && e.State() != StateTerminated {
		e.setState(ctx, StateListening)
	}
	return nil
}

// think runs the LLM completion, resolving any tool calls in a loop until
// the model returns plain content.
func (e *Engine) think(ctx context.Context) (string, error) {
	const maxToolRounds = 4
	for round := 0; round < maxToolRounds; round++ {
		resp, err := e.llmProvider.Complete(ctx, e.systemPrompt, e.snapshotHistory(), e.tools)
		if err != nil {
			return "", err
		}
		if len(resp.ToolCalls) == 0 {
			return resp.Content, nil
		}
		if e.invoker == nil {
			return "", core.NewError("turnengine.think", core.ErrToolFailed, "model requested a tool call but no invoker is configured", nil)
		}
		for _, call := range resp.ToolCalls {
			result, err := e.invoker.Invoke(ctx, call)
			if err != nil {
				result = "tool call failed: " + err.Error()
			}
			e.appendHistory(llm.Message{Role: domain.RoleTool, Content: result})
		}
	}
	return "", core.NewError("turnengine.think", core.ErrToolFailed, "exceeded maximum tool-call rounds", nil)
}

// speak synthesizes text and writes it to the audio sink, truncating at a
// sentence boundary ('.' over '?' over '!', between positions 80-180) when
// the reply runs long.
func (e *Engine) speak(ctx context.Context, text string) error {
	e.setState(ctx, StateSpeaking)
	truncated := truncateAtSentenceBoundary(text, 180)
	pcm, err := e.ttsProvider.Synthesize(ctx, truncated, e.sampleRate)
	if err != nil {
		return err
	}
	return e.out.WriteAudio(ctx, pcm, e.sampleRate)
}

func (e *Engine) appendHistory(m llm.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, m)
	if len(e.history) > maxHistoryTurns {
		e.history = e.history[len(e.history)-maxHistoryTurns:]
	}
}

func (e *Engine) snapshotHistory() []llm.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]llm.Message, len(e.history))
	copy(out, e.history)
	return out
}

// truncateAtSentenceBoundary truncates text to at most maxLen runes,
// preferring to cut at the last '.', then '?', then '!' found between
// position 80 and maxLen, falling back to a hard cut with an ellipsis when
// no such boundary exists.
func truncateAtSentenceBoundary(text string, maxLen int) string {
	runes := []rune(text)
	if len(runes) <= maxLen {
		return text
	}
	window := runes[:maxLen]
	for _, sep := range []rune{'.', '?', '!'} {
		for i := maxLen - 1; i >= 80; i-- {
			if window[i] == sep {
				return string(window[:i+1])
			}
		}
	}
	return string(window[:maxLen-1]) + "…"
}

// nonSpaceLen counts non-space runes in text, used to reject
// effective-empty transcripts of fewer than 2 non-space characters.
func nonSpaceLen(text string) int {
	n := 0
	for _, r := range text {
		if !strings.ContainsRune(" \t\n\r", r) {
			n++
		}
	}
	return n
}
