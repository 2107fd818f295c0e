// Package sessionassembly wires the per-call/per-room pipeline the SIP and
// WebRTC controllers both need: load the AgentConfig, build its provider
// pipeline, synthesize its tool set, compute its adaptive-memory system
// prompt, and hand back a ready Turn Engine.
// Both controllers share this instead of duplicating the wiring: a
// single struct owns every provider a session needs.
package sessionassembly

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/voxnexus/core/internal/adaptivememory"
	"github.com/voxnexus/core/internal/domain"
	"github.com/voxnexus/core/internal/otelx"
	"github.com/voxnexus/core/internal/sessionfactory"
	"github.com/voxnexus/core/internal/toolsynth"
	"github.com/voxnexus/core/internal/turnengine"
)

// Store is the subset of the persistence layer assembly needs.
type Store interface {
	AgentConfig(ctx context.Context, id string) (*domain.AgentConfig, error)
	WebhooksForAgent(ctx context.Context, agentConfigID string) ([]domain.WebhookDefinition, error)
	ReadyKnowledgeChunks(ctx context.Context, agentConfigID string) ([]domain.KnowledgeChunk, error)
	adaptivememory.LessonSource
	toolsynth.KnowledgeSearcher
}

// Session is one fully-wired conversation pipeline, ready to be driven by
// a controller's audio loop.
type Session struct {
	AgentConfig *domain.AgentConfig
	Pipeline    *sessionfactory.Pipeline
	Synth       *toolsynth.Synthesizer
	Engine      *turnengine.Engine
}

// Assembler builds Sessions for an agent config. sampleRate is the
// controller's audio rate (8kHz for SIP, 48kHz for WebRTC).
type Assembler struct {
	store      Store
	factory    *sessionfactory.Factory
	embedder   toolsynth.Embedder
	httpClient *http.Client
	sampleRate int
}

// New builds an Assembler.
func New(store Store, factory *sessionfactory.Factory, embedder toolsynth.Embedder, httpClient *http.Client, sampleRate int) *Assembler {
	return &Assembler{store: store, factory: factory, embedder: embedder, httpClient: httpClient, sampleRate: sampleRate}
}

// Assemble loads agentConfigID and builds its Session. sink and out are
// the controller's transcript feed (to the Guardian Supervisor) and audio
// sink (to the call media or the published WebRTC track).
func (a *Assembler) Assemble(ctx context.Context, agentConfigID string, sink turnengine.TranscriptSink, out turnengine.AudioOut) (*Session, error) {
	ctx, span := otelx.StartSpan(ctx, "sessionassembly.Assemble", agentConfigID)
	defer span.End()

	cfg, err := a.store.AgentConfig(ctx, agentConfigID)
	if err != nil {
		otelx.RecordError(span, err)
		return nil, err
	}

	pipeline, err := a.factory.Build(ctx, cfg)
	if err != nil {
		otelx.RecordError(span, err)
		return nil, err
	}

	chunks, err := a.store.ReadyKnowledgeChunks(ctx, agentConfigID)
	if err != nil {
		otelx.RecordError(span, err)
		return nil, err
	}
	webhooks, err := a.store.WebhooksForAgent(ctx, agentConfigID)
	if err != nil {
		otelx.RecordError(span, err)
		return nil, err
	}

	synth := toolsynth.New(agentConfigID, a.embedder, a.store, len(chunks) > 0, webhooks, a.httpClient)

	systemPrompt, err := adaptivememory.BuildSystemPrompt(ctx, a.store, agentConfigID, cfg.SystemInstructions)
	if err != nil {
		// A lesson read failure is not fatal: the session runs on the base
		// system instructions with no lessons appended.
		otelx.RecordError(span, err)
		systemPrompt = cfg.SystemInstructions
	}

	engine := turnengine.New(pipeline.LLM, pipeline.STT, pipeline.TTS, synth.Tools(), synth, sink, out, systemPrompt, a.sampleRate)
	engine.AddHook(turnengine.Hook{OnStateChange: logStateTransition(agentConfigID)})

	return &Session{AgentConfig: cfg, Pipeline: pipeline, Synth: synth, Engine: engine}, nil
}

// logStateTransition gives every assembled engine a structured-logging
// observer by default, so a call's turn-state history shows up in the same
// trace-correlated log stream as the rest of the pipeline, without the
// engine itself needing to know about slog.
func logStateTransition(agentConfigID string) func(ctx context.Context, from, to turnengine.State) {
	return func(ctx context.Context, from, to turnengine.State) {
		otelx.LogWithOTELContext(ctx, slog.LevelDebug, "turn state transition",
			"agent_config_id", agentConfigID, "from", string(from), "to", string(to))
	}
}
