// Package sessionfactory assembles per-session provider pipelines: given
// an AgentConfig, instantiate the three named providers (STT, LLM,
// TTS) from the registries in internal/provider/{stt,llm,tts}, and fall
// back to a cloud TTS handle when the primary TTS is a voice-cloning
// provider whose reference audio cannot be loaded. The Factory is
// idempotent per session and performs no cross-session memoization.
package sessionfactory

import (
	"context"

	"github.com/voxnexus/core/internal/domain"
	"github.com/voxnexus/core/internal/otelx"
	"github.com/voxnexus/core/internal/provider/llm"
	"github.com/voxnexus/core/internal/provider/stt"
	"github.com/voxnexus/core/internal/provider/tts"
)

// voiceCloningProviderName is the one TTS provider name the factory treats
// as "has a reference-audio dependency that might fail to load".
const voiceCloningProviderName = "voice-cloning"

// Pipeline is the set of providers assembled for one session.
type Pipeline struct {
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider

	// UsedFallbackTTS records whether the primary TTS provider failed to
	// construct and the fallback cloud TTS handle was substituted, so the
	// controller can log it once per session instead of per turn.
	UsedFallbackTTS bool
}

// Factory builds provider pipelines from AgentConfigs using a fixed
// fallback TTS provider spec.
type Factory struct {
	fallbackTTSName string
	fallbackTTSOpts map[string]any

	sttDefaults map[string]any
	llmDefaults map[string]any
	ttsDefaults map[string]any
}

// New builds a Factory whose fallback TTS is the named provider/options
// pair — normally a cloud TTS provider ("openai-tts") configured with
// process-level credentials.
func New(fallbackTTSName string, fallbackTTSOpts map[string]any) *Factory {
	return &Factory{fallbackTTSName: fallbackTTSName, fallbackTTSOpts: fallbackTTSOpts}
}

// WithDefaults fills provider options absent from an AgentConfig's own
// sub-config, typically credentials sourced from the process environment
// rather than stored per agent. Agent-level options always win.
func (f *Factory) WithDefaults(sttOpts, llmOpts, ttsOpts map[string]any) *Factory {
	f.sttDefaults, f.llmDefaults, f.ttsDefaults = sttOpts, llmOpts, ttsOpts
	return f
}

func mergeOpts(defaults, opts map[string]any) map[string]any {
	if len(defaults) == 0 {
		return opts
	}
	merged := make(map[string]any, len(defaults)+len(opts))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range opts {
		merged[k] = v
	}
	return merged
}

// Build assembles a Pipeline for cfg. STT/LLM failures are returned
// directly; a TTS construction failure for the voice-cloning provider is
// retried once against the fallback provider before being returned.
func (f *Factory) Build(ctx context.Context, cfg *domain.AgentConfig) (*Pipeline, error) {
	_, span := otelx.StartSpan(ctx, "sessionfactory.Build", cfg.ID)
	defer span.End()

	sttProvider, err := stt.New(cfg.STT.Provider, mergeOpts(f.sttDefaults, cfg.STT.Options))
	if err != nil {
		otelx.RecordError(span, err)
		return nil, err
	}

	llmProvider, err := llm.New(cfg.LLM.Provider, mergeOpts(f.llmDefaults, cfg.LLM.Options))
	if err != nil {
		otelx.RecordError(span, err)
		return nil, err
	}

	ttsProvider, fellBack, err := f.buildTTS(cfg)
	if err != nil {
		otelx.RecordError(span, err)
		return nil, err
	}

	return &Pipeline{STT: sttProvider, LLM: llmProvider, TTS: ttsProvider, UsedFallbackTTS: fellBack}, nil
}

func (f *Factory) buildTTS(cfg *domain.AgentConfig) (tts.Provider, bool, error) {
	provider, err := tts.New(cfg.TTS.Provider, mergeOpts(f.ttsDefaults, cfg.TTS.Options))
	if err == nil {
		return provider, false, nil
	}
	if cfg.TTS.Provider != voiceCloningProviderName {
		return nil, false, err
	}
	// Voice-cloning construction failed (most commonly a missing reference
	// audio file) — fall back to the cloud TTS provider once; the caller
	// never sees the voice-cloning failure as fatal.
	fallback, fallbackErr := tts.New(f.fallbackTTSName, f.fallbackTTSOpts)
	if fallbackErr != nil {
		return nil, false, fallbackErr
	}
	return fallback, true, nil
}
