package stt

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	core "github.com/voxnexus/core"
	"github.com/voxnexus/core/internal/audio"
	"github.com/voxnexus/core/internal/otelx"
	"github.com/voxnexus/core/resilience"
)

func init() {
	Register("openai-whisper", newOpenAIWhisperProvider)
}

type openAIWhisperProvider struct {
	client *openai.Client
	model  string
	cb     *resilience.CircuitBreaker
}

func newOpenAIWhisperProvider(opts map[string]any) (Provider, error) {
	apiKey, _ := opts["api_key"].(string)
	if apiKey == "" {
		return nil, fmt.Errorf("stt/openai: api_key is required")
	}
	model, _ := opts["model"].(string)
	if model == "" {
		model = openai.Whisper1
	}
	return &openAIWhisperProvider{
		client: openai.NewClient(apiKey),
		model:  model,
		cb:     resilience.NewCircuitBreaker(5, 0),
	}, nil
}

func (p *openAIWhisperProvider) Name() string { return "openai-whisper" }

// Transcribe wraps raw PCM16 into a WAV container (Whisper requires a known
// container format) before uploading.
func (p *openAIWhisperProvider) Transcribe(ctx context.Context, pcm16 []byte, sampleRate int) (string, error) {
	ctx, span := otelx.StartSpan(ctx, "stt.Transcribe", "openai-whisper")
	defer span.End()

	wav := audio.WrapPCM16AsWAV(pcm16, sampleRate, 1)

	result, err := p.cb.Execute(ctx, func(ctx context.Context) (any, error) {
		return p.client.CreateTranscription(ctx, openai.AudioRequest{
			Model:  p.model,
			Reader: bytes.NewReader(wav),
			FilePath: "utterance.wav",
		})
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			wrapped := core.NewError("stt.Transcribe", core.ErrProviderDown, "whisper circuit open", err)
			otelx.RecordError(span, wrapped)
			return "", wrapped
		}
		wrapped := core.NewError("stt.Transcribe", core.ErrProviderDown, "whisper request failed", err)
		otelx.RecordError(span, wrapped)
		return "", wrapped
	}
	return result.(openai.AudioResponse).Text, nil
}
