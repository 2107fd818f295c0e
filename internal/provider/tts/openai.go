package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"

	core "github.com/voxnexus/core"
	"github.com/voxnexus/core/internal/otelx"
	"github.com/voxnexus/core/resilience"
)

func init() {
	Register("openai-tts", newOpenAITTSProvider)
}

type openAITTSProvider struct {
	client *openai.Client
	model  openai.SpeechModel
	voice  openai.SpeechVoice
	cb     *resilience.CircuitBreaker
}

func newOpenAITTSProvider(opts map[string]any) (Provider, error) {
	apiKey, _ := opts["api_key"].(string)
	if apiKey == "" {
		return nil, fmt.Errorf("tts/openai: api_key is required")
	}
	voice, _ := opts["voice"].(string)
	if voice == "" {
		voice = string(openai.VoiceAlloy)
	}
	return &openAITTSProvider{
		client: openai.NewClient(apiKey),
		model:  openai.TTSModel1,
		voice:  openai.SpeechVoice(voice),
		cb:     resilience.NewCircuitBreaker(5, 0),
	}, nil
}

func (p *openAITTSProvider) Name() string { return "openai-tts" }

// Synthesize requests PCM output directly (response_format=pcm) so no
// container decode is required; the provider response is raw little-endian
// int16 samples at 24kHz, which callers resample to the target rate.
func (p *openAITTSProvider) Synthesize(ctx context.Context, text string, sampleRate int) ([]byte, error) {
	ctx, span := otelx.StartSpan(ctx, "tts.Synthesize", "openai-tts")
	defer span.End()

	result, err := p.cb.Execute(ctx, func(ctx context.Context) (any, error) {
		stream, err := p.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
			Model:          p.model,
			Input:          text,
			Voice:          p.voice,
			ResponseFormat: openai.SpeechResponseFormatPcm,
		})
		if err != nil {
			return nil, err
		}
		defer stream.Close()
		return io.ReadAll(stream)
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			wrapped := core.NewError("tts.Synthesize", core.ErrProviderDown, "openai-tts circuit open", err)
			otelx.RecordError(span, wrapped)
			return nil, wrapped
		}
		wrapped := core.NewError("tts.Synthesize", core.ErrProviderDown, "openai-tts request failed", err)
		otelx.RecordError(span, wrapped)
		return nil, wrapped
	}
	pcm := result.([]byte)
	return bytes.Clone(pcm), nil
}
