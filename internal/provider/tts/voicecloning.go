package tts

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"

	core "github.com/voxnexus/core"
	"github.com/voxnexus/core/internal/httpclient"
	"github.com/voxnexus/core/internal/otelx"
)

func init() {
	Register("voice-cloning", newVoiceCloningProvider)
}

// voiceCloningProvider fronts the external voice-cloning microservice: a
// black-box HTTP service that synthesizes speech in a cloned voice from a
// reference-audio file. The reference audio is read once at
// session-factory time so a missing file surfaces as
// ErrProviderMisconfigured before the first turn, letting the factory fall
// back to the cloud TTS provider exactly once rather than per turn.
type voiceCloningProvider struct {
	client        *httpclient.Client
	referenceB64  string
}

func newVoiceCloningProvider(opts map[string]any) (Provider, error) {
	baseURL, _ := opts["base_url"].(string)
	if baseURL == "" {
		return nil, fmt.Errorf("tts/voice-cloning: base_url is required")
	}
	refPath, _ := opts["reference_audio_path"].(string)
	if refPath == "" {
		return nil, fmt.Errorf("tts/voice-cloning: reference_audio_path is required")
	}
	raw, err := os.ReadFile(refPath)
	if err != nil {
		return nil, fmt.Errorf("tts/voice-cloning: reference audio %s: %w", refPath, err)
	}
	client := httpclient.New(httpclient.WithBaseURL(baseURL), httpclient.WithTimeout(15000000000))
	return &voiceCloningProvider{
		client:       client,
		referenceB64: base64.StdEncoding.EncodeToString(raw),
	}, nil
}

func (p *voiceCloningProvider) Name() string { return "voice-cloning" }

type voiceCloningRequest struct {
	Text             string `json:"text"`
	ReferenceAudioB64 string `json:"reference_audio_b64"`
	SampleRate       int    `json:"sample_rate"`
}

type voiceCloningResponse struct {
	AudioB64 string `json:"audio_b64"`
}

// Synthesize posts the text and reference-voice sample to the cloning
// microservice and decodes its PCM16 response.
func (p *voiceCloningProvider) Synthesize(ctx context.Context, text string, sampleRate int) ([]byte, error) {
	ctx, span := otelx.StartSpan(ctx, "tts.Synthesize", "voice-cloning")
	defer span.End()

	resp, err := httpclient.DoJSON[voiceCloningResponse](ctx, p.client, "POST", "/synthesize", voiceCloningRequest{
		Text:              text,
		ReferenceAudioB64: p.referenceB64,
		SampleRate:        sampleRate,
	})
	if err != nil {
		wrapped := core.NewError("tts.Synthesize", core.ErrProviderDown, "voice-cloning microservice request failed", err)
		otelx.RecordError(span, wrapped)
		return nil, wrapped
	}
	audio, err := base64.StdEncoding.DecodeString(resp.AudioB64)
	if err != nil {
		wrapped := core.NewError("tts.Synthesize", core.ErrProviderDown, "voice-cloning response decode failed", err)
		otelx.RecordError(span, wrapped)
		return nil, wrapped
	}
	return audio, nil
}
