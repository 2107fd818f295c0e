// Package embedding provides the query-embedding step the knowledge
// retrieval tool needs: turning a query string into the same
// vector space the knowledge documents were indexed in, via the agent's
// configured embeddings model.
package embedding

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	core "github.com/voxnexus/core"
	"github.com/voxnexus/core/internal/otelx"
	"github.com/voxnexus/core/resilience"
)

// OpenAIEmbedder implements toolsynth.Embedder against the OpenAI
// embeddings endpoint, wrapped in the same circuit breaker shape the LLM
// and STT adapters use.
type OpenAIEmbedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
	cb     *resilience.CircuitBreaker
}

// New builds an OpenAIEmbedder. model defaults to text-embedding-3-small,
// the dimensionality the knowledge-chunk store indexes against.
func New(apiKey, model string) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("embedding: api_key is required")
	}
	m := openai.SmallEmbedding3
	if model != "" {
		m = openai.EmbeddingModel(model)
	}
	return &OpenAIEmbedder{
		client: openai.NewClient(apiKey),
		model:  m,
		cb:     resilience.NewCircuitBreaker(5, 0),
	}, nil
}

// Embed returns text's embedding vector.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, span := otelx.StartSpan(ctx, "embedding.Embed", "openai")
	defer span.End()

	result, err := e.cb.Execute(ctx, func(ctx context.Context) (any, error) {
		return e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: []string{text},
			Model: e.model,
		})
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			wrapped := core.NewError("embedding.Embed", core.ErrProviderDown, "embeddings circuit open", err)
			otelx.RecordError(span, wrapped)
			return nil, wrapped
		}
		wrapped := core.NewError("embedding.Embed", core.ErrProviderDown, "embeddings request failed", err)
		otelx.RecordError(span, wrapped)
		return nil, wrapped
	}

	resp := result.(openai.EmbeddingResponse)
	if len(resp.Data) == 0 {
		return nil, core.NewError("embedding.Embed", core.ErrProviderDown, "embeddings response had no data", nil)
	}
	return resp.Data[0].Embedding, nil
}
