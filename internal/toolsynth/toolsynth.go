// Package toolsynth assembles the per-agent tool set the turn engine hands
// to the LLM provider: a knowledge-retrieval tool backed by
// pgvector cosine similarity, and one tool per configured outbound webhook,
// HMAC-signed on dispatch.
package toolsynth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	core "github.com/voxnexus/core"
	"github.com/voxnexus/core/internal/domain"
	"github.com/voxnexus/core/internal/jsonutil"
	"github.com/voxnexus/core/internal/otelx"
	"github.com/voxnexus/core/internal/provider/llm"
)

// knowledgeSearchArgs is the knowledge-retrieval tool's argument shape,
// reflected into a JSON Schema by internal/jsonutil rather than hand-built
// inline, so adding a field here is enough to change what the model sees.
type knowledgeSearchArgs struct {
	Query string `json:"query" description:"the search query" required:"true"`
}

const (
	knowledgeToolName        = "search_knowledge_base"
	similarityThreshold      = 0.7
	knowledgeTopK            = 5
	noRelevantInfoSentinel   = "no relevant information found"
)

// Embedder turns a query string into the same vector space the knowledge
// documents were indexed in. Implemented by whichever embeddings provider
// the agent's LLM config names.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// KnowledgeSearcher is the subset of the store package's capability the
// retrieval tool needs.
type KnowledgeSearcher interface {
	SearchKnowledge(ctx context.Context, agentConfigID string, queryEmbedding []float32, k int) ([]domain.KnowledgeChunk, []float64, error)
}

// Synthesizer builds the llm.ToolSpec list and resolves tool calls back
// into result strings for one agent.
type Synthesizer struct {
	agentConfigID string
	embedder      Embedder
	searcher      KnowledgeSearcher
	hasKnowledge  bool
	webhooks      []domain.WebhookDefinition
	httpClient    *http.Client
}

// New builds a Synthesizer for one agent. hasKnowledge controls whether
// the retrieval tool is exposed at all; a tool with nothing to retrieve
// from should not be offered to the model.
func New(agentConfigID string, embedder Embedder, searcher KnowledgeSearcher, hasKnowledge bool, webhooks []domain.WebhookDefinition, httpClient *http.Client) *Synthesizer {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Synthesizer{
		agentConfigID: agentConfigID,
		embedder:      embedder,
		searcher:      searcher,
		hasKnowledge:  hasKnowledge,
		webhooks:      webhooks,
		httpClient:    httpClient,
	}
}

// Tools returns the full tool spec list to pass to the LLM provider.
func (s *Synthesizer) Tools() []llm.ToolSpec {
	var tools []llm.ToolSpec
	if s.hasKnowledge {
		tools = append(tools, llm.ToolSpec{
			Name:        knowledgeToolName,
			Description: "Search the agent's knowledge base for information relevant to the user's question.",
			Parameters:  jsonutil.GenerateSchema(knowledgeSearchArgs{}),
		})
	}
	for _, w := range s.webhooks {
		tools = append(tools, llm.ToolSpec{
			Name:        webhookToolName(w.Name),
			Description: "Call the external " + w.Name + " integration.",
			Parameters: map[string]any{
				"type":                 "object",
				"additionalProperties": true,
			},
		})
	}
	return tools
}

// Invoke resolves one model-issued tool call into a result string.
func (s *Synthesizer) Invoke(ctx context.Context, call llm.ToolCall) (string, error) {
	ctx, span := otelx.StartSpan(ctx, "toolsynth.Invoke", call.Name)
	defer span.End()

	if call.Name == knowledgeToolName {
		result, err := s.invokeKnowledgeSearch(ctx, call.Arguments)
		if err != nil {
			otelx.RecordError(span, err)
		}
		return result, err
	}
	for _, w := range s.webhooks {
		if webhookToolName(w.Name) == call.Name {
			result, err := s.invokeWebhook(ctx, w, call.Arguments)
			if err != nil {
				otelx.RecordError(span, err)
			}
			return result, err
		}
	}
	err := core.NewError("toolsynth.Invoke", core.ErrToolFailed, "unknown tool "+call.Name, nil)
	otelx.RecordError(span, err)
	return "", err
}

func (s *Synthesizer) invokeKnowledgeSearch(ctx context.Context, argsJSON string) (string, error) {
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return "", core.NewError("toolsynth.invokeKnowledgeSearch", core.ErrInvalidInput, "malformed tool arguments", err)
	}
	if strings.TrimSpace(args.Query) == "" {
		return noRelevantInfoSentinel, nil
	}

	embedding, err := s.embedder.Embed(ctx, args.Query)
	if err != nil {
		return "", core.NewError("toolsynth.invokeKnowledgeSearch", core.ErrProviderDown, "embedding query failed", err)
	}

	chunks, sims, err := s.searcher.SearchKnowledge(ctx, s.agentConfigID, embedding, knowledgeTopK)
	if err != nil {
		return "", core.NewError("toolsynth.invokeKnowledgeSearch", core.ErrProviderDown, "knowledge search failed", err)
	}

	var b strings.Builder
	found := false
	for i, chunk := range chunks {
		if sims[i] < similarityThreshold {
			continue
		}
		if found {
			b.WriteString("\n---\n")
		}
		b.WriteString(chunk.Content)
		found = true
	}
	if !found {
		return noRelevantInfoSentinel, nil
	}
	return b.String(), nil
}

// invokeWebhook signs and dispatches one configured outbound webhook
// call: JSON body for non-GET methods, a query string for GET, and an
// `X-Webhook-Signature: sha256=<hex>` header over the raw request body.
func (s *Synthesizer) invokeWebhook(ctx context.Context, w domain.WebhookDefinition, argsJSON string) (string, error) {
	var args map[string]any
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", core.NewError("toolsynth.invokeWebhook", core.ErrInvalidInput, "malformed tool arguments", err)
		}
	}

	method := w.Method
	if method == "" {
		method = http.MethodPost
	}

	var req *http.Request
	var err error
	var body []byte

	if strings.EqualFold(method, http.MethodGet) {
		u, parseErr := url.Parse(w.URL)
		if parseErr != nil {
			return "", core.NewError("toolsynth.invokeWebhook", core.ErrInvalidInput, "invalid webhook URL", parseErr)
		}
		q := u.Query()
		for k, v := range args {
			q.Set(k, fmt.Sprintf("%v", v))
		}
		u.RawQuery = q.Encode()
		req, err = http.NewRequestWithContext(ctx, method, u.String(), nil)
	} else {
		body, err = json.Marshal(args)
		if err != nil {
			return "", core.NewError("toolsynth.invokeWebhook", core.ErrInvalidInput, "marshaling webhook body", err)
		}
		req, err = http.NewRequestWithContext(ctx, method, w.URL, bytes.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return "", core.NewError("toolsynth.invokeWebhook", core.ErrInvalidInput, "building webhook request", err)
	}

	for k, v := range w.Headers {
		req.Header.Set(k, v)
	}
	if w.Secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+signHMACSHA256(w.Secret, body))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", core.NewError("toolsynth.invokeWebhook", core.ErrToolFailed, "webhook "+w.Name+" unreachable", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", core.NewError("toolsynth.invokeWebhook", core.ErrToolFailed,
			fmt.Sprintf("webhook %s returned status %d: %s", w.Name, resp.StatusCode, strings.TrimSpace(string(respBody))), nil)
	}
	return string(respBody), nil
}

func signHMACSHA256(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func webhookToolName(name string) string {
	return "webhook_" + strings.ToLower(strings.ReplaceAll(name, " ", "_"))
}
