package toolsynth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/voxnexus/core/internal/domain"
)

type fakeEmbedder struct {
	vec []float32
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.vec, nil
}

type fakeSearcher struct {
	chunks []domain.KnowledgeChunk
	sims   []float64
}

func (f *fakeSearcher) SearchKnowledge(ctx context.Context, agentConfigID string, queryEmbedding []float32, k int) ([]domain.KnowledgeChunk, []float64, error) {
	return f.chunks, f.sims, nil
}

func TestKnowledgeSearchFiltersBySimilarityThreshold(t *testing.T) {
	searcher := &fakeSearcher{
		chunks: []domain.KnowledgeChunk{
			{Content: "relevant chunk"},
			{Content: "irrelevant chunk"},
		},
		sims: []float64{0.85, 0.4},
	}
	s := New("agent-1", &fakeEmbedder{vec: []float32{0.1}}, searcher, true, nil, nil)

	out, err := s.invokeKnowledgeSearch(context.Background(), `{"query":"something"}`)
	if err != nil {
		t.Fatalf("invokeKnowledgeSearch: %v", err)
	}
	if out != "relevant chunk" {
		t.Fatalf("expected only the above-threshold chunk, got %q", out)
	}
}

func TestKnowledgeSearchNoMatchesReturnsSentinel(t *testing.T) {
	searcher := &fakeSearcher{
		chunks: []domain.KnowledgeChunk{{Content: "irrelevant"}},
		sims:   []float64{0.1},
	}
	s := New("agent-1", &fakeEmbedder{vec: []float32{0.1}}, searcher, true, nil, nil)

	out, err := s.invokeKnowledgeSearch(context.Background(), `{"query":"something"}`)
	if err != nil {
		t.Fatalf("invokeKnowledgeSearch: %v", err)
	}
	if out != noRelevantInfoSentinel {
		t.Fatalf("expected sentinel, got %q", out)
	}
}

func TestToolsOmitsKnowledgeWhenNoneConfigured(t *testing.T) {
	s := New("agent-1", nil, nil, false, nil, nil)
	for _, tool := range s.Tools() {
		if tool.Name == knowledgeToolName {
			t.Fatalf("knowledge tool should not be exposed when hasKnowledge is false")
		}
	}
}

func TestInvokeWebhookSignsBodyWithHMACSHA256(t *testing.T) {
	secret := "shh-its-a-secret"
	var gotSig string
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Webhook-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	webhook := domain.WebhookDefinition{Name: "crm lookup", URL: srv.URL, Method: http.MethodPost, Secret: secret}
	s := New("agent-1", nil, nil, false, []domain.WebhookDefinition{webhook}, srv.Client())

	result, err := s.invokeWebhook(context.Background(), webhook, `{"customer_id":"42"}`)
	if err != nil {
		t.Fatalf("invokeWebhook: %v", err)
	}
	if result != "ok" {
		t.Fatalf("expected response body 'ok', got %q", result)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(gotBody)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if gotSig != want {
		t.Fatalf("signature mismatch: got %q want %q", gotSig, want)
	}
}

func TestInvokeWebhookNonSuccessReturnsDescriptiveError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	webhook := domain.WebhookDefinition{Name: "flaky", URL: srv.URL, Method: http.MethodPost}
	s := New("agent-1", nil, nil, false, []domain.WebhookDefinition{webhook}, srv.Client())

	_, err := s.invokeWebhook(context.Background(), webhook, "{}")
	if err == nil {
		t.Fatal("expected an error for a non-2xx webhook response")
	}
}

func TestInvokeWebhookGETUsesQueryString(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	webhook := domain.WebhookDefinition{Name: "lookup", URL: srv.URL, Method: http.MethodGet}
	s := New("agent-1", nil, nil, false, []domain.WebhookDefinition{webhook}, srv.Client())

	if _, err := s.invokeWebhook(context.Background(), webhook, `{"id":"7"}`); err != nil {
		t.Fatalf("invokeWebhook: %v", err)
	}
	if gotQuery != "id=7" {
		t.Fatalf("expected query string id=7, got %q", gotQuery)
	}
}
