// Package llm is the provider registry for chat completion backends: a
// name-keyed factory registry plus a concrete
// github.com/sashabaranov/go-openai adapter wrapped in the shared
// resilience circuit breaker. Failed calls are classified and returned,
// not retried.
package llm

import (
	"context"
	"fmt"
	"sort"
	"sync"

	core "github.com/voxnexus/core"
	"github.com/voxnexus/core/internal/domain"
)

// Message is a single chat turn handed to a Provider.
type Message struct {
	Role    domain.MessageRole
	Content string
}

// Provider is the chat-completion capability every registered LLM backend
// implements.
type Provider interface {
	Complete(ctx context.Context, systemPrompt string, history []Message, tools []ToolSpec) (Response, error)
	Name() string
}

// ToolSpec is the provider-agnostic function-calling tool description
// passed down from the tool synthesizer.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCall is one function invocation the model asked for.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Response is the model's reply: either text or one or more tool calls.
type Response struct {
	Content   string
	ToolCalls []ToolCall
}

// Factory builds a Provider from an opaque options map
// (ProviderSpec.Options), e.g. api_key, model, base_url.
type Factory func(opts map[string]any) (Provider, error)

var (
	mu       sync.RWMutex
	registry = make(map[string]Factory)
)

// Register adds a named provider factory. Safe to call from init
// functions; panics on empty name, nil factory, or duplicate registration.
func Register(name string, f Factory) {
	if name == "" {
		panic("llm: Register called with empty name")
	}
	if f == nil {
		panic("llm: Register called with nil factory for " + name)
	}
	mu.Lock()
	defer mu.Unlock()
	if _, dup := registry[name]; dup {
		panic("llm: Register called twice for " + name)
	}
	registry[name] = f
}

// New builds a Provider by name. Returns a core.Error with
// ErrProviderMisconfigured if name is unknown or opts fail validation.
func New(name string, opts map[string]any) (Provider, error) {
	mu.RLock()
	f, ok := registry[name]
	mu.RUnlock()
	if !ok {
		return nil, core.NewError("llm.New", core.ErrProviderMisconfigured, fmt.Sprintf("unknown llm provider %q", name), nil)
	}
	p, err := f(opts)
	if err != nil {
		return nil, core.NewError("llm.New", core.ErrProviderMisconfigured, "constructing provider "+name, err)
	}
	return p, nil
}

// List returns the sorted names of every registered provider.
func List() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
