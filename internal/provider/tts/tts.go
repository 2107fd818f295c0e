// Package tts is the provider registry for text-to-speech backends,
// mirroring internal/provider/llm and internal/provider/stt's registry
// shape.
package tts

import (
	"context"
	"fmt"
	"sort"
	"sync"

	core "github.com/voxnexus/core"
)

// Provider synthesizes text into PCM16 audio at sampleRate Hz.
type Provider interface {
	Synthesize(ctx context.Context, text string, sampleRate int) ([]byte, error)
	Name() string
}

// Factory builds a Provider from an opaque options map.
type Factory func(opts map[string]any) (Provider, error)

var (
	mu       sync.RWMutex
	registry = make(map[string]Factory)
)

// Register adds a named provider factory.
func Register(name string, f Factory) {
	if name == "" {
		panic("tts: Register called with empty name")
	}
	if f == nil {
		panic("tts: Register called with nil factory for " + name)
	}
	mu.Lock()
	defer mu.Unlock()
	if _, dup := registry[name]; dup {
		panic("tts: Register called twice for " + name)
	}
	registry[name] = f
}

// New builds a Provider by name.
func New(name string, opts map[string]any) (Provider, error) {
	mu.RLock()
	f, ok := registry[name]
	mu.RUnlock()
	if !ok {
		return nil, core.NewError("tts.New", core.ErrProviderMisconfigured, fmt.Sprintf("unknown tts provider %q", name), nil)
	}
	p, err := f(opts)
	if err != nil {
		return nil, core.NewError("tts.New", core.ErrProviderMisconfigured, "constructing provider "+name, err)
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
