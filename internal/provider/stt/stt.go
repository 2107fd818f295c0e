// Package stt is the provider registry for speech-to-text backends,
// mirroring internal/provider/llm's registry shape.
package stt

import (
	"context"
	"fmt"
	"sort"
	"sync"

	core "github.com/voxnexus/core"
)

// Provider transcribes a complete utterance of PCM16 audio sampled at
// sampleRate Hz into text.
type Provider interface {
	Transcribe(ctx context.Context, pcm16 []byte, sampleRate int) (string, error)
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
		panic("stt: Register called with empty name")
	}
	if f == nil {
		panic("stt: Register called with nil factory for " + name)
	}
	mu.Lock()
	defer mu.Unlock()
	if _, dup := registry[name]; dup {
		panic("stt: Register called twice for " + name)
	}
	registry[name] = f
}

// New builds a Provider by name.
func New(name string, opts map[string]any) (Provider, error) {
	mu.RLock()
	f, ok := registry[name]
	mu.RUnlock()
	if !ok {
		return nil, core.NewError("stt.New", core.ErrProviderMisconfigured, fmt.Sprintf("unknown stt provider %q", name), nil)
	}
	p, err := f(opts)
	if err != nil {
		return nil, core.NewError("stt.New", core.ErrProviderMisconfigured, "constructing provider "+name, err)
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
