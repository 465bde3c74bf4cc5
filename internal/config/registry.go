package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/hoa/pkg/audio"
	"github.com/MrWong99/hoa/pkg/provider/llm"
	"github.com/MrWong99/hoa/pkg/provider/stt"
	"github.com/MrWong99/hoa/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by the Create methods when no factory
// is registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a provider from its configuration entry.
type Factory[T any] func(ProviderEntry) (T, error)

// Registry maps provider names to constructors per provider kind.
// It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	llm   map[string]Factory[llm.Provider]
	stt   map[string]Factory[stt.Provider]
	tts   map[string]Factory[tts.Provider]
	audio map[string]Factory[audio.Platform]
}

// NewRegistry returns an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:   make(map[string]Factory[llm.Provider]),
		stt:   make(map[string]Factory[stt.Provider]),
		tts:   make(map[string]Factory[tts.Provider]),
		audio: make(map[string]Factory[audio.Platform]),
	}
}

// RegisterLLM registers an LLM factory under name, replacing any previous one.
func (r *Registry) RegisterLLM(name string, f Factory[llm.Provider]) {
	register(&r.mu, r.llm, name, f)
}

// RegisterSTT registers an STT factory under name.
func (r *Registry) RegisterSTT(name string, f Factory[stt.Provider]) {
	register(&r.mu, r.stt, name, f)
}

// RegisterTTS registers a TTS factory under name.
func (r *Registry) RegisterTTS(name string, f Factory[tts.Provider]) {
	register(&r.mu, r.tts, name, f)
}

// RegisterAudio registers an audio platform factory under name.
func (r *Registry) RegisterAudio(name string, f Factory[audio.Platform]) {
	register(&r.mu, r.audio, name, f)
}

// CreateLLM builds the provider registered under entry.Name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	return create(&r.mu, r.llm, "llm", entry)
}

// CreateSTT builds the provider registered under entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	return create(&r.mu, r.stt, "stt", entry)
}

// CreateTTS builds the provider registered under entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	return create(&r.mu, r.tts, "tts", entry)
}

// CreateAudio builds the platform registered under entry.Name.
func (r *Registry) CreateAudio(entry ProviderEntry) (audio.Platform, error) {
	return create(&r.mu, r.audio, "audio", entry)
}

// Names returns the registered names for kind ("llm", "stt", "tts",
// "audio"), sorted.
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	switch kind {
	case "llm":
		names = keys(r.llm)
	case "stt":
		names = keys(r.stt)
	case "tts":
		names = keys(r.tts)
	case "audio":
		names = keys(r.audio)
	}
	slices.Sort(names)
	return names
}

func register[T any](mu *sync.RWMutex, m map[string]Factory[T], name string, f Factory[T]) {
	mu.Lock()
	defer mu.Unlock()
	m[name] = f
}

func create[T any](mu *sync.RWMutex, m map[string]Factory[T], kind string, entry ProviderEntry) (T, error) {
	mu.RLock()
	f, ok := m[entry.Name]
	mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, kind, entry.Name)
	}
	return f(entry)
}

func keys[T any](m map[string]T) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
