package resilience

import (
	"context"

	"github.com/MrWong99/hoa/pkg/audio"
	"github.com/MrWong99/hoa/pkg/provider/llm"
	"github.com/MrWong99/hoa/pkg/provider/stt"
	"github.com/MrWong99/hoa/pkg/provider/tts"
)

var (
	_ llm.Provider = (*LLMFallback)(nil)
	_ stt.Provider = (*STTFallback)(nil)
	_ tts.Provider = (*TTSFallback)(nil)
)

// LLMFallback is an [llm.Provider] that fails over across backends.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

// NewLLMFallback returns an [LLMFallback] preferring primary.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	if cfg.Kind == "" {
		cfg.Kind = "llm"
	}
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback appends a backend.
func (f *LLMFallback) AddFallback(name string, p llm.Provider) { f.group.AddFallback(name, p) }

// Names returns the backends in try order.
func (f *LLMFallback) Names() []string { return f.group.Names() }

// StreamCompletion fails over only while opening the stream. Errors after the
// first chunk arrive in-band and belong to the caller.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return ExecuteWithResult(ctx, f.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
}

func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(ctx, f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// Capabilities reports the primary's capabilities.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	return f.group.Primary().Capabilities()
}

// STTFallback is an [stt.Provider] that fails over when a session cannot be
// opened.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

// NewSTTFallback returns an [STTFallback] preferring primary.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	if cfg.Kind == "" {
		cfg.Kind = "stt"
	}
	return &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback appends a backend.
func (f *STTFallback) AddFallback(name string, p stt.Provider) { f.group.AddFallback(name, p) }

// Names returns the backends in try order.
func (f *STTFallback) Names() []string { return f.group.Names() }

func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return ExecuteWithResult(ctx, f.group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}

// TTSFallback is a [tts.Provider] that fails over when synthesis cannot
// start. Audio from a fallback is converted to the primary's output format so
// callers can keep using [TTSFallback.OutputFormat].
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

// NewTTSFallback returns a [TTSFallback] preferring primary.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	if cfg.Kind == "" {
		cfg.Kind = "tts"
	}
	return &TTSFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback appends a backend.
func (f *TTSFallback) AddFallback(name string, p tts.Provider) { f.group.AddFallback(name, p) }

// Names returns the backends in try order.
func (f *TTSFallback) Names() []string { return f.group.Names() }

func (f *TTSFallback) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (<-chan []byte, error) {
	want := f.OutputFormat()
	return ExecuteWithResult(ctx, f.group, func(p tts.Provider) (<-chan []byte, error) {
		ch, err := p.Synthesize(ctx, text, voice)
		if err != nil {
			return nil, err
		}
		if got := p.OutputFormat(); got != want {
			return convertChunks(ch, got, want), nil
		}
		return ch, nil
	})
}

func (f *TTSFallback) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	return ExecuteWithResult(ctx, f.group, func(p tts.Provider) ([]tts.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
}

// OutputFormat is the primary's format.
func (f *TTSFallback) OutputFormat() tts.Format {
	return f.group.Primary().OutputFormat()
}

func convertChunks(in <-chan []byte, from, to tts.Format) <-chan []byte {
	out := make(chan []byte, cap(in))
	go func() {
		defer close(out)
		conv := audio.FormatConverter{Target: audio.Format{SampleRate: to.SampleRate, Channels: to.Channels}}
		for chunk := range in {
			frame := conv.Convert(audio.AudioFrame{Data: chunk, SampleRate: from.SampleRate, Channels: from.Channels})
			if len(frame.Data) > 0 {
				out <- frame.Data
			}
		}
	}()
	return out
}
