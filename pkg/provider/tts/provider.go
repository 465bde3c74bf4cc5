// Package tts defines the Provider interface for text-to-speech backends.
//
// A provider turns one finished reply into raw PCM audio. Text is handed over
// whole: streaming partial replies into the synthesizer is not supported.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// VoiceProfile selects a voice on a provider.
type VoiceProfile struct {
	// ID is the provider's voice identifier (ElevenLabs voice ID, Coqui
	// speaker name or speaker wav path).
	ID string

	Name     string
	Provider string

	// SpeedFactor scales speaking rate where supported. 0 or 1 is normal.
	SpeedFactor float64

	Metadata map[string]string
}

// Format describes the PCM produced by a provider: 16-bit little-endian
// signed samples.
type Format struct {
	SampleRate int
	Channels   int
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text and returns a channel of PCM chunks in
	// [Provider.OutputFormat]. The channel is closed when synthesis finishes
	// or ctx is cancelled. The error return covers failures before any audio
	// is produced.
	Synthesize(ctx context.Context, text string, voice VoiceProfile) (<-chan []byte, error)

	// ListVoices returns the voices the backend offers.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)

	OutputFormat() Format
}
