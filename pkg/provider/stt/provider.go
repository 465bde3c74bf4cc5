// Package stt defines the Provider interface for speech-to-text backends.
//
// A provider wraps a streaming transcription service (Deepgram, a whisper.cpp
// server, an in-process whisper model) behind one interface. Once opened, a
// session accepts raw PCM frames and emits two streams of [Transcript]
// values: low-latency partials and committed finals.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"time"
)

// Transcript is one recognition result. Text covers the current segment
// only; consumers that need the whole utterance join committed finals.
type Transcript struct {
	Text    string
	IsFinal bool

	// Confidence in [0.0, 1.0]. Zero when the provider does not report one.
	Confidence float64

	// Timestamp marks where the segment starts, relative to session start.
	Timestamp time.Duration
	Duration  time.Duration
}

// KeywordBoost raises the recognition probability of a word. Used to bias the
// recogniser towards the assistant's answer vocabulary.
type KeywordBoost struct {
	Keyword string

	// Boost is provider-specific.
	Boost float64
}

// StreamConfig describes the audio format and recognition hints for a session.
type StreamConfig struct {
	// SampleRate in Hz. 16000 is what most providers expect.
	SampleRate int

	// Channels must be 1 for every bundled provider.
	Channels int

	// Language is a BCP-47 tag such as "ja" or "en-US". Empty lets the
	// provider auto-detect where supported.
	Language string

	Keywords []KeywordBoost
}

// SessionHandle is an open streaming session.
//
// Callers must call Close when done. After Close returns, the Partials and
// Finals channels are closed. Calling Close more than once is safe.
type SessionHandle interface {
	// SendAudio delivers 16-bit little-endian PCM matching the StreamConfig.
	// Calling it after Close returns an error.
	SendAudio(chunk []byte) error

	Partials() <-chan Transcript
	Finals() <-chan Transcript

	Close() error
}

// Provider is the abstraction over any STT backend. Several sessions may be
// open at the same time.
type Provider interface {
	// StartStream opens a session that is ready to accept audio immediately.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
