package audio

import "time"

// AudioFrame is one chunk of 16-bit little-endian PCM moving between a
// platform and the rest of the program.
type AudioFrame struct {
	Data []byte

	// SampleRate in Hz (48000 for Discord, 16000 for most STT backends).
	SampleRate int

	// Channels: 1 mono, 2 stereo.
	Channels int

	// Timestamp is relative to the start of the stream that produced the frame.
	Timestamp time.Duration
}

// Format returns the frame's PCM format.
func (f AudioFrame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Duration returns the playback length of the frame. Zero for frames with
// an unset format.
func (f AudioFrame) Duration() time.Duration {
	bytesPerSec := f.SampleRate * f.Channels * 2
	if bytesPerSec <= 0 {
		return 0
	}
	return time.Duration(len(f.Data)) * time.Second / time.Duration(bytesPerSec)
}

// Segment is one utterance of synthesized speech handed to a player. Audio is
// closed by the producer when synthesis finishes.
type Segment struct {
	// Text is what the audio says. Used for logging only.
	Text string

	Audio <-chan []byte

	Format Format
}
