// Package audio defines the contracts for audio devices and voice channels
// used by hoa, together with PCM helpers shared by every adapter.
//
// A [Platform] connects to an audio endpoint (the local sound card, a Discord
// voice channel) and returns a [Connection] that exposes per-participant
// capture streams and one output stream.
//
// Adapters live in sub-packages (audio/local, audio/discord). The package sits
// under pkg/ so other programs can implement [Platform].
package audio

import "context"

// EventType classifies participant lifecycle events emitted by a [Connection].
type EventType int

const (
	EventJoin EventType = iota
	EventLeave
)

func (e EventType) String() string {
	switch e {
	case EventJoin:
		return "JOIN"
	case EventLeave:
		return "LEAVE"
	default:
		return "UNKNOWN"
	}
}

// Event describes a participant joining or leaving.
type Event struct {
	Type     EventType
	UserID   string
	Username string
}

// Connection is an active audio session.
//
// Implementations must be safe for concurrent use.
type Connection interface {
	// InputStreams returns a snapshot of the current per-participant capture
	// channels keyed by participant ID. A local device has exactly one entry.
	// Channels are closed when the participant leaves or on Disconnect.
	// Call again after an [EventJoin] to pick up new participants.
	InputStreams() map[string]<-chan AudioFrame

	// OutputStream returns the channel for playback. The platform never closes
	// it; frames written after Disconnect are dropped.
	OutputStream() chan<- AudioFrame

	// OnParticipantChange registers cb for join and leave events, replacing
	// any previous callback. cb runs on an internal goroutine and must not
	// block.
	OnParticipantChange(cb func(Event))

	// Disconnect tears the session down and closes the input channels.
	// Subsequent calls are no-ops.
	Disconnect() error
}

// Platform opens audio sessions.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// Connect opens the endpoint identified by channelID: a device ID for
	// local audio ("" selects the default device), a voice channel ID for
	// Discord. ctx bounds the connection attempt only.
	Connect(ctx context.Context, channelID string) (Connection, error)
}
