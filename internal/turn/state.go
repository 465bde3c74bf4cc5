package turn

import (
	"fmt"
	"time"

	"github.com/MrWong99/hoa/internal/chatlog"
)

// State is the controller's position in the turn cycle.
type State int32

const (
	Idle State = iota
	Listening
	Generating
	Speaking
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Generating:
		return "generating"
	case Speaking:
		return "speaking"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Reasons a finalized utterance was not submitted.
const (
	DropNotListening = "not_listening"
	DropDuplicate    = "duplicate"
	DropEmpty        = "empty"
)

// EventKind names a controller [Event].
type EventKind string

const (
	// EventState reports a state transition.
	EventState EventKind = "state"

	// EventDraft carries the live transcript. Only sent while partial
	// transcripts are echoed.
	EventDraft EventKind = "draft"

	// EventMessage reports a ChatLog append.
	EventMessage EventKind = "message"

	// EventDelta carries the running reply of the current turn.
	EventDelta EventKind = "delta"

	// EventFinalized reports an utterance that ended by endpointing or
	// manual submission.
	EventFinalized EventKind = "finalized"

	// EventDropped reports a finalize that was discarded.
	EventDropped EventKind = "dropped"

	// EventError reports a capture or generation failure.
	EventError EventKind = "error"

	// EventReset reports that the conversation was cleared.
	EventReset EventKind = "reset"
)

// Event is what presenters receive from [Controller.Subscribe].
type Event struct {
	Kind    EventKind        `json:"kind"`
	State   State            `json:"state"`
	Turn    uint64           `json:"turn,omitempty"`
	Text    string           `json:"text,omitempty"`
	Message *chatlog.Message `json:"message,omitempty"`
	Reason  string           `json:"reason,omitempty"`
	Error   string           `json:"error,omitempty"`
	At      time.Time        `json:"at"`
}

// Toggles are the behaviour switches that can change at runtime.
type Toggles struct {
	AutoSpeak             bool `json:"auto_speak"`
	EchoPartialTranscript bool `json:"echo_partial_transcript"`
}

// Status is a consistent snapshot of the controller.
type Status struct {
	State      State   `json:"state"`
	Transcript string  `json:"transcript"`
	Turn       uint64  `json:"turn,omitempty"`
	Generating bool    `json:"generating"`
	LastError  string  `json:"last_error,omitempty"`
	Messages   int     `json:"messages"`
	Toggles    Toggles `json:"toggles"`
}
