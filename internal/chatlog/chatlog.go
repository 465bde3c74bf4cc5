// Package chatlog holds the ordered record of a conversation.
//
// A [Log] is append-only apart from [Log.Reset], which clears it back to empty
// ("new context"). The turn controller is the only writer; presenters read
// copies via [Log.Messages] and may do so from any goroutine.
package chatlog

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a [Message].
type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
	RoleAI     Role = "ai"
)

// IsValid reports whether r is one of the known roles.
func (r Role) IsValid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAI:
		return true
	}
	return false
}

// ErrInvalidRole is returned by [Log.Append] for roles outside
// {system, user, ai}.
var ErrInvalidRole = errors.New("chatlog: invalid role")

// Message is a single immutable entry in the log.
type Message struct {
	// ID is unique across every message ever created by the process.
	ID string `json:"id"`

	Role Role   `json:"role"`
	Text string `json:"text"`

	// Sequence is strictly increasing for the lifetime of the [Log] that
	// created the message. It keeps increasing across [Log.Reset].
	Sequence uint64 `json:"sequence"`

	CreatedAt time.Time `json:"created_at"`
}

// Option configures a [Log].
type Option func(*Log)

// WithIDGenerator replaces the UUID generator. Intended for tests that want
// predictable IDs.
func WithIDGenerator(fn func() string) Option {
	return func(l *Log) { l.newID = fn }
}

// WithClock replaces time.Now for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// Log is an ordered, concurrency-safe sequence of [Message] values.
type Log struct {
	mu   sync.RWMutex
	msgs []Message
	seq  uint64

	newID func() string
	now   func() time.Time
}

// New returns an empty [Log].
func New(opts ...Option) *Log {
	l := &Log{
		newID: func() string { return uuid.NewString() },
		now:   time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Append creates a message with the next sequence number and adds it to the
// end of the log.
func (l *Log) Append(role Role, text string) (Message, error) {
	if !role.IsValid() {
		return Message{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	m := Message{
		ID:        l.newID(),
		Role:      role,
		Text:      text,
		Sequence:  l.seq,
		CreatedAt: l.now(),
	}
	l.msgs = append(l.msgs, m)
	return m, nil
}

// Messages returns a copy of the log in insertion order.
func (l *Log) Messages() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.msgs)
}

// Len returns the number of messages currently in the log.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.msgs)
}

// Last returns the most recent message, if any.
func (l *Log) Last() (Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.msgs) == 0 {
		return Message{}, false
	}
	return l.msgs[len(l.msgs)-1], true
}

// Reset removes every message. Sequence numbering continues from where it
// left off.
func (l *Log) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = nil
}
