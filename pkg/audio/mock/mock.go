// Package mock provides in-memory implementations of [audio.Platform] and
// [audio.Connection] for unit tests.
//
// All mocks are safe for concurrent use and record their calls.
//
//	conn := mock.NewConnection("mic")
//	platform := &mock.Platform{ConnectResult: conn}
//	conn.Send("mic", audio.AudioFrame{Data: pcm, SampleRate: 16000, Channels: 1})
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/hoa/pkg/audio"
)

// ErrDisconnected is returned by [Connection.Send] after Disconnect.
var ErrDisconnected = errors.New("mock: connection disconnected")

// Connection is a mock [audio.Connection] whose input channels are fed by
// [Connection.Send].
type Connection struct {
	mu sync.Mutex

	inputs map[string]chan audio.AudioFrame

	// OutputStreamResult is returned by OutputStream. NewConnection sets a
	// buffered channel.
	OutputStreamResult chan audio.AudioFrame

	// DisconnectError is returned by Disconnect.
	DisconnectError error

	CallCountInputStreams int
	CallCountDisconnect   int
	RecordedCallbacks     []func(audio.Event)
	disconnected          bool
}

// NewConnection returns a connection with one buffered input channel per
// participant and a buffered output channel.
func NewConnection(participants ...string) *Connection {
	c := &Connection{
		inputs:             make(map[string]chan audio.AudioFrame, len(participants)),
		OutputStreamResult: make(chan audio.AudioFrame, 64),
	}
	for _, p := range participants {
		c.inputs[p] = make(chan audio.AudioFrame, 64)
	}
	return c
}

// InputStreams implements [audio.Connection].
func (c *Connection) InputStreams() map[string]<-chan audio.AudioFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountInputStreams++
	out := make(map[string]<-chan audio.AudioFrame, len(c.inputs))
	for id, ch := range c.inputs {
		out[id] = ch
	}
	return out
}

// OutputStream implements [audio.Connection].
func (c *Connection) OutputStream() chan<- audio.AudioFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.OutputStreamResult
}

// OnParticipantChange implements [audio.Connection]. Use [Connection.Join]
// and [Connection.Leave] to fire events.
func (c *Connection) OnParticipantChange(cb func(audio.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.RecordedCallbacks = append(c.RecordedCallbacks, cb)
}

// Disconnect implements [audio.Connection]. Input channels are closed once.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountDisconnect++
	if !c.disconnected {
		c.disconnected = true
		for _, ch := range c.inputs {
			close(ch)
		}
	}
	return c.DisconnectError
}

// Disconnected reports whether Disconnect has been called.
func (c *Connection) Disconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

// Send delivers frame on participant's input channel.
func (c *Connection) Send(participant string, frame audio.AudioFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnected {
		return ErrDisconnected
	}
	ch, ok := c.inputs[participant]
	if !ok {
		return errors.New("mock: unknown participant " + participant)
	}
	ch <- frame
	return nil
}

// Join adds a participant and fires an EventJoin to every registered callback.
func (c *Connection) Join(id string) {
	c.mu.Lock()
	if _, ok := c.inputs[id]; !ok && !c.disconnected {
		c.inputs[id] = make(chan audio.AudioFrame, 64)
	}
	cbs := append([]func(audio.Event){}, c.RecordedCallbacks...)
	c.mu.Unlock()
	for _, cb := range cbs {
		cb(audio.Event{Type: audio.EventJoin, UserID: id})
	}
}

// Leave removes a participant, closes its channel and fires an EventLeave.
func (c *Connection) Leave(id string) {
	c.mu.Lock()
	if ch, ok := c.inputs[id]; ok && !c.disconnected {
		close(ch)
		delete(c.inputs, id)
	}
	cbs := append([]func(audio.Event){}, c.RecordedCallbacks...)
	c.mu.Unlock()
	for _, cb := range cbs {
		cb(audio.Event{Type: audio.EventLeave, UserID: id})
	}
}

// Platform is a mock [audio.Platform].
type Platform struct {
	mu sync.Mutex

	ConnectResult audio.Connection
	ConnectError  error

	// ConnectCalls records the channelID of every Connect call.
	ConnectCalls []string
}

// Connect implements [audio.Platform].
func (p *Platform) Connect(_ context.Context, channelID string) (audio.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, channelID)
	if p.ConnectError != nil {
		return nil, p.ConnectError
	}
	return p.ConnectResult, nil
}

// ConnectCallCount returns the number of Connect calls.
func (p *Platform) ConnectCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// SetConnectError changes the error returned by subsequent Connect calls.
func (p *Platform) SetConnectError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectError = err
}

var (
	_ audio.Connection = (*Connection)(nil)
	_ audio.Platform   = (*Platform)(nil)
)
