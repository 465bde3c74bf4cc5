// Package mock provides a scriptable stand-in for [generation.Client].
//
// Submit only records the request and hands out a turn id; the test decides
// what the backend "says" by calling the emit helpers:
//
//	g := mock.New()
//	turn, _ := g.Submit(ctx, req)
//	g.Delta(turn, "し")
//	g.Done(turn, "下")
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/hoa/internal/generation"
	"github.com/MrWong99/hoa/internal/prompt"
)

// Generator is safe for concurrent use.
type Generator struct {
	mu sync.Mutex

	events chan generation.Event

	// SubmitErr, if non-nil, is returned by Submit.
	SubmitErr error

	Requests    []prompt.Request
	CancelCalls int

	turn       uint64
	generating bool
}

// New returns a Generator with a buffered event channel.
func New() *Generator {
	return &Generator{events: make(chan generation.Event, 64)}
}

// Submit records req and returns the next turn id.
func (g *Generator) Submit(_ context.Context, req prompt.Request) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Requests = append(g.Requests, req)
	if g.SubmitErr != nil {
		return 0, g.SubmitErr
	}
	g.turn++
	g.generating = true
	return g.turn, nil
}

// Cancel records the call.
func (g *Generator) Cancel() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.CancelCalls++
	g.generating = false
}

// Events implements the generator contract.
func (g *Generator) Events() <-chan generation.Event { return g.events }

// IsGenerating reports whether Submit was called without a later Cancel or
// terminal emit.
func (g *Generator) IsGenerating() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.generating
}

// Emit sends ev as is.
func (g *Generator) Emit(ev generation.Event) {
	if ev.Kind != generation.Delta {
		g.mu.Lock()
		g.generating = false
		g.mu.Unlock()
	}
	g.events <- ev
}

// Delta emits a running reply.
func (g *Generator) Delta(turn uint64, text string) {
	g.Emit(generation.Event{Turn: turn, Kind: generation.Delta, Text: text})
}

// Done emits a completed reply.
func (g *Generator) Done(turn uint64, text string) {
	g.Emit(generation.Event{Turn: turn, Kind: generation.Done, Text: text})
}

// Fail emits a failed turn.
func (g *Generator) Fail(turn uint64, err error) {
	g.Emit(generation.Event{Turn: turn, Kind: generation.Failed, Err: err})
}

// LastTurn returns the id handed out by the latest successful Submit.
func (g *Generator) LastTurn() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.turn
}

// SubmitCount returns the number of Submit calls.
func (g *Generator) SubmitCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Requests)
}

// LastRequest returns the latest submitted request.
func (g *Generator) LastRequest() (prompt.Request, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.Requests) == 0 {
		return prompt.Request{}, false
	}
	return g.Requests[len(g.Requests)-1], true
}

// CancelCount returns the number of Cancel calls.
func (g *Generator) CancelCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.CancelCalls
}
