package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/hoa/internal/speech"
	"github.com/MrWong99/hoa/internal/transcript"
	"github.com/MrWong99/hoa/internal/turn"
	"github.com/MrWong99/hoa/pkg/audio"
	"github.com/MrWong99/hoa/pkg/audio/playback"
)

// outputPlayer plays speech on the audio connection once one exists. Until
// then segments are discarded.
type outputPlayer struct {
	format audio.Format

	mu     sync.Mutex
	queue  *playback.Queue
	closed bool
}

var _ speech.Player = (*outputPlayer)(nil)

func newOutputPlayer(format audio.Format) *outputPlayer {
	return &outputPlayer{format: format}
}

// bind starts playback onto conn. Only the first call has an effect.
func (p *outputPlayer) bind(conn audio.Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.queue != nil || p.closed {
		return
	}
	p.queue = playback.New(conn.OutputStream(), p.format)
	slog.Debug("speech output bound", "format", p.format)
}

func (p *outputPlayer) current() *playback.Queue {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue
}

// Enqueue implements [speech.Player].
func (p *outputPlayer) Enqueue(seg *audio.Segment) {
	q := p.current()
	if q == nil {
		slog.Debug("no audio output, dropping speech", "text", seg.Text)
		go audio.Drain(seg.Audio)
		return
	}
	q.Enqueue(seg)
}

// Interrupt implements [speech.Player].
func (p *outputPlayer) Interrupt() {
	if q := p.current(); q != nil {
		q.Interrupt()
	}
}

// Close stops playback. Later binds are ignored.
func (p *outputPlayer) Close() error {
	p.mu.Lock()
	q := p.queue
	p.closed = true
	p.mu.Unlock()
	if q == nil {
		return nil
	}
	return q.Close()
}

var errNoRecognizer = errors.New("no speech recognizer configured")

// noCapture stands in for the transcript source when speech recognition is
// not configured. Begin fails with [transcript.ErrCaptureUnavailable]; typed
// submissions still work.
type noCapture struct{}

var _ turn.Source = noCapture{}

func (noCapture) Start(context.Context) error {
	return fmt.Errorf("%w: %w", transcript.ErrCaptureUnavailable, errNoRecognizer)
}

func (noCapture) Stop() error                       { return nil }
func (noCapture) Restart(context.Context) error     { return nil }
func (noCapture) Updates() <-chan transcript.Update { return nil }
func (noCapture) Session() uint64                   { return 0 }
func (noCapture) Running() bool                     { return false }
