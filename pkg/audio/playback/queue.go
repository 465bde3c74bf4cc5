// Package playback serialises synthesized speech onto an audio output stream.
package playback

import (
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/MrWong99/hoa/pkg/audio"
)

// DefaultGap is the base silence between consecutive segments.
const DefaultGap = 300 * time.Millisecond

// Option configures a [Queue].
type Option func(*Queue)

// WithGap sets the base silence between consecutive segments. Jitter of
// ±1/6 of the gap is applied. Zero disables the gap.
func WithGap(d time.Duration) Option {
	return func(q *Queue) { q.gap = d }
}

// WithOnIdle registers fn to run on the dispatch goroutine whenever the queue
// runs empty after playing at least one segment.
func WithOnIdle(fn func()) Option {
	return func(q *Queue) { q.onIdle = fn }
}

// Queue plays [audio.Segment] values one at a time, in FIFO order, onto an
// output stream. Every chunk is converted to the target format on the way.
//
// All exported methods are safe for concurrent use.
type Queue struct {
	out    chan<- audio.AudioFrame
	target audio.Format
	onIdle func()

	mu            sync.Mutex
	queue         []*audio.Segment
	gap           time.Duration
	playing       *audio.Segment
	cancelPlaying chan struct{}
	closed        bool

	notify chan struct{}
	done   chan struct{}
	exited chan struct{}
}

// New starts a queue writing to out in target format. Call [Queue.Close] to
// stop the dispatch goroutine.
func New(out chan<- audio.AudioFrame, target audio.Format, opts ...Option) *Queue {
	q := &Queue{
		out:    out,
		target: target,
		gap:    DefaultGap,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	go q.dispatch()
	return q
}

// Enqueue schedules seg after everything already queued. Segments enqueued
// after Close are drained and discarded.
func (q *Queue) Enqueue(seg *audio.Segment) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		go audio.Drain(seg.Audio)
		return
	}
	q.queue = append(q.queue, seg)
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Interrupt stops the current segment and discards everything queued.
func (q *Queue) Interrupt() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.interruptLocked()
}

// Busy reports whether a segment is playing or waiting.
func (q *Queue) Busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing != nil || len(q.queue) > 0
}

// SetGap changes the silence between segments from the next segment on.
func (q *Queue) SetGap(d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.gap = d
}

// Close interrupts playback, discards the queue and waits for the dispatch
// goroutine to exit. Idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.exited
		return nil
	}
	q.closed = true
	q.interruptLocked()
	q.mu.Unlock()

	close(q.done)
	<-q.exited
	return nil
}

// interruptLocked must be called with q.mu held.
func (q *Queue) interruptLocked() {
	if q.cancelPlaying != nil {
		close(q.cancelPlaying)
		q.cancelPlaying = nil
	}
	q.playing = nil
	for _, seg := range q.queue {
		go audio.Drain(seg.Audio)
	}
	q.queue = nil
}

func (q *Queue) dispatch() {
	defer close(q.exited)

	gapTimer := time.NewTimer(0)
	if !gapTimer.Stop() {
		<-gapTimer.C
	}
	defer gapTimer.Stop()

	for {
		select {
		case <-q.done:
			return
		case <-q.notify:
		}

		played := false
		for {
			seg, cancel, ok := q.next()
			if !ok {
				break
			}
			if played {
				if d := q.gapWithJitter(); d > 0 {
					gapTimer.Reset(d)
					select {
					case <-q.done:
						gapTimer.Stop()
						go audio.Drain(seg.Audio)
						return
					case <-cancel:
						gapTimer.Stop()
						go audio.Drain(seg.Audio)
						continue
					case <-gapTimer.C:
					}
				}
			}
			q.play(seg, cancel)
			played = true

			q.mu.Lock()
			if q.playing == seg {
				q.playing = nil
				q.cancelPlaying = nil
			}
			q.mu.Unlock()
		}
		if played && q.onIdle != nil {
			q.onIdle()
		}
	}
}

func (q *Queue) next() (*audio.Segment, chan struct{}, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.queue) == 0 {
		return nil, nil, false
	}
	seg := q.queue[0]
	q.queue = q.queue[1:]
	cancel := make(chan struct{})
	q.playing = seg
	q.cancelPlaying = cancel
	return seg, cancel, true
}

func (q *Queue) play(seg *audio.Segment, cancel chan struct{}) {
	conv := audio.FormatConverter{Target: q.target}
	var ts time.Duration
	for {
		select {
		case <-q.done:
			go audio.Drain(seg.Audio)
			return
		case <-cancel:
			go audio.Drain(seg.Audio)
			return
		case chunk, ok := <-seg.Audio:
			if !ok {
				slog.Debug("playback: segment finished", "text", seg.Text, "duration", ts)
				return
			}
			frame := conv.Convert(audio.AudioFrame{
				Data:       chunk,
				SampleRate: seg.Format.SampleRate,
				Channels:   seg.Format.Channels,
				Timestamp:  ts,
			})
			if len(frame.Data) == 0 {
				continue
			}
			ts += frame.Duration()
			select {
			case q.out <- frame:
			case <-cancel:
				go audio.Drain(seg.Audio)
				return
			case <-q.done:
				go audio.Drain(seg.Audio)
				return
			}
		}
	}
}

func (q *Queue) gapWithJitter() time.Duration {
	q.mu.Lock()
	base := q.gap
	q.mu.Unlock()
	if base <= 0 {
		return 0
	}
	jitter := base / 6
	if jitter <= 0 {
		return base
	}
	return base + time.Duration(rand.Int64N(int64(2*jitter+1))) - jitter
}
