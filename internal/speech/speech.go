// Package speech voices assistant replies.
//
// Speaking is one-way: [Speaker.Speak] hands the text over and returns at
// once, and nothing reports back when playback ends. [Output] synthesizes
// through a [tts.Provider] and plays through a [Player]; [LogOutput] only
// logs, for setups without a TTS backend.
package speech

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/hoa/internal/observe"
	"github.com/MrWong99/hoa/pkg/audio"
	"github.com/MrWong99/hoa/pkg/provider/tts"
)

const defaultQueueCapacity = 8

// Speaker voices a reply. Implementations must not block.
type Speaker interface {
	Speak(text string)
}

// Silencer is implemented by speakers that can drop pending and playing
// speech.
type Silencer interface {
	Silence()
}

// Player plays synthesized segments in order. *playback.Queue satisfies it.
type Player interface {
	Enqueue(seg *audio.Segment)
	Interrupt()
}

// Option configures an [Output].
type Option func(*Output)

// WithVoice selects the synthesis voice.
func WithVoice(v tts.VoiceProfile) Option {
	return func(o *Output) { o.voice = v }
}

// WithQueueCapacity sets how many replies may wait for synthesis. Speak
// drops replies beyond it.
func WithQueueCapacity(n int) Option {
	return func(o *Output) {
		if n > 0 {
			o.capacity = n
		}
	}
}

// WithMetrics records time to first audio on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Output) { o.metrics = m }
}

// Output is a [Speaker] backed by a TTS provider and a player. It is safe
// for concurrent use.
type Output struct {
	provider tts.Provider
	player   Player
	voice    tts.VoiceProfile
	capacity int
	metrics  *observe.Metrics

	pending chan string

	// epoch is bumped by Silence; text dequeued under an older epoch is
	// thrown away. playMu pairs the epoch check with Enqueue and the bump
	// with Interrupt, so no silenced reply reaches the player.
	epoch  atomic.Uint64
	playMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

var (
	_ Speaker  = (*Output)(nil)
	_ Silencer = (*Output)(nil)
)

// New starts the synthesis worker. Call [Output.Close] to stop it.
func New(provider tts.Provider, player Player, opts ...Option) *Output {
	o := &Output{
		provider: provider,
		player:   player,
		capacity: defaultQueueCapacity,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.pending = make(chan string, o.capacity)
	o.ctx, o.cancel = context.WithCancel(context.Background())

	o.wg.Add(1)
	go o.work()
	return o
}

// Speak queues text for synthesis. Blank text is ignored. When the queue is
// full the text is dropped with a warning.
func (o *Output) Speak(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	select {
	case o.pending <- text:
	default:
		slog.Warn("speech queue full, dropping reply", "text", text, "capacity", o.capacity)
	}
}

// Silence drops queued replies and interrupts playback.
func (o *Output) Silence() {
	o.playMu.Lock()
	defer o.playMu.Unlock()
	o.epoch.Add(1)
	for len(o.pending) > 0 {
		select {
		case <-o.pending:
		default:
		}
	}
	o.player.Interrupt()
}

// Close stops the worker. Queued replies are dropped. Idempotent.
func (o *Output) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	o.cancel()
	o.wg.Wait()
	return nil
}

func (o *Output) work() {
	defer o.wg.Done()
	for {
		select {
		case <-o.ctx.Done():
			return
		case text := <-o.pending:
			o.say(text, o.epoch.Load())
		}
	}
}

func (o *Output) say(text string, epoch uint64) {
	start := time.Now()
	ch, err := o.provider.Synthesize(o.ctx, text, o.voice)
	if err != nil {
		slog.Warn("speech synthesis failed", "text", text, "err", err)
		return
	}
	o.playMu.Lock()
	defer o.playMu.Unlock()
	if o.epoch.Load() != epoch {
		go audio.Drain(ch)
		return
	}

	f := o.provider.OutputFormat()
	o.player.Enqueue(&audio.Segment{
		Text:   text,
		Audio:  o.timed(ch, start),
		Format: audio.Format{SampleRate: f.SampleRate, Channels: f.Channels},
	})
	slog.Debug("speech queued", "text", text)
}

// timed forwards ch and records the delay to its first chunk.
func (o *Output) timed(ch <-chan []byte, start time.Time) <-chan []byte {
	if o.metrics == nil {
		return ch
	}
	out := make(chan []byte, cap(ch))
	go func() {
		defer close(out)
		first := true
		for chunk := range ch {
			if first {
				first = false
				o.metrics.TTSDuration.Record(context.Background(), time.Since(start).Seconds())
			}
			out <- chunk
		}
	}()
	return out
}

// LogOutput is a [Speaker] that only logs replies.
type LogOutput struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Speak implements [Speaker].
func (l LogOutput) Speak(text string) {
	lg := l.Logger
	if lg == nil {
		lg = slog.Default()
	}
	lg.Info("speak", "text", text)
}
