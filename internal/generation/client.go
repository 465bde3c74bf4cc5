// Package generation runs one streaming LLM completion per turn.
//
// A [Client] accepts at most one turn at a time. [Client.Submit] returns
// immediately with a turn id; the reply then arrives on [Client.Events] as
// zero or more [Delta] events followed by exactly one [Done] or [Failed],
// unless the turn is cancelled. [Client.Cancel] is synchronous: once it
// returns the worker has exited and no further events of the cancelled turn
// are produced. Events already buffered carry the old turn id, so consumers
// compare ids and drop stragglers.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/hoa/internal/observe"
	"github.com/MrWong99/hoa/internal/prompt"
	"github.com/MrWong99/hoa/pkg/audio"
	"github.com/MrWong99/hoa/pkg/provider/llm"
)

var (
	// ErrBusy is returned by [Client.Submit] while a turn is in flight.
	ErrBusy = errors.New("generation: turn already in flight")

	// ErrGenerationFailed wraps every backend failure reported in a
	// [Failed] event.
	ErrGenerationFailed = errors.New("generation: failed")

	// ErrClosed is returned by [Client.Submit] after [Client.Close].
	ErrClosed = errors.New("generation: client closed")
)

const defaultEventBuffer = 64

// EventKind classifies an [Event].
type EventKind int

const (
	// Delta carries the running reply so far.
	Delta EventKind = iota

	// Done carries the final parsed reply. It may be empty.
	Done

	// Failed carries an error wrapping [ErrGenerationFailed].
	Failed
)

func (k EventKind) String() string {
	switch k {
	case Delta:
		return "delta"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is one step of a turn.
type Event struct {
	Turn uint64
	Kind EventKind
	Text string
	Err  error
}

// Option configures a [Client].
type Option func(*Client)

// WithTemperature sets the sampling temperature of every request.
func WithTemperature(t float64) Option {
	return func(c *Client) { c.temperature = t }
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int) Option {
	return func(c *Client) { c.maxTokens = n }
}

// WithReplyFilter post-processes the parsed reply of a [Done] event, for
// example to snap it onto a closed answer set.
func WithReplyFilter(fn func(string) string) Option {
	return func(c *Client) { c.filter = fn }
}

// WithMetrics records turn latency on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithEventBuffer sets the capacity of the [Client.Events] channel.
func WithEventBuffer(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.eventBuf = n
		}
	}
}

// Client is safe for concurrent use.
type Client struct {
	provider  llm.Provider
	formatter prompt.Formatter

	temperature float64
	maxTokens   int
	filter      func(string) string
	metrics     *observe.Metrics
	eventBuf    int

	events chan Event

	// life ends with Close and unblocks workers stuck on a full events
	// channel.
	life context.Context
	stop context.CancelFunc

	mu     sync.Mutex
	turn   uint64
	active uint64
	cancel context.CancelFunc
	exited chan struct{}
	closed bool
	wg     sync.WaitGroup

	generating atomic.Bool
}

// New returns an idle client.
func New(provider llm.Provider, formatter prompt.Formatter, opts ...Option) *Client {
	c := &Client{
		provider:  provider,
		formatter: formatter,
		eventBuf:  defaultEventBuffer,
	}
	for _, o := range opts {
		o(c)
	}
	c.events = make(chan Event, c.eventBuf)
	c.life, c.stop = context.WithCancel(context.Background())
	return c
}

// Events returns the event stream shared by every turn. It is closed by
// [Client.Close].
func (c *Client) Events() <-chan Event { return c.events }

// IsGenerating reports whether a turn is in flight. It flips to true in
// Submit and back to false just before the terminal event is sent, or in
// Cancel.
func (c *Client) IsGenerating() bool { return c.generating.Load() }

// Submit starts a turn for req. The turn lives until its terminal event, a
// [Client.Cancel], or the end of ctx.
func (c *Client) Submit(ctx context.Context, req prompt.Request) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}
	if c.active != 0 {
		return 0, ErrBusy
	}

	creq := c.formatter.Format(req)
	creq.Temperature = c.temperature
	creq.MaxTokens = c.maxTokens

	c.turn++
	turn := c.turn
	runCtx, cancel := context.WithCancel(ctx)
	exited := make(chan struct{})
	c.active = turn
	c.cancel = cancel
	c.exited = exited
	c.generating.Store(true)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(exited)
		c.run(runCtx, turn, creq)
	}()

	slog.Debug("generation submitted", "turn", turn, "messages", len(creq.Messages))
	return turn, nil
}

// Cancel stops the in-flight turn and waits for its worker to exit. It is a
// no-op when nothing is in flight.
func (c *Client) Cancel() {
	c.mu.Lock()
	cancel, exited := c.cancel, c.exited
	turn := c.active
	c.cancel = nil
	c.exited = nil
	c.active = 0
	c.generating.Store(false)
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-exited
	slog.Debug("generation cancelled", "turn", turn)
}

// Close cancels any turn and closes [Client.Events]. Later calls are no-ops.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.stop()
	c.Cancel()
	c.wg.Wait()
	close(c.events)
	return nil
}

func (c *Client) run(ctx context.Context, turn uint64, req llm.CompletionRequest) {
	defer func() {
		// The parent ctx ended without Cancel or a terminal event.
		if cancel := c.release(turn); cancel != nil {
			cancel()
		}
	}()

	ctx, span := observe.StartSpan(observe.WithTurn(ctx, turn), "generation.turn",
		trace.WithAttributes(attribute.Int("messages", len(req.Messages))))
	defer span.End()
	log := observe.Logger(ctx)
	start := time.Now()

	status := observe.TurnDone
	defer func() {
		if c.metrics != nil {
			c.metrics.GenerationDuration.Record(context.WithoutCancel(ctx), time.Since(start).Seconds(),
				metric.WithAttributes(attribute.String("status", status)))
		}
	}()

	ch, err := c.provider.StreamCompletion(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			status = observe.TurnCancelled
			return
		}
		status = observe.TurnFailed
		span.RecordError(err)
		log.Debug("llm stream failed to start", "err", err)
		c.finish(ctx, turn, Event{Kind: Failed, Err: fmt.Errorf("%w: start stream: %w", ErrGenerationFailed, err)})
		return
	}

	var raw strings.Builder
	last := ""
	for done := false; !done; {
		select {
		case <-ctx.Done():
			go audio.Drain(ch)
			status = observe.TurnCancelled
			return
		case chunk, ok := <-ch:
			switch {
			case !ok:
				done = true
			case chunk.FinishReason == llm.FinishReasonError:
				go audio.Drain(ch)
				status = observe.TurnFailed
				err := fmt.Errorf("%w: stream: %s", ErrGenerationFailed, chunk.Text)
				span.RecordError(err)
				log.Debug("llm stream error", "err", err)
				c.finish(ctx, turn, Event{Kind: Failed, Err: err})
				return
			case chunk.Text != "":
				raw.WriteString(chunk.Text)
				if running := c.formatter.ParseReply(raw.String()); running != last {
					last = running
					c.send(ctx, Event{Turn: turn, Kind: Delta, Text: running})
				}
			}
		}
	}

	reply := c.formatter.ParseReply(raw.String())
	if c.filter != nil && reply != "" {
		reply = c.filter(reply)
	}
	if reply == "" {
		status = observe.TurnEmpty
	}
	log.Debug("llm stream finished", "raw", raw.Len(), "reply", reply)
	c.finish(ctx, turn, Event{Kind: Done, Text: reply})
}

// finish clears the in-flight turn, unless it was already cancelled, and
// sends the terminal event.
func (c *Client) finish(ctx context.Context, turn uint64, ev Event) {
	cancel := c.release(turn)
	if cancel == nil {
		return
	}
	ev.Turn = turn
	c.send(ctx, ev)
	cancel()
}

// release clears turn if it is still the active one and returns its cancel
// func, or nil.
func (c *Client) release(turn uint64) context.CancelFunc {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != turn {
		return nil
	}
	cancel := c.cancel
	c.active = 0
	c.cancel = nil
	c.exited = nil
	c.generating.Store(false)
	return cancel
}

// send blocks until the event is buffered or the turn is cancelled.
func (c *Client) send(ctx context.Context, ev Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	case <-c.life.Done():
	}
}
