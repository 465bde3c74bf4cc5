// Package turn owns the turn-taking state machine.
//
// A [Controller] is a single-goroutine actor. [Controller.Run] selects over
// four inputs: the command inbox, the endpoint ticker, transcript updates and
// generation events. Only that goroutine touches the turn state, the ChatLog,
// the current transcript or the endpoint detector, so no two mutations ever
// interleave. Public methods post commands to the inbox and wait for the
// result.
//
// The cycle is Idle → Listening → Generating → Speaking → Listening (when
// continuous) or Idle. Speaking is fire-and-forget: the controller hands the
// reply to the speaker and settles immediately.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/hoa/internal/chatlog"
	"github.com/MrWong99/hoa/internal/endpoint"
	"github.com/MrWong99/hoa/internal/generation"
	"github.com/MrWong99/hoa/internal/observe"
	"github.com/MrWong99/hoa/internal/prompt"
	"github.com/MrWong99/hoa/internal/speech"
	"github.com/MrWong99/hoa/internal/transcript"
)

var (
	// ErrBusy is returned by [Controller.Submit] and [Controller.Begin]
	// while a turn is generating or speaking.
	ErrBusy = errors.New("turn: busy")

	// ErrNotRunning is returned by commands once [Controller.Run] has
	// returned.
	ErrNotRunning = errors.New("turn: controller not running")

	// ErrAlreadyRunning is returned by a second [Controller.Run].
	ErrAlreadyRunning = errors.New("turn: controller already running")
)

// Source is the transcript side of the controller. *transcript.Source
// satisfies it.
type Source interface {
	Start(ctx context.Context) error
	Stop() error
	Restart(ctx context.Context) error
	Updates() <-chan transcript.Update
	Session() uint64
	Running() bool
}

// Generator is the reply side of the controller. *generation.Client
// satisfies it.
type Generator interface {
	Submit(ctx context.Context, req prompt.Request) (uint64, error)
	Cancel()
	Events() <-chan generation.Event
	IsGenerating() bool
}

var (
	_ Source    = (*transcript.Source)(nil)
	_ Generator = (*generation.Client)(nil)
)

// Config holds the static behaviour of a [Controller].
type Config struct {
	Policy      endpoint.Policy
	Instruction string
	Examples    []prompt.Example

	// AutoSpeak voices every completed reply.
	AutoSpeak bool

	// EchoPartialTranscript publishes the live transcript as draft events.
	EchoPartialTranscript bool

	// Continuous returns to Listening after a reply instead of Idle.
	Continuous bool

	// SurfaceErrors appends generation failures to the ChatLog as system
	// messages.
	SurfaceErrors bool
}

// Option configures a [Controller].
type Option func(*Controller)

// WithTicks replaces the poll ticker. Tests drive the detector with it.
func WithTicks(ticks <-chan time.Time) Option {
	return func(c *Controller) { c.ticks = ticks }
}

// WithMetrics records turn outcomes, dropped finalizes and state on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithClock replaces time.Now for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

type command struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// Controller is the turn-taking actor.
type Controller struct {
	src Source
	gen Generator
	out speech.Speaker
	log *chatlog.Log
	cfg Config

	ticks   <-chan time.Time
	metrics *observe.Metrics
	now     func() time.Time

	inbox   chan command
	running atomic.Bool
	stopped chan struct{}
	state   atomic.Int32

	subMu  sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool

	// Owned by the Run goroutine.
	runCtx     context.Context
	detector   *endpoint.Detector
	session    uint64
	transcript string
	fresh      bool
	// late is set once speech heard outside Listening has been reported.
	late       bool
	turn       uint64
	reply      string
	lastErr    error
}

// New returns a controller in Idle. Nothing happens until [Controller.Run].
func New(src Source, gen Generator, out speech.Speaker, log *chatlog.Log, cfg Config, opts ...Option) (*Controller, error) {
	det, err := endpoint.NewDetector(cfg.Policy)
	if err != nil {
		return nil, fmt.Errorf("turn: %w", err)
	}
	if out == nil {
		out = speech.LogOutput{}
	}
	c := &Controller{
		src:      src,
		gen:      gen,
		out:      out,
		log:      log,
		cfg:      cfg,
		now:      time.Now,
		inbox:    make(chan command),
		stopped:  make(chan struct{}),
		subs:     make(map[int]chan Event),
		detector: det,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// State returns the last published state. Safe from any goroutine.
func (c *Controller) State() State { return State(c.state.Load()) }

// Log returns the conversation. Callers must only read it.
func (c *Controller) Log() *chatlog.Log { return c.log }

// Subscribe registers a presenter. Events are delivered without blocking:
// when the buffer is full the event is lost for this subscriber. The channel
// is closed by cancel or when Run returns.
func (c *Controller) Subscribe(buf int) (<-chan Event, func()) {
	ch := make(chan Event, max(buf, 1))
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextID
	c.nextID++
	c.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			defer c.subMu.Unlock()
			if _, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(ch)
			}
		})
	}
}

// Run serves the controller until ctx ends. It cancels any generation and
// stops the source on the way out.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(c.stopped)
	defer c.closeSubscribers()

	c.runCtx = ctx
	ticks := c.ticks
	if ticks == nil {
		t := time.NewTicker(c.cfg.Policy.PollInterval)
		defer t.Stop()
		ticks = t.C
	}
	updates := c.src.Updates()
	events := c.gen.Events()

	if c.metrics != nil {
		c.metrics.RecordTransition(ctx, "", c.State().String())
	}
	slog.Info("turn controller running", "poll_interval", c.cfg.Policy.PollInterval,
		"auto_speak", c.cfg.AutoSpeak, "continuous", c.cfg.Continuous)

	for {
		select {
		case <-ctx.Done():
			c.gen.Cancel()
			if err := c.src.Stop(); err != nil {
				slog.Warn("stopping transcript source", "err", err)
			}
			return nil
		case cmd := <-c.inbox:
			cmd.done <- cmd.fn(cmd.ctx)
		case <-ticks:
			c.tick(ctx)
		case u, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			c.onUpdate(u)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.onGeneration(ev)
		}
	}
}

// do runs fn on the Run goroutine and returns its error. Before Run starts
// it waits.
func (c *Controller) do(ctx context.Context, fn func(ctx context.Context) error) error {
	cmd := command{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case c.inbox <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrNotRunning
	}
	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrNotRunning
	}
}

// Begin starts listening. It is a no-op while already listening and fails
// with [ErrBusy] during a turn. A capture failure wraps
// [transcript.ErrCaptureUnavailable] and leaves the controller Idle.
func (c *Controller) Begin(ctx context.Context) error {
	return c.do(ctx, c.begin)
}

// Submit sends text as a finished utterance, exactly as if endpointing had
// finalized it. Allowed in Idle and Listening.
func (c *Controller) Submit(ctx context.Context, text string) error {
	return c.do(ctx, func(ctx context.Context) error {
		switch c.State() {
		case Idle, Listening:
		default:
			return ErrBusy
		}
		text = strings.TrimSpace(text)
		if text == "" {
			c.drop(DropEmpty, "")
			return endpoint.ErrEmptyFinalize
		}
		return c.finalize(ctx, text)
	})
}

// StopGeneration cancels the in-flight reply. When it returns no further
// output of that turn reaches the ChatLog. No-op outside Generating.
func (c *Controller) StopGeneration(ctx context.Context) error {
	return c.do(ctx, func(ctx context.Context) error {
		if c.State() != Generating {
			return nil
		}
		turn := c.turn
		c.gen.Cancel()
		c.turn = 0
		c.reply = ""
		c.recordTurn(observe.TurnCancelled)
		slog.Info("generation stopped", "turn", turn)
		c.setState(Idle)
		return nil
	})
}

// Reset returns to Idle from any state: it cancels generation, silences
// speech, stops the source and clears the ChatLog.
func (c *Controller) Reset(ctx context.Context) error {
	return c.do(ctx, func(ctx context.Context) error {
		if c.turn != 0 {
			c.recordTurn(observe.TurnCancelled)
		}
		c.gen.Cancel()
		if s, ok := c.out.(speech.Silencer); ok {
			s.Silence()
		}
		stopErr := c.src.Stop()
		if stopErr != nil {
			slog.Warn("stopping transcript source", "err", stopErr)
		}

		c.log.Reset()
		c.detector.Reset()
		c.session = 0
		c.transcript = ""
		c.fresh = false
		c.late = false
		c.turn = 0
		c.reply = ""
		c.lastErr = nil

		c.setState(Idle)
		c.publish(Event{Kind: EventReset})
		slog.Info("conversation reset")
		return stopErr
	})
}

// SetToggles changes AutoSpeak and EchoPartialTranscript from the next event
// on.
func (c *Controller) SetToggles(ctx context.Context, t Toggles) error {
	return c.do(ctx, func(context.Context) error {
		c.cfg.AutoSpeak = t.AutoSpeak
		c.cfg.EchoPartialTranscript = t.EchoPartialTranscript
		slog.Info("turn toggles updated", "auto_speak", t.AutoSpeak, "echo_partial_transcript", t.EchoPartialTranscript)
		return nil
	})
}

// SetPrompt replaces the instruction and few-shot examples. The running turn
// keeps the prompt it was submitted with.
func (c *Controller) SetPrompt(ctx context.Context, instruction string, examples []prompt.Example) error {
	examples = append([]prompt.Example(nil), examples...)
	return c.do(ctx, func(context.Context) error {
		c.cfg.Instruction = instruction
		c.cfg.Examples = examples
		slog.Info("prompt updated", "examples", len(examples))
		return nil
	})
}

// Status returns a consistent snapshot taken on the Run goroutine.
func (c *Controller) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, func(context.Context) error {
		st = Status{
			State:      c.State(),
			Transcript: c.transcript,
			Turn:       c.turn,
			Generating: c.gen.IsGenerating(),
			Messages:   c.log.Len(),
			Toggles: Toggles{
				AutoSpeak:             c.cfg.AutoSpeak,
				EchoPartialTranscript: c.cfg.EchoPartialTranscript,
			},
		}
		if c.lastErr != nil {
			st.LastError = c.lastErr.Error()
		}
		return nil
	})
	return st, err
}

func (c *Controller) begin(ctx context.Context) error {
	switch c.State() {
	case Listening:
		return nil
	case Generating, Speaking:
		return ErrBusy
	}
	if err := c.listen(ctx); err != nil {
		c.lastErr = err
		slog.Warn("capture unavailable", "err", err)
		c.publish(Event{Kind: EventError, Error: err.Error()})
		return err
	}
	c.lastErr = nil
	return nil
}

// listen enters Listening with a clean detector and transcript. Speech the
// running source picked up outside Listening is thrown away with a fresh
// session so it can never finalize later.
func (c *Controller) listen(ctx context.Context) error {
	var err error
	if c.src.Running() && c.transcript != "" {
		err = c.src.Restart(ctx)
	} else {
		err = c.src.Start(ctx)
	}
	if err != nil {
		return err
	}
	c.session = c.src.Session()
	c.detector.Reset()
	c.transcript = ""
	c.fresh = false
	c.late = false
	c.setState(Listening)
	return nil
}

func (c *Controller) tick(ctx context.Context) {
	// The detector is paused outside Listening. Speech heard meanwhile is
	// reported once and discarded.
	if c.State() != Listening {
		if c.fresh && !c.late {
			c.late = true
			c.drop(DropNotListening, c.transcript)
		}
		c.fresh = false
		return
	}
	text, ok := c.detector.Observe(c.transcript)
	if !ok {
		return
	}
	switch {
	case !c.fresh:
		c.drop(DropDuplicate, text)
	default:
		if err := c.finalize(ctx, text); err != nil {
			slog.Warn("finalized utterance not submitted", "err", err)
		}
	}
}

func (c *Controller) onUpdate(u transcript.Update) {
	if u.Session != c.session || c.session == 0 {
		slog.Debug("dropping stale transcript update", "session", u.Session, "current", c.session)
		return
	}
	if u.Text == c.transcript {
		return
	}
	c.transcript = u.Text
	c.fresh = true
	if c.cfg.EchoPartialTranscript && c.State() == Listening {
		c.publish(Event{Kind: EventDraft, Text: u.Text})
	}
}

// finalize performs the Listening → Generating side effects in order:
// record the user message, restart the source, submit.
func (c *Controller) finalize(ctx context.Context, text string) error {
	msg, err := c.log.Append(chatlog.RoleUser, text)
	if err != nil {
		return fmt.Errorf("turn: append user message: %w", err)
	}
	c.publish(Event{Kind: EventFinalized, Text: text})
	c.publishMessage(msg)
	c.fresh = false

	if c.src.Running() {
		if err := c.src.Restart(ctx); err != nil {
			slog.Warn("restarting transcript source", "err", err)
			c.publish(Event{Kind: EventError, Error: err.Error()})
		}
		c.session = c.src.Session()
		c.transcript = ""
	}

	turn, err := c.gen.Submit(c.runCtx, prompt.Request{
		Instruction: c.cfg.Instruction,
		Examples:    c.cfg.Examples,
		History:     c.log.Messages(),
		UserText:    text,
	})
	if err != nil {
		c.fail(fmt.Errorf("turn: submit: %w", err))
		return err
	}
	c.turn = turn
	c.reply = ""
	c.late = false
	slog.Info("utterance submitted", "turn", turn, "text", text)
	c.setState(Generating)
	return nil
}

func (c *Controller) onGeneration(ev generation.Event) {
	if ev.Turn != c.turn || c.turn == 0 || c.State() != Generating {
		slog.Debug("dropping stale generation event", "turn", ev.Turn, "kind", ev.Kind, "current", c.turn)
		return
	}

	switch ev.Kind {
	case generation.Delta:
		c.reply = ev.Text
		c.publish(Event{Kind: EventDelta, Turn: ev.Turn, Text: ev.Text})

	case generation.Failed:
		c.fail(ev.Err)

	case generation.Done:
		// Clearing the turn makes any repeated Done for it stale.
		c.turn = 0
		c.reply = ""
		text := strings.TrimSpace(ev.Text)
		if text == "" {
			c.recordTurn(observe.TurnEmpty)
			slog.Info("empty reply", "turn", ev.Turn)
			c.setState(Idle)
			return
		}

		msg, err := c.log.Append(chatlog.RoleAI, text)
		if err != nil {
			c.fail(fmt.Errorf("turn: append reply: %w", err))
			return
		}
		c.publishMessage(msg)
		// Speaking only exists while a reply is being dispatched.
		if c.cfg.AutoSpeak {
			c.setState(Speaking)
			c.out.Speak(text)
		}
		c.recordTurn(observe.TurnDone)
		slog.Info("reply completed", "turn", ev.Turn, "text", text)
		c.settle()
	}
}

// fail ends the current turn in Idle with err attached.
func (c *Controller) fail(err error) {
	turn := c.turn
	c.turn = 0
	c.reply = ""
	c.lastErr = err
	c.recordTurn(observe.TurnFailed)
	slog.Warn("turn failed", "turn", turn, "err", err)
	c.publish(Event{Kind: EventError, Turn: turn, Error: err.Error()})

	if c.cfg.SurfaceErrors {
		if msg, appendErr := c.log.Append(chatlog.RoleSystem, err.Error()); appendErr == nil {
			c.publishMessage(msg)
		}
	}
	c.setState(Idle)
}

// settle ends a completed turn once the reply has been dispatched.
func (c *Controller) settle() {
	if c.cfg.Continuous && c.src.Running() {
		err := c.listen(c.runCtx)
		if err == nil {
			return
		}
		slog.Warn("resuming capture", "err", err)
		c.publish(Event{Kind: EventError, Error: err.Error()})
	}
	c.setState(Idle)
}

func (c *Controller) drop(reason, text string) {
	slog.Debug("finalize dropped", "reason", reason, "text", text)
	if c.metrics != nil {
		c.metrics.RecordDropped(c.runCtx, reason)
	}
	c.publish(Event{Kind: EventDropped, Reason: reason, Text: text})
}

func (c *Controller) recordTurn(status string) {
	if c.metrics != nil {
		c.metrics.RecordTurn(c.runCtx, status)
	}
}

func (c *Controller) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev == s {
		return
	}
	if c.metrics != nil {
		c.metrics.RecordTransition(c.runCtx, prev.String(), s.String())
	}
	slog.Debug("turn state", "from", prev, "to", s)
	c.publish(Event{Kind: EventState})
}

func (c *Controller) publishMessage(m chatlog.Message) {
	c.publish(Event{Kind: EventMessage, Message: &m, Text: m.Text})
}

func (c *Controller) publish(ev Event) {
	ev.State = c.State()
	ev.At = c.now()
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (c *Controller) closeSubscribers() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.closed = true
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
}
