// Package transcript turns captured audio into a live text transcript.
//
// A [Source] owns two things with different lifetimes. The audio tap is the
// connection to an [audio.Platform]; it is installed once by
// [Source.RequestAccess] and stays until [Source.Close]. A recognition
// session is one [stt.SessionHandle]; [Source.Start], [Source.Stop] and
// [Source.Restart] open and close sessions on top of the tap without ever
// touching it again.
//
// While a session is open every change in the recognised text is published
// on [Source.Updates] as the full best guess of the segment so far: the
// committed finals joined by the separator, followed by the latest partial.
// Each session has its own id so consumers can drop updates that were
// already buffered when the session was replaced.
package transcript

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/hoa/internal/observe"
	"github.com/MrWong99/hoa/pkg/audio"
	"github.com/MrWong99/hoa/pkg/provider/stt"
)

var (
	// ErrCaptureUnavailable wraps every failure to install the audio tap or
	// open a recognition session.
	ErrCaptureUnavailable = errors.New("transcript: capture unavailable")

	// ErrClosed is returned by every method after [Source.Close].
	ErrClosed = errors.New("transcript: source closed")
)

const defaultUpdateBuffer = 32

// Update is one change of the live transcript.
type Update struct {
	// Session identifies the recognition session that produced the update.
	Session uint64

	// Text is the whole current segment, not a delta.
	Text string

	// Final is set when the newest piece of Text was committed by the
	// recogniser.
	Final bool

	At time.Time
}

// Option configures a [Source].
type Option func(*Source)

// WithDevice selects the capture endpoint passed to [audio.Platform.Connect].
// Empty selects the platform default.
func WithDevice(id string) Option {
	return func(s *Source) { s.device = id }
}

// WithStreamConfig sets the recognition format and hints. Frames are
// converted to SampleRate and Channels before they reach the recogniser.
// Default: 16 kHz mono, language "ja".
func WithStreamConfig(cfg stt.StreamConfig) Option {
	return func(s *Source) { s.streamCfg = cfg }
}

// WithSeparator sets the string placed between committed finals. It defaults
// to "" for Japanese and Chinese and to a space otherwise.
func WithSeparator(sep string) Option {
	return func(s *Source) { s.sep = &sep }
}

// WithUpdateBuffer sets the capacity of the [Source.Updates] channel.
func WithUpdateBuffer(n int) Option {
	return func(s *Source) {
		if n > 0 {
			s.bufSize = n
		}
	}
}

// WithMetrics records session open latency on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Source) { s.metrics = m }
}

// WithClock replaces time.Now for update timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Source) { s.now = now }
}

// WithOnTap registers fn to run once the audio tap is installed, whichever
// call installed it. fn runs with the Source locked and must not call back
// into it.
func WithOnTap(fn func(audio.Connection)) Option {
	return func(s *Source) { s.onTap = fn }
}

// Source is safe for concurrent use. Start, Stop, Restart and Close are
// serialised by one mutex, so a Start never overlaps a pending Stop.
type Source struct {
	platform   audio.Platform
	recognizer stt.Provider

	device    string
	streamCfg stt.StreamConfig
	sep       *string
	bufSize   int
	metrics   *observe.Metrics
	now       func() time.Time
	onTap     func(audio.Connection)

	updates chan Update

	// life bounds the tap pumps and every recognition session. Sessions are
	// not bound to the ctx of the call that opened them: that ctx usually
	// belongs to a single command or HTTP request.
	life   context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	conn    audio.Connection
	pumped  map[string]bool
	pumps   sync.WaitGroup
	current *session
	nextID  uint64
	closed  bool

	// active mirrors current for the audio pumps, which must not take mu.
	active    atomic.Pointer[session]
	sessionID atomic.Uint64
}

// NewSource returns a stopped Source without an audio tap.
func NewSource(platform audio.Platform, recognizer stt.Provider, opts ...Option) *Source {
	s := &Source{
		platform:   platform,
		recognizer: recognizer,
		streamCfg:  stt.StreamConfig{SampleRate: 16000, Channels: 1, Language: "ja"},
		bufSize:    defaultUpdateBuffer,
		now:        time.Now,
		pumped:     make(map[string]bool),
	}
	for _, o := range opts {
		o(s)
	}
	if s.streamCfg.SampleRate == 0 {
		s.streamCfg.SampleRate = 16000
	}
	if s.streamCfg.Channels == 0 {
		s.streamCfg.Channels = 1
	}
	if s.sep == nil {
		sep := SeparatorFor(s.streamCfg.Language)
		s.sep = &sep
	}
	s.updates = make(chan Update, s.bufSize)
	s.life, s.cancel = context.WithCancel(context.Background())
	return s
}

// SeparatorFor returns the separator between committed segments for a
// BCP-47 language tag: "" for languages written without spaces (ja, zh),
// " " otherwise.
func SeparatorFor(language string) string {
	lang, _, _ := strings.Cut(strings.ToLower(language), "-")
	switch lang {
	case "ja", "zh":
		return ""
	}
	return " "
}

// Updates returns the transcript stream. It is closed by [Source.Close].
func (s *Source) Updates() <-chan Update { return s.updates }

// Session returns the id of the open recognition session, 0 when stopped.
func (s *Source) Session() uint64 { return s.sessionID.Load() }

// Running reports whether a recognition session is open.
func (s *Source) Running() bool { return s.sessionID.Load() != 0 }

// Connection returns the tapped audio connection, nil before
// [Source.RequestAccess] succeeds.
func (s *Source) Connection() audio.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Snapshot returns the current transcript of the open session, "" when
// stopped.
func (s *Source) Snapshot() string {
	if sess := s.active.Load(); sess != nil {
		return sess.text()
	}
	return ""
}

// RequestAccess installs the audio tap by connecting the platform. It does
// nothing if the tap is already installed. onGranted, if non-nil, runs once
// after a successful install. A failure wraps [ErrCaptureUnavailable] and
// leaves the Source without a tap so the caller may retry.
func (s *Source) RequestAccess(ctx context.Context, onGranted func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestAccessLocked(ctx, onGranted)
}

func (s *Source) requestAccessLocked(ctx context.Context, onGranted func()) error {
	if s.closed {
		return ErrClosed
	}
	if s.conn != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCaptureUnavailable, err)
	}
	conn, err := s.platform.Connect(ctx, s.device)
	if err != nil {
		return fmt.Errorf("%w: connect %q: %w", ErrCaptureUnavailable, s.device, err)
	}
	s.conn = conn

	// Registered before the snapshot; pumpLocked ignores duplicates.
	conn.OnParticipantChange(func(ev audio.Event) {
		if ev.Type != audio.EventJoin {
			return
		}
		ch, ok := conn.InputStreams()[ev.UserID]
		if !ok {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.closed {
			s.pumpLocked(ev.UserID, ch)
		}
	})
	for id, ch := range conn.InputStreams() {
		s.pumpLocked(id, ch)
	}

	slog.Info("audio tap installed", "device", s.device)
	if s.onTap != nil {
		s.onTap(conn)
	}
	if onGranted != nil {
		onGranted()
	}
	return nil
}

// pumpLocked starts forwarding one participant's frames. A participant that
// left and rejoined gets a fresh channel and a fresh pump.
func (s *Source) pumpLocked(id string, ch <-chan audio.AudioFrame) {
	if s.pumped[id] {
		return
	}
	s.pumped[id] = true
	s.pumps.Add(1)
	go func() {
		defer s.pumps.Done()
		defer func() {
			s.mu.Lock()
			delete(s.pumped, id)
			s.mu.Unlock()
		}()
		s.pump(id, ch)
	}()
}

func (s *Source) pump(id string, ch <-chan audio.AudioFrame) {
	conv := audio.FormatConverter{Target: audio.Format{
		SampleRate: s.streamCfg.SampleRate,
		Channels:   s.streamCfg.Channels,
	}}
	for {
		select {
		case <-s.life.Done():
			return
		case frame, ok := <-ch:
			if !ok {
				slog.Debug("capture stream closed", "participant", id)
				return
			}
			sess := s.active.Load()
			if sess == nil {
				// Stopped: the tap stays installed and frames are discarded.
				continue
			}
			out := conv.Convert(frame)
			if len(out.Data) == 0 {
				continue
			}
			if err := sess.handle.SendAudio(out.Data); err != nil {
				slog.Debug("stt send failed", "participant", id, "session", sess.id, "err", err)
			}
		}
	}
}

// Start opens a recognition session, installing the tap first if needed.
// It is a no-op while a session is open.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return nil
	}
	return s.startLocked(ctx)
}

// Stop closes the open recognition session, which finalises it. The tap
// stays installed. It is a no-op while stopped.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.stopLocked()
}

// Restart replaces the open session with a fresh one, or opens one if
// stopped. The tap is never reinstalled.
func (s *Source) Restart(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	stopErr := s.stopLocked()
	if err := s.startLocked(ctx); err != nil {
		return errors.Join(stopErr, err)
	}
	return stopErr
}

func (s *Source) startLocked(ctx context.Context) error {
	if s.closed {
		return ErrClosed
	}
	if err := s.requestAccessLocked(ctx, nil); err != nil {
		return err
	}

	start := time.Now()
	handle, err := s.recognizer.StartStream(s.life, s.streamCfg)
	if s.metrics != nil {
		s.metrics.STTDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		return fmt.Errorf("%w: start recognition: %w", ErrCaptureUnavailable, err)
	}

	s.nextID++
	sess := newSession(s.nextID, handle, *s.sep)
	s.current = sess
	s.active.Store(sess)
	s.sessionID.Store(sess.id)
	go sess.read(s.updates, s.now)

	slog.Debug("recognition session started", "session", sess.id)
	return nil
}

func (s *Source) stopLocked() error {
	sess := s.current
	if sess == nil {
		return nil
	}
	s.current = nil
	s.active.Store(nil)
	s.sessionID.Store(0)

	err := sess.close()
	slog.Debug("recognition session stopped", "session", sess.id)
	if err != nil {
		return fmt.Errorf("transcript: close session %d: %w", sess.id, err)
	}
	return nil
}

// Close stops recognition, removes the tap and closes [Source.Updates].
// Later calls return nil.
func (s *Source) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	stopErr := s.stopLocked()
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	var discErr error
	if conn != nil {
		discErr = conn.Disconnect()
	}
	s.cancel()
	s.pumps.Wait()
	close(s.updates)
	return errors.Join(stopErr, discErr)
}

// session is one recognition session and the text it has produced.
type session struct {
	id     uint64
	handle stt.SessionHandle
	sep    string

	// done is closed before the handle so read stops forwarding and only
	// drains.
	done     chan struct{}
	finished chan struct{}

	mu        sync.Mutex
	committed []string
	partial   string
}

func newSession(id uint64, h stt.SessionHandle, sep string) *session {
	return &session{
		id:       id,
		handle:   h,
		sep:      sep,
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

func (s *session) text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.textLocked()
}

func (s *session) textLocked() string {
	parts := s.committed
	if s.partial != "" {
		parts = append(parts[:len(parts):len(parts)], s.partial)
	}
	return strings.Join(parts, s.sep)
}

// read consumes both transcript streams until the handle closes them.
func (s *session) read(out chan<- Update, now func() time.Time) {
	defer close(s.finished)
	partials, finals := s.handle.Partials(), s.handle.Finals()
	for partials != nil || finals != nil {
		var (
			t  stt.Transcript
			ok bool
		)
		select {
		case t, ok = <-partials:
			if !ok {
				partials = nil
				continue
			}
		case t, ok = <-finals:
			if !ok {
				finals = nil
				continue
			}
		}
		u, changed := s.apply(t)
		if !changed {
			continue
		}
		u.At = now()
		select {
		case out <- u:
		case <-s.done:
		}
	}
}

func (s *session) apply(t stt.Transcript) (Update, bool) {
	text := strings.TrimSpace(t.Text)

	s.mu.Lock()
	defer s.mu.Unlock()
	before := s.textLocked()
	if t.IsFinal {
		if text != "" {
			s.committed = append(s.committed, text)
		}
		s.partial = ""
	} else {
		s.partial = text
	}
	after := s.textLocked()
	if after == before && !t.IsFinal {
		return Update{}, false
	}
	return Update{Session: s.id, Text: after, Final: t.IsFinal}, true
}

// close finalises the session and waits for read to exit.
func (s *session) close() error {
	close(s.done)
	err := s.handle.Close()
	<-s.finished
	return err
}
