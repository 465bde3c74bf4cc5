// Package api serves the HTTP control surface of the turn controller.
//
//	GET  /v1/status             controller snapshot
//	GET  /v1/messages           the ChatLog
//	POST /v1/session/begin      start listening
//	POST /v1/submit             {"text": "..."} manual utterance
//	POST /v1/generation/cancel  stop the running reply
//	POST /v1/reset              clear the conversation
//	GET  /v1/events             WebSocket; one JSON object per controller event
//
// Health probes and /metrics are mounted next to these when configured.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/hoa/internal/chatlog"
	"github.com/MrWong99/hoa/internal/endpoint"
	"github.com/MrWong99/hoa/internal/health"
	"github.com/MrWong99/hoa/internal/observe"
	"github.com/MrWong99/hoa/internal/transcript"
	"github.com/MrWong99/hoa/internal/turn"
)

// maxBody bounds request bodies.
const maxBody = 64 << 10

// Controller is the part of [turn.Controller] the API drives.
type Controller interface {
	Begin(ctx context.Context) error
	Submit(ctx context.Context, text string) error
	StopGeneration(ctx context.Context) error
	Reset(ctx context.Context) error
	Status(ctx context.Context) (turn.Status, error)
	Subscribe(buf int) (<-chan turn.Event, func())
	Log() *chatlog.Log
}

var _ Controller = (*turn.Controller)(nil)

// Option configures a [Server].
type Option func(*Server)

// WithHealth mounts /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics wraps every route in [observe.Middleware] recording on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithEventBuffer sets the per-connection event buffer of /v1/events.
// Default 64.
func WithEventBuffer(n int) Option {
	return func(s *Server) { s.eventBuffer = n }
}

// WithWriteTimeout bounds one WebSocket write. Default 5s.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) { s.writeTimeout = d }
}

// WithOriginPatterns allows cross-origin WebSocket clients matching the
// given host patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

// Server is the control API.
type Server struct {
	ctrl Controller

	health         *health.Handler
	metrics        *observe.Metrics
	metricsHandler http.Handler
	eventBuffer    int
	writeTimeout   time.Duration
	origins        []string

	handler http.Handler
}

// NewServer builds the routes.
func NewServer(ctrl Controller, opts ...Option) *Server {
	s := &Server{
		ctrl:         ctrl,
		eventBuffer:  64,
		writeTimeout: 5 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/messages", s.handleMessages)
	mux.HandleFunc("POST /v1/session/begin", s.handleBegin)
	mux.HandleFunc("POST /v1/submit", s.handleSubmit)
	mux.HandleFunc("POST /v1/generation/cancel", s.handleCancel)
	mux.HandleFunc("POST /v1/reset", s.handleReset)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}

	s.handler = mux
	if s.metrics != nil {
		s.handler = observe.Middleware(s.metrics)(mux)
	}
	return s
}

// ServeHTTP implements [http.Handler].
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

type submitRequest struct {
	Text string `json:"text"`
}

type messagesResponse struct {
	Messages []chatlog.Message `json:"messages"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.ctrl.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleMessages(w http.ResponseWriter, _ *http.Request) {
	msgs := s.ctrl.Log().Messages()
	if msgs == nil {
		msgs = []chatlog.Message{}
	}
	writeJSON(w, http.StatusOK, messagesResponse{Messages: msgs})
}

func (s *Server) handleBegin(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, s.ctrl.Begin)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	s.command(w, r, func(ctx context.Context) error { return s.ctrl.Submit(ctx, req.Text) })
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, s.ctrl.StopGeneration)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, s.ctrl.Reset)
}

// command runs fn and answers with the resulting status.
func (s *Server) command(w http.ResponseWriter, r *http.Request, fn func(context.Context) error) {
	if err := fn(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	s.handleStatus(w, r)
}

// handleEvents streams controller events until the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		slog.Warn("api: websocket accept", "err", err)
		return
	}
	defer conn.CloseNow()

	events, cancel := s.ctrl.Subscribe(s.eventBuffer)
	defer cancel()

	// Clients never send; CloseRead handles their close frame.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "controller stopped")
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, s.writeTimeout)
			err := wsjson.Write(wctx, conn, ev)
			wcancel()
			if err != nil {
				slog.Debug("api: event stream closed", "err", err)
				return
			}
		}
	}
}

// statusFor maps controller errors onto HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, turn.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, endpoint.ErrEmptyFinalize):
		return http.StatusBadRequest
	case errors.Is(err, transcript.ErrCaptureUnavailable), errors.Is(err, turn.ErrNotRunning):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Warn("api: command failed", "err", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
