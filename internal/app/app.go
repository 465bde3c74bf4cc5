// Package app wires the hoa subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds every subsystem from the
// config and the providers, Run serves the turn controller, the control API
// and the console until ctx ends, and Shutdown tears everything down in
// order.
//
// For testing, inject doubles via functional options (WithTurnOptions,
// WithConsole, WithMetrics). Providers always come from the caller.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/hoa/internal/api"
	"github.com/MrWong99/hoa/internal/chatlog"
	"github.com/MrWong99/hoa/internal/config"
	"github.com/MrWong99/hoa/internal/endpoint"
	"github.com/MrWong99/hoa/internal/generation"
	"github.com/MrWong99/hoa/internal/health"
	"github.com/MrWong99/hoa/internal/observe"
	"github.com/MrWong99/hoa/internal/phonetic"
	"github.com/MrWong99/hoa/internal/prompt"
	"github.com/MrWong99/hoa/internal/speech"
	"github.com/MrWong99/hoa/internal/transcript"
	"github.com/MrWong99/hoa/internal/turn"
	"github.com/MrWong99/hoa/pkg/audio"
	"github.com/MrWong99/hoa/pkg/provider/llm"
	"github.com/MrWong99/hoa/pkg/provider/stt"
	"github.com/MrWong99/hoa/pkg/provider/tts"
)

// shutdownTimeout bounds the HTTP server drain when Run's ctx ends.
const shutdownTimeout = 5 * time.Second

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	LLM   llm.Provider
	STT   stt.Provider
	TTS   tts.Provider
	Audio audio.Platform
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics        *observe.Metrics
	metricsHandler http.Handler
	levelVar       *slog.LevelVar
	console        io.Writer
	turnOpts       []turn.Option
	configPath     string
	watchOpts      []config.WatcherOption

	// Subsystems, initialised in New and torn down in Shutdown.
	log     *chatlog.Log
	tap     *transcript.Source
	client  *generation.Client
	player  *outputPlayer
	speaker speech.Speaker
	ctrl    *turn.Controller
	health  *health.Handler
	server  *http.Server

	snapper atomic.Pointer[phonetic.Snapper]
	running atomic.Bool

	// outputConn is the audio connection opened for speech alone when no
	// recognizer is configured.
	outputConn audio.Connection

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics records on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h at GET /metrics on the control API.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLevelVar lets config reloads change the log level through v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = v }
}

// WithConsole prints the conversation to w.
func WithConsole(w io.Writer) Option {
	return func(a *App) { a.console = w }
}

// WithTurnOptions passes extra options to the turn controller.
func WithTurnOptions(opts ...turn.Option) Option {
	return func(a *App) { a.turnOpts = append(a.turnOpts, opts...) }
}

// WithConfigWatch reloads the config file at path while Run is active.
func WithConfigWatch(path string, opts ...config.WatcherOption) Option {
	return func(a *App) {
		a.configPath = path
		a.watchOpts = opts
	}
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// Nothing touches the audio device before Run.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil {
		return nil, errors.New("app: an LLM provider is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.log = chatlog.New()
	a.setChoices(cfg.Assistant.ReplyChoices)

	if err := a.initGeneration(); err != nil {
		return nil, fmt.Errorf("app: init generation: %w", err)
	}
	a.initSpeech()

	var src turn.Source = noCapture{}
	if providers.STT != nil && providers.Audio != nil {
		a.tap = transcript.NewSource(providers.Audio, providers.STT,
			transcript.WithDevice(cfg.Providers.Audio.OptionString("device")),
			transcript.WithStreamConfig(stt.StreamConfig{Language: cfg.Assistant.Language}),
			transcript.WithMetrics(a.metrics),
			transcript.WithOnTap(a.player.bind),
		)
		a.closers = append(a.closers, a.tap.Close)
		src = a.tap
	} else {
		slog.Warn("speech recognition disabled; only typed submissions reach the assistant",
			"stt", providers.STT != nil, "audio", providers.Audio != nil)
	}

	ctrl, err := turn.New(src, a.client, a.speaker, a.log, a.turnConfig(cfg),
		append([]turn.Option{turn.WithMetrics(a.metrics)}, a.turnOpts...)...)
	if err != nil {
		return nil, fmt.Errorf("app: init turn controller: %w", err)
	}
	a.ctrl = ctrl

	a.health = health.New(
		health.Flag("controller", a.running.Load),
		health.Flag("audio_tap", func() bool { return a.tap == nil || a.tap.Connection() != nil }),
	)
	if addr := cfg.Server.ListenAddr; addr != "" {
		a.server = &http.Server{
			Addr: addr,
			Handler: api.NewServer(ctrl,
				api.WithHealth(a.health),
				api.WithMetrics(a.metrics),
				api.WithMetricsHandler(a.metricsHandler),
			),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	slog.Info("app initialised",
		"prompt_format", cfg.Assistant.PromptFormat,
		"language", cfg.Assistant.Language,
		"reply_choices", len(cfg.Assistant.ReplyChoices),
		"listen_addr", cfg.Server.ListenAddr,
	)
	return a, nil
}

// initGeneration builds the formatter and the generation client.
func (a *App) initGeneration() error {
	as := a.cfg.Assistant
	formatter, err := prompt.NewFormatter(string(as.PromptFormat), as.UserPrefix, as.Name)
	if err != nil {
		return err
	}
	opts := []generation.Option{
		generation.WithReplyFilter(a.filterReply),
		generation.WithMetrics(a.metrics),
	}
	if as.Temperature != nil {
		opts = append(opts, generation.WithTemperature(*as.Temperature))
	}
	if as.MaxTokens > 0 {
		opts = append(opts, generation.WithMaxTokens(as.MaxTokens))
	}
	a.client = generation.New(a.providers.LLM, formatter, opts...)
	a.closers = append(a.closers, a.client.Close)
	return nil
}

// initSpeech sets up synthesis, or logs replies when no TTS is configured.
func (a *App) initSpeech() {
	if a.providers.TTS == nil {
		a.player = newOutputPlayer(audio.Format{})
		a.speaker = speech.LogOutput{}
		return
	}
	f := a.providers.TTS.OutputFormat()
	a.player = newOutputPlayer(audio.Format{SampleRate: f.SampleRate, Channels: f.Channels})
	out := speech.New(a.providers.TTS, a.player,
		speech.WithVoice(voiceProfile(a.cfg.Assistant)),
		speech.WithMetrics(a.metrics),
	)
	a.speaker = out
	// Output first: its worker must stop feeding the player before the
	// player closes.
	a.closers = append(a.closers, out.Close, a.player.Close)
}

// Controller returns the turn controller.
func (a *App) Controller() *turn.Controller { return a.ctrl }

// Health returns the readiness probes of the app.
func (a *App) Health() *health.Handler { return a.health }

// Run serves until ctx is cancelled and returns ctx's error, or the first
// subsystem failure.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.console != nil {
		events, cancel := a.ctrl.Subscribe(128)
		p := newConsole(a.console, a.cfg.Assistant)
		g.Go(func() error {
			defer cancel()
			p.run(gctx, events)
			return nil
		})
	}

	g.Go(func() error {
		a.running.Store(true)
		defer a.running.Store(false)
		return a.ctrl.Run(gctx)
	})

	if a.server != nil {
		g.Go(func() error {
			slog.Info("control API listening", "addr", a.server.Addr)
			var err error
			if tls := a.cfg.Server.TLS; tls != nil {
				err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
			} else {
				err = a.server.ListenAndServe()
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("app: control API: %w", err)
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
			defer cancel()
			return a.server.Shutdown(sctx)
		})
	}

	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, func(old, new *config.Config) {
			a.applyReload(gctx, old, new)
		}, a.watchOpts...)
		if err != nil {
			slog.Warn("config hot reload disabled", "path", a.configPath, "err", err)
		} else {
			defer w.Stop()
		}
	}

	if a.tap == nil && a.providers.Audio != nil && a.providers.TTS != nil {
		a.connectOutput(gctx)
	}

	if config.Flag(a.cfg.Turn.AutoBegin) {
		g.Go(func() error {
			a.autoBegin(gctx)
			return nil
		})
	}

	slog.Info("app running", "auto_begin", config.Flag(a.cfg.Turn.AutoBegin))
	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// autoBegin waits turn.start_delay, installs the audio tap and starts
// listening. Failures are logged and leave the controller Idle.
func (a *App) autoBegin(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(a.cfg.Turn.StartDelay):
	}
	if a.tap != nil {
		err := a.tap.RequestAccess(ctx, func() { slog.Info("microphone access granted") })
		if err != nil {
			slog.Warn("microphone access failed", "err", err)
			return
		}
	}
	if err := a.ctrl.Begin(ctx); err != nil && ctx.Err() == nil {
		slog.Warn("could not start listening", "err", err)
	}
}

// connectOutput opens the audio platform for speech alone.
func (a *App) connectOutput(ctx context.Context) {
	conn, err := a.providers.Audio.Connect(ctx, a.cfg.Providers.Audio.OptionString("device"))
	if err != nil {
		slog.Warn("audio output unavailable; replies will not be voiced", "err", err)
		return
	}
	a.outputConn = conn
	a.player.bind(conn)
}

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				slog.Warn("control API shutdown error", "err", err)
			}
		}
		if a.outputConn != nil {
			if err := a.outputConn.Disconnect(); err != nil {
				slog.Warn("audio disconnect error", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// filterReply snaps replies onto the configured choices.
func (a *App) filterReply(reply string) string {
	if s := a.snapper.Load(); s != nil {
		return s.Snap(reply)
	}
	return reply
}

func (a *App) setChoices(choices []string) {
	if len(choices) == 0 {
		a.snapper.Store(nil)
		return
	}
	a.snapper.Store(phonetic.NewSnapper(choices, nil))
}

func (a *App) turnConfig(cfg *config.Config) turn.Config {
	return turn.Config{
		Policy: endpoint.Policy{
			PollInterval: cfg.Turn.PollInterval,
			Sentinel:     cfg.Turn.Sentinel,
		},
		Instruction:           instruction(cfg.Assistant),
		Examples:              examples(cfg.Assistant),
		AutoSpeak:             config.Flag(cfg.Turn.AutoSpeak),
		EchoPartialTranscript: config.Flag(cfg.Turn.EchoPartialTranscript),
		Continuous:            config.Flag(cfg.Turn.Continuous),
		SurfaceErrors:         cfg.Turn.SurfaceErrors,
	}
}

func instruction(as config.AssistantConfig) string {
	if as.Instruction == "" {
		return prompt.DefaultInstruction
	}
	return as.Instruction
}

// examples converts configured examples, falling back to the built-in set.
func examples(as config.AssistantConfig) []prompt.Example {
	if len(as.Examples) == 0 {
		if config.Flag(as.UseBuiltinExamples) {
			return prompt.DefaultExamples()
		}
		return nil
	}
	out := make([]prompt.Example, 0, len(as.Examples))
	for _, ex := range as.Examples {
		out = append(out, prompt.Example{Role: chatlog.Role(ex.Role), Text: ex.Text})
	}
	return out
}

func voiceProfile(as config.AssistantConfig) tts.VoiceProfile {
	return tts.VoiceProfile{
		ID:          as.Voice.VoiceID,
		Name:        as.Name,
		SpeedFactor: as.Voice.SpeedFactor,
		Metadata:    map[string]string{"language": as.Language},
	}
}
