package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/hoa/internal/app"
	"github.com/MrWong99/hoa/internal/config"
	"github.com/MrWong99/hoa/internal/observe"
	"github.com/MrWong99/hoa/internal/resilience"
	"github.com/MrWong99/hoa/pkg/audio"
	"github.com/MrWong99/hoa/pkg/audio/discord"
	"github.com/MrWong99/hoa/pkg/audio/local"
	"github.com/MrWong99/hoa/pkg/provider/llm"
	"github.com/MrWong99/hoa/pkg/provider/llm/anyllm"
	"github.com/MrWong99/hoa/pkg/provider/llm/openai"
	"github.com/MrWong99/hoa/pkg/provider/stt"
	"github.com/MrWong99/hoa/pkg/provider/stt/deepgram"
	"github.com/MrWong99/hoa/pkg/provider/stt/whisper"
	"github.com/MrWong99/hoa/pkg/provider/tts"
	"github.com/MrWong99/hoa/pkg/provider/tts/coqui"
	"github.com/MrWong99/hoa/pkg/provider/tts/elevenlabs"
)

// anyLLMBackends share the any-llm pattern: optional APIKey + optional BaseURL.
var anyLLMBackends = []string{
	"anthropic", "gemini", "ollama",
	"deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := entry.OptionString("organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if d, err := time.ParseDuration(entry.OptionString("timeout")); err == nil && d > 0 {
			opts = append(opts, openai.WithTimeout(d))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	for _, backend := range anyLLMBackends {
		reg.RegisterLLM(backend, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(backend, entry.Model, opts...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := entry.OptionString("language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := entry.OptionString("language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		if ms := entry.OptionInt("silence_threshold_ms", 0); ms > 0 {
			opts = append(opts, whisper.WithSilenceThresholdMs(ms))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = entry.OptionString("model_path")
		}
		var opts []whisper.NativeOption
		if lang := entry.OptionString("language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		if ms := entry.OptionInt("silence_threshold_ms", 0); ms > 0 {
			opts = append(opts, whisper.WithNativeSilenceThresholdMs(ms))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := entry.OptionString("output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := entry.OptionString("language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := entry.OptionString("api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		if rate := entry.OptionInt("sample_rate", 0); rate > 0 {
			opts = append(opts, coqui.WithOutputSampleRate(rate))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	// ── Audio ─────────────────────────────────────────────────────────────────

	reg.RegisterAudio("local", func(entry config.ProviderEntry) (audio.Platform, error) {
		var opts []local.Option
		if rate := entry.OptionInt("capture_sample_rate", 0); rate > 0 {
			opts = append(opts, local.WithCaptureFormat(audio.Format{SampleRate: rate, Channels: 1}))
		}
		if rate := entry.OptionInt("playback_sample_rate", 0); rate > 0 {
			opts = append(opts, local.WithPlaybackFormat(audio.Format{SampleRate: rate, Channels: 1}))
		}
		if v, ok := entry.Options["playback"].(bool); ok && !v {
			opts = append(opts, local.WithoutPlayback())
		}
		return local.New(opts...), nil
	})

	// The bot token goes in api_key; options.device names the voice channel.
	reg.RegisterAudio("discord", func(entry config.ProviderEntry) (audio.Platform, error) {
		return discord.Open(entry.APIKey, entry.OptionString("guild_id"))
	})

	for _, kind := range []string{"llm", "stt", "tts", "audio"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// buildProviders instantiates all providers named in cfg. A primary with
// fallbacks is wrapped in the matching resilience group. The returned closers
// release providers that hold native or network resources; they are valid
// even when err is non-nil.
func buildProviders(cfg *config.Config, reg *config.Registry, m *observe.Metrics) (*app.Providers, []func() error, error) {
	ps := &app.Providers{}
	var closers []func() error
	track := func(v any) {
		if c, ok := v.(io.Closer); ok {
			closers = append(closers, c.Close)
		}
	}
	fallbackCfg := func(kind string) resilience.FallbackConfig {
		return resilience.FallbackConfig{Kind: kind, Metrics: m}
	}

	if entry := cfg.Providers.LLM; entry.Name != "" {
		p, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, closers, fmt.Errorf("create llm provider %q: %w", entry.Name, err)
		}
		track(p)
		if len(entry.Fallbacks) > 0 {
			fb := resilience.NewLLMFallback(p, entry.Name, fallbackCfg("llm"))
			for _, f := range entry.Fallbacks {
				fp, err := reg.CreateLLM(f)
				if err != nil {
					return nil, closers, fmt.Errorf("create llm fallback %q: %w", f.Name, err)
				}
				track(fp)
				fb.AddFallback(f.Name, fp)
			}
			p = fb
		}
		ps.LLM = p
		slog.Info("provider created", "kind", "llm", "name", entry.Name, "fallbacks", len(entry.Fallbacks))
	}

	if entry := cfg.Providers.STT; entry.Name != "" {
		p, err := reg.CreateSTT(entry)
		if err != nil {
			return nil, closers, fmt.Errorf("create stt provider %q: %w", entry.Name, err)
		}
		track(p)
		if len(entry.Fallbacks) > 0 {
			fb := resilience.NewSTTFallback(p, entry.Name, fallbackCfg("stt"))
			for _, f := range entry.Fallbacks {
				fp, err := reg.CreateSTT(f)
				if err != nil {
					return nil, closers, fmt.Errorf("create stt fallback %q: %w", f.Name, err)
				}
				track(fp)
				fb.AddFallback(f.Name, fp)
			}
			p = fb
		}
		ps.STT = p
		slog.Info("provider created", "kind", "stt", "name", entry.Name, "fallbacks", len(entry.Fallbacks))
	}

	if entry := cfg.Providers.TTS; entry.Name != "" {
		p, err := reg.CreateTTS(entry)
		if err != nil {
			return nil, closers, fmt.Errorf("create tts provider %q: %w", entry.Name, err)
		}
		track(p)
		if len(entry.Fallbacks) > 0 {
			fb := resilience.NewTTSFallback(p, entry.Name, fallbackCfg("tts"))
			for _, f := range entry.Fallbacks {
				fp, err := reg.CreateTTS(f)
				if err != nil {
					return nil, closers, fmt.Errorf("create tts fallback %q: %w", f.Name, err)
				}
				track(fp)
				fb.AddFallback(f.Name, fp)
			}
			p = fb
		}
		ps.TTS = p
		slog.Info("provider created", "kind", "tts", "name", entry.Name, "fallbacks", len(entry.Fallbacks))
	}

	if entry := cfg.Providers.Audio; entry.Name != "" {
		p, err := reg.CreateAudio(entry)
		if err != nil {
			return nil, closers, fmt.Errorf("create audio provider %q: %w", entry.Name, err)
		}
		track(p)
		if len(entry.Fallbacks) > 0 {
			slog.Warn("audio fallbacks are not supported, ignoring", "count", len(entry.Fallbacks))
		}
		ps.Audio = p
		slog.Info("provider created", "kind", "audio", "name", entry.Name)
	}

	if ps.LLM == nil {
		return nil, closers, errors.New("no llm provider configured")
	}
	return ps, closers, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║           Hoa, startup summary        ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printProvider(w, "LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider(w, "STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider(w, "TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider(w, "Audio", cfg.Providers.Audio.Name, cfg.Providers.Audio.OptionString("device"))
	fmt.Fprintf(w, "║  Language        : %-19s ║\n", cfg.Assistant.Language)
	fmt.Fprintf(w, "║  Prompt format   : %-19s ║\n", cfg.Assistant.PromptFormat)
	fmt.Fprintf(w, "║  Reply choices   : %-19d ║\n", len(cfg.Assistant.ReplyChoices))
	if cfg.Server.ListenAddr != "" {
		fmt.Fprintf(w, "║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	} else {
		fmt.Fprintf(w, "║  Listen addr     : %-19s ║\n", "(disabled)")
	}
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func printProvider(w io.Writer, kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Fprintf(w, "║  %-12s    : %-19s ║\n", kind, value)
}
