package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr   = ":8080"
	DefaultAssistant    = "Hoa"
	DefaultUserPrefix   = "User:"
	DefaultLanguage     = "ja"
	DefaultPollInterval = 2 * time.Second
	DefaultSentinel     = "---"
	DefaultStartDelay   = time.Second
)

// ValidProviderNames lists known provider names per kind. Unknown names only
// produce a warning so third-party registrations keep working.
var ValidProviderNames = map[string][]string{
	"llm":   {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt":   {"deepgram", "whisper", "whisper-native"},
	"tts":   {"elevenlabs", "coqui"},
	"audio": {"local", "discord"},
}

// Load reads, defaults and validates the YAML file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r, applies defaults and validates.
// Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Providers.Audio.Name == "" {
		cfg.Providers.Audio.Name = "local"
	}

	a := &cfg.Assistant
	if a.Name == "" {
		a.Name = DefaultAssistant
	}
	if a.UserPrefix == "" {
		a.UserPrefix = DefaultUserPrefix
	}
	if a.PromptFormat == "" {
		a.PromptFormat = PromptTranscript
	}
	if a.Language == "" {
		a.Language = DefaultLanguage
	}
	setDefault(&a.UseBuiltinExamples, true)

	t := &cfg.Turn
	if t.PollInterval == 0 {
		t.PollInterval = DefaultPollInterval
	}
	if t.Sentinel == "" {
		t.Sentinel = DefaultSentinel
	}
	if t.StartDelay == 0 {
		t.StartDelay = DefaultStartDelay
	}
	setDefault(&t.AutoSpeak, true)
	setDefault(&t.EchoPartialTranscript, true)
	setDefault(&t.Continuous, true)
	setDefault(&t.AutoBegin, true)
}

func setDefault(p **bool, v bool) {
	if *p == nil {
		*p = &v
	}
}

// Validate returns every problem in cfg joined into one error.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	for kind, entry := range map[string]ProviderEntry{
		"llm":   cfg.Providers.LLM,
		"stt":   cfg.Providers.STT,
		"tts":   cfg.Providers.TTS,
		"audio": cfg.Providers.Audio,
	} {
		validateProviderName(kind, entry.Name)
		for i, fb := range entry.Fallbacks {
			if fb.Name == "" {
				errs = append(errs, fmt.Errorf("providers.%s.fallbacks[%d].name is required", kind, i))
			}
			validateProviderName(kind, fb.Name)
		}
		if entry.Name == "" && len(entry.Fallbacks) > 0 {
			errs = append(errs, fmt.Errorf("providers.%s has fallbacks but no primary name", kind))
		}
	}
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	if cfg.Providers.STT.Name == "" {
		slog.Warn("no STT provider configured; only typed submissions will reach the assistant")
	}

	a := cfg.Assistant
	if !a.PromptFormat.IsValid() {
		errs = append(errs, fmt.Errorf("assistant.prompt_format %q is invalid; valid values: chat, transcript", a.PromptFormat))
	}
	for i, ex := range a.Examples {
		if ex.Role != "user" && ex.Role != "ai" {
			errs = append(errs, fmt.Errorf("assistant.examples[%d].role %q is invalid; valid values: user, ai", i, ex.Role))
		}
		if ex.Text == "" {
			errs = append(errs, fmt.Errorf("assistant.examples[%d].text is required", i))
		}
	}
	if i := slices.Index(a.ReplyChoices, ""); i >= 0 {
		errs = append(errs, fmt.Errorf("assistant.reply_choices[%d] is empty", i))
	}
	if s := a.Voice.SpeedFactor; s != 0 && (s < 0.5 || s > 2.0) {
		errs = append(errs, fmt.Errorf("assistant.voice.speed_factor %.2f is out of range [0.5, 2.0]", s))
	}
	if t := a.Temperature; t != nil && (*t < 0 || *t > 2) {
		errs = append(errs, fmt.Errorf("assistant.temperature %.2f is out of range [0, 2]", *t))
	}
	if a.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("assistant.max_tokens must be >= 0, got %d", a.MaxTokens))
	}

	t := cfg.Turn
	if t.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("turn.poll_interval must be > 0, got %s", t.PollInterval))
	}
	if t.StartDelay < 0 {
		errs = append(errs, fmt.Errorf("turn.start_delay must be >= 0, got %s", t.StartDelay))
	}
	if Flag(t.AutoSpeak) && cfg.Providers.TTS.Name == "" {
		slog.Warn("turn.auto_speak is on but no TTS provider is configured; replies will only be logged")
	}

	return errors.Join(errs...)
}

func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
