// Package config provides the configuration schema, loader, provider registry
// and hot-reload watcher for hoa.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// PromptFormat selects how conversation history is rendered for the LLM.
type PromptFormat string

const (
	// PromptChat sends the history as role-tagged chat messages.
	PromptChat PromptFormat = "chat"

	// PromptTranscript renders the history as one "User: / Hoa:" transcript
	// for completion-style models.
	PromptTranscript PromptFormat = "transcript"
)

// IsValid reports whether f is a recognised prompt format.
func (f PromptFormat) IsValid() bool {
	return f == PromptChat || f == PromptTranscript
}

// Config is the root configuration. Load it with [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Assistant AssistantConfig `yaml:"assistant"`
	Turn      TurnConfig      `yaml:"turn"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the control API (e.g. ":8080"). Empty
	// disables the HTTP server.
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`

	// TLS enables HTTPS when set.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds PEM file paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProvidersConfig selects a registered implementation for each stage.
type ProvidersConfig struct {
	LLM   ProviderEntry `yaml:"llm"`
	STT   ProviderEntry `yaml:"stt"`
	TTS   ProviderEntry `yaml:"tts"`
	Audio ProviderEntry `yaml:"audio"`
}

// ProviderEntry is the configuration block shared by every provider kind.
// Name is the key used to look up the constructor in the [Registry].
type ProviderEntry struct {
	Name string `yaml:"name"`

	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	Model string `yaml:"model"`

	// Options holds provider-specific values (device IDs, guild IDs, model
	// paths, API modes).
	Options map[string]any `yaml:"options"`

	// Fallbacks are tried in order when the primary fails. Nested fallbacks
	// are ignored.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// OptionString returns Options[key] as a string, or "" if absent.
func (e ProviderEntry) OptionString(key string) string {
	if v, ok := e.Options[key].(string); ok {
		return v
	}
	return ""
}

// OptionInt returns Options[key] as an int, or def if absent or not numeric.
func (e ProviderEntry) OptionInt(key string, def int) int {
	switch v := e.Options[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}

// AssistantConfig describes who the assistant is and how it is prompted.
type AssistantConfig struct {
	// Name is the assistant's speaker label in transcripts. Defaults to "Hoa".
	Name string `yaml:"name"`

	// UserPrefix labels user lines in transcript prompts. Defaults to "User:".
	UserPrefix string `yaml:"user_prefix"`

	// Instruction is the system direction. Empty uses the built-in one.
	Instruction string `yaml:"instruction"`

	// Examples are few-shot turns. Empty uses the built-in set; set
	// UseBuiltinExamples to false to send none.
	Examples           []ExampleConfig `yaml:"examples"`
	UseBuiltinExamples *bool           `yaml:"use_builtin_examples"`

	PromptFormat PromptFormat `yaml:"prompt_format"`

	// ReplyChoices is a closed answer set. When set, replies are snapped onto
	// the closest choice.
	ReplyChoices []string `yaml:"reply_choices"`

	// Language is the recognition and synthesis locale. Defaults to "ja".
	Language string `yaml:"language"`

	Voice VoiceConfig `yaml:"voice"`

	Temperature *float64 `yaml:"temperature"`
	MaxTokens   int      `yaml:"max_tokens"`
}

// ExampleConfig is one few-shot turn.
type ExampleConfig struct {
	Role string `yaml:"role"` // "user" or "ai"
	Text string `yaml:"text"`
}

// VoiceConfig selects the TTS voice.
type VoiceConfig struct {
	VoiceID string `yaml:"voice_id"`

	// SpeedFactor in [0.5, 2.0]. 0 means default.
	SpeedFactor float64 `yaml:"speed_factor"`
}

// TurnConfig tunes turn-taking.
type TurnConfig struct {
	// PollInterval is the endpoint debounce period. Defaults to 2s.
	PollInterval time.Duration `yaml:"poll_interval"`

	// Sentinel must never be a plausible transcript. Defaults to "---".
	Sentinel string `yaml:"sentinel"`

	// AutoSpeak speaks every completed reply. Defaults to true.
	AutoSpeak *bool `yaml:"auto_speak"`

	// EchoPartialTranscript publishes the live transcript as drafts.
	// Defaults to true.
	EchoPartialTranscript *bool `yaml:"echo_partial_transcript"`

	// Continuous returns to listening after each reply instead of idling.
	// Defaults to true.
	Continuous *bool `yaml:"continuous"`

	// SurfaceErrors appends a system message to the chat log when
	// generation fails.
	SurfaceErrors bool `yaml:"surface_errors"`

	// StartDelay is the pause between startup and the first Begin.
	// Defaults to 1s.
	StartDelay time.Duration `yaml:"start_delay"`

	// AutoBegin starts listening after StartDelay. Defaults to true.
	AutoBegin *bool `yaml:"auto_begin"`
}

// Flag dereferences a defaulted boolean. Nil reads as false.
func Flag(p *bool) bool { return p != nil && *p }
