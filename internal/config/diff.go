package config

import "slices"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// TogglesChanged is set when auto_speak or echo_partial_transcript
	// changed. Both apply without restart.
	TogglesChanged bool

	// PromptChanged is set when the instruction, examples or reply choices
	// changed. Applies from the next turn.
	PromptChanged bool

	// RestartRequired lists settings that changed but only take effect
	// after a restart.
	RestartRequired []string
}

// Diff compares old and new and reports what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if Flag(old.Turn.AutoSpeak) != Flag(new.Turn.AutoSpeak) ||
		Flag(old.Turn.EchoPartialTranscript) != Flag(new.Turn.EchoPartialTranscript) {
		d.TogglesChanged = true
	}

	oa, na := old.Assistant, new.Assistant
	if oa.Instruction != na.Instruction ||
		!slices.Equal(oa.Examples, na.Examples) ||
		Flag(oa.UseBuiltinExamples) != Flag(na.UseBuiltinExamples) ||
		!slices.Equal(oa.ReplyChoices, na.ReplyChoices) {
		d.PromptChanged = true
	}

	restart := func(name string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, name)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("providers", !providersEqual(old.Providers, new.Providers))
	restart("assistant.prompt_format", oa.PromptFormat != na.PromptFormat)
	restart("assistant.language", oa.Language != na.Language)
	restart("assistant.voice", oa.Voice != na.Voice)
	restart("turn.poll_interval", old.Turn.PollInterval != new.Turn.PollInterval)
	restart("turn.sentinel", old.Turn.Sentinel != new.Turn.Sentinel)
	restart("turn.continuous", Flag(old.Turn.Continuous) != Flag(new.Turn.Continuous))
	restart("turn.surface_errors", old.Turn.SurfaceErrors != new.Turn.SurfaceErrors)

	return d
}

func providersEqual(a, b ProvidersConfig) bool {
	return entryEqual(a.LLM, b.LLM) && entryEqual(a.STT, b.STT) &&
		entryEqual(a.TTS, b.TTS) && entryEqual(a.Audio, b.Audio)
}

func entryEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) || len(a.Fallbacks) != len(b.Fallbacks) {
		return false
	}
	for k, v := range a.Options {
		if bv, ok := b.Options[k]; !ok || !scalarEqual(v, bv) {
			return false
		}
	}
	for i := range a.Fallbacks {
		if !entryEqual(a.Fallbacks[i], b.Fallbacks[i]) {
			return false
		}
	}
	return true
}

// scalarEqual compares option values. Nested maps and lists always compare
// unequal.
func scalarEqual(a, b any) bool {
	switch a.(type) {
	case map[string]any, []any:
		return false
	}
	return a == b
}
