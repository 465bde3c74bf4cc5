package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/hoa/internal/config"
	"github.com/MrWong99/hoa/internal/turn"
)

// reloadTimeout bounds each controller command issued by a reload.
const reloadTimeout = 5 * time.Second

// applyReload applies the hot-reloadable part of a config change and warns
// about the rest.
func (a *App) applyReload(ctx context.Context, old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}

	cctx, cancel := context.WithTimeout(ctx, reloadTimeout)
	defer cancel()

	if d.TogglesChanged {
		t := turn.Toggles{
			AutoSpeak:             config.Flag(new.Turn.AutoSpeak),
			EchoPartialTranscript: config.Flag(new.Turn.EchoPartialTranscript),
		}
		if err := a.ctrl.SetToggles(cctx, t); err != nil {
			slog.Warn("applying turn toggles", "err", err)
		}
	}

	if d.PromptChanged {
		a.setChoices(new.Assistant.ReplyChoices)
		if err := a.ctrl.SetPrompt(cctx, instruction(new.Assistant), examples(new.Assistant)); err != nil {
			slog.Warn("applying prompt", "err", err)
		}
	}

	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart", "settings", d.RestartRequired)
	}
}

// SlogLevel maps a config log level onto slog. Unknown levels read as info.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
