package app

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/MrWong99/hoa/internal/chatlog"
	"github.com/MrWong99/hoa/internal/config"
	"github.com/MrWong99/hoa/internal/turn"
)

// console prints the conversation the way the chat view showed it:
//
//	User: さげて
//	Hoa: 下
//
// Drafts of the live transcript are prefixed with "… ".
type console struct {
	w         io.Writer
	userLabel string
	aiLabel   string
}

func newConsole(w io.Writer, as config.AssistantConfig) *console {
	return &console{
		w:         w,
		userLabel: label(as.UserPrefix, config.DefaultUserPrefix),
		aiLabel:   label(as.Name, config.DefaultAssistant),
	}
}

// label normalises a speaker prefix to "Name: ".
func label(s, def string) string {
	s = strings.TrimRight(strings.TrimSpace(s), ":：")
	if s == "" {
		s = strings.TrimRight(def, ":")
	}
	return s + ": "
}

func (c *console) run(ctx context.Context, events <-chan turn.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.print(ev)
		}
	}
}

func (c *console) print(ev turn.Event) {
	switch ev.Kind {
	case turn.EventMessage:
		if ev.Message == nil {
			return
		}
		switch ev.Message.Role {
		case chatlog.RoleUser:
			fmt.Fprintf(c.w, "%s%s\n", c.userLabel, ev.Message.Text)
		case chatlog.RoleAI:
			fmt.Fprintf(c.w, "%s%s\n", c.aiLabel, ev.Message.Text)
		default:
			fmt.Fprintf(c.w, "! %s\n", ev.Message.Text)
		}
	case turn.EventDraft:
		fmt.Fprintf(c.w, "… %s\n", ev.Text)
	case turn.EventError:
		fmt.Fprintf(c.w, "error: %s\n", ev.Error)
	case turn.EventReset:
		fmt.Fprintln(c.w, "--- new conversation ---")
	}
}
