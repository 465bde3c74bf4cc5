package app

import (
	"bytes"
	"testing"

	"github.com/MrWong99/hoa/internal/chatlog"
	"github.com/MrWong99/hoa/internal/config"
	"github.com/MrWong99/hoa/internal/turn"
)

func TestLabel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, def, want string
	}{
		{"User:", "User:", "User: "},
		{"  Guest ", "User:", "Guest: "},
		{"ユーザー：", "User:", "ユーザー: "},
		{"", "User:", "User: "},
		{"Hoa", "Hoa", "Hoa: "},
	}
	for _, tt := range tests {
		if got := label(tt.in, tt.def); got != tt.want {
			t.Errorf("label(%q, %q): want %q, got %q", tt.in, tt.def, tt.want, got)
		}
	}
}

func TestConsolePrint(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	c := newConsole(&buf, config.AssistantConfig{UserPrefix: "User:", Name: "Hoa"})

	c.print(turn.Event{Kind: turn.EventDraft, Text: "さげ"})
	c.print(turn.Event{Kind: turn.EventMessage, Message: &chatlog.Message{Role: chatlog.RoleUser, Text: "さげて"}})
	c.print(turn.Event{Kind: turn.EventMessage, Message: &chatlog.Message{Role: chatlog.RoleAI, Text: "下"}})
	c.print(turn.Event{Kind: turn.EventMessage, Message: &chatlog.Message{Role: chatlog.RoleSystem, Text: "generation failed"}})
	c.print(turn.Event{Kind: turn.EventMessage})
	c.print(turn.Event{Kind: turn.EventReset})

	want := "… さげ\nUser: さげて\nHoa: 下\n! generation failed\n--- new conversation ---\n"
	if got := buf.String(); got != want {
		t.Errorf("want %q, got %q", want, got)
	}
}
