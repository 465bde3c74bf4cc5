package chatlog_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/MrWong99/hoa/internal/chatlog"
)

func TestAppend_OrderAndSequence(t *testing.T) {
	t.Parallel()

	l := chatlog.New()
	inputs := []struct {
		role chatlog.Role
		text string
	}{
		{chatlog.RoleSystem, "hello"},
		{chatlog.RoleUser, "さげて"},
		{chatlog.RoleAI, "下"},
	}
	for _, in := range inputs {
		if _, err := l.Append(in.role, in.text); err != nil {
			t.Fatalf("Append(%q, %q): %v", in.role, in.text, err)
		}
	}

	msgs := l.Messages()
	if len(msgs) != len(inputs) {
		t.Fatalf("want %d messages, got %d", len(inputs), len(msgs))
	}
	for i, m := range msgs {
		if m.Role != inputs[i].role || m.Text != inputs[i].text {
			t.Errorf("message %d: want {%s %q}, got {%s %q}", i, inputs[i].role, inputs[i].text, m.Role, m.Text)
		}
		if m.Sequence != uint64(i+1) {
			t.Errorf("message %d: want sequence %d, got %d", i, i+1, m.Sequence)
		}
		if m.ID == "" {
			t.Errorf("message %d: empty ID", i)
		}
	}
	if msgs[0].ID == msgs[1].ID {
		t.Error("IDs must be unique")
	}
}

func TestAppend_InvalidRole(t *testing.T) {
	t.Parallel()

	l := chatlog.New()
	_, err := l.Append("assistant", "x")
	if !errors.Is(err, chatlog.ErrInvalidRole) {
		t.Fatalf("want ErrInvalidRole, got %v", err)
	}
	if l.Len() != 0 {
		t.Errorf("want empty log, got %d", l.Len())
	}
}

func TestReset_KeepsSequenceMonotonic(t *testing.T) {
	t.Parallel()

	l := chatlog.New()
	l.Append(chatlog.RoleUser, "a")
	l.Append(chatlog.RoleAI, "b")
	l.Reset()

	if l.Len() != 0 {
		t.Fatalf("want 0 after reset, got %d", l.Len())
	}
	if _, ok := l.Last(); ok {
		t.Error("Last should report false on an empty log")
	}

	m, _ := l.Append(chatlog.RoleUser, "c")
	if m.Sequence != 3 {
		t.Errorf("want sequence 3 after reset, got %d", m.Sequence)
	}
}

func TestMessages_ReturnsCopy(t *testing.T) {
	t.Parallel()

	l := chatlog.New()
	l.Append(chatlog.RoleUser, "original")

	snap := l.Messages()
	snap[0].Text = "mutated"

	last, _ := l.Last()
	if last.Text != "original" {
		t.Errorf("snapshot mutation leaked into log: got %q", last.Text)
	}
}

func TestWithIDGenerator(t *testing.T) {
	t.Parallel()

	n := 0
	l := chatlog.New(chatlog.WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}))
	m, _ := l.Append(chatlog.RoleAI, "x")
	if m.ID != "id-1" {
		t.Errorf("want id-1, got %q", m.ID)
	}
}

func TestConcurrentReaders(t *testing.T) {
	t.Parallel()

	l := chatlog.New()
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				_ = l.Messages()
				_ = l.Len()
			}
		}()
	}
	for i := range 100 {
		l.Append(chatlog.RoleUser, fmt.Sprint(i))
	}
	wg.Wait()

	if l.Len() != 100 {
		t.Errorf("want 100 messages, got %d", l.Len())
	}
}
