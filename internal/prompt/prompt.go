// Package prompt turns a turn's instruction, few-shot examples and
// conversation history into an [llm.CompletionRequest], and cleans the raw
// model output back into a reply.
//
// How a conversation is serialised depends on the backend. Chat models take
// role messages ([ChatFormatter]); completion-style local models work best
// with one running transcript that ends on the assistant's prefix
// ([TranscriptFormatter]). [NewFormatter] picks one by config name.
//
// Formatters are pure and safe for concurrent use.
package prompt

import (
	"fmt"
	"strings"

	"github.com/MrWong99/hoa/internal/chatlog"
	"github.com/MrWong99/hoa/pkg/provider/llm"
)

// Formatter kinds accepted by [NewFormatter].
const (
	KindChat       = "chat"
	KindTranscript = "transcript"
)

// Default speaker labels.
const (
	DefaultUserPrefix    = "User"
	DefaultAssistantName = "Hoa"
)

// Example is one few-shot exchange line.
type Example struct {
	Role chatlog.Role `yaml:"role"`
	Text string       `yaml:"text"`
}

// Request is everything a formatter needs for one turn.
type Request struct {
	Instruction string
	Examples    []Example

	// History is the ChatLog snapshot taken when the turn was submitted. It
	// normally already ends with the user's utterance.
	History []chatlog.Message

	UserText string
}

// Formatter serialises a [Request] for a backend and parses its replies.
type Formatter interface {
	Format(req Request) llm.CompletionRequest

	// ParseReply turns the accumulated raw output into the reply text.
	ParseReply(raw string) string
}

// NewFormatter returns the formatter registered as kind. Labels may carry a
// trailing colon ("User:"); empty labels take [DefaultUserPrefix] and
// [DefaultAssistantName].
func NewFormatter(kind, userPrefix, assistantName string) (Formatter, error) {
	userPrefix = strings.TrimRight(strings.TrimSpace(userPrefix), ":：")
	assistantName = strings.TrimRight(strings.TrimSpace(assistantName), ":：")
	if userPrefix == "" {
		userPrefix = DefaultUserPrefix
	}
	if assistantName == "" {
		assistantName = DefaultAssistantName
	}
	switch kind {
	case KindChat, "":
		return ChatFormatter{AssistantName: assistantName}, nil
	case KindTranscript:
		return TranscriptFormatter{UserPrefix: userPrefix, AssistantName: assistantName}, nil
	default:
		return nil, fmt.Errorf("prompt: unknown format %q (want %q or %q)", kind, KindChat, KindTranscript)
	}
}

// turnLine is one conversational line after system notes are dropped.
type turnLine struct {
	role chatlog.Role
	text string
}

// dialogue merges examples, history and the user text into the lines that
// are shown to the model. System messages in the history are notes for the
// presenter, not for the model, and are skipped. UserText is added unless the
// history already ends with it.
func dialogue(req Request) []turnLine {
	lines := make([]turnLine, 0, len(req.Examples)+len(req.History)+1)
	for _, ex := range req.Examples {
		if ex.Role == chatlog.RoleSystem || ex.Text == "" {
			continue
		}
		lines = append(lines, turnLine{ex.Role, ex.Text})
	}

	var last *chatlog.Message
	for i := range req.History {
		m := &req.History[i]
		if m.Role == chatlog.RoleSystem {
			continue
		}
		lines = append(lines, turnLine{m.Role, m.Text})
		last = m
	}

	text := strings.TrimSpace(req.UserText)
	if text == "" {
		return lines
	}
	if last != nil && last.Role == chatlog.RoleUser && strings.TrimSpace(last.Text) == text {
		return lines
	}
	return append(lines, turnLine{chatlog.RoleUser, text})
}

// trimLabel removes a leading "<label>:" (ASCII or full-width colon).
func trimLabel(s, label string) string {
	rest, ok := strings.CutPrefix(s, label)
	if !ok {
		return s
	}
	for _, colon := range []string{":", "："} {
		if after, ok := strings.CutPrefix(rest, colon); ok {
			return strings.TrimSpace(after)
		}
	}
	return s
}
