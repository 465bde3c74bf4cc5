package prompt

import (
	"strings"

	"github.com/MrWong99/hoa/internal/chatlog"
	"github.com/MrWong99/hoa/pkg/provider/llm"
)

// TranscriptFormatter renders examples and history as one dialogue
// transcript in a single user message:
//
//	User: あげて
//	Hoa: 上
//	User: さげて
//	Hoa:
//
// Completion-style models continue the transcript, so [TranscriptFormatter.ParseReply]
// cuts the reply at the next user line.
type TranscriptFormatter struct {
	UserPrefix    string
	AssistantName string
}

var _ Formatter = TranscriptFormatter{}

// Format implements [Formatter].
func (f TranscriptFormatter) Format(req Request) llm.CompletionRequest {
	var sb strings.Builder
	for _, l := range dialogue(req) {
		label := f.UserPrefix
		if l.role == chatlog.RoleAI {
			label = f.AssistantName
		}
		sb.WriteString(label)
		sb.WriteString(": ")
		sb.WriteString(l.text)
		sb.WriteByte('\n')
	}
	sb.WriteString(f.AssistantName)
	sb.WriteByte(':')

	return llm.CompletionRequest{
		SystemPrompt: req.Instruction,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: sb.String()}},
	}
}

// ParseReply implements [Formatter].
func (f TranscriptFormatter) ParseReply(raw string) string {
	text := strings.TrimSpace(raw)
	text = trimLabel(text, f.AssistantName)

	if f.UserPrefix != "" {
		for _, marker := range []string{f.UserPrefix + ":", f.UserPrefix + "："} {
			if i := strings.Index(text, marker); i >= 0 {
				text = text[:i]
			}
		}
	}
	// A model that keeps talking as the assistant starts a new line for it.
	if i := strings.Index(text, "\n"+f.AssistantName+":"); i >= 0 {
		text = text[:i]
	}
	return strings.TrimSpace(text)
}
