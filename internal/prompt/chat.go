package prompt

import (
	"strings"

	"github.com/MrWong99/hoa/internal/chatlog"
	"github.com/MrWong99/hoa/pkg/provider/llm"
)

// ChatFormatter renders a request as role messages for chat-tuned models.
// The instruction becomes the system prompt and ai lines become assistant
// messages.
type ChatFormatter struct {
	AssistantName string
}

var _ Formatter = ChatFormatter{}

// Format implements [Formatter].
func (f ChatFormatter) Format(req Request) llm.CompletionRequest {
	lines := dialogue(req)
	msgs := make([]llm.Message, 0, len(lines))
	for _, l := range lines {
		role := llm.RoleUser
		if l.role == chatlog.RoleAI {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: l.text})
	}
	return llm.CompletionRequest{
		SystemPrompt: req.Instruction,
		Messages:     msgs,
	}
}

// ParseReply trims the output and drops an echoed "<AssistantName>:" label.
func (f ChatFormatter) ParseReply(raw string) string {
	text := strings.TrimSpace(raw)
	if f.AssistantName != "" {
		text = trimLabel(text, f.AssistantName)
	}
	return text
}
