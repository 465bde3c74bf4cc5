// Package llm defines the Provider interface for text generation backends.
//
// A provider wraps a remote or local model API (OpenAI, Anthropic, a local
// llama.cpp server, ...) behind one streaming interface so the generation
// client does not depend on any particular SDK.
//
// Implementations must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends
// or when the supplied context is cancelled.
package llm

import "context"

// Message roles understood by every provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// FinishReasonError marks a [Chunk] that reports a failure after the stream
// was opened. Text carries the error message.
const FinishReasonError = "error"

// Message is one entry of the conversation sent to the model.
type Message struct {
	// Role is one of RoleSystem, RoleUser or RoleAssistant.
	Role string

	Content string

	// Name is an optional participant name.
	Name string
}

// Usage holds token accounting returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a reply.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation. The last entry drives the reply.
	Messages []Message

	// Temperature in [0.0, 2.0]. Zero keeps the provider default.
	Temperature float64

	// MaxTokens caps the completion. Zero means provider default.
	MaxTokens int

	// SystemPrompt is injected before Messages. Providers without a dedicated
	// system field prepend it as a system-role message.
	SystemPrompt string
}

// Chunk is one fragment of a streaming completion.
type Chunk struct {
	// Text is the incremental content. May be empty on the final chunk.
	Text string

	// FinishReason is set on the last chunk ("stop", "length", or
	// [FinishReasonError]) and empty otherwise.
	FinishReason string
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// ModelCapabilities describes static properties of the configured model.
type ModelCapabilities struct {
	ContextWindow     int
	MaxOutputTokens   int
	SupportsStreaming bool
}

// Provider is the abstraction over any text generation backend.
type Provider interface {
	// StreamCompletion sends req and returns a channel of chunks that is closed
	// when generation finishes or ctx is cancelled. Callers must drain it.
	//
	// The error return is non-nil only when the stream cannot start. Failures
	// after that arrive as a Chunk with FinishReason [FinishReasonError].
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req and waits for the full reply.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Capabilities is constant for the lifetime of the provider.
	Capabilities() ModelCapabilities
}
