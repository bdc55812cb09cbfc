// Package llms provides the chat-completion capability used by query
// decomposition and answer synthesis.
package llms

import "context"

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a conversation. ImageURL, when set, is attached
// as an image content part (data URI or HTTP URL).
type Message struct {
	Role     Role
	Content  string
	ImageURL string
}

// Request is a completion request.
type Request struct {
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Completion is a finished (non-streaming) model response.
type Completion struct {
	Text         string
	PromptTokens int
	OutputTokens int
	TotalTokens  int
}

// StreamChunk is one unit of a streaming response.
//
// Type is "text" for content deltas, "done" when the stream finished
// (Tokens carries usage if the endpoint reported it), "error" on failure.
type StreamChunk struct {
	Type   string
	Text   string
	Tokens int
	Error  error
}

// Provider is the chat-completion capability.
type Provider interface {
	// Complete runs a request to completion and returns the full text.
	Complete(ctx context.Context, req Request) (*Completion, error)

	// StreamComplete runs a request and emits chunks as they arrive.
	// The channel is closed after the final "done" or "error" chunk.
	StreamComplete(ctx context.Context, req Request) (<-chan StreamChunk, error)

	// ModelName reports the configured model.
	ModelName() string

	Close() error
}
