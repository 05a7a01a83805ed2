// Package llm defines the provider-agnostic interface for completion calls.
package llm

import "context"

// Provider is the abstraction over a chat-completion backend (OpenAI, Ollama).
type Provider interface {
	// SendMessage sends a conversation and returns the first completion.
	SendMessage(ctx context.Context, req *Request) (*Response, error)
	// Name returns the provider identifier (e.g. "openai").
	Name() string
}

// Request is a single-shot conversation sent to the provider.
type Request struct {
	SystemPrompt string
	Messages     []Message
	MaxTokens    int
}

// Message is a single turn in the conversation.
type Message struct {
	Role    Role
	Content string
}

// Role identifies who sent a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Response is what the provider returns.
type Response struct {
	Content    string
	Usage      Usage
	StopReason string // "end_turn", "max_tokens", or the provider's raw value
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens  int
	OutputTokens int
}
