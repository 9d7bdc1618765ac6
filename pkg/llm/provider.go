package llm

import "context"

// Provider abstracts a chat-completion backend. Implementations own the
// request formatting, authentication, and response parsing for one protocol.
type Provider interface {
	// Complete sends a chat request and returns the full response.
	Complete(ctx context.Context, messages []Message, tools []Tool) (*Response, error)

	// Stream sends a chat request and returns a channel of incremental
	// deltas. The channel is closed when the response ends; cancelling ctx
	// aborts the underlying call.
	Stream(ctx context.Context, messages []Message, tools []Tool) (<-chan Delta, error)
}

// Config holds transport-level configuration shared by providers.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
}
