// Package llm defines the Provider interface for text completion backends.
//
// The reply generator builds a CompletionRequest (persona as SystemPrompt,
// history and the current utterance as Messages) and waits for a single
// CompletionResponse. Implementations wrap vendor SDKs and must be safe for
// concurrent use.
package llm

import "context"

// Usage holds token accounting returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs for one reply.
// Messages must be non-empty.
type CompletionRequest struct {
	// SystemPrompt is sent through the vendor's dedicated system channel.
	SystemPrompt string

	// Messages is the ordered conversation. The last one is the user turn.
	Messages []Message

	// Temperature in [0, 2]. Zero leaves the provider default.
	Temperature float64

	// MaxTokens caps the reply. Zero leaves the provider default.
	MaxTokens int
}

// CompletionResponse is the model's reply.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends req and waits for the full reply. It should return
	// promptly once ctx is cancelled.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
