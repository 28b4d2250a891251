// Package search defines the Provider interface for web search backends.
package search

import "context"

// Result is one ranked hit.
type Result struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	URL     string `json:"url"`
}

// Provider is the abstraction over any web search backend.
type Provider interface {
	// Search returns at most maxResults hits in rank order.
	Search(ctx context.Context, query string, maxResults int) ([]Result, error)
}
