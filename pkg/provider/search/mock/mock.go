// Package mock provides a test double for the search.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/novaflow/pkg/provider/search"
)

// SearchCall records one Search invocation.
type SearchCall struct {
	Query      string
	MaxResults int
}

// Provider is a mock search.Provider. Search truncates Results to the
// requested maximum, like a real backend.
type Provider struct {
	mu sync.Mutex

	Results []search.Result
	Err     error

	// Block, if non-nil, is waited on before Search returns. ctx is ignored,
	// like a backend that never honours cancellation.
	Block chan struct{}

	Calls []SearchCall
}

// Search records the call and returns Results or Err.
func (p *Provider) Search(_ context.Context, query string, maxResults int) ([]search.Result, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, SearchCall{Query: query, MaxResults: maxResults})
	block := p.Block
	p.mu.Unlock()
	if block != nil {
		<-block
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return nil, p.Err
	}
	n := max(0, min(len(p.Results), maxResults))
	return append([]search.Result(nil), p.Results[:n]...), nil
}

// LastCall returns the most recent call.
func (p *Provider) LastCall() (SearchCall, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Calls) == 0 {
		return SearchCall{}, false
	}
	return p.Calls[len(p.Calls)-1], true
}

// Reset clears recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}

var _ search.Provider = (*Provider)(nil)
