// Package mock provides a test double for the llm.Provider interface.
//
//	p := &mock.Provider{Response: &llm.CompletionResponse{Content: "Hello!"}}
//
// Block, when set, makes Complete ignore ctx until the channel is closed,
// which simulates a backend that never honours cancellation.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/novaflow/pkg/provider/llm"
)

// Provider is a mock llm.Provider.
type Provider struct {
	mu sync.Mutex

	// Response is returned by Complete. A nil Response yields an empty reply.
	Response *llm.CompletionResponse

	// Err, if non-nil, is returned by Complete.
	Err error

	// Block, if non-nil, is waited on before Complete returns.
	Block chan struct{}

	// Calls records every request in order.
	Calls []llm.CompletionRequest
}

// Complete records req and returns Response or Err.
func (p *Provider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, req)
	block, resp, err := p.Block, p.Response, p.Err
	p.mu.Unlock()

	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return &llm.CompletionResponse{}, nil
	}
	cp := *resp
	return &cp, nil
}

// LastRequest returns the most recent request and whether there was one.
func (p *Provider) LastRequest() (llm.CompletionRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Calls) == 0 {
		return llm.CompletionRequest{}, false
	}
	return p.Calls[len(p.Calls)-1], true
}

// CallCount returns the number of Complete calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Reset clears recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}

var _ llm.Provider = (*Provider)(nil)
