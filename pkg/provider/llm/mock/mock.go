// Package mock provides a mock implementation of the llm.Provider interface
// for unit testing.
package mock

import (
	"context"
	"sync"

	"github.com/openlisten/earshot/pkg/provider/llm"
)

// Provider is a mock llm.Provider. Configure the exported fields before use;
// all methods are safe for concurrent calls.
type Provider struct {
	mu sync.Mutex

	// Response is returned by Complete when Responses is exhausted and
	// CompleteErr is nil.
	Response *llm.CompletionResponse

	// Responses, when non-empty, is consumed one per Complete call. Lets a
	// test script distinct replies across successive analysis passes.
	Responses []*llm.CompletionResponse

	// CompleteErr, when non-nil, is returned by every Complete call.
	CompleteErr error

	// ModelName is what Model() reports. Defaults to "mock" when empty.
	ModelName string

	requests []llm.CompletionRequest
}

var _ llm.Provider = (*Provider)(nil)

// Complete records the request and returns the configured response or error.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.requests = append(p.requests, req)

	if p.CompleteErr != nil {
		return nil, p.CompleteErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(p.Responses) > 0 {
		resp := p.Responses[0]
		p.Responses = p.Responses[1:]
		return resp, nil
	}
	if p.Response != nil {
		return p.Response, nil
	}
	return &llm.CompletionResponse{}, nil
}

// Model returns the configured model name.
func (p *Provider) Model() string {
	if p.ModelName == "" {
		return "mock"
	}
	return p.ModelName
}

// Requests returns a copy of all recorded completion requests.
func (p *Provider) Requests() []llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]llm.CompletionRequest, len(p.requests))
	copy(out, p.requests)
	return out
}
