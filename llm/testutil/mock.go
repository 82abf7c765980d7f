// Package testutil provides test doubles for the llm package.
package testutil

import (
	"context"
	"sync"

	"github.com/c360studio/elicit/llm"
)

// MockLLMClient is a thread-safe scripted stand-in for llm.Client.
//
// Usage:
//
//	// Fail twice with rate limits, then answer
//	mock := &MockLLMClient{
//	    Errs: []error{rateLimited, rateLimited},
//	    Responses: []*llm.Response{{Content: "ok", Model: "test-model"}},
//	}
//
//	// Always fail
//	mock := &MockLLMClient{Err: errors.New("connection failed")}
type MockLLMClient struct {
	mu sync.Mutex

	// Errs are returned in order on the first len(Errs) calls.
	Errs []error
	// Err is returned on every call once Errs is exhausted.
	Err error
	// Responses are returned in order after scripted errors; the last one repeats.
	Responses []*llm.Response
	// Handler, when set, computes the response from the request instead.
	Handler func(ctx context.Context, req llm.Request) (*llm.Response, error)

	requests      []llm.Request
	callCount     int
	responseIndex int
}

// Generate implements the generator interface consumed by the orchestrator.
func (m *MockLLMClient) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	call := m.callCount
	m.callCount++
	m.requests = append(m.requests, req)

	if call < len(m.Errs) && m.Errs[call] != nil {
		return nil, m.Errs[call]
	}
	if m.Err != nil {
		return nil, m.Err
	}
	if m.Handler != nil {
		return m.Handler(ctx, req)
	}
	if len(m.Responses) == 0 {
		return &llm.Response{Content: "", Model: "test-model"}, nil
	}
	resp := m.Responses[m.responseIndex]
	if m.responseIndex < len(m.Responses)-1 {
		m.responseIndex++
	}
	copied := *resp
	return &copied, nil
}

// GetCallCount returns the number of times Generate was called.
func (m *MockLLMClient) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

// Requests returns a copy of every request received.
func (m *MockLLMClient) Requests() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.Request(nil), m.requests...)
}

// Reset clears call history.
func (m *MockLLMClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCount = 0
	m.responseIndex = 0
	m.requests = nil
}
