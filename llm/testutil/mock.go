// Package testutil provides test doubles for code that talks to models through
// the llm package.
package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/c360studio/specpatch/llm"
)

// MockLLMClient is a thread-safe completion mock. It returns Responses in
// sequence and records every request.
//
//	mock := &testutil.MockLLMClient{
//	    Responses: []*llm.Response{{Content: `["security_blueprint"]`}},
//	}
type MockLLMClient struct {
	mu        sync.Mutex
	Responses []*llm.Response
	Err       error // takes precedence over Responses

	requests []llm.Request
	next     int
}

// Complete returns the next configured response or Err.
func (m *MockLLMClient) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)
	if m.Err != nil {
		return nil, m.Err
	}
	if m.next < len(m.Responses) {
		resp := m.Responses[m.next]
		m.next++
		return resp, nil
	}
	return &llm.Response{Model: "test-model"}, nil
}

// Requests returns a copy of every request received so far.
func (m *MockLLMClient) Requests() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.Request(nil), m.requests...)
}

// CallCount returns the number of Complete calls.
func (m *MockLLMClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// MockEmbedder maps input text to fixed vectors. Unknown text gets Default;
// text listed in Fail returns an error.
type MockEmbedder struct {
	mu      sync.Mutex
	Vectors map[string][]float64
	Default []float64
	Fail    map[string]error

	calls int
}

// EmbedOne returns the configured vector for text.
func (m *MockEmbedder) EmbedOne(_ context.Context, text string) ([]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if err, ok := m.Fail[text]; ok {
		return nil, err
	}
	if v, ok := m.Vectors[text]; ok {
		return v, nil
	}
	if m.Default != nil {
		return m.Default, nil
	}
	return nil, fmt.Errorf("no vector configured for %q", text)
}

// CallCount returns the number of EmbedOne calls.
func (m *MockEmbedder) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
