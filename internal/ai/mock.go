package ai

import (
	"context"
	"sync"
)

// MockProvider is a test double for AI providers. It is safe for concurrent use.
type MockProvider struct {
	Response string
	Err      error
	// Handler, when set, computes the reply per request and overrides Response/Err.
	Handler func(req CompletionRequest) (string, error)

	mu          sync.Mutex
	LastRequest *CompletionRequest // captures the last request for inspection
	calls       int
}

// NewMockProvider creates a MockProvider that returns the given response.
func NewMockProvider(response string) *MockProvider {
	return &MockProvider{Response: response}
}

func (m *MockProvider) Complete(_ context.Context, req CompletionRequest) (CompletionResponse, error) {
	m.mu.Lock()
	m.LastRequest = &req
	m.calls++
	handler, response, err := m.Handler, m.Response, m.Err
	m.mu.Unlock()

	if handler != nil {
		response, err = handler(req)
	}
	if err != nil {
		return CompletionResponse{}, err
	}
	return CompletionResponse{
		Content:      response,
		Model:        "mock",
		InputTokens:  10,
		OutputTokens: len(response),
	}, nil
}

// Calls returns how many completions were requested.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Last returns a copy of the most recent request.
func (m *MockProvider) Last() (CompletionRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LastRequest == nil {
		return CompletionRequest{}, false
	}
	return *m.LastRequest, true
}

func (m *MockProvider) Models() []ModelInfo {
	return []ModelInfo{
		{ID: "mock", Name: "Mock Model", MaxTokens: 4096, Vision: true, Description: "Test mock"},
	}
}

func (m *MockProvider) HealthCheck(_ context.Context) error {
	return m.Err
}
