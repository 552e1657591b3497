package mocks

import (
	"context"
	"sync"

	"github.com/teilomillet/gollm"
	"github.com/teilomillet/gollm/llm"
)

// MockGenerator stands in for a gollm client in tests. It records every
// prompt it receives.
//
// Example usage:
//
//	gen := NewMockGenerator(func(ctx context.Context, prompt *gollm.Prompt) (string, error) {
//	    return "mocked response", nil
//	})
type MockGenerator struct {
	GenerateFunc func(context.Context, *gollm.Prompt) (string, error)

	mu      sync.Mutex
	prompts []*gollm.Prompt
}

// NewMockGenerator creates a MockGenerator. If generateFunc is nil,
// Generate returns an empty string with no error.
func NewMockGenerator(generateFunc func(context.Context, *gollm.Prompt) (string, error)) *MockGenerator {
	return &MockGenerator{GenerateFunc: generateFunc}
}

// Generate records prompt and delegates to GenerateFunc.
// The opts parameter is ignored.
func (m *MockGenerator) Generate(ctx context.Context, prompt *gollm.Prompt, opts ...llm.GenerateOption) (string, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	m.mu.Unlock()

	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, prompt)
	}
	return "", nil
}

// Prompts returns the prompts received so far.
func (m *MockGenerator) Prompts() []*gollm.Prompt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*gollm.Prompt(nil), m.prompts...)
}

// Calls returns the number of Generate calls.
func (m *MockGenerator) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}
