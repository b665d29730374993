package llm

import (
	"context"
	"sync"
)

// MockClient implements Client for tests. Responses are returned in order;
// when they run out, the last one repeats. A nil Respond function and empty
// Responses yield a benign wait action.
type MockClient struct {
	Responses []string
	// Respond, when set, computes the reply from the full message history
	// and takes precedence over Responses.
	Respond func(messages []Message) (string, error)

	mu    sync.Mutex
	calls [][]Message
}

var _ Client = (*MockClient)(nil)

func (m *MockClient) Model() string {
	return "mock"
}

func (m *MockClient) Complete(_ context.Context, messages []Message) (string, error) {
	m.mu.Lock()
	copied := make([]Message, len(messages))
	copy(copied, messages)
	m.calls = append(m.calls, copied)
	n := len(m.calls)
	m.mu.Unlock()

	if m.Respond != nil {
		return m.Respond(messages)
	}
	if len(m.Responses) == 0 {
		return "WAIT: 1000", nil
	}
	idx := n - 1
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	}
	return m.Responses[idx], nil
}

// Calls returns a snapshot of every conversation passed to Complete.
func (m *MockClient) Calls() [][]Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]Message, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount reports how many completions were requested.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
