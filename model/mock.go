package model

import (
	"context"
	"fmt"
	"sync"
)

// Mock is a scripted ChatModel for tests. Each Chat call returns the
// next scripted reply; calls beyond the script fail.
type Mock struct {
	mu      sync.Mutex
	replies []string
	calls   [][]Message
}

// NewMock creates a mock that replays the given replies in order.
func NewMock(replies ...string) *Mock {
	return &Mock{replies: replies}
}

func (m *Mock) Chat(_ context.Context, msgs []Message) (ChatOut, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := make([]Message, len(msgs))
	copy(copied, msgs)
	m.calls = append(m.calls, copied)

	if len(m.calls) > len(m.replies) {
		return ChatOut{}, fmt.Errorf("mock model: no reply scripted for call %d", len(m.calls))
	}
	reply := m.replies[len(m.calls)-1]
	return ChatOut{Text: reply, TokensIn: len(msgs), TokensOut: 1}, nil
}

func (m *Mock) Name() string { return "mock" }

// Calls returns the conversations the mock has seen.
func (m *Mock) Calls() [][]Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
