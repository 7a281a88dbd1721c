package publisher

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type Call struct {
	Text      string
	InReplyTo string
}

// MockPublisher returns scripted results in order, and records every call.
// Once the script runs out it returns Success with a sequential id.
type MockPublisher struct {
	mu     sync.Mutex
	Script []Result
	Calls  []Call
	nextID int

	// if set, Publish and Reply panic with this value
	PanicWith any

	// if set, each call blocks this long before returning, like a slow platform
	Delay time.Duration
}

var _ Publisher = (*MockPublisher)(nil)

func NewMockPublisher(script ...Result) *MockPublisher {
	return &MockPublisher{Script: script}
}

func (m *MockPublisher) next(call Call) Result {
	r, delay := m.take(call)
	if delay > 0 {
		time.Sleep(delay)
	}
	return r
}

func (m *MockPublisher) take(call Call) (Result, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, call)
	if m.PanicWith != nil {
		panic(m.PanicWith)
	}
	if len(m.Script) > 0 {
		r := m.Script[0]
		m.Script = m.Script[1:]
		return r, m.Delay
	}
	m.nextID++
	return Success(fmt.Sprintf("mock-%d", m.nextID)), m.Delay
}

func (m *MockPublisher) Publish(ctx context.Context, text string) Result {
	return m.next(Call{Text: text})
}

func (m *MockPublisher) Reply(ctx context.Context, text, inReplyToID string) Result {
	return m.next(Call{Text: text, InReplyTo: inReplyToID})
}

func (m *MockPublisher) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
