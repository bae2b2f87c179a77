package publisher

import (
	"context"
	"sync"
	"time"
)

// Message records a single published message.
type Message struct {
	Topic   string
	Payload []byte
}

// MockPublisher records publishes for test assertions.
type MockPublisher struct {
	mu       sync.Mutex
	messages []Message
	closed   bool
	err      error
	notify   chan struct{}
}

func NewMockPublisher() *MockPublisher {
	return &MockPublisher{notify: make(chan struct{}, 1)}
}

func (m *MockPublisher) Publish(_ context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	p := make([]byte, len(payload))
	copy(p, payload)
	m.messages = append(m.messages, Message{Topic: topic, Payload: p})

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return nil
}

func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Messages returns a copy of all published messages.
func (m *MockPublisher) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := make([]Message, len(m.messages))
	copy(msgs, m.messages)
	return msgs
}

// WaitFor blocks until at least n messages were published or timeout passes.
func (m *MockPublisher) WaitFor(n int, timeout time.Duration) []Message {
	deadline := time.After(timeout)
	for {
		msgs := m.Messages()
		if len(msgs) >= n {
			return msgs
		}
		select {
		case <-m.notify:
		case <-deadline:
			return msgs
		}
	}
}

// Closed returns whether Close was called.
func (m *MockPublisher) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// SetError makes subsequent Publish calls fail with err. Pass nil to clear.
func (m *MockPublisher) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}
