package sink

import (
	"sync"

	"github.com/openqs/vms/cfg"
	"github.com/openqs/vms/publisher"
)

// MockType is the sink type served by RegisterMock
const MockType = "mock"

// RegisterMock serves m for every sink of type "mock". Used by tests and
// bench setups with no broker.
func RegisterMock(m *MockSink) {
	publisher.RegisterSink(MockType, func(cfg.SinkConfiguration) (publisher.Sink, error) {
		return m, nil
	})
}

// MockMessage is one recorded Publish call
type MockMessage struct {
	Topic string
	Key   string
	Value []byte
}

// MockSink records messages in memory. Set PublishErr to make every
// Publish fail.
type MockSink struct {
	PublishErr error

	mu       sync.Mutex
	messages []MockMessage
	closed   bool
}

func (m *MockSink) Publish(topic, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.messages = append(m.messages, MockMessage{Topic: topic, Key: key, Value: value})
	return nil
}

// Published returns a snapshot of the recorded messages
func (m *MockSink) Published() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockMessage(nil), m.messages...)
}

func (m *MockSink) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Closed reports whether Close was called
func (m *MockSink) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Reset forgets recorded messages
func (m *MockSink) Reset() {
	m.mu.Lock()
	m.messages = nil
	m.mu.Unlock()
}
