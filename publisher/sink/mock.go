package sink

import (
	"sync"

	"github.com/maxpert/burrow/cfg"
	"github.com/maxpert/burrow/publisher"
	"github.com/puzpuzpuz/xsync/v3"
)

// mocks holds the MockSink created for each configured sink name
var mocks = xsync.NewMapOf[string, *MockSink]()

func init() {
	publisher.RegisterSink("mock", func(config cfg.SinkConfiguration) (publisher.Sink, error) {
		m := &MockSink{}
		mocks.Store(config.Name, m)
		return m, nil
	})
}

// Mock returns the MockSink the "mock" factory built for sinkName
func Mock(sinkName string) (*MockSink, bool) {
	return mocks.Load(sinkName)
}

// MockSink records published messages in memory
type MockSink struct {
	Messages   []MockMessage
	PublishErr error
	closed     bool
	mu         sync.Mutex
}

// MockMessage is one recorded Publish call
type MockMessage struct {
	Topic string
	Key   string
	Value []byte
}

// Publish records a message, or fails with PublishErr when set
func (m *MockSink) Publish(topic, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.Messages = append(m.Messages, MockMessage{Topic: topic, Key: key, Value: value})
	return nil
}

// Snapshot returns a copy of the recorded messages
func (m *MockSink) Snapshot() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockMessage, len(m.Messages))
	copy(out, m.Messages)
	return out
}

// SetError makes subsequent publishes fail with err (nil to recover)
func (m *MockSink) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PublishErr = err
}

func (m *MockSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called
func (m *MockSink) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Reset clears all recorded messages
func (m *MockSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = nil
}
