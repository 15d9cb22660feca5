package channel

import (
	"sync"

	"github.com/confchat/confchat/pkg/protocol"
)

// MockTransport is a test implementation of Transport. It records published
// frames for verification, queues publishes while "disconnected" the same
// way the real channel does, and lets tests inject inbound frames and
// connectivity flips.
type MockTransport struct {
	mu sync.Mutex

	connected bool
	subs      map[uint64]struct{}
	pending   []queuedFrame

	// Published frames in delivery order, for verification
	Published []PublishedFrame

	incoming    chan *protocol.Frame
	errs        chan error
	stateChange chan StateUpdate
	closed      bool
}

// PublishedFrame tracks a frame delivered to the (mock) wire.
type PublishedFrame struct {
	ThreadID uint64
	Frame    *protocol.Frame
}

// NewMockTransport creates a mock transport in the disconnected state.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		subs:        make(map[uint64]struct{}),
		incoming:    make(chan *protocol.Frame, 256),
		errs:        make(chan error, 16),
		stateChange: make(chan StateUpdate, 16),
	}
}

// Start is a no-op; drive connectivity with SetConnected.
func (m *MockTransport) Start() {}

// Close tears the mock down.
func (m *MockTransport) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.incoming)
	close(m.errs)
	close(m.stateChange)
}

// State reports the mock connectivity state.
func (m *MockTransport) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connected {
		return StateConnected
	}
	return StateDisconnected
}

// SetConnected flips connectivity, emitting a state update. Reconnecting
// flushes any queued publishes in original order, mirroring the real
// channel's offline queue behavior.
func (m *MockTransport) SetConnected(connected bool) {
	m.mu.Lock()
	m.connected = connected
	var flushed []queuedFrame
	if connected {
		flushed = m.pending
		m.pending = nil
		for _, qf := range flushed {
			m.Published = append(m.Published, PublishedFrame{ThreadID: qf.threadID, Frame: qf.frame})
		}
	}
	m.mu.Unlock()

	update := StateUpdate{State: StateDisconnected}
	if connected {
		update = StateUpdate{State: StateConnected}
	}
	select {
	case m.stateChange <- update:
	default:
	}
}

// GetAddress returns a placeholder endpoint.
func (m *MockTransport) GetAddress() string {
	return "mock://test"
}

// GetConnectionType identifies the mock wire.
func (m *MockTransport) GetConnectionType() string {
	return "mock"
}

// Subscribe records the subscription.
func (m *MockTransport) Subscribe(threadID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[threadID] = struct{}{}
}

// Unsubscribe removes the subscription.
func (m *MockTransport) Unsubscribe(threadID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, threadID)
}

// Subscribed reports whether a thread is currently subscribed.
func (m *MockTransport) Subscribed(threadID uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subs[threadID]
	return ok
}

// Publish records the frame, or queues it while disconnected.
func (m *MockTransport) Publish(threadID uint64, frame *protocol.Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		m.pending = append(m.pending, queuedFrame{threadID: threadID, frame: frame})
		return
	}
	m.Published = append(m.Published, PublishedFrame{ThreadID: threadID, Frame: frame})
}

// PublishedFrames returns a copy of everything published so far, in order.
func (m *MockTransport) PublishedFrames() []PublishedFrame {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PublishedFrame, len(m.Published))
	copy(out, m.Published)
	return out
}

// PublishedTypes returns the frame types published so far, in order.
func (m *MockTransport) PublishedTypes() []uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	types := make([]uint8, len(m.Published))
	for i, pf := range m.Published {
		types[i] = pf.Frame.Type
	}
	return types
}

// QueueDepth returns the number of frames waiting for connectivity.
func (m *MockTransport) QueueDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Inject delivers a frame to the transport's consumer as if the server
// sent it.
func (m *MockTransport) Inject(frame *protocol.Frame) {
	m.incoming <- frame
}

// Incoming returns the inbound frame channel.
func (m *MockTransport) Incoming() <-chan *protocol.Frame {
	return m.incoming
}

// Errors returns the error channel.
func (m *MockTransport) Errors() <-chan error {
	return m.errs
}

// StateChanges returns the connectivity update channel.
func (m *MockTransport) StateChanges() <-chan StateUpdate {
	return m.stateChange
}
