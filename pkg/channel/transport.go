// Package channel provides the bidirectional real-time transport between
// the client core and the server: connect/reconnect with backoff, per-thread
// subscriptions, and an outbound queue that survives connection drops.
package channel

import (
	"github.com/confchat/confchat/pkg/protocol"
)

// State represents the connection status
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// StateUpdate represents a connection state change
type StateUpdate struct {
	State   State
	Attempt int
	Err     error
}

// Transport is the interface the session coordinator programs against.
// Channel implements it over a real socket; MockTransport implements it
// for tests.
type Transport interface {
	// Lifecycle
	Start()
	Close()
	State() State

	// Thread attachment. Subscriptions do not survive a reconnect on the
	// wire; the transport re-subscribes every tracked thread itself after
	// each successful connect.
	Subscribe(threadID uint64)
	Unsubscribe(threadID uint64)

	// Publish enqueues a frame for a thread. Never blocks and never drops:
	// while disconnected the frame waits in a per-thread FIFO queue and is
	// flushed in original order once the link returns.
	Publish(threadID uint64, frame *protocol.Frame)

	// Channels for receiving data
	Incoming() <-chan *protocol.Frame
	Errors() <-chan error
	StateChanges() <-chan StateUpdate
}
