package channel

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confchat/confchat/pkg/protocol"
)

func testConfig() Config {
	return Config{
		ReconnectDelay:    10 * time.Millisecond,
		MaxReconnectDelay: 50 * time.Millisecond,
		JitterFraction:    0,
		DialTimeout:       time.Second,
	}
}

// pipeServer accepts pipe connections handed to it and decodes every frame
// into a single ordered stream.
type pipeServer struct {
	mu     sync.Mutex
	conns  []net.Conn
	frames chan *protocol.Frame
}

func newPipeServer() *pipeServer {
	return &pipeServer{frames: make(chan *protocol.Frame, 256)}
}

// dialer returns a dial func producing a fresh pipe per attempt.
func (s *pipeServer) dialer() func() (net.Conn, error) {
	return func() (net.Conn, error) {
		clientSide, serverSide := net.Pipe()
		s.mu.Lock()
		s.conns = append(s.conns, serverSide)
		s.mu.Unlock()
		go s.readFrames(serverSide)
		return clientSide, nil
	}
}

func (s *pipeServer) readFrames(conn net.Conn) {
	for {
		frame, err := protocol.DecodeFrame(conn)
		if err != nil {
			return
		}
		s.frames <- frame
	}
}

// dropConnection closes the most recent server-side conn, simulating a
// network drop.
func (s *pipeServer) dropConnection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) > 0 {
		s.conns[len(s.conns)-1].Close()
	}
}

func (s *pipeServer) dialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *pipeServer) nextFrame(t *testing.T) *protocol.Frame {
	t.Helper()
	select {
	case frame := <-s.frames:
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func pingFrame(t *testing.T, nonce uint64) *protocol.Frame {
	t.Helper()
	payload, err := (&protocol.PingMessage{Nonce: nonce}).Encode()
	require.NoError(t, err)
	return &protocol.Frame{Version: protocol.ProtocolVersion, Type: protocol.TypePing, Payload: payload}
}

func TestChannelConnectsAndPublishes(t *testing.T) {
	server := newPipeServer()
	ch := NewWithDialer(server.dialer(), testConfig())
	ch.Start()
	defer ch.Close()

	waitFor(t, ch.IsConnected, "channel never connected")
	assert.Equal(t, StateConnected, ch.State())

	ch.Publish(0, pingFrame(t, 42))

	frame := server.nextFrame(t)
	assert.Equal(t, uint8(protocol.TypePing), frame.Type)

	msg := &protocol.PingMessage{}
	require.NoError(t, msg.Decode(frame.Payload))
	assert.Equal(t, uint64(42), msg.Nonce)
}

func TestOfflineQueueFlushesInOrder(t *testing.T) {
	server := newPipeServer()

	// Hold dialing until the test says go, so publishes land in the queue
	gate := make(chan struct{})
	dial := server.dialer()
	ch := NewWithDialer(func() (net.Conn, error) {
		<-gate
		return dial()
	}, testConfig())
	ch.Start()
	defer ch.Close()

	for nonce := uint64(1); nonce <= 3; nonce++ {
		ch.Publish(0, pingFrame(t, nonce))
	}
	assert.Equal(t, 3, ch.QueueDepth())
	assert.False(t, ch.IsConnected())

	close(gate)
	waitFor(t, ch.IsConnected, "channel never connected")

	for want := uint64(1); want <= 3; want++ {
		frame := server.nextFrame(t)
		msg := &protocol.PingMessage{}
		require.NoError(t, msg.Decode(frame.Payload))
		assert.Equal(t, want, msg.Nonce, "queued frames must flush in publish order")
	}
	waitFor(t, func() bool { return ch.QueueDepth() == 0 }, "queue never drained")
}

func TestSubscriptionsReplayBeforeQueuedPublishes(t *testing.T) {
	server := newPipeServer()

	gate := make(chan struct{})
	dial := server.dialer()
	ch := NewWithDialer(func() (net.Conn, error) {
		<-gate
		return dial()
	}, testConfig())
	ch.Start()
	defer ch.Close()

	ch.Subscribe(7)
	ch.Publish(7, pingFrame(t, 1))
	close(gate)

	first := server.nextFrame(t)
	require.Equal(t, uint8(protocol.TypeSubscribeThread), first.Type, "subscribe must precede queued publishes")
	sub := &protocol.SubscribeThreadMessage{}
	require.NoError(t, sub.Decode(first.Payload))
	assert.Equal(t, uint64(7), sub.ThreadID)

	second := server.nextFrame(t)
	assert.Equal(t, uint8(protocol.TypePing), second.Type)
}

func TestReconnectAfterConnectionDrop(t *testing.T) {
	server := newPipeServer()
	ch := NewWithDialer(server.dialer(), testConfig())
	ch.Start()
	defer ch.Close()

	waitFor(t, ch.IsConnected, "channel never connected")
	require.Equal(t, 1, server.dialCount())

	server.dropConnection()

	waitFor(t, func() bool {
		return server.dialCount() >= 2 && ch.IsConnected()
	}, "channel never reconnected")
}

func TestSubscriptionsSurviveReconnect(t *testing.T) {
	server := newPipeServer()
	ch := NewWithDialer(server.dialer(), testConfig())
	ch.Start()
	defer ch.Close()

	waitFor(t, ch.IsConnected, "channel never connected")
	ch.Subscribe(9)

	first := server.nextFrame(t)
	require.Equal(t, uint8(protocol.TypeSubscribeThread), first.Type)

	server.dropConnection()
	waitFor(t, func() bool {
		return server.dialCount() >= 2 && ch.IsConnected()
	}, "channel never reconnected")

	// The fresh connection replays the subscription unprompted
	replayed := server.nextFrame(t)
	assert.Equal(t, uint8(protocol.TypeSubscribeThread), replayed.Type)
	sub := &protocol.SubscribeThreadMessage{}
	require.NoError(t, sub.Decode(replayed.Payload))
	assert.Equal(t, uint64(9), sub.ThreadID)
}

// slowWriteConn stretches every write and records overlapping Write calls.
// The websocket adapter requires a single writer per connection, so any
// overlap here is a transport bug.
type slowWriteConn struct {
	net.Conn
	inWrite  atomic.Int32
	overlaps *atomic.Int32
}

func (c *slowWriteConn) Write(p []byte) (int, error) {
	if c.inWrite.Add(1) > 1 {
		c.overlaps.Add(1)
	}
	defer c.inWrite.Add(-1)
	time.Sleep(2 * time.Millisecond)
	return c.Conn.Write(p)
}

func awaitConnectedUpdate(t *testing.T, states <-chan StateUpdate) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case update := <-states:
			if update.State == StateConnected {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for connected state")
		}
	}
}

func TestResubscribeNeverInterleavesWithPublishes(t *testing.T) {
	var overlaps atomic.Int32
	firstTypes := make(chan uint8, 16)

	var mu sync.Mutex
	var serverConns []net.Conn
	dial := func() (net.Conn, error) {
		clientSide, serverSide := net.Pipe()
		mu.Lock()
		serverConns = append(serverConns, serverSide)
		mu.Unlock()
		go func() {
			first := true
			for {
				frame, err := protocol.DecodeFrame(serverSide)
				if err != nil {
					return
				}
				if first {
					firstTypes <- frame.Type
					first = false
				}
			}
		}()
		return &slowWriteConn{Conn: clientSide, overlaps: &overlaps}, nil
	}

	ch := NewWithDialer(dial, testConfig())
	ch.Subscribe(7)
	ch.Start()
	defer ch.Close()

	states := ch.StateChanges()
	for round := uint64(1); round <= 4; round++ {
		// Publish the instant the connected update lands, while the
		// subscription replay may still be on the wire
		awaitConnectedUpdate(t, states)
		ch.Publish(7, pingFrame(t, round))

		select {
		case typ := <-firstTypes:
			require.Equal(t, uint8(protocol.TypeSubscribeThread), typ,
				"first frame on a fresh connection must be the subscription replay")
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for first frame")
		}

		mu.Lock()
		serverConns[len(serverConns)-1].Close()
		mu.Unlock()
	}

	assert.Zero(t, overlaps.Load(), "writes on one connection must never interleave")
}

func TestIncomingFramesDelivered(t *testing.T) {
	server := newPipeServer()
	ch := NewWithDialer(server.dialer(), testConfig())
	ch.Start()
	defer ch.Close()

	waitFor(t, ch.IsConnected, "channel never connected")

	server.mu.Lock()
	conn := server.conns[0]
	server.mu.Unlock()

	payload, err := (&protocol.PongMessage{Nonce: 7}).Encode()
	require.NoError(t, err)
	require.NoError(t, protocol.EncodeFrame(conn, &protocol.Frame{
		Version: protocol.ProtocolVersion,
		Type:    protocol.TypePong,
		Payload: payload,
	}))

	select {
	case frame := <-ch.Incoming():
		assert.Equal(t, uint8(protocol.TypePong), frame.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for incoming frame")
	}
}

func TestPublishAfterCloseIsDropped(t *testing.T) {
	server := newPipeServer()
	ch := NewWithDialer(server.dialer(), testConfig())
	ch.Start()
	waitFor(t, ch.IsConnected, "channel never connected")

	ch.Close()
	ch.Publish(0, pingFrame(t, 1))
	assert.Equal(t, 0, ch.QueueDepth())
}

func TestParseServerAddress(t *testing.T) {
	tests := []struct {
		input    string
		connType string
		raw      string
		wantErr  bool
	}{
		{"tcp://example.com:7465", "tcp", "example.com:7465", false},
		{"example.com", "tcp", "example.com:7465", false},
		{"example.com:9000", "tcp", "example.com:9000", false},
		{"ws://example.com", "websocket", "example.com:8080", false},
		{"wss://example.com:443", "websocket", "example.com:443", false},
		{"ftp://example.com", "", "", true},
		{"", "", "", true},
	}

	for _, tt := range tests {
		dc, err := parseServerAddress(tt.input, time.Second)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.input)
			continue
		}
		require.NoError(t, err, "input %q", tt.input)
		assert.Equal(t, tt.connType, dc.connType, "input %q", tt.input)
		assert.Equal(t, tt.raw, dc.raw, "input %q", tt.input)
	}
}
