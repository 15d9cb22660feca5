package channel

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/confchat/confchat/pkg/protocol"
)

const (
	defaultTCPPort  = "7465"
	defaultHTTPPort = "8080"
)

// Config holds reconnection tuning for a Channel.
type Config struct {
	ReconnectDelay    time.Duration // Initial backoff delay
	MaxReconnectDelay time.Duration // Backoff cap
	JitterFraction    float64       // Random spread applied to each delay (0..1)
	DialTimeout       time.Duration
}

// DefaultConfig returns the reconnection defaults.
func DefaultConfig() Config {
	return Config{
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		JitterFraction:    0.2,
		DialTimeout:       2 * time.Second,
	}
}

type queuedFrame struct {
	threadID uint64
	frame    *protocol.Frame
}

// Channel is the realtime transport to the server. It owns the connection
// lifecycle: dialing, read/write pumps, and a reconnect loop that never
// gives up while the process is alive. Outbound frames published while the
// link is down wait in a FIFO queue and flush in order after reconnect.
type Channel struct {
	addr    string // Display address with scheme (e.g., "tcp://server:7465")
	rawAddr string // Raw host:port without scheme
	dial    func() (net.Conn, error)
	cfg     Config

	mu            sync.Mutex
	conn          net.Conn
	connected     bool
	everConnected bool
	state         State
	subs          map[uint64]struct{}
	pending       []queuedFrame
	connectionType string // "tcp" or "websocket"

	incoming    chan *protocol.Frame
	errs        chan error
	stateChange chan StateUpdate
	kick        chan struct{}

	shutdown chan struct{}
	closed   bool
	wg       sync.WaitGroup

	// Traffic counters (bytes on the wire)
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	logger  *log.Logger
	metrics *Metrics
}

// New creates a channel for the given server address. Supported schemes:
// tcp:// (default), ws://, wss://.
func New(addr string, cfg Config) (*Channel, error) {
	dc, err := parseServerAddress(addr, cfg.DialTimeout)
	if err != nil {
		return nil, err
	}

	return &Channel{
		addr:           dc.display,
		rawAddr:        dc.raw,
		dial:           dc.dial,
		connectionType: dc.connType,
		cfg:            cfg,
		state:          StateDisconnected,
		subs:           make(map[uint64]struct{}),
		incoming:       make(chan *protocol.Frame, 256),
		errs:           make(chan error, 16),
		stateChange:    make(chan StateUpdate, 16),
		kick:           make(chan struct{}, 1),
		shutdown:       make(chan struct{}),
	}, nil
}

// NewWithDialer creates a channel over a custom dialer. Tests use this to
// drive the channel over in-memory pipes.
func NewWithDialer(dial func() (net.Conn, error), cfg Config) *Channel {
	return &Channel{
		addr:           "custom",
		rawAddr:        "custom",
		dial:           dial,
		connectionType: "custom",
		cfg:            cfg,
		state:          StateDisconnected,
		subs:           make(map[uint64]struct{}),
		incoming:       make(chan *protocol.Frame, 256),
		errs:           make(chan error, 16),
		stateChange:    make(chan StateUpdate, 16),
		kick:           make(chan struct{}, 1),
		shutdown:       make(chan struct{}),
	}
}

// SetLogger sets a logger for debugging transport events
func (c *Channel) SetLogger(logger *log.Logger) {
	c.logger = logger
}

// SetMetrics attaches Prometheus metrics to the channel.
func (c *Channel) SetMetrics(m *Metrics) {
	c.metrics = m
}

func (c *Channel) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// Start launches the connect and write loops. The call returns immediately;
// connectivity outcomes are delivered through StateChanges.
func (c *Channel) Start() {
	c.wg.Add(2)
	go c.connectLoop()
	go c.writeLoop()
}

// Close shuts the channel down permanently.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	close(c.shutdown)
	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()
	close(c.incoming)
	close(c.errs)
	close(c.stateChange)
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected returns whether the link is currently up.
func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// GetAddress returns the server address with scheme.
func (c *Channel) GetAddress() string {
	return c.addr
}

// GetConnectionType returns the active connection type (tcp or websocket).
func (c *Channel) GetConnectionType() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionType
}

// GetBytesSent returns the total bytes written to the wire.
func (c *Channel) GetBytesSent() uint64 {
	return c.bytesSent.Load()
}

// GetBytesReceived returns the total bytes read from the wire.
func (c *Channel) GetBytesReceived() uint64 {
	return c.bytesReceived.Load()
}

// Incoming returns the channel for frames received from the server.
func (c *Channel) Incoming() <-chan *protocol.Frame {
	return c.incoming
}

// Errors returns the channel for transport errors.
func (c *Channel) Errors() <-chan error {
	return c.errs
}

// StateChanges returns the channel for connection state updates.
func (c *Channel) StateChanges() <-chan StateUpdate {
	return c.stateChange
}

// Subscribe tracks a thread for live updates. The subscription is replayed
// to the server after every reconnect.
func (c *Channel) Subscribe(threadID uint64) {
	c.mu.Lock()
	_, already := c.subs[threadID]
	c.subs[threadID] = struct{}{}
	connected := c.connected
	c.mu.Unlock()

	if already {
		return
	}
	if connected {
		if frame, err := subscribeFrame(threadID); err == nil {
			c.enqueue(threadID, frame)
		}
	}
}

// Unsubscribe stops tracking a thread.
func (c *Channel) Unsubscribe(threadID uint64) {
	c.mu.Lock()
	_, tracked := c.subs[threadID]
	delete(c.subs, threadID)
	connected := c.connected
	c.mu.Unlock()

	if !tracked || !connected {
		return
	}
	msg := &protocol.UnsubscribeThreadMessage{ThreadID: threadID}
	payload, err := msg.Encode()
	if err != nil {
		return
	}
	c.enqueue(threadID, &protocol.Frame{
		Version: protocol.ProtocolVersion,
		Type:    protocol.TypeUnsubscribeThread,
		Payload: payload,
	})
}

// Publish enqueues a frame for delivery. Never blocks; while disconnected
// the frame waits in the queue and is flushed in original order on
// reconnect, preserving per-thread send order.
func (c *Channel) Publish(threadID uint64, frame *protocol.Frame) {
	c.enqueue(threadID, frame)
}

// QueueDepth returns the number of frames waiting to be written.
func (c *Channel) QueueDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Channel) enqueue(threadID uint64, frame *protocol.Frame) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.pending = append(c.pending, queuedFrame{threadID: threadID, frame: frame})
	depth := len(c.pending)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.QueuedPublishes.Set(float64(depth))
	}
	c.kickWriter()
}

func (c *Channel) kickWriter() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Channel) reportError(err error) {
	select {
	case c.errs <- err:
	default:
		c.logf("error channel full, dropping: %v", err)
	}
}

func (c *Channel) publishState(update StateUpdate) {
	c.mu.Lock()
	c.state = update.State
	c.mu.Unlock()

	select {
	case c.stateChange <- update:
	default:
		c.logf("state channel full, dropping update %v", update.State)
	}
}

// connectLoop dials, pumps reads until the connection drops, then retries
// with exponential backoff and jitter. It only exits on shutdown; degraded
// connectivity is surfaced through StateChanges, never a permanent failure.
func (c *Channel) connectLoop() {
	defer c.wg.Done()

	delay := c.cfg.ReconnectDelay
	attempt := 0

	for {
		select {
		case <-c.shutdown:
			return
		default:
		}

		attempt++
		c.mu.Lock()
		reconnecting := c.everConnected
		c.mu.Unlock()

		if reconnecting {
			c.logf("Reconnect attempt %d to %s", attempt, c.addr)
			c.publishState(StateUpdate{State: StateReconnecting, Attempt: attempt})
			if c.metrics != nil {
				c.metrics.ReconnectAttempts.Inc()
			}
		} else {
			c.logf("Connecting to %s...", c.addr)
			c.publishState(StateUpdate{State: StateConnecting, Attempt: attempt})
		}

		conn, err := c.dial()
		if err != nil {
			c.logf("Connection attempt %d failed: %v", attempt, err)
			c.reportError(fmt.Errorf("dial failed: %w", err))

			select {
			case <-c.shutdown:
				return
			case <-time.After(c.withJitter(delay)):
			}
			delay *= 2
			if delay > c.cfg.MaxReconnectDelay {
				delay = c.cfg.MaxReconnectDelay
			}
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.everConnected = true
		c.mu.Unlock()

		// Subscriptions do not survive reconnects; replay them before the
		// write loop can see the connection. connected stays false until
		// the replay finishes, so resubscribe is the only writer on the
		// conn and queued publishes always go out after the subscribes.
		if err := c.resubscribe(conn); err != nil {
			c.logf("Resubscribe failed: %v", err)
			conn.Close()
		} else {
			c.mu.Lock()
			c.connected = true
			c.mu.Unlock()

			c.logf("Connected to %s (attempt %d)", c.addr, attempt)
			if c.metrics != nil {
				c.metrics.Connected.Set(1)
			}
			c.publishState(StateUpdate{State: StateConnected, Attempt: attempt})

			attempt = 0
			delay = c.cfg.ReconnectDelay
			c.kickWriter()

			readErr := c.readLoop(conn)
			if readErr != nil && !errors.Is(readErr, io.EOF) {
				c.reportError(fmt.Errorf("read error: %w", readErr))
			}
		}

		c.mu.Lock()
		c.connected = false
		c.conn = nil
		c.mu.Unlock()
		conn.Close()

		if c.metrics != nil {
			c.metrics.Connected.Set(0)
		}

		select {
		case <-c.shutdown:
			return
		default:
		}
		c.logf("Disconnected from %s", c.addr)
		c.publishState(StateUpdate{State: StateDisconnected})
	}
}

// resubscribe writes subscribe frames for every tracked thread directly on
// the fresh connection, ahead of the queued publishes.
func (c *Channel) resubscribe(conn net.Conn) error {
	c.mu.Lock()
	threads := make([]uint64, 0, len(c.subs))
	for id := range c.subs {
		threads = append(threads, id)
	}
	c.mu.Unlock()
	sort.Slice(threads, func(i, j int) bool { return threads[i] < threads[j] })

	for _, threadID := range threads {
		frame, err := subscribeFrame(threadID)
		if err != nil {
			return err
		}
		var buf bytes.Buffer
		if err := protocol.EncodeFrame(&buf, frame); err != nil {
			return err
		}
		w := &countingWriter{w: conn, counter: &c.bytesSent}
		if _, err := w.Write(buf.Bytes()); err != nil {
			return err
		}
		c.logf("→ SUBSCRIBE thread=%d", threadID)
	}
	return nil
}

// readLoop decodes frames until the connection fails, feeding them into the
// incoming channel. Returns the terminal read error.
func (c *Channel) readLoop(conn net.Conn) error {
	reader := &countingReader{r: conn, counter: &c.bytesReceived}

	for {
		frame, err := protocol.DecodeFrame(reader)
		if err != nil {
			return err
		}

		c.logf("← RECV: Type=0x%02X Flags=0x%02X PayloadLen=%d", frame.Type, frame.Flags, len(frame.Payload))
		if c.metrics != nil {
			c.metrics.FramesReceived.Inc()
		}

		select {
		case c.incoming <- frame:
		case <-c.shutdown:
			return nil
		}
	}
}

// writeLoop drains the pending queue head-first whenever the link is up.
// A frame is only removed from the queue after a successful write, so a
// failed write leaves it in place for retransmission after reconnect.
func (c *Channel) writeLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.shutdown:
			return
		case <-c.kick:
		}

		for {
			c.mu.Lock()
			if !c.connected || len(c.pending) == 0 {
				c.mu.Unlock()
				break
			}
			item := c.pending[0]
			conn := c.conn
			c.mu.Unlock()

			var buf bytes.Buffer
			if err := protocol.EncodeFrame(&buf, item.frame); err != nil {
				// Unencodable frame: drop it rather than wedging the queue
				c.logf("Encode error, dropping frame: %v", err)
				c.reportError(fmt.Errorf("encode error: %w", err))
				c.popPending()
				continue
			}

			w := &countingWriter{w: conn, counter: &c.bytesSent}
			if _, err := w.Write(buf.Bytes()); err != nil {
				c.logf("Write error: %v", err)
				c.reportError(fmt.Errorf("write error: %w", err))
				// Force the read loop to notice and recycle the connection;
				// the frame stays queued
				conn.Close()
				break
			}

			c.logf("→ SEND: Type=0x%02X thread=%d PayloadLen=%d", item.frame.Type, item.threadID, len(item.frame.Payload))
			if c.metrics != nil {
				c.metrics.FramesSent.Inc()
			}
			c.popPending()
		}
	}
}

func (c *Channel) popPending() {
	c.mu.Lock()
	if len(c.pending) > 0 {
		c.pending = c.pending[1:]
	}
	depth := len(c.pending)
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.QueuedPublishes.Set(float64(depth))
	}
}

// withJitter spreads a backoff delay by ±JitterFraction so a fleet of
// clients does not reconnect in lockstep.
func (c *Channel) withJitter(d time.Duration) time.Duration {
	f := c.cfg.JitterFraction
	if f <= 0 {
		return d
	}
	if f > 1 {
		f = 1
	}
	spread := (rand.Float64()*2 - 1) * f // [-f, +f)
	jittered := time.Duration(float64(d) * (1 + spread))
	if jittered < time.Millisecond {
		jittered = time.Millisecond
	}
	return jittered
}

func subscribeFrame(threadID uint64) (*protocol.Frame, error) {
	msg := &protocol.SubscribeThreadMessage{ThreadID: threadID}
	payload, err := msg.Encode()
	if err != nil {
		return nil, err
	}
	return &protocol.Frame{
		Version: protocol.ProtocolVersion,
		Type:    protocol.TypeSubscribeThread,
		Payload: payload,
	}, nil
}

// countingReader wraps an io.Reader and counts bytes read using atomic counter
type countingReader struct {
	r       io.Reader
	counter *atomic.Uint64
}

func (cr *countingReader) Read(p []byte) (n int, err error) {
	n, err = cr.r.Read(p)
	if n > 0 && cr.counter != nil {
		cr.counter.Add(uint64(n))
	}
	return n, err
}

// countingWriter wraps an io.Writer and counts bytes written using atomic counter
type countingWriter struct {
	w       io.Writer
	counter *atomic.Uint64
}

func (cw *countingWriter) Write(p []byte) (n int, err error) {
	n, err = cw.w.Write(p)
	if n > 0 && cw.counter != nil {
		cw.counter.Add(uint64(n))
	}
	return n, err
}

type dialConfig struct {
	display  string // Display address with scheme
	raw      string // Raw host:port without scheme
	connType string
	dial     func() (net.Conn, error)
}

func parseServerAddress(raw string, timeout time.Duration) (*dialConfig, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("server address is empty")
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	scheme := "tcp"
	hostPort := trimmed
	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid server address %q: %w", raw, err)
		}
		if u.Scheme != "" {
			scheme = strings.ToLower(u.Scheme)
		}
		if u.Host != "" {
			hostPort = u.Host
		} else if u.Path != "" {
			hostPort = u.Path
		}
		hostPort = strings.TrimPrefix(hostPort, "//")
	}

	switch scheme {
	case "tcp", "":
		host, port, err := splitHostPortWithDefault(hostPort, defaultTCPPort)
		if err != nil {
			return nil, err
		}

		address := net.JoinHostPort(host, port)
		dial := func() (net.Conn, error) {
			return net.DialTimeout("tcp", address, timeout)
		}

		return &dialConfig{
			display:  fmt.Sprintf("tcp://%s", address),
			raw:      address,
			connType: "tcp",
			dial:     dial,
		}, nil

	case "ws", "wss":
		host, port, err := splitHostPortWithDefault(hostPort, defaultHTTPPort)
		if err != nil {
			return nil, err
		}

		address := net.JoinHostPort(host, port)
		useTLS := scheme == "wss"

		dial := func() (net.Conn, error) {
			return DialWebSocket(address, useTLS, timeout)
		}

		return &dialConfig{
			display:  fmt.Sprintf("%s://%s", scheme, address),
			raw:      address,
			connType: "websocket",
			dial:     dial,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported server scheme %q", scheme)
	}
}

func splitHostPortWithDefault(hostPort, defaultPort string) (string, string, error) {
	hostPort = strings.TrimSpace(hostPort)
	if hostPort == "" {
		return "", "", errors.New("missing host in server address")
	}

	host, port, err := net.SplitHostPort(hostPort)
	if err == nil {
		return host, port, nil
	}

	var addrErr *net.AddrError
	if errors.As(err, &addrErr) && strings.Contains(strings.ToLower(addrErr.Err), "missing port") {
		host = hostPort
		if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
			host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
		}
		return host, defaultPort, nil
	}

	return "", "", err
}
