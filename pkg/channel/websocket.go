package channel

import (
	"fmt"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// DialWebSocket connects to the server's WebSocket endpoint and wraps the
// connection as a net.Conn carrying the same binary frame stream as TCP.
func DialWebSocket(address string, useTLS bool, timeout time.Duration) (net.Conn, error) {
	scheme := "ws"
	if useTLS {
		scheme = "wss"
	}
	u := fmt.Sprintf("%s://%s/ws", scheme, address)

	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
	}

	ws, _, err := dialer.Dial(u, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	return &wsConn{ws: ws}, nil
}

// wsConn adapts a websocket connection to net.Conn. Each protocol frame
// rides in one binary WebSocket message; Read drains a partially-consumed
// message before fetching the next.
type wsConn struct {
	ws  *websocket.Conn
	buf []byte // Unread remainder of the current message
}

func (c *wsConn) Read(p []byte) (int, error) {
	for len(c.buf) == 0 {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		if msgType != websocket.BinaryMessage {
			continue // Ignore text/control payloads
		}
		c.buf = data
	}

	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	// Best effort close handshake before tearing down the socket
	deadline := time.Now().Add(time.Second)
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.ws.Close()
}

func (c *wsConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
