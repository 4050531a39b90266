package wsserver

import (
	"net"
	"sync"

	"github.com/gorilla/websocket"
)

// WSConn wraps a websocket connection behind a write mutex so the registry's
// writer goroutines and the read loop's pong replies never interleave writes.
type WSConn struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

// NewWSConn wraps an upgraded websocket connection.
func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn}
}

// WriteMessage writes one text message.
func (c *WSConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close closes the underlying socket. Idempotent.
func (c *WSConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}
