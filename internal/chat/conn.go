package chat

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// transport is the slice of a websocket connection the chat core uses.
// *websocket.Conn satisfies it; tests substitute fakes.
type transport interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Conn wraps a single viewer's websocket connection. Writes are serialized
// with a mutex as the underlying connection supports one concurrent writer.
type Conn struct {
	id      string
	ws      transport
	timeout time.Duration

	mu sync.Mutex
}

// NewConn returns a Conn over an upgraded websocket connection.
func NewConn(ws *websocket.Conn, timeout time.Duration) *Conn {
	return &Conn{id: uuid.NewString(), ws: ws, timeout: timeout}
}

// ID returns the connection's unique ID.
func (c *Conn) ID() string {
	return c.id
}

// Read blocks until the next inbound frame arrives.
func (c *Conn) Read() ([]byte, error) {
	_, b, err := c.ws.ReadMessage()
	return b, err
}

// Send writes a text frame to the peer. A non-nil error means the
// connection is dead and the caller should drop it.
func (c *Conn) Send(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(c.timeout))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.ws.Close()
}
