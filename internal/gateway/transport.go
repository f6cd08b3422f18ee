package gateway

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// closeGrace bounds the write of a close frame.
const closeGrace = time.Second

// errTransportClosed is returned when writing to a closed transport.
var errTransportClosed = errors.New("transport closed")

// Conn wraps a websocket connection to one game server. Writes are
// serialized; reads belong to the single read loop of the acceptor.
type Conn struct {
	id  string
	raw *websocket.Conn

	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

// NewConn wraps raw with a fresh transport id.
//
// Precondition: raw must be an upgraded, open websocket connection.
func NewConn(raw *websocket.Conn, readLimit int64, writeTimeout time.Duration) *Conn {
	if readLimit > 0 {
		raw.SetReadLimit(readLimit)
	}
	return &Conn{
		id:           uuid.NewString(),
		raw:          raw,
		writeTimeout: writeTimeout,
	}
}

// ID returns the transport id.
func (c *Conn) ID() string { return c.id }

// Send writes one text frame.
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errTransportClosed
	}
	if c.writeTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.raw.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// Close sends a close frame with code and reason and closes the connection.
// Only the first call has an effect.
func (c *Conn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.raw.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
	return c.raw.Close()
}

// ReadMessage returns the payload of the next data frame.
func (c *Conn) ReadMessage() ([]byte, error) {
	_, data, err := c.raw.ReadMessage()
	return data, err
}
