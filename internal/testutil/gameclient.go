package testutil

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// Frame is any envelope a game client reads from the gateway.
type Frame struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *FrameError     `json:"error,omitempty"`
}

// FrameError is the error object of a response frame.
type FrameError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// GameClient is a websocket client that plays the game-server side of the
// gateway protocol in integration tests.
type GameClient struct {
	conn *websocket.Conn
	t    *testing.T
}

// DialGame opens a game-server connection to the websocket URL wsURL.
// Empty token or version omit the corresponding header.
//
// Postcondition: Returns a connected client, or the dial error with the
// handshake response when available.
func DialGame(t *testing.T, wsURL, token, version string) (*GameClient, *http.Response, error) {
	t.Helper()
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	if version != "" {
		header.Set("X-Api-Version", version)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(wsURL, header)
	if err != nil {
		return nil, resp, err
	}
	t.Cleanup(func() { conn.Close() })
	return &GameClient{conn: conn, t: t}, resp, nil
}

// NewGameClient is DialGame that fails the test on error.
func NewGameClient(t *testing.T, wsURL, token, version string) *GameClient {
	t.Helper()
	c, _, err := DialGame(t, wsURL, token, version)
	if err != nil {
		t.Fatalf("dialing %s: %v", wsURL, err)
	}
	return c
}

// WebSocketURL converts an httptest server URL to its websocket form.
func WebSocketURL(httpURL, path string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + path
}

// ReadFrame reads the next frame.
//
// Postcondition: Returns the decoded frame or fails the test on timeout.
func (c *GameClient) ReadFrame(timeout time.Duration) Frame {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("reading frame: %v", err)
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.t.Fatalf("decoding frame %q: %v", data, err)
	}
	return f
}

// ReadUntil reads frames until one carries method, discarding the others.
func (c *GameClient) ReadUntil(method string, timeout time.Duration) Frame {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		f := c.ReadFrame(time.Until(deadline))
		if f.Method == method {
			return f
		}
	}
}

// ReadResponse reads frames until the response to id arrives.
func (c *GameClient) ReadResponse(id string, timeout time.Duration) Frame {
	c.t.Helper()
	want, _ := json.Marshal(id)
	deadline := time.Now().Add(timeout)
	for {
		f := c.ReadFrame(time.Until(deadline))
		if f.Method == "" && string(f.ID) == string(want) {
			return f
		}
	}
}

// ReadClose reads until the gateway closes the connection and returns the
// close code and reason. Code is 0 when the connection ended without a close frame.
func (c *GameClient) ReadClose(timeout time.Duration) (int, string) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return ce.Code, ce.Text
			}
			return 0, err.Error()
		}
	}
}

// Send writes v as a JSON frame.
func (c *GameClient) Send(v any) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteJSON(v); err != nil {
		c.t.Fatalf("sending frame: %v", err)
	}
}

// Reply answers the request with id.
func (c *GameClient) Reply(id json.RawMessage, result any) {
	c.t.Helper()
	c.Send(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

// Request sends a request with a string id.
func (c *GameClient) Request(id, method string, params any) {
	c.t.Helper()
	c.Send(map[string]any{"jsonrpc": "2.0", "id": id, "method": method, "params": params})
}

// Notify sends a notification.
func (c *GameClient) Notify(method string, params any) {
	c.t.Helper()
	c.Send(map[string]any{"jsonrpc": "2.0", "id": nil, "method": method, "params": params})
}

// Handshake answers the client-info request with info and returns the
// welcome notification that follows.
func (c *GameClient) Handshake(info map[string]any, timeout time.Duration) Frame {
	c.t.Helper()
	req := c.ReadUntil("get.client.info", timeout)
	c.Reply(req.ID, info)
	return c.ReadUntil("gateway.welcome", timeout)
}

// Close closes the underlying connection without a close handshake.
func (c *GameClient) Close() {
	c.conn.Close()
}
