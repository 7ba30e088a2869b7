package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	// PongWait is how long a connection may stay silent before it is dropped.
	PongWait = 60 * time.Second
	// PingPeriod must be shorter than PongWait.
	PingPeriod = (PongWait * 9) / 10
)

// ErrMalformed marks a text frame that is not a valid action.
var ErrMalformed = errors.New("malformed message")

// Conn serialises writes to a gorilla connection. gorilla allows one
// concurrent writer, while the session loop, the reader and the pinger all
// send frames.
type Conn struct {
	*websocket.Conn
	mu sync.Mutex
}

// Wrap returns a write-safe connection.
func Wrap(c *websocket.Conn) *Conn {
	return &Conn{Conn: c}
}

// WriteTyped sends a strongly-typed response payload over the WebSocket.
func (c *Conn) WriteTyped(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SetWriteDeadline(time.Now().Add(writeWait))
	return c.WriteJSON(v)
}

// WriteError sends a typed ErrorResponse over the WebSocket.
func (c *Conn) WriteError(code, errMsg string) error {
	return c.WriteTyped(ErrorResponse{
		Event: EventError,
		Code:  code,
		Error: errMsg,
	})
}

// Ping sends a control ping.
func (c *Conn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// CloseWith sends a close frame with the given code and closes the connection.
func (c *Conn) CloseWith(code int, reason string) error {
	c.mu.Lock()
	_ = c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	c.mu.Unlock()
	return c.Conn.Close()
}

// KeepAlive extends the read deadline every time a pong arrives.
func (c *Conn) KeepAlive() {
	c.SetReadDeadline(time.Now().Add(PongWait))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(PongWait))
	})
}

// ReadFrame reads the next message. Text frames are decoded into a
// RequestEnvelope; binary frames are returned as data.
func (c *Conn) ReadFrame() (env *RequestEnvelope, data []byte, err error) {
	typ, msg, err := c.ReadMessage()
	if err != nil {
		return nil, nil, err
	}
	c.SetReadDeadline(time.Now().Add(PongWait))
	if typ == websocket.BinaryMessage {
		return nil, msg, nil
	}
	env = &RequestEnvelope{}
	if err := json.Unmarshal(msg, env); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	env.Raw = msg
	return env, nil, nil
}

// Decode parses the full action body.
func (e *RequestEnvelope) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
