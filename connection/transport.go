package connection

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one live socket. Implementations must tolerate concurrent Write
// and Ping calls against a single reader.
type Conn interface {
	// Read blocks for the next text frame.
	Read() ([]byte, error)
	// Write sends one text frame.
	Write(data []byte) error
	// Ping sends a control ping so the peer keeps the socket alive.
	Ping() error
	// SetReadDeadline bounds how long Read may block.
	SetReadDeadline(t time.Time) error
	Close() error
}

// Dialer opens a Conn for a wss URL issued by apps.connections.open.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer is the production Dialer.
type WebsocketDialer struct {
	// HandshakeTimeout bounds the websocket handshake. Zero means 15s.
	HandshakeTimeout time.Duration
}

// Dial opens the socket and installs a pong handler that extends the read
// deadline, so server pongs count as liveness.
func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial socket: %w", err)
	}
	c := &wsConn{ws: ws}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.deadlineWindow()))
	})
	return c, nil
}

type wsConn struct {
	ws *websocket.Conn

	// writeMu serializes Write and Ping; gorilla allows one writer at a
	// time.
	writeMu sync.Mutex
	window  time.Duration
}

func (c *wsConn) deadlineWindow() time.Duration {
	if c.window <= 0 {
		return time.Minute
	}
	return c.window
}

func (c *wsConn) Read() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

func (c *wsConn) Write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	if !t.IsZero() {
		c.window = time.Until(t)
	}
	return c.ws.SetReadDeadline(t)
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}
