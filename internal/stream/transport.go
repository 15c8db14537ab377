package stream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one open feed connection. ReadMessage and WriteMessage may be
// called concurrently with each other, and Close may be called at any
// time to unblock a pending ReadMessage.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// LivenessSource is implemented by connections that see traffic
// ReadMessage never returns, such as websocket ping and pong frames.
// The channel receives a value, without blocking the sender, whenever
// such traffic arrives.
type LivenessSource interface {
	Liveness() <-chan struct{}
}

// Dialer opens feed connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

const maxFrameBytes = 1 << 20

// WebsocketDialer dials the telemetry feed over a websocket.
type WebsocketDialer struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

func (d *WebsocketDialer) Dial(ctx context.Context) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: handshake status %d: %w", d.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}
	conn.SetReadLimit(maxFrameBytes)

	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	c := &websocketConn{
		conn:         conn,
		writeTimeout: writeTimeout,
		alive:        make(chan struct{}, 1),
	}
	conn.SetPingHandler(c.handlePing)
	conn.SetPongHandler(func(string) error {
		c.markAlive()
		return nil
	})
	return c, nil
}

type websocketConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	alive        chan struct{}
}

// handlePing answers a protocol ping the way gorilla's default handler
// does, and records it as liveness.
func (c *websocketConn) handlePing(appData string) error {
	c.markAlive()
	err := c.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(c.writeTimeout))
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return nil
	}
	return err
}

func (c *websocketConn) markAlive() {
	select {
	case c.alive <- struct{}{}:
	default:
	}
}

func (c *websocketConn) Liveness() <-chan struct{} {
	return c.alive
}

func (c *websocketConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *websocketConn) WriteMessage(data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *websocketConn) Close() error {
	return c.conn.Close()
}
