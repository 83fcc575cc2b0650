package tunnelproto

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var errEmptyMessage = errors.New("tunnelproto: empty message")

// ErrConnClosed is returned by writes after [Conn.Close].
var ErrConnClosed = errors.New("tunnel connection closed")

// DefaultWriteTimeout bounds a single frame write.
const DefaultWriteTimeout = 15 * time.Second

// Conn serializes text-frame writes on a websocket shared by a reader
// goroutine and any number of concurrent writers.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// NewConn wraps ws. A non-positive writeTimeout uses [DefaultWriteTimeout].
func NewConn(ws *websocket.Conn, writeTimeout time.Duration) *Conn {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &Conn{ws: ws, writeTimeout: writeTimeout, closed: make(chan struct{})}
}

// ReadFrame blocks for the next text frame. Binary frames are skipped.
func (c *Conn) ReadFrame() ([]byte, error) {
	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if typ == websocket.TextMessage {
			return data, nil
		}
	}
}

// WriteServer encodes and sends a relay frame.
func (c *Conn) WriteServer(msg ServerMessage) error {
	b, err := EncodeServerMessage(msg)
	if err != nil {
		return err
	}
	return c.writeText(b)
}

// WriteClient encodes and sends a client frame.
func (c *Conn) WriteClient(msg ClientMessage) error {
	b, err := EncodeClientMessage(msg)
	if err != nil {
		return err
	}
	return c.writeText(b)
}

func (c *Conn) writeText(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	err := c.ws.WriteMessage(websocket.TextMessage, b)
	_ = c.ws.SetWriteDeadline(time.Time{})
	return err
}

// Close closes the socket without a closing handshake. Safe to call more
// than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.ws.Close()
	})
	return err
}

// KeepAlive pings the peer every interval and fails reads once two intervals
// pass without a pong. The pinger stops when the connection closes.
func (c *Conn) KeepAlive(interval time.Duration) {
	if interval <= 0 {
		return
	}
	wait := 2 * interval
	_ = c.ws.SetReadDeadline(time.Now().Add(wait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(wait))
	})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.closed:
				return
			case <-ticker.C:
				if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
					return
				}
			}
		}
	}()
}

// SetReadDeadline bounds the next read, typically the handshake.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// SetReadLimit caps the size of a single inbound frame.
func (c *Conn) SetReadLimit(n int64) {
	c.ws.SetReadLimit(n)
}
