// Package client implements the tunnel client: it authenticates with the
// relay over a WebSocket, answers forwarded requests from a local service,
// and reconnects when the session drops.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/koltyakov/tunnel/internal/config"
	"github.com/koltyakov/tunnel/internal/domain"
	"github.com/koltyakov/tunnel/internal/tunnelproto"
)

const (
	defaultReconnectBase  = time.Second
	maxReconnectAttempts  = 10
	maxConcurrentForwards = 32
	handshakeTimeout      = 30 * time.Second
	wsHandshakeTimeout    = 10 * time.Second
	clientReadLimit       = 32 * 1024 * 1024
)

// ErrClosed is returned by Connect after Disconnect.
var ErrClosed = errors.New("client closed")

// Events are optional callbacks for presenting tunnel activity.
type Events struct {
	OnConnected    func(url string)
	OnDisconnected func()
	OnError        func(err error)
	OnRequest      func(method, path string, status int, d time.Duration)
}

// Client keeps one tunnel session to the relay alive.
type Client struct {
	cfg    config.ClientConfig
	log    *slog.Logger
	fwd    *Forwarder
	dialer websocket.Dialer
	events Events

	reconnectBase time.Duration
	forwardSlots  int

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	conn     *tunnelproto.Conn
	closed   bool
	attempts int
	url      string
	err      error

	done     chan struct{}
	doneOnce sync.Once
}

// New creates a client for cfg. Nothing is dialed until Connect or Run.
func New(cfg config.ClientConfig, logger *slog.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg: cfg,
		log: logger,
		fwd: NewForwarder(cfg.LocalHost, cfg.LocalPort),
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: wsHandshakeTimeout,
			TLSClientConfig:  &tls.Config{MinVersion: tls.VersionTLS12},
		},
		reconnectBase: defaultReconnectBase,
		forwardSlots:  maxConcurrentForwards,
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
}

// SetEvents installs presentation callbacks. Call before Connect.
func (c *Client) SetEvents(e Events) {
	c.events = e
}

// SetReconnectDelay changes the base reconnect delay. Call before Connect.
func (c *Client) SetReconnectDelay(base time.Duration) {
	if base > 0 {
		c.reconnectBase = base
	}
}

// URL returns the public URL of the current session, if any.
func (c *Client) URL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url
}

// Done is closed once the client stops for good.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the client stopped. It is nil after Disconnect.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Run connects and keeps the tunnel up until ctx is cancelled, Disconnect is
// called, the relay rejects the credentials, or reconnecting gives up.
func (c *Client) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, c.Disconnect)
	defer stop()

	if _, err := c.Connect(ctx); err != nil {
		var authErr *domain.AuthError
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.As(err, &authErr), errors.Is(err, ErrClosed):
			return err
		}
		c.log.Warn("connect failed", "server", c.cfg.ServerURL, "err", err)
		c.events.error(err)
		go c.reconnect()
	}

	<-c.done
	if ctx.Err() != nil {
		return nil
	}
	return c.Err()
}

// Connect dials the relay and completes the auth handshake. On success the
// session is served in the background and reconnected if it drops. An
// auth_error stops the client for good.
func (c *Client) Connect(ctx context.Context) (string, error) {
	if c.isClosed() {
		return "", ErrClosed
	}
	ws, _, err := c.dialer.DialContext(ctx, c.cfg.ServerURL, nil)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", c.cfg.ServerURL, err)
	}
	conn := tunnelproto.NewConn(ws, 0)
	conn.SetReadLimit(clientReadLimit)
	if !c.adopt(conn) {
		_ = conn.Close()
		return "", ErrClosed
	}

	ok, err := c.handshake(conn)
	if err != nil {
		c.drop(conn)
		var authErr *domain.AuthError
		if errors.As(err, &authErr) {
			c.log.Error("authentication rejected", "message", authErr.Message)
			c.events.error(err)
			c.stop(err)
		}
		return "", err
	}

	url := ok.URL
	c.fwd.SetResponseLimit(ok.MaxResponseBytes)
	if limit := tunnelproto.ResponseFrameLimit(ok.MaxRequestBytes); limit > clientReadLimit {
		conn.SetReadLimit(limit)
	}
	c.mu.Lock()
	c.attempts = 0
	c.url = url
	c.mu.Unlock()

	go c.serve(conn)
	c.log.Info("tunnel ready", "url", url, "local", fmt.Sprintf("%s:%d", c.cfg.LocalHost, c.cfg.LocalPort))
	c.events.connected(url)
	return url, nil
}

// Disconnect closes the session and suppresses reconnection. Safe to call
// more than once.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		_ = conn.Close()
	}
	c.finish(nil)
}

func (c *Client) handshake(conn *tunnelproto.Conn) (*tunnelproto.AuthOK, error) {
	if err := conn.WriteClient(tunnelproto.ClientMessage{Auth: &tunnelproto.Auth{
		Token:              c.cfg.Token,
		RequestedSubdomain: c.cfg.Subdomain,
	}}); err != nil {
		return nil, fmt.Errorf("send auth: %w", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	for {
		raw, err := conn.ReadFrame()
		if err != nil {
			return nil, fmt.Errorf("await auth: %w", err)
		}
		msg, ok := tunnelproto.DecodeServerMessage(raw)
		if !ok {
			continue
		}
		switch {
		case msg.AuthOK != nil:
			_ = conn.SetReadDeadline(time.Time{})
			return msg.AuthOK, nil
		case msg.AuthError != nil:
			return nil, &domain.AuthError{Message: msg.AuthError.Message}
		}
	}
}

// serve answers forwarded requests until the socket closes.
func (c *Client) serve(conn *tunnelproto.Conn) {
	sem := make(chan struct{}, c.forwardSlots)
	for {
		raw, err := conn.ReadFrame()
		if err != nil {
			if !c.isClosed() {
				c.log.Warn("tunnel read failed", "err", err)
			}
			break
		}
		msg, ok := tunnelproto.DecodeServerMessage(raw)
		if !ok || msg.Request == nil {
			continue
		}
		req := *msg.Request
		// blocking here stops reading until a forward slot frees up
		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()
			c.handleRequest(conn, req)
		}()
	}
	c.connectionLost(conn)
}

func (c *Client) handleRequest(conn *tunnelproto.Conn, req tunnelproto.Request) {
	started := time.Now()
	resp := c.fwd.Forward(c.ctx, req)
	resp.RequestID = req.RequestID
	if err := conn.WriteClient(tunnelproto.ClientMessage{Response: &resp}); err != nil {
		c.log.Debug("send response failed", "request_id", req.RequestID, "err", err)
	}
	elapsed := time.Since(started)
	c.log.Debug("forwarded request", "method", req.Method, "path", req.Path, "status", resp.Status, "duration", elapsed)
	c.events.request(req.Method, req.Path, resp.Status, elapsed)
}

func (c *Client) connectionLost(conn *tunnelproto.Conn) {
	_ = conn.Close()
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.url = ""
	closed := c.closed
	c.mu.Unlock()

	c.events.disconnected()
	if closed {
		return
	}
	c.log.Warn("tunnel disconnected")
	go c.reconnect()
}

// reconnect retries Connect with exponential delays until one succeeds, the
// client is closed, or the attempt budget is spent.
func (c *Client) reconnect() {
	for {
		attempt, ok := c.nextAttempt()
		if !ok {
			return
		}
		delay := c.reconnectDelay(attempt)
		c.log.Info("reconnecting", "attempt", attempt, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if c.isClosed() {
			return
		}

		url, err := c.Connect(c.ctx)
		if err == nil {
			c.log.Info("reconnected", "url", url, "attempt", attempt)
			return
		}
		var authErr *domain.AuthError
		if errors.As(err, &authErr) || errors.Is(err, ErrClosed) {
			return
		}
		c.log.Warn("reconnect failed", "attempt", attempt, "err", err)
		c.events.error(err)
	}
}

// reconnectDelay is base * 2^(attempt-1).
func (c *Client) reconnectDelay(attempt int) time.Duration {
	b := &backoff.Backoff{
		Min:    c.reconnectBase,
		Max:    c.reconnectBase << (maxReconnectAttempts - 1),
		Factor: 2,
	}
	return b.ForAttempt(float64(attempt - 1))
}

// nextAttempt claims the next attempt number. It stops the client once the
// budget is exhausted.
func (c *Client) nextAttempt() (int, bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, false
	}
	if c.attempts >= maxReconnectAttempts {
		c.mu.Unlock()
		c.log.Error("giving up", "attempts", maxReconnectAttempts)
		c.events.error(domain.ErrMaxReconnectAttempts)
		c.stop(domain.ErrMaxReconnectAttempts)
		return 0, false
	}
	c.attempts++
	n := c.attempts
	c.mu.Unlock()
	return n, true
}

func (c *Client) adopt(conn *tunnelproto.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.conn = conn
	return true
}

func (c *Client) drop(conn *tunnelproto.Conn) {
	_ = conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// stop ends the client with a terminal error.
func (c *Client) stop(err error) {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.mu.Unlock()
	c.cancel()
	if conn != nil {
		_ = conn.Close()
	}
	c.finish(err)
}

func (c *Client) finish(err error) {
	c.doneOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (e Events) connected(url string) {
	if e.OnConnected != nil {
		e.OnConnected(url)
	}
}

func (e Events) disconnected() {
	if e.OnDisconnected != nil {
		e.OnDisconnected()
	}
}

func (e Events) error(err error) {
	if e.OnError != nil {
		e.OnError(err)
	}
}

func (e Events) request(method, path string, status int, d time.Duration) {
	if e.OnRequest != nil {
		e.OnRequest(method, path, status, d)
	}
}
