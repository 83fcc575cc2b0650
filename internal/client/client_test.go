package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/tunnel/internal/config"
	"github.com/koltyakov/tunnel/internal/domain"
	"github.com/koltyakov/tunnel/internal/tunnelproto"
)

// fakeRelay accepts tunnel sockets and hands each one, with its decoded
// auth frame and 1-based connection number, to script.
type fakeRelay struct {
	ts    *httptest.Server
	conns atomic.Int32
}

func newFakeRelay(t *testing.T, script func(ws *websocket.Conn, auth *tunnelproto.Auth, n int)) *fakeRelay {
	t.Helper()
	r := &fakeRelay{}
	upgrader := websocket.Upgrader{}
	r.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ws, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		n := int(r.conns.Add(1))
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		msg, ok := tunnelproto.DecodeClientMessage(raw)
		if !ok || msg.Auth == nil {
			return
		}
		script(ws, msg.Auth, n)
	}))
	t.Cleanup(r.ts.Close)
	return r
}

func (r *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(r.ts.URL, "http") + "/tunnel"
}

func sendServer(ws *websocket.Conn, msg tunnelproto.ServerMessage) error {
	b, err := tunnelproto.EncodeServerMessage(msg)
	if err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, b)
}

func authOK(ws *websocket.Conn, sub string) error {
	return sendServer(ws, tunnelproto.ServerMessage{AuthOK: &tunnelproto.AuthOK{Subdomain: sub, URL: "https://" + sub + ".example.test"}})
}

// holdOpen blocks until the client goes away.
func holdOpen(ws *websocket.Conn) {
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func newTestClient(t *testing.T, serverURL string, local *httptest.Server) *Client {
	t.Helper()
	cfg := config.ClientConfig{ServerURL: serverURL, Token: "tok", LocalHost: "127.0.0.1", LocalPort: 1}
	if local != nil {
		u, _ := url.Parse(local.URL)
		host, port, _ := net.SplitHostPort(u.Host)
		cfg.LocalHost = host
		cfg.LocalPort, _ = strconv.Atoi(port)
	}
	c := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.SetReconnectDelay(time.Millisecond)
	t.Cleanup(c.Disconnect)
	return c
}

func waitDone(t *testing.T, c *Client) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("client did not stop")
	}
}

func TestConnectSendsAuthAndReturnsURL(t *testing.T) {
	t.Parallel()
	authCh := make(chan tunnelproto.Auth, 1)
	relay := newFakeRelay(t, func(ws *websocket.Conn, auth *tunnelproto.Auth, _ int) {
		authCh <- *auth
		_ = authOK(ws, "myapp")
		holdOpen(ws)
	})
	c := newTestClient(t, relay.url(), nil)
	c.cfg.Subdomain = "myapp"

	u, err := c.Connect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if u != "https://myapp.example.test" || c.URL() != u {
		t.Fatalf("unexpected url %q", u)
	}
	auth := <-authCh
	if auth.Token != "tok" || auth.RequestedSubdomain != "myapp" {
		t.Fatalf("unexpected auth frame %+v", auth)
	}
}

func TestConnectAuthErrorIsTerminal(t *testing.T) {
	t.Parallel()
	relay := newFakeRelay(t, func(ws *websocket.Conn, _ *tunnelproto.Auth, _ int) {
		_ = sendServer(ws, tunnelproto.ServerMessage{AuthError: &tunnelproto.AuthError{Message: "Invalid token"}})
	})
	c := newTestClient(t, relay.url(), nil)
	var reported atomic.Int32
	c.SetEvents(Events{OnError: func(error) { reported.Add(1) }})

	_, err := c.Connect(context.Background())
	var authErr *domain.AuthError
	if !errors.As(err, &authErr) || authErr.Message != "Invalid token" {
		t.Fatalf("expected AuthError Invalid token, got %v", err)
	}
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized match, got %v", err)
	}
	waitDone(t, c)
	if !errors.Is(c.Err(), domain.ErrUnauthorized) {
		t.Fatalf("expected terminal auth error, got %v", c.Err())
	}
	if reported.Load() != 1 {
		t.Fatalf("expected one OnError call, got %d", reported.Load())
	}
	time.Sleep(50 * time.Millisecond)
	if n := relay.conns.Load(); n != 1 {
		t.Fatalf("expected no reconnect after auth_error, got %d connections", n)
	}
}

func TestClientForwardsRequests(t *testing.T) {
	t.Parallel()
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(r.Method + " " + r.URL.RequestURI() + " " + string(body)))
	}))
	defer local.Close()

	respCh := make(chan tunnelproto.Response, 1)
	relay := newFakeRelay(t, func(ws *websocket.Conn, _ *tunnelproto.Auth, _ int) {
		_ = authOK(ws, "app")
		_ = sendServer(ws, tunnelproto.ServerMessage{Request: &tunnelproto.Request{
			RequestID: "req-1",
			Method:    http.MethodPost,
			Path:      "/submit?x=1",
			Headers:   map[string]string{"Content-Type": "text/plain"},
			Body:      tunnelproto.EncodeBody([]byte("hello")),
		}})
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if msg, ok := tunnelproto.DecodeClientMessage(raw); ok && msg.Response != nil {
			respCh <- *msg.Response
		}
		holdOpen(ws)
	})

	c := newTestClient(t, relay.url(), local)
	type seen struct {
		method, path string
		status       int
	}
	seenCh := make(chan seen, 1)
	c.SetEvents(Events{OnRequest: func(method, path string, status int, _ time.Duration) {
		seenCh <- seen{method, path, status}
	}})
	if _, err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case resp := <-respCh:
		body, _ := tunnelproto.DecodeBody(resp.Body)
		if resp.RequestID != "req-1" || resp.Status != http.StatusAccepted || string(body) != "POST /submit?x=1 hello" {
			t.Fatalf("unexpected response %+v body=%q", resp, body)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no response from client")
	}
	if s := <-seenCh; s.method != http.MethodPost || s.path != "/submit?x=1" || s.status != http.StatusAccepted {
		t.Fatalf("unexpected OnRequest %+v", s)
	}
}

func TestClientReconnectsAfterDrop(t *testing.T) {
	t.Parallel()
	relay := newFakeRelay(t, func(ws *websocket.Conn, _ *tunnelproto.Auth, n int) {
		_ = authOK(ws, "app"+strconv.Itoa(n))
		if n == 1 {
			return // drop the first session right away
		}
		holdOpen(ws)
	})
	c := newTestClient(t, relay.url(), nil)
	connected := make(chan string, 4)
	var disconnects atomic.Int32
	c.SetEvents(Events{
		OnConnected:    func(u string) { connected <- u },
		OnDisconnected: func() { disconnects.Add(1) },
	})

	if _, err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-connected
	select {
	case u := <-connected:
		if u != "https://app2.example.test" {
			t.Fatalf("unexpected reconnect url %q", u)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("client did not reconnect")
	}
	if disconnects.Load() != 1 {
		t.Fatalf("expected one disconnect, got %d", disconnects.Load())
	}
	c.mu.Lock()
	attempts := c.attempts
	c.mu.Unlock()
	if attempts != 0 {
		t.Fatalf("expected attempt counter reset after reconnect, got %d", attempts)
	}
}

func TestRunGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	dead := httptest.NewServer(http.NotFoundHandler())
	addr := "ws" + strings.TrimPrefix(dead.URL, "http") + "/tunnel"
	dead.Close()

	c := newTestClient(t, addr, nil)
	var errorsSeen atomic.Int32
	c.SetEvents(Events{OnError: func(error) { errorsSeen.Add(1) }})

	err := c.Run(context.Background())
	if !errors.Is(err, domain.ErrMaxReconnectAttempts) {
		t.Fatalf("expected ErrMaxReconnectAttempts, got %v", err)
	}
	// initial failure, ten failed retries, then the give-up error
	if got := errorsSeen.Load(); got != maxReconnectAttempts+2 {
		t.Fatalf("expected %d OnError calls, got %d", maxReconnectAttempts+2, got)
	}
}

func TestDisconnectIsIdempotentAndStopsReconnect(t *testing.T) {
	t.Parallel()
	relay := newFakeRelay(t, func(ws *websocket.Conn, _ *tunnelproto.Auth, _ int) {
		_ = authOK(ws, "app")
		holdOpen(ws)
	})
	c := newTestClient(t, relay.url(), nil)
	if _, err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	c.Disconnect()
	c.Disconnect()
	waitDone(t, c)
	if c.Err() != nil {
		t.Fatalf("expected clean stop, got %v", c.Err())
	}
	time.Sleep(50 * time.Millisecond)
	if n := relay.conns.Load(); n != 1 {
		t.Fatalf("expected no reconnect after Disconnect, got %d connections", n)
	}
	if _, err := c.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()
	relay := newFakeRelay(t, func(ws *websocket.Conn, _ *tunnelproto.Auth, _ int) {
		_ = authOK(ws, "app")
		holdOpen(ws)
	})
	c := newTestClient(t, relay.url(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	c.SetEvents(Events{OnConnected: func(string) { cancel() }})

	if err := c.Run(ctx); err != nil {
		t.Fatalf("expected nil on cancel, got %v", err)
	}
}

func TestReconnectDelays(t *testing.T) {
	t.Parallel()
	c := New(config.ClientConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, w := range want {
		if got := c.reconnectDelay(i + 1); got != w {
			t.Fatalf("attempt %d: expected %s, got %s", i+1, w, got)
		}
	}
	if got := c.reconnectDelay(maxReconnectAttempts); got != 512*time.Second {
		t.Fatalf("expected 512s for the last attempt, got %s", got)
	}
}

func TestServeStopsReadingWhileForwardSlotsAreBusy(t *testing.T) {
	t.Parallel()
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started <- struct{}{}
		<-release
		w.WriteHeader(http.StatusNoContent)
	}))
	defer local.Close()
	var releaseOnce sync.Once
	unblock := func() { releaseOnce.Do(func() { close(release) }) }
	defer unblock()

	relay := newFakeRelay(t, func(ws *websocket.Conn, _ *tunnelproto.Auth, n int) {
		_ = authOK(ws, "app")
		if n > 1 {
			holdOpen(ws)
			return
		}
		for _, id := range []string{"req-1", "req-2"} {
			_ = sendServer(ws, tunnelproto.ServerMessage{Request: &tunnelproto.Request{RequestID: id, Method: http.MethodGet, Path: "/"}})
		}
		// returning closes the socket behind the two requests
	})

	c := newTestClient(t, relay.url(), local)
	c.forwardSlots = 1
	disconnected := make(chan struct{}, 1)
	c.SetEvents(Events{OnDisconnected: func() {
		select {
		case disconnected <- struct{}{}:
		default:
		}
	}})
	if _, err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first request never reached the local service")
	}
	select {
	case <-disconnected:
		t.Fatal("expected the read loop to wait for a free slot before reading on")
	case <-time.After(300 * time.Millisecond):
	}

	unblock()
	select {
	case <-disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("expected disconnect once the slot was released")
	}
}
