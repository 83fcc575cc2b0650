package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/koltyakov/tunnel/internal/domain"
	"github.com/koltyakov/tunnel/internal/metrics"
	"github.com/koltyakov/tunnel/internal/subdomain"
	"github.com/koltyakov/tunnel/internal/tunnelproto"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultAuthTimeout    = 30 * time.Second
	defaultMaxResponse    = 10 * 1024 * 1024
	maxGenerateAttempts   = 10
	registryOpTimeout     = 5 * time.Second
)

// TokenValidator resolves a plaintext tunnel token to its principal. The
// bool is false for unknown tokens. IsSubdomainReserved reports whether any
// token has the subdomain persisted.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (domain.Principal, bool, error)
	IsSubdomainReserved(ctx context.Context, subdomain string) (bool, error)
}

// PresenceRegistry is the cross-relay claim store.
type PresenceRegistry interface {
	Register(ctx context.Context, subdomain string, p domain.Presence) error
	Unregister(ctx context.Context, subdomain string) error
	Exists(ctx context.Context, subdomain string) (bool, error)
}

// ManagerConfig tunes a [Manager].
type ManagerConfig struct {
	BaseDomain string
	// Secure selects https for advertised public URLs.
	Secure         bool
	RequestTimeout time.Duration
	// AuthTimeout bounds how long a socket may stay unauthenticated.
	AuthTimeout time.Duration
	// PingInterval enables websocket keepalive on authenticated sessions.
	PingInterval time.Duration
	// MaxResponseBytes caps a decoded response body. The inbound frame limit
	// is derived from it and advertised to clients in auth_ok.
	MaxResponseBytes int64
	// MaxRequestBytes is advertised so clients can size their read limit.
	MaxRequestBytes int64
}

// OutboundRequest is a buffered public request headed for a tunnel.
type OutboundRequest struct {
	Method  string
	Path    string
	Headers map[string]string
	Body    []byte
}

// Manager owns every live tunnel session on this relay and the table of
// requests waiting for a tunnel response.
type Manager struct {
	cfg      ManagerConfig
	tokens   TokenValidator
	presence PresenceRegistry
	log      *slog.Logger
	metrics  *metrics.Metrics
	events   *Inspector
	now      func() time.Time

	mu       sync.Mutex
	conns    map[*session]struct{}
	sessions map[string]*session
	pending  map[string]*pendingRequest
}

// NewManager returns an empty manager.
func NewManager(cfg ManagerConfig, tokens TokenValidator, presence PresenceRegistry, logger *slog.Logger) *Manager {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = defaultAuthTimeout
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = defaultMaxResponse
	}
	return &Manager{
		cfg:      cfg,
		tokens:   tokens,
		presence: presence,
		log:      logger,
		now:      time.Now,
		conns:    map[*session]struct{}{},
		sessions: map[string]*session{},
		pending:  map[string]*pendingRequest{},
	}
}

// Serve drives one tunnel socket until it closes. It blocks.
func (m *Manager) Serve(ctx context.Context, ws *websocket.Conn) {
	conn := tunnelproto.NewConn(ws, 0)
	conn.SetReadLimit(tunnelproto.ResponseFrameLimit(m.cfg.MaxResponseBytes))
	_ = conn.SetReadDeadline(m.now().Add(m.cfg.AuthTimeout))

	sess := newSession(conn, remoteIP(ws.RemoteAddr()), m.now())
	m.mu.Lock()
	m.conns[sess] = struct{}{}
	m.mu.Unlock()
	defer m.teardown(sess)

	for {
		raw, err := conn.ReadFrame()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				m.log.Warn("tunnel read error", "subdomain", sess.boundSubdomain(), "err", err)
			}
			return
		}
		if !m.handle(ctx, sess, raw) {
			return
		}
	}
}

// handle applies one inbound frame to the session state machine and reports
// whether the socket stays open.
func (m *Manager) handle(ctx context.Context, sess *session, raw []byte) bool {
	msg, ok := tunnelproto.DecodeClientMessage(raw)
	switch sess.currentState() {
	case stateConnected:
		if !ok {
			_ = sess.conn.WriteServer(authErrorMessage("Invalid message"))
			return true
		}
		if msg.Auth == nil {
			// responses are meaningless before the handshake
			return true
		}
		return m.authenticate(ctx, sess, msg.Auth)
	case stateAuthenticated:
		if ok && msg.Response != nil {
			m.resolveFor(sess.boundSubdomain(), *msg.Response)
		}
		// repeated auth and unknown frames are ignored
		return true
	default:
		return false
	}
}

type authFailure struct {
	message string
	reason  string
}

func (f *authFailure) Error() string { return f.message }

var (
	errInvalidToken        = &authFailure{"Invalid token", "invalid_token"}
	errInvalidSubdomain    = &authFailure{"Invalid subdomain format", "invalid_subdomain"}
	errSubdomainTaken      = &authFailure{"Subdomain already in use", "subdomain_in_use"}
	errGenerationExhausted = &authFailure{"Could not generate subdomain", "generation_exhausted"}
	errAuthInternal        = &authFailure{"Internal server error", "internal"}
)

func (m *Manager) authenticate(ctx context.Context, sess *session, a *tunnelproto.Auth) bool {
	principal, ok, err := m.tokens.ValidateToken(ctx, a.Token)
	if err != nil {
		m.log.Error("token validation failed", "err", err)
		return m.reject(sess, errAuthInternal)
	}
	if !ok {
		return m.reject(sess, errInvalidToken)
	}

	sub, err := m.bindSubdomain(ctx, sess, principal, a.RequestedSubdomain)
	if err != nil {
		var f *authFailure
		if !errors.As(err, &f) {
			f = errAuthInternal
		}
		return m.reject(sess, f)
	}

	connectedAt := m.now()
	presence := domain.Presence{TokenID: principal.ID, ConnectedAt: connectedAt.UnixMilli()}
	if err := m.presence.Register(ctx, sub, presence); err != nil {
		m.log.Error("presence register failed", "subdomain", sub, "err", err)
		m.release(sess, sub)
		return m.reject(sess, errAuthInternal)
	}

	if err := sess.conn.WriteServer(tunnelproto.ServerMessage{AuthOK: &tunnelproto.AuthOK{
		Subdomain:        sub,
		URL:              m.publicURL(sub),
		MaxResponseBytes: m.cfg.MaxResponseBytes,
		MaxRequestBytes:  m.cfg.MaxRequestBytes,
	}}); err != nil {
		// teardown unregisters the presence record
		return false
	}
	sess.transition(stateAuthenticated)
	_ = sess.conn.SetReadDeadline(time.Time{})
	sess.conn.KeepAlive(m.cfg.PingInterval)

	m.metrics.Connected()
	m.log.Info("tunnel connected", "subdomain", sub, "token_id", principal.ID, "remote", sess.remoteAddr)
	return true
}

// bindSubdomain picks the subdomain for a freshly validated session and
// reserves it in the local map: requested name first, then the token's
// persisted name, then a generated one.
func (m *Manager) bindSubdomain(ctx context.Context, sess *session, p domain.Principal, requested string) (string, error) {
	switch {
	case requested != "":
		if !subdomain.IsValid(requested) {
			return "", errInvalidSubdomain
		}
		return requested, m.claim(ctx, sess, p, requested)
	case p.Subdomain != "":
		return p.Subdomain, m.claim(ctx, sess, p, p.Subdomain)
	}
	for i := 0; i < maxGenerateAttempts; i++ {
		candidate := subdomain.Generate()
		err := m.claim(ctx, sess, p, candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, errSubdomainTaken) {
			return "", err
		}
	}
	return "", errGenerationExhausted
}

// claim reserves sub for sess unless another token has it persisted or the
// registry or the local map already holds it. The local insert is atomic;
// the other checks are advisory.
func (m *Manager) claim(ctx context.Context, sess *session, p domain.Principal, sub string) error {
	if sub != p.Subdomain {
		reserved, err := m.tokens.IsSubdomainReserved(ctx, sub)
		if err != nil {
			m.log.Error("reservation lookup failed", "subdomain", sub, "err", err)
			return errAuthInternal
		}
		if reserved {
			return errSubdomainTaken
		}
	}

	taken, err := m.presence.Exists(ctx, sub)
	if err != nil {
		m.log.Error("presence lookup failed", "subdomain", sub, "err", err)
		return errAuthInternal
	}
	if taken {
		return errSubdomainTaken
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.sessions[sub]; held {
		return errSubdomainTaken
	}
	m.sessions[sub] = sess
	sess.bind(sub, p.ID)
	return nil
}

// release undoes a claim whose handshake could not finish.
func (m *Manager) release(sess *session, sub string) {
	m.mu.Lock()
	if m.sessions[sub] == sess {
		delete(m.sessions, sub)
	}
	m.mu.Unlock()
	sess.unbind()
}

func (m *Manager) reject(sess *session, f *authFailure) bool {
	m.metrics.AuthFailed(f.reason)
	m.log.Warn("auth failed", "reason", f.reason, "remote", sess.remoteAddr)
	_ = sess.conn.WriteServer(authErrorMessage(f.message))
	return false
}

// teardown runs once per socket after its read loop ends.
func (m *Manager) teardown(sess *session) {
	_ = sess.conn.Close()
	sess.transition(stateClosed)
	sub := sess.boundSubdomain()

	owned := false
	if sub != "" {
		m.mu.Lock()
		owned = m.sessions[sub] == sess
		m.mu.Unlock()
	}
	if owned {
		ctx, cancel := context.WithTimeout(context.Background(), registryOpTimeout)
		if err := m.presence.Unregister(ctx, sub); err != nil {
			m.log.Error("presence unregister failed", "subdomain", sub, "err", err)
		}
		cancel()
	}

	m.mu.Lock()
	delete(m.conns, sess)
	var swept []*pendingRequest
	if owned && m.sessions[sub] == sess {
		delete(m.sessions, sub)
		for id, p := range m.pending {
			if p.subdomain == sub {
				delete(m.pending, id)
				swept = append(swept, p)
			}
		}
	}
	m.mu.Unlock()

	for _, p := range swept {
		p.complete(result{err: &domain.TunnelError{Subdomain: sub, Op: "dispatch", Err: domain.ErrTunnelDisconnected}})
	}
	if owned {
		m.log.Info("tunnel disconnected", "subdomain", sub, "rejected_pending", len(swept))
	}
}

// Dispatch forwards req to the tunnel holding subdomain and waits for its
// response, the request deadline, the session dropping, or ctx.
func (m *Manager) Dispatch(ctx context.Context, sub string, req OutboundRequest) (tunnelproto.Response, error) {
	m.mu.Lock()
	sess := m.sessions[sub]
	if sess == nil || !sess.isAuthenticated() {
		m.mu.Unlock()
		m.metrics.ObserveDispatch(metrics.OutcomeNoTunnel, 0)
		return tunnelproto.Response{}, &domain.TunnelError{Subdomain: sub, Op: "dispatch", Err: domain.ErrTunnelNotConnected}
	}
	id := uuid.NewString()
	p := newPendingRequest(id, sub, m.now())
	p.timer = time.AfterFunc(m.cfg.RequestTimeout, func() { m.expire(id) })
	m.pending[id] = p
	m.mu.Unlock()

	wire := tunnelproto.Request{
		RequestID: id,
		Method:    req.Method,
		Path:      req.Path,
		Headers:   req.Headers,
		Body:      tunnelproto.EncodeBody(req.Body),
	}
	m.events.Publish(InspectorEvent{
		Type:      EventRequest,
		RequestID: id,
		Subdomain: sub,
		Timestamp: p.sentAt.UnixMilli(),
		Method:    wire.Method,
		Path:      wire.Path,
		Headers:   wire.Headers,
		Body:      wire.Body,
	})

	if err := sess.conn.WriteServer(tunnelproto.ServerMessage{Request: &wire}); err != nil {
		m.fail(id, &domain.TunnelError{Subdomain: sub, Op: "dispatch", Err: domain.ErrTunnelDisconnected})
	}

	var r result
	select {
	case r = <-p.done:
	case <-ctx.Done():
		m.fail(id, ctx.Err())
		r = <-p.done
	}

	elapsed := m.now().Sub(p.sentAt)
	switch {
	case r.err == nil:
		m.metrics.ObserveDispatch(metrics.OutcomeOK, elapsed)
		m.events.Publish(InspectorEvent{
			Type:      EventResponse,
			RequestID: id,
			Subdomain: sub,
			Timestamp: m.now().UnixMilli(),
			Status:    r.resp.Status,
			Headers:   r.resp.Headers,
			Body:      r.resp.Body,
		})
	case errors.Is(r.err, domain.ErrRequestTimeout):
		m.metrics.ObserveDispatch(metrics.OutcomeTimeout, elapsed)
	case errors.Is(r.err, domain.ErrTunnelDisconnected):
		m.metrics.ObserveDispatch(metrics.OutcomeDisconnected, elapsed)
	default:
		m.metrics.ObserveDispatch(metrics.OutcomeError, elapsed)
	}
	return r.resp, r.err
}

// Resolve completes the pending request named by resp.RequestID. It reports
// false when the id is unknown, e.g. because it already timed out.
func (m *Manager) Resolve(resp tunnelproto.Response) bool {
	p := m.take(resp.RequestID, "")
	if p == nil {
		return false
	}
	return p.complete(result{resp: resp})
}

// resolveFor is Resolve restricted to requests dispatched on sub, so one
// tunnel cannot answer another tunnel's requests.
func (m *Manager) resolveFor(sub string, resp tunnelproto.Response) bool {
	p := m.take(resp.RequestID, sub)
	if p == nil {
		return false
	}
	return p.complete(result{resp: resp})
}

func (m *Manager) expire(id string) {
	if p := m.take(id, ""); p != nil {
		p.complete(result{err: &domain.TunnelError{Subdomain: p.subdomain, Op: "dispatch", Err: domain.ErrRequestTimeout}})
	}
}

func (m *Manager) fail(id string, err error) {
	if p := m.take(id, ""); p != nil {
		p.complete(result{err: err})
	}
}

// take removes and returns the pending entry for id. When sub is set the
// entry must belong to it.
func (m *Manager) take(id, sub string) *pendingRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[id]
	if !ok || (sub != "" && p.subdomain != sub) {
		return nil
	}
	delete(m.pending, id)
	return p
}

// ConnectionCount returns the number of authenticated sessions.
func (m *Manager) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, sess := range m.sessions {
		if sess.isAuthenticated() {
			n++
		}
	}
	return n
}

// PendingCount returns the number of requests awaiting a response.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// HasPending reports whether id is still awaiting a response.
func (m *Manager) HasPending(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[id]
	return ok
}

// IsActive reports whether this relay holds sub, authenticated or not.
func (m *Manager) IsActive(sub string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[sub]
	return ok
}

// CloseAll closes every socket; their read loops then tear down.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := make([]*session, 0, len(m.conns))
	for sess := range m.conns {
		all = append(all, sess)
	}
	m.mu.Unlock()
	for _, sess := range all {
		_ = sess.conn.Close()
	}
}

func (m *Manager) publicURL(sub string) string {
	scheme := "http"
	if m.cfg.Secure {
		scheme = "https"
	}
	return scheme + "://" + sub + "." + m.cfg.BaseDomain
}

func authErrorMessage(msg string) tunnelproto.ServerMessage {
	return tunnelproto.ServerMessage{AuthError: &tunnelproto.AuthError{Message: msg}}
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr.String()); err == nil {
		return host
	}
	return addr.String()
}
