package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/koltyakov/tunnel/internal/domain"
	"github.com/koltyakov/tunnel/internal/tunnelproto"
)

type staticTokens map[string]domain.Principal

func (s staticTokens) ValidateToken(_ context.Context, token string) (domain.Principal, bool, error) {
	p, ok := s[token]
	return p, ok, nil
}

func (s staticTokens) IsSubdomainReserved(_ context.Context, sub string) (bool, error) {
	for _, p := range s {
		if p.Subdomain == sub {
			return true, nil
		}
	}
	return false, nil
}

type memoryPresence struct {
	held map[string]domain.Presence
}

func (m *memoryPresence) Register(_ context.Context, sub string, p domain.Presence) error {
	m.held[sub] = p
	return nil
}

func (m *memoryPresence) Unregister(_ context.Context, sub string) error {
	delete(m.held, sub)
	return nil
}

func (m *memoryPresence) Exists(_ context.Context, sub string) (bool, error) {
	_, ok := m.held[sub]
	return ok, nil
}

func newTestManager() *Manager {
	return NewManager(ManagerConfig{BaseDomain: "example.test"}, staticTokens{}, &memoryPresence{held: map[string]domain.Presence{}}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPendingRequestCompletesOnce(t *testing.T) {
	t.Parallel()
	p := newPendingRequest("id-1", "app", time.Now())
	p.timer = time.AfterFunc(time.Hour, func() {})

	if !p.complete(result{resp: tunnelproto.Response{Status: 200}}) {
		t.Fatal("expected first completion to win")
	}
	if p.complete(result{err: domain.ErrRequestTimeout}) {
		t.Fatal("expected second completion to be refused")
	}
	r := <-p.done
	if r.err != nil || r.resp.Status != 200 {
		t.Fatalf("expected the first result, got %+v", r)
	}
	if p.timer.Stop() {
		t.Fatal("expected completion to stop the timer")
	}
}

func TestSessionTransitions(t *testing.T) {
	t.Parallel()
	s := newSession(nil, "127.0.0.1", time.Now())
	if s.currentState() != stateConnected {
		t.Fatalf("expected connected, got %s", s.currentState())
	}
	if !s.transition(stateAuthenticated) {
		t.Fatal("expected connected -> authenticated")
	}
	if s.transition(stateAuthenticated) {
		t.Fatal("authenticated -> authenticated must be refused")
	}
	if s.transition(stateConnected) {
		t.Fatal("moving back to connected must be refused")
	}
	if !s.transition(stateClosed) {
		t.Fatal("expected authenticated -> closed")
	}
	if s.transition(stateAuthenticated) || s.transition(stateClosed) {
		t.Fatal("closed is terminal")
	}
}

func TestResolveUnknownRequest(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	if m.Resolve(tunnelproto.Response{RequestID: "missing", Status: 200}) {
		t.Fatal("expected unknown id to be ignored")
	}
}

func TestResolveForChecksOwner(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	p := newPendingRequest("req", "owner", time.Now())
	m.pending["req"] = p

	if m.resolveFor("intruder", tunnelproto.Response{RequestID: "req", Status: 200}) {
		t.Fatal("a tunnel must not resolve another tunnel's request")
	}
	if !m.HasPending("req") {
		t.Fatal("expected entry to survive the foreign response")
	}
	if !m.resolveFor("owner", tunnelproto.Response{RequestID: "req", Status: 204}) {
		t.Fatal("expected owner to resolve its request")
	}
	if r := <-p.done; r.resp.Status != 204 {
		t.Fatalf("expected 204, got %d", r.resp.Status)
	}
	if m.PendingCount() != 0 {
		t.Fatalf("expected empty pending table, got %d", m.PendingCount())
	}
}

func TestDispatchWithoutSession(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	_, err := m.Dispatch(context.Background(), "nobody", OutboundRequest{Method: "GET", Path: "/"})
	if !errors.Is(err, domain.ErrTunnelNotConnected) {
		t.Fatalf("expected ErrTunnelNotConnected, got %v", err)
	}
	var te *domain.TunnelError
	if !errors.As(err, &te) || te.Subdomain != "nobody" {
		t.Fatalf("expected TunnelError for nobody, got %v", err)
	}
}

func TestDispatchSkipsUnauthenticatedReservation(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	sess := newSession(nil, "", time.Now())
	if err := m.claim(context.Background(), sess, domain.Principal{ID: 1}, "pending"); err != nil {
		t.Fatal(err)
	}
	if !m.IsActive("pending") {
		t.Fatal("expected claim to reserve the subdomain")
	}
	if m.ConnectionCount() != 0 {
		t.Fatalf("reservations must not count as connections, got %d", m.ConnectionCount())
	}
	if _, err := m.Dispatch(context.Background(), "pending", OutboundRequest{}); !errors.Is(err, domain.ErrTunnelNotConnected) {
		t.Fatalf("expected ErrTunnelNotConnected, got %v", err)
	}
	if err := m.claim(context.Background(), newSession(nil, "", time.Now()), domain.Principal{ID: 2}, "pending"); !errors.Is(err, errSubdomainTaken) {
		t.Fatalf("expected second claim to fail, got %v", err)
	}
	m.release(sess, "pending")
	if m.IsActive("pending") || sess.boundSubdomain() != "" {
		t.Fatal("expected release to free the subdomain")
	}
}

func TestExpireRemovesPending(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	p := newPendingRequest("req", "app", time.Now())
	m.pending["req"] = p

	m.expire("req")
	r := <-p.done
	if !errors.Is(r.err, domain.ErrRequestTimeout) {
		t.Fatalf("expected timeout, got %v", r.err)
	}
	if m.HasPending("req") {
		t.Fatal("expected expired entry to be removed")
	}
	if m.Resolve(tunnelproto.Response{RequestID: "req", Status: 200}) {
		t.Fatal("late response must be ignored")
	}
}

func TestClaimRespectsPersistedReservation(t *testing.T) {
	t.Parallel()
	owner := domain.Principal{ID: 1, Subdomain: "held"}
	m := NewManager(ManagerConfig{BaseDomain: "example.test"},
		staticTokens{"owner": owner},
		&memoryPresence{held: map[string]domain.Presence{}},
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	other := newSession(nil, "", time.Now())
	if err := m.claim(context.Background(), other, domain.Principal{ID: 2}, "held"); !errors.Is(err, errSubdomainTaken) {
		t.Fatalf("expected reserved name to be refused to another token, got %v", err)
	}
	if m.IsActive("held") {
		t.Fatal("expected refused claim to leave no session")
	}
	if err := m.claim(context.Background(), newSession(nil, "", time.Now()), owner, "held"); err != nil {
		t.Fatalf("expected owner to claim its reserved name, got %v", err)
	}
}
