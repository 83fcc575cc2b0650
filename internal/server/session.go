package server

import (
	"sync"
	"time"

	"github.com/koltyakov/tunnel/internal/tunnelproto"
)

type sessionState uint8

const (
	stateConnected sessionState = iota
	stateAuthenticated
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateConnected:
		return "connected"
	case stateAuthenticated:
		return "authenticated"
	default:
		return "closed"
	}
}

// session is the relay side of one tunnel socket.
type session struct {
	conn       *tunnelproto.Conn
	remoteAddr string
	createdAt  time.Time

	mu          sync.Mutex
	state       sessionState
	subdomain   string
	principalID int64
}

func newSession(conn *tunnelproto.Conn, remoteAddr string, now time.Time) *session {
	return &session{conn: conn, remoteAddr: remoteAddr, createdAt: now}
}

func (s *session) currentState() sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// bind records the claimed subdomain while the handshake is still running.
func (s *session) bind(subdomain string, principalID int64) {
	s.mu.Lock()
	s.subdomain = subdomain
	s.principalID = principalID
	s.mu.Unlock()
}

func (s *session) unbind() {
	s.mu.Lock()
	s.subdomain = ""
	s.principalID = 0
	s.mu.Unlock()
}

// transition moves the session forward. Only Connected->Authenticated and
// any->Closed are legal; anything else is refused.
func (s *session) transition(to sessionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.state == stateClosed:
		return false
	case to == stateClosed:
	case s.state == stateConnected && to == stateAuthenticated:
	default:
		return false
	}
	s.state = to
	return true
}

func (s *session) isAuthenticated() bool {
	return s.currentState() == stateAuthenticated
}

func (s *session) boundSubdomain() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subdomain
}
