package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrSubdomainInUse indicates the requested subdomain is already taken.
	ErrSubdomainInUse = errors.New("subdomain already in use")

	// ErrInvalidSubdomain means a subdomain failed validation.
	ErrInvalidSubdomain = errors.New("invalid subdomain")

	// ErrTunnelNotConnected means no live session holds the subdomain.
	ErrTunnelNotConnected = errors.New("tunnel not connected")

	// ErrTunnelDisconnected is delivered to requests still in flight when
	// their session closes.
	ErrTunnelDisconnected = errors.New("tunnel disconnected")

	// ErrRequestTimeout means the client did not answer before the deadline.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrUnauthorized indicates missing or invalid credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrMaxReconnectAttempts is the client's terminal reconnect failure.
	ErrMaxReconnectAttempts = errors.New("max reconnection attempts reached")
)

// TunnelError wraps an underlying error with tunnel context.
type TunnelError struct {
	Subdomain string
	Op        string
	Err       error
}

func (e *TunnelError) Error() string {
	if e.Subdomain != "" {
		return fmt.Sprintf("tunnel %s: %s: %v", e.Subdomain, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TunnelError) Unwrap() error {
	return e.Err
}

// AuthError is a handshake rejection reported by the relay. It is terminal:
// clients must not reconnect after receiving one.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return "authentication failed: " + e.Message
}

// Is makes every AuthError match [ErrUnauthorized].
func (e *AuthError) Is(target error) bool {
	return target == ErrUnauthorized
}
