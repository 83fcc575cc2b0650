// Package tunnelproto defines the JSON wire protocol exchanged between the
// relay and its tunnel clients over a WebSocket connection.
package tunnelproto

import (
	"encoding/base64"
	"encoding/json"
)

// Message types carried in the "type" field of every frame.
const (
	TypeAuth      = "auth"
	TypeResponse  = "response"
	TypeAuthOK    = "auth_ok"
	TypeAuthError = "auth_error"
	TypeRequest   = "request"
)

// Auth is the first message a client sends after the socket opens.
type Auth struct {
	Token              string `json:"token"`
	RequestedSubdomain string `json:"requestedSubdomain,omitempty"`
}

// AuthOK confirms the handshake and carries the assigned public URL.
type AuthOK struct {
	Subdomain string `json:"subdomain"`
	URL       string `json:"url"`
	// MaxResponseBytes is the largest decoded response body the relay will
	// read. Zero means the client keeps its own default.
	MaxResponseBytes int64 `json:"maxResponseBytes,omitempty"`
	// MaxRequestBytes is the largest public request body the relay forwards.
	MaxRequestBytes int64 `json:"maxRequestBytes,omitempty"`
}

// AuthError rejects the handshake. The relay closes the socket after it.
type AuthError struct {
	Message string `json:"message"`
}

// Request represents an inbound public HTTP request forwarded to the client.
type Request struct {
	RequestID string            `json:"requestId"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Headers   map[string]string `json:"headers"`
	Body      string            `json:"body"`
}

// Response is the client's reply to a forwarded [Request].
type Response struct {
	RequestID string            `json:"requestId"`
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers"`
	Body      string            `json:"body"`
}

// ClientMessage is a decoded client-to-relay frame. Exactly one of the
// payload pointers is set, matching Type.
type ClientMessage struct {
	Type     string
	Auth     *Auth
	Response *Response
}

// ServerMessage is a relay-to-client frame. Exactly one of the payload
// pointers is set, matching Type.
type ServerMessage struct {
	Type      string
	AuthOK    *AuthOK
	AuthError *AuthError
	Request   *Request
}

type envelope struct {
	Type string `json:"type"`
}

type authFrame struct {
	Type               string  `json:"type"`
	Token              *string `json:"token"`
	RequestedSubdomain *string `json:"requestedSubdomain,omitempty"`
}

type responseFrame struct {
	Type      string            `json:"type"`
	RequestID *string           `json:"requestId"`
	Status    *int              `json:"status"`
	Headers   map[string]string `json:"headers"`
	Body      *string           `json:"body"`
}

type authOKFrame struct {
	Type string `json:"type"`
	AuthOK
}

type authErrorFrame struct {
	Type string `json:"type"`
	AuthError
}

type requestFrame struct {
	Type string `json:"type"`
	Request
}

// DecodeClientMessage parses a client frame. It reports false for malformed
// JSON, unknown types and recognized types with missing or ill-typed fields.
func DecodeClientMessage(raw []byte) (ClientMessage, bool) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ClientMessage{}, false
	}
	switch env.Type {
	case TypeAuth:
		var f authFrame
		if err := json.Unmarshal(raw, &f); err != nil || f.Token == nil {
			return ClientMessage{}, false
		}
		a := &Auth{Token: *f.Token}
		if f.RequestedSubdomain != nil {
			a.RequestedSubdomain = *f.RequestedSubdomain
		}
		return ClientMessage{Type: TypeAuth, Auth: a}, true
	case TypeResponse:
		var f responseFrame
		if err := json.Unmarshal(raw, &f); err != nil || f.RequestID == nil || f.Status == nil {
			return ClientMessage{}, false
		}
		r := &Response{RequestID: *f.RequestID, Status: *f.Status, Headers: f.Headers}
		if f.Body != nil {
			r.Body = *f.Body
		}
		return ClientMessage{Type: TypeResponse, Response: r}, true
	default:
		return ClientMessage{}, false
	}
}

// EncodeServerMessage serializes a relay frame. Field order is fixed, so the
// output is deterministic for a given message.
func EncodeServerMessage(msg ServerMessage) ([]byte, error) {
	switch {
	case msg.AuthOK != nil:
		return json.Marshal(authOKFrame{Type: TypeAuthOK, AuthOK: *msg.AuthOK})
	case msg.AuthError != nil:
		return json.Marshal(authErrorFrame{Type: TypeAuthError, AuthError: *msg.AuthError})
	case msg.Request != nil:
		req := *msg.Request
		if req.Headers == nil {
			req.Headers = map[string]string{}
		}
		return json.Marshal(requestFrame{Type: TypeRequest, Request: req})
	default:
		return nil, errEmptyMessage
	}
}

// EncodeClientMessage serializes a client frame.
func EncodeClientMessage(msg ClientMessage) ([]byte, error) {
	switch {
	case msg.Auth != nil:
		f := authFrame{Type: TypeAuth, Token: &msg.Auth.Token}
		if msg.Auth.RequestedSubdomain != "" {
			f.RequestedSubdomain = &msg.Auth.RequestedSubdomain
		}
		return json.Marshal(f)
	case msg.Response != nil:
		r := msg.Response
		headers := r.Headers
		if headers == nil {
			headers = map[string]string{}
		}
		return json.Marshal(responseFrame{
			Type:      TypeResponse,
			RequestID: &r.RequestID,
			Status:    &r.Status,
			Headers:   headers,
			Body:      &r.Body,
		})
	default:
		return nil, errEmptyMessage
	}
}

// DecodeServerMessage parses a relay frame on the client side. Unknown types
// report false so newer relays can add message kinds.
func DecodeServerMessage(raw []byte) (ServerMessage, bool) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ServerMessage{}, false
	}
	switch env.Type {
	case TypeAuthOK:
		var f authOKFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return ServerMessage{}, false
		}
		return ServerMessage{Type: TypeAuthOK, AuthOK: &f.AuthOK}, true
	case TypeAuthError:
		var f authErrorFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return ServerMessage{}, false
		}
		return ServerMessage{Type: TypeAuthError, AuthError: &f.AuthError}, true
	case TypeRequest:
		var f requestFrame
		if err := json.Unmarshal(raw, &f); err != nil || f.RequestID == "" {
			return ServerMessage{}, false
		}
		return ServerMessage{Type: TypeRequest, Request: &f.Request}, true
	default:
		return ServerMessage{}, false
	}
}

// EncodeBody base64-encodes a byte slice for JSON transport.
func EncodeBody(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBody decodes a base64-encoded body string.
func DecodeBody(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

// FrameOverhead is the room a response frame gets on top of its encoded
// body for the envelope, request id and headers.
const FrameOverhead = 1 << 20

// ResponseFrameLimit is the largest frame that can carry a request or
// response whose decoded body is at most maxBody bytes.
func ResponseFrameLimit(maxBody int64) int64 {
	if maxBody < 0 {
		maxBody = 0
	}
	return (maxBody+2)/3*4 + FrameOverhead
}
