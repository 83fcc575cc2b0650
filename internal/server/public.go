package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/koltyakov/tunnel/internal/domain"
	"github.com/koltyakov/tunnel/internal/netutil"
	"github.com/koltyakov/tunnel/internal/subdomain"
	"github.com/koltyakov/tunnel/internal/tunnelproto"
)

func (s *Server) handlePublic(w http.ResponseWriter, r *http.Request) {
	sub, ok := subdomain.ExtractFromHost(r.Host, s.cfg.BaseDomain)
	if !ok {
		http.Error(w, "Invalid subdomain", http.StatusBadRequest)
		return
	}
	if !s.manager.IsActive(sub) {
		http.Error(w, "Tunnel not connected", http.StatusBadGateway)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	headers := netutil.FlattenHeaders(r.Header)
	injectForwardedHeaders(headers, r)

	resp, err := s.manager.Dispatch(r.Context(), sub, OutboundRequest{
		Method:  r.Method,
		Path:    r.URL.RequestURI(),
		Headers: headers,
		Body:    body,
	})
	if err != nil {
		s.writeDispatchError(w, r, sub, err)
		return
	}
	writeTunnelResponse(w, resp)
}

func (s *Server) writeDispatchError(w http.ResponseWriter, r *http.Request, sub string, err error) {
	switch {
	case errors.Is(err, domain.ErrTunnelNotConnected):
		http.Error(w, "Tunnel not connected", http.StatusBadGateway)
	case errors.Is(err, domain.ErrTunnelDisconnected):
		http.Error(w, "Tunnel disconnected", http.StatusBadGateway)
	case errors.Is(err, context.Canceled):
		// caller went away; nobody reads this
		w.WriteHeader(http.StatusGatewayTimeout)
	default:
		if !errors.Is(err, domain.ErrRequestTimeout) {
			s.log.Warn("dispatch failed", "subdomain", sub, "path", r.URL.Path, "err", err)
		}
		http.Error(w, "Gateway Timeout", http.StatusGatewayTimeout)
	}
}

func writeTunnelResponse(w http.ResponseWriter, resp tunnelproto.Response) {
	body, err := tunnelproto.DecodeBody(resp.Body)
	if err != nil || resp.Status < 100 || resp.Status > 999 {
		http.Error(w, "Invalid response from tunnel", http.StatusBadGateway)
		return
	}
	h := w.Header()
	netutil.ApplyHeaders(h, resp.Headers)
	h.Del("Content-Length")
	w.WriteHeader(resp.Status)
	_, _ = w.Write(body)
}

// injectForwardedHeaders records the public request's origin. Callers can
// spoof these, so any incoming variants are replaced.
func injectForwardedHeaders(h map[string]string, r *http.Request) {
	for k := range h {
		switch strings.ToLower(k) {
		case "x-forwarded-for", "x-forwarded-host", "x-forwarded-proto":
			delete(h, k)
		}
	}
	if prior := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); prior != "" {
		h["X-Forwarded-For"] = prior + ", " + netutil.ClientIP(r)
	} else {
		h["X-Forwarded-For"] = netutil.ClientIP(r)
	}
	h["X-Forwarded-Host"] = r.Host
	proto := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		proto = "https"
	}
	h["X-Forwarded-Proto"] = proto
}
