package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/koltyakov/tunnel/internal/auth"
	"github.com/koltyakov/tunnel/internal/domain"
	"github.com/koltyakov/tunnel/internal/subdomain"
)

const sessionCookieName = "admin_session"

const (
	msgAdminNotConfigured = "Admin credentials are not configured."
	msgUnauthorized       = "Unauthorized."
	msgInvalidJSON        = "Invalid JSON body."
	msgInternal           = "Internal server error."
)

func (s *Server) adminRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", s.metrics.Handler())
	r.HandleFunc("/tunnel", s.handleTunnel)

	r.Route("/api", func(r chi.Router) {
		r.Post("/login", s.handleLogin)
		r.Post("/logout", s.handleLogout)
		r.Get("/subdomain-check", s.handleSubdomainCheck)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Get("/me", s.handleMe)
			r.Get("/tokens", s.handleListTokens)
			r.Post("/tokens", s.handleCreateToken)
			r.Post("/tokens/subdomain", s.handleSetSubdomain)
			r.Delete("/tokens/{id}", s.handleDeleteToken)
			r.Method(http.MethodGet, "/inspector/stream", s.inspector)
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "Not Found", http.StatusNotFound)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, domain.HealthResponse{
		Status:      "ok",
		Connections: s.manager.ConnectionCount(),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.admin == nil {
		writeJSONError(w, http.StatusInternalServerError, msgAdminNotConfigured)
		return
	}
	var req domain.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, msgInvalidJSON)
		return
	}
	if !s.admin.Verify(req.Username, req.Password) {
		s.metrics.AuthFailed("admin_login")
		writeJSONError(w, http.StatusUnauthorized, "Invalid credentials.")
		return
	}
	value, err := s.admin.IssueSession(time.Now())
	if err != nil {
		s.log.Error("issue admin session failed", "err", err)
		writeJSONError(w, http.StatusInternalServerError, msgInternal)
		return
	}
	http.SetCookie(w, s.sessionCookie(value, int(auth.SessionTTL/time.Second)))
	writeJSON(w, http.StatusOK, map[string]string{"username": req.Username})
}

func (s *Server) handleLogout(w http.ResponseWriter, _ *http.Request) {
	http.SetCookie(w, s.sessionCookie("", -1))
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) sessionCookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     sessionCookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.cfg.Production,
		SameSite: http.SameSiteStrictMode,
	}
}

type adminUserKey struct{}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.admin == nil {
			writeJSONError(w, http.StatusInternalServerError, msgAdminNotConfigured)
			return
		}
		c, err := r.Cookie(sessionCookieName)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, msgUnauthorized)
			return
		}
		username, err := s.admin.ParseSession(c.Value, time.Now())
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, msgUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(withAdminUser(r.Context(), username)))
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"username": adminUser(r.Context())})
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := s.store.ListTokens(r.Context())
	if err != nil {
		s.log.Error("list tokens failed", "err", err)
		writeJSONError(w, http.StatusInternalServerError, msgInternal)
		return
	}
	if tokens == nil {
		tokens = []domain.Token{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": tokens})
}

func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	plain, err := auth.GenerateToken()
	if err != nil {
		s.log.Error("generate token failed", "err", err)
		writeJSONError(w, http.StatusInternalServerError, msgInternal)
		return
	}
	rec, err := s.store.CreateToken(r.Context(), auth.HashToken(plain, s.cfg.TokenPepper))
	if err != nil {
		s.log.Error("create token failed", "err", err)
		writeJSONError(w, http.StatusInternalServerError, msgInternal)
		return
	}
	s.log.Info("token created", "token_id", rec.ID, "by", adminUser(r.Context()))
	writeJSON(w, http.StatusOK, map[string]any{"token": domain.CreatedToken{ID: rec.ID, Token: plain}})
}

func (s *Server) handleSetSubdomain(w http.ResponseWriter, r *http.Request) {
	var req domain.SetSubdomainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, msgInvalidJSON)
		return
	}
	if req.ID <= 0 {
		writeJSONError(w, http.StatusBadRequest, "Invalid parameters.")
		return
	}
	sub := ""
	if req.Subdomain != nil {
		sub = *req.Subdomain
	}
	if sub != "" && !subdomain.IsValid(sub) {
		writeJSONError(w, http.StatusBadRequest, "Invalid subdomain format.")
		return
	}
	err := s.store.SetTokenSubdomain(r.Context(), req.ID, sub)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrSubdomainInUse):
		writeJSONError(w, http.StatusConflict, "Could not update subdomain. It might be already taken.")
		return
	case errors.Is(err, sql.ErrNoRows):
		writeJSONError(w, http.StatusNotFound, "Token not found.")
		return
	default:
		s.log.Error("set token subdomain failed", "token_id", req.ID, "err", err)
		writeJSONError(w, http.StatusInternalServerError, msgInternal)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleDeleteToken(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSONError(w, http.StatusBadRequest, "Invalid token id.")
		return
	}
	if err := s.store.DeleteToken(r.Context(), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeJSONError(w, http.StatusNotFound, "Token not found.")
			return
		}
		s.log.Error("delete token failed", "token_id", id, "err", err)
		writeJSONError(w, http.StatusInternalServerError, msgInternal)
		return
	}
	s.log.Info("token deleted", "token_id", id, "by", adminUser(r.Context()))
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleSubdomainCheck(w http.ResponseWriter, r *http.Request) {
	uri := r.URL.Query().Get("uri")
	if uri == "" {
		writeJSON(w, http.StatusBadRequest, domain.SubdomainCheckResponse{Error: "Missing uri parameter"})
		return
	}
	if !subdomain.IsValid(uri) {
		writeJSON(w, http.StatusBadRequest, domain.SubdomainCheckResponse{URI: uri, Error: "Invalid subdomain format"})
		return
	}
	taken, err := s.presence.Exists(r.Context(), uri)
	if err != nil {
		s.log.Error("presence lookup failed", "subdomain", uri, "err", err)
		writeJSON(w, http.StatusInternalServerError, domain.SubdomainCheckResponse{URI: uri, Error: msgInternal})
		return
	}
	reserved, err := s.store.IsSubdomainReserved(r.Context(), uri)
	if err != nil {
		s.log.Error("reservation lookup failed", "subdomain", uri, "err", err)
		writeJSON(w, http.StatusInternalServerError, domain.SubdomainCheckResponse{URI: uri, Error: msgInternal})
		return
	}
	writeJSON(w, http.StatusOK, domain.SubdomainCheckResponse{
		Available: !taken && !reserved && !s.manager.IsActive(uri),
		URI:       uri,
	})
}
