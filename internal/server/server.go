// Package server implements the relay: the tunnel session manager, the
// public request path, and the administrative API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/koltyakov/tunnel/internal/auth"
	"github.com/koltyakov/tunnel/internal/config"
	"github.com/koltyakov/tunnel/internal/domain"
	"github.com/koltyakov/tunnel/internal/metrics"
	"github.com/koltyakov/tunnel/internal/netutil"
)

const (
	httpReadHeaderTimeout = 10 * time.Second
	httpIdleTimeout       = 120 * time.Second
	httpMaxHeaderBytes    = 1 << 20
	shutdownTimeout       = 5 * time.Second
	sessionDrainTimeout   = 15 * time.Second
)

// TokenStore is the persistence the relay needs for tunnel tokens.
type TokenStore interface {
	ValidateTokenHash(ctx context.Context, tokenHash string) (domain.Principal, bool, error)
	CreateToken(ctx context.Context, tokenHash string) (domain.Token, error)
	ListTokens(ctx context.Context) ([]domain.Token, error)
	DeleteToken(ctx context.Context, id int64) error
	SetTokenSubdomain(ctx context.Context, id int64, subdomain string) error
	IsSubdomainReserved(ctx context.Context, subdomain string) (bool, error)
}

// presenceClearer is implemented by registries that can drop stale claims.
type presenceClearer interface {
	Clear(ctx context.Context) (int, error)
}

type Server struct {
	cfg       config.ServerConfig
	store     TokenStore
	presence  PresenceRegistry
	admin     *auth.Admin
	manager   *Manager
	inspector *Inspector
	metrics   *metrics.Metrics
	log       *slog.Logger
	sessions  sync.WaitGroup
	baseCtx   context.Context
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// hashedTokens adapts a [TokenStore] to [TokenValidator].
type hashedTokens struct {
	store  TokenStore
	pepper string
}

func (h hashedTokens) ValidateToken(ctx context.Context, token string) (domain.Principal, bool, error) {
	if strings.TrimSpace(token) == "" {
		return domain.Principal{}, false, nil
	}
	return h.store.ValidateTokenHash(ctx, auth.HashToken(token, h.pepper))
}

func (h hashedTokens) IsSubdomainReserved(ctx context.Context, subdomain string) (bool, error) {
	return h.store.IsSubdomainReserved(ctx, subdomain)
}

func New(cfg config.ServerConfig, store TokenStore, presence PresenceRegistry, logger *slog.Logger) (*Server, error) {
	admin, err := auth.NewAdmin(cfg.AdminUsername, cfg.AdminPassword, cfg.AdminSessionSecret)
	if err != nil {
		return nil, fmt.Errorf("admin credentials: %w", err)
	}
	manager := NewManager(ManagerConfig{
		BaseDomain:       cfg.BaseDomain,
		Secure:           cfg.Production,
		RequestTimeout:   cfg.RequestTimeout,
		AuthTimeout:      cfg.AuthTimeout,
		PingInterval:     cfg.PingInterval,
		MaxResponseBytes: cfg.MaxResponseBytes,
		MaxRequestBytes:  cfg.MaxBodyBytes,
	}, hashedTokens{store: store, pepper: cfg.TokenPepper}, presence, logger)

	s := &Server{
		cfg:       cfg,
		store:     store,
		presence:  presence,
		admin:     admin,
		manager:   manager,
		inspector: NewInspector(),
		log:       logger,
		baseCtx:   context.Background(),
	}
	s.metrics = metrics.New(metrics.Gauges{
		ActiveTunnels:    manager.ConnectionCount,
		PendingRequests:  manager.PendingCount,
		InspectorStreams: s.inspector.Subscribers,
	})
	manager.metrics = s.metrics
	manager.events = s.inspector
	return s, nil
}

// Manager exposes the session manager, mainly for tests and health checks.
func (s *Server) Manager() *Manager {
	return s.manager
}

// MetricsHandler serves the relay's Prometheus metrics.
func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

// Handler routes admin-host traffic to the API and everything else to the
// tunnel dispatch path.
func (s *Server) Handler() http.Handler {
	admin := s.adminRouter()
	public := http.HandlerFunc(s.handlePublic)
	return chi.Chain(middleware.RequestID, middleware.Recoverer, accessLog(s.log)).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.isAdminHost(r.Host) {
			admin.ServeHTTP(w, r)
			return
		}
		public.ServeHTTP(w, r)
	})
}

func (s *Server) isAdminHost(host string) bool {
	if strings.HasPrefix(strings.ToLower(host), "localhost") {
		return true
	}
	return netutil.NormalizeHost(host) == s.cfg.BaseDomain
}

// Run serves HTTP until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	s.baseCtx = ctx
	if c, ok := s.presence.(presenceClearer); ok {
		n, err := c.Clear(ctx)
		if err != nil {
			return fmt.Errorf("clear stale presence: %w", err)
		}
		if n > 0 {
			s.log.Info("cleared stale tunnel presence", "count", n)
		}
	}

	httpServer := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		IdleTimeout:       httpIdleTimeout,
		MaxHeaderBytes:    httpMaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting relay", "addr", s.cfg.Listen, "domain", s.cfg.BaseDomain)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		err := shutdownServer(httpServer, shutdownTimeout)
		s.manager.CloseAll()
		waitGroupWait(&s.sessions, sessionDrainTimeout)
		return err
	case err := <-errCh:
		s.manager.CloseAll()
		waitGroupWait(&s.sessions, sessionDrainTimeout)
		return err
	}
}

func (s *Server) handleTunnel(w http.ResponseWriter, r *http.Request) {
	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "err", err)
		return
	}
	s.sessions.Add(1)
	defer s.sessions.Done()
	s.manager.Serve(s.baseCtx, ws)
}

func shutdownServer(server *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func waitGroupWait(wg *sync.WaitGroup, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
	}
}
