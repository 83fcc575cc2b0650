// Package debughttp runs the optional diagnostics listener: pprof profiles
// and, when provided, the metrics endpoint, kept off the public port.
package debughttp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const shutdownTimeout = 5 * time.Second

type Options struct {
	Addr    string
	Metrics http.Handler
	Log     *slog.Logger
}

// Start binds opts.Addr and serves until ctx is cancelled. It returns once
// the listener is bound so address conflicts fail fast. An empty address
// disables the listener and returns a nil Addr.
func Start(ctx context.Context, opts Options) (net.Addr, error) {
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		return nil, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	srv := &http.Server{
		Handler:           newRouter(opts.Metrics),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if opts.Log != nil {
			opts.Log.Info("debug listener started", "addr", ln.Addr().String())
		}
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && opts.Log != nil {
			opts.Log.Error("debug listener failed", "err", err)
		}
	}()
	return ln.Addr(), nil
}

func newRouter(metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Mount("/debug", middleware.Profiler())
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}
	return r
}
