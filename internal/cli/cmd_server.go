package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/koltyakov/tunnel/internal/config"
	"github.com/koltyakov/tunnel/internal/debughttp"
	ilog "github.com/koltyakov/tunnel/internal/log"
	"github.com/koltyakov/tunnel/internal/registry"
	"github.com/koltyakov/tunnel/internal/server"
	"github.com/koltyakov/tunnel/internal/store/sqlite"
)

func runServer(ctx context.Context, args []string) int {
	loadTunnelEnvFromDotEnv(".env")
	cfg, err := config.ParseServerFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "server config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel)

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	rdb, err := registry.Connect(ctx, registry.DefaultConnectOptions(cfg.RedisURL), logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "redis error:", err)
		return 1
	}
	presence := registry.New(rdb)
	defer func() { _ = presence.Close() }()

	srv, err := server.New(cfg, store, presence, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "server error:", err)
		return 1
	}
	if _, err := debughttp.Start(ctx, debughttp.Options{
		Addr:    cfg.DebugListen,
		Metrics: srv.MetricsHandler(),
		Log:     logger,
	}); err != nil {
		fmt.Fprintln(os.Stderr, "debug listener error:", err)
		return 1
	}
	if cfg.AdminUsername == "" || cfg.AdminPassword == "" {
		logger.Warn("admin API disabled: set TUNNEL_ADMIN_USERNAME and TUNNEL_ADMIN_PASSWORD")
	}
	if err := srv.Run(ctx); err != nil {
		logger.Error("server stopped", "err", err)
		return 1
	}
	return 0
}
