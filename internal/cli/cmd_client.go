package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/koltyakov/tunnel/internal/client"
	"github.com/koltyakov/tunnel/internal/config"
	ilog "github.com/koltyakov/tunnel/internal/log"
)

func runClient(ctx context.Context, args []string) int {
	loadTunnelEnvFromDotEnv(".env")
	cfg, err := config.ParseClientFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, "client config error:", err)
		if strings.Contains(err.Error(), "missing") {
			fmt.Fprintln(os.Stderr, "run `tunnel login --server wss://your-server/tunnel --token <token>` to save credentials")
		}
		return 2
	}
	logger := ilog.NewTo(os.Stderr, cfg.LogLevel)

	fmt.Printf("Connecting to %s...\n", cfg.ServerURL)
	c := client.New(cfg, logger)
	c.SetEvents(terminalEvents(os.Stdout, cfg))
	if err := c.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "client error:", err)
		return 1
	}
	return 0
}

// terminalEvents renders tunnel activity for an interactive session.
func terminalEvents(w io.Writer, cfg config.ClientConfig) client.Events {
	return client.Events{
		OnConnected: func(url string) {
			fmt.Fprintf(w, "\nTunnel active: %s\n", url)
			fmt.Fprintf(w, "  forwarding to %s:%d\n\n", cfg.LocalHost, cfg.LocalPort)
		},
		OnDisconnected: func() {
			fmt.Fprintln(w, "\nDisconnected, attempting to reconnect...")
		},
		OnError: func(err error) {
			fmt.Fprintf(w, "\nError: %v\n", err)
		},
		OnRequest: func(method, path string, status int, d time.Duration) {
			fmt.Fprintf(w, "[%s] %s %s %d %s\n", time.Now().Format("15:04:05"), method, path, status, d.Round(time.Millisecond))
		},
	}
}

func runClientLogin(args []string) int {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	serverURL := envOr("TUNNEL_SERVER", "")
	token := envOr("TUNNEL_TOKEN", "")
	path := envOr("TUNNEL_CONFIG", "")
	fs.StringVar(&serverURL, "server", serverURL, "Relay URL (e.g. wss://example.com/tunnel)")
	fs.StringVar(&serverURL, "s", serverURL, "Relay URL (shorthand)")
	fs.StringVar(&token, "token", token, "Auth token")
	fs.StringVar(&token, "t", token, "Auth token (shorthand)")
	fs.StringVar(&path, "config", path, "Config file path")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	serverURL = strings.TrimSpace(serverURL)
	token = strings.TrimSpace(token)
	if serverURL == "" || token == "" {
		fmt.Fprintln(os.Stderr, "login error: --server and --token are required")
		return 2
	}
	if _, err := config.TunnelURL(serverURL); err != nil {
		fmt.Fprintln(os.Stderr, "login error:", err)
		return 2
	}
	if path == "" {
		path = config.DefaultFilePath()
	}
	if err := config.SaveFile(path, config.FileConfig{Server: serverURL, Token: token}); err != nil {
		fmt.Fprintln(os.Stderr, "login error:", err)
		return 1
	}
	fmt.Println("saved:", path)
	return 0
}
