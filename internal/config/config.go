package config

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type ServerConfig struct {
	Listen             string
	BaseDomain         string
	RedisURL           string
	DBPath             string
	TokenPepper        string
	AdminUsername      string
	AdminPassword      string
	AdminSessionSecret string
	Production         bool
	LogLevel           string
	RequestTimeout     time.Duration
	AuthTimeout        time.Duration
	PingInterval       time.Duration
	MaxBodyBytes       int64
	// MaxResponseBytes caps a decoded tunnel response body.
	MaxResponseBytes int64
	// DebugListen enables the pprof/metrics listener when set.
	DebugListen string
}

type ClientConfig struct {
	ServerURL string
	Token     string
	LocalHost string
	LocalPort int
	Subdomain string
	LogLevel  string
	// ConfigFile is the file the server/token values may have come from.
	ConfigFile string
}

const defaultServerListen = ":3000"
const defaultServerRedisURL = "redis://localhost:6379"
const defaultServerDBPath = "./tunnel.db"
const defaultRequestTimeout = 30 * time.Second
const defaultAuthTimeout = 30 * time.Second
const defaultPingInterval = 30 * time.Second
const defaultMaxBodyBytes = 10 * 1024 * 1024
const defaultMaxResponseBytes = 10 * 1024 * 1024

const defaultClientPort = 3000
const defaultClientHost = "localhost"

func ParseServerFlags(args []string) (ServerConfig, error) {
	listen := envOrDefault("TUNNEL_LISTEN", "")
	if listen == "" {
		if port := envOrDefault("PORT", ""); port != "" {
			listen = ":" + port
		} else {
			listen = defaultServerListen
		}
	}
	cfg := ServerConfig{
		Listen:             listen,
		BaseDomain:         envOrDefault("TUNNEL_DOMAIN", ""),
		RedisURL:           envOrDefault("TUNNEL_REDIS_URL", defaultServerRedisURL),
		DBPath:             envOrDefault("TUNNEL_DB_PATH", defaultServerDBPath),
		TokenPepper:        envOrDefault("TUNNEL_TOKEN_PEPPER", ""),
		AdminUsername:      envOrDefault("TUNNEL_ADMIN_USERNAME", ""),
		AdminPassword:      envOrDefault("TUNNEL_ADMIN_PASSWORD", ""),
		AdminSessionSecret: envOrDefault("TUNNEL_ADMIN_SESSION_SECRET", ""),
		Production:         strings.EqualFold(envOrDefault("TUNNEL_ENV", ""), "production"),
		LogLevel:           envOrDefault("TUNNEL_LOG_LEVEL", "info"),
		RequestTimeout:     envDurationOrDefault("TUNNEL_REQUEST_TIMEOUT", defaultRequestTimeout),
		AuthTimeout:        defaultAuthTimeout,
		PingInterval:       envDurationOrDefault("TUNNEL_PING_INTERVAL", defaultPingInterval),
		MaxBodyBytes:       int64(envIntOrDefault("TUNNEL_MAX_BODY_BYTES", defaultMaxBodyBytes)),
		MaxResponseBytes:   int64(envIntOrDefault("TUNNEL_MAX_RESPONSE_BYTES", defaultMaxResponseBytes)),
		DebugListen:        envOrDefault("TUNNEL_DEBUG_LISTEN", ""),
	}

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "HTTP listen address")
	fs.StringVar(&cfg.BaseDomain, "domain", cfg.BaseDomain, "Public base domain, e.g. example.com")
	fs.StringVar(&cfg.RedisURL, "redis", cfg.RedisURL, "Redis URL for the presence registry")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.TokenPepper, "token-pepper", cfg.TokenPepper, "Token hash pepper")
	fs.BoolVar(&cfg.Production, "production", cfg.Production, "Advertise https URLs and set secure cookies")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "How long to wait for a tunnel response")
	fs.DurationVar(&cfg.PingInterval, "ping-interval", cfg.PingInterval, "Tunnel keepalive interval (0 disables)")
	fs.Int64Var(&cfg.MaxBodyBytes, "max-body-bytes", cfg.MaxBodyBytes, "Largest public request body accepted")
	fs.Int64Var(&cfg.MaxResponseBytes, "max-response-bytes", cfg.MaxResponseBytes, "Largest tunnel response body accepted")
	fs.StringVar(&cfg.DebugListen, "debug-listen", cfg.DebugListen, "Address for pprof and metrics (disabled when empty)")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.BaseDomain = normalizeDomainHost(cfg.BaseDomain)
	if cfg.BaseDomain == "" {
		return cfg, errors.New("missing --domain or TUNNEL_DOMAIN")
	}
	if strings.TrimSpace(cfg.RedisURL) == "" {
		return cfg, errors.New("missing --redis or TUNNEL_REDIS_URL")
	}
	if cfg.AdminSessionSecret == "" {
		cfg.AdminSessionSecret = cfg.AdminPassword
	}
	if cfg.RequestTimeout <= 0 {
		return cfg, errors.New("request timeout must be > 0")
	}
	if cfg.PingInterval < 0 {
		return cfg, errors.New("ping interval must be >= 0")
	}
	if cfg.MaxBodyBytes <= 0 {
		return cfg, errors.New("max body bytes must be > 0")
	}
	if cfg.MaxResponseBytes <= 0 {
		return cfg, errors.New("max response bytes must be > 0")
	}
	return cfg, nil
}

// ParseClientFlags resolves client settings. Flags beat environment
// variables, which beat the config file.
func ParseClientFlags(args []string) (ClientConfig, error) {
	cfg := ClientConfig{
		LocalHost:  defaultClientHost,
		LocalPort:  defaultClientPort,
		LogLevel:   envOrDefault("TUNNEL_LOG_LEVEL", "info"),
		ConfigFile: envOrDefault("TUNNEL_CONFIG", ""),
	}

	var flagServer, flagToken string
	fs := flag.NewFlagSet("client", flag.ContinueOnError)
	fs.IntVar(&cfg.LocalPort, "port", cfg.LocalPort, "Local port to forward")
	fs.IntVar(&cfg.LocalPort, "p", cfg.LocalPort, "Local port to forward (shorthand)")
	fs.StringVar(&cfg.LocalHost, "host", cfg.LocalHost, "Local host to forward")
	fs.StringVar(&flagServer, "server", "", "Relay URL (or TUNNEL_SERVER)")
	fs.StringVar(&flagServer, "s", "", "Relay URL (shorthand)")
	fs.StringVar(&flagToken, "token", "", "Auth token (or TUNNEL_TOKEN)")
	fs.StringVar(&flagToken, "t", "", "Auth token (shorthand)")
	fs.StringVar(&cfg.Subdomain, "subdomain", "", "Request a specific subdomain")
	fs.StringVar(&cfg.Subdomain, "y", "", "Request a specific subdomain (shorthand)")
	fs.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "Config file path")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if cfg.ConfigFile == "" {
		cfg.ConfigFile = DefaultFilePath()
	}
	file, err := LoadFile(cfg.ConfigFile)
	if err != nil {
		return cfg, err
	}

	cfg.ServerURL = firstNonEmpty(flagServer, os.Getenv("TUNNEL_SERVER"), file.Server)
	cfg.Token = firstNonEmpty(flagToken, os.Getenv("TUNNEL_TOKEN"), file.Token)
	cfg.Subdomain = strings.TrimSpace(cfg.Subdomain)
	cfg.LocalHost = strings.TrimSpace(cfg.LocalHost)

	if cfg.LocalPort <= 0 || cfg.LocalPort > 65535 {
		return cfg, errors.New("local port must be between 1 and 65535")
	}
	if cfg.LocalHost == "" {
		return cfg, errors.New("local host must not be empty")
	}
	if cfg.ServerURL == "" {
		return cfg, errors.New("missing server URL: set --server, TUNNEL_SERVER, or add it to " + cfg.ConfigFile)
	}
	if cfg.Token == "" {
		return cfg, errors.New("missing token: set --token, TUNNEL_TOKEN, or add it to " + cfg.ConfigFile)
	}
	wsURL, err := TunnelURL(cfg.ServerURL)
	if err != nil {
		return cfg, err
	}
	cfg.ServerURL = wsURL
	return cfg, nil
}

// TunnelURL turns a relay address into its websocket endpoint. ws/wss URLs
// are kept as given; http/https URLs and bare hosts get the /tunnel path.
func TunnelURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid server URL %q: missing host", raw)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
		if u.Path == "" {
			u.Path = "/tunnel"
		}
		return u.String(), nil
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server URL scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/tunnel"
	}
	return u.String(), nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDurationOrDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func normalizeDomainHost(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	if idx := strings.Index(v, "/"); idx >= 0 {
		v = v[:idx]
	}
	if h, _, err := net.SplitHostPort(v); err == nil {
		v = h
	}
	v = strings.TrimPrefix(v, "[")
	v = strings.TrimSuffix(v, "]")
	return strings.TrimSuffix(v, ".")
}
