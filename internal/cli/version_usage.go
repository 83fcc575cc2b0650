package cli

import (
	"fmt"
	"os/exec"
	"strings"
)

func printUsage() {
	fmt.Println(`tunnel - self-hosted HTTP tunnel

Expose a local HTTP service at <subdomain>.<your-domain> through your own relay.

Usage:
  tunnel [flags]                        Start a tunnel (same as "tunnel client")
  tunnel client -p 3000                 Forward localhost:3000
  tunnel client -p 3000 -y myapp        Request the myapp subdomain
  tunnel login --server URL --token T   Save relay URL and token
  tunnel server                         Start the relay
  tunnel token create                   Create a tunnel token
  tunnel token list                     List tunnel tokens
  tunnel token delete --id=ID           Delete a tunnel token
  tunnel token subdomain --id=ID --subdomain=NAME
                                        Reserve a subdomain for a token (empty clears)
  tunnel version                        Print version
  tunnel help                           Show this help

Client flags:
  -p, --port <port>       Local port to forward (default: 3000)
  --host <host>           Local host to forward (default: localhost)
  -s, --server <url>      Relay URL (or TUNNEL_SERVER)
  -t, --token <token>     Auth token (or TUNNEL_TOKEN)
  -y, --subdomain <name>  Request a specific subdomain
  --config <path>         Config file (default: ~/.tunnel/config.yaml)

Environment Variables:
  TUNNEL_SERVER                 Relay URL for the client
  TUNNEL_TOKEN                  Client auth token
  TUNNEL_DOMAIN                 Relay base domain (e.g. example.com)
  TUNNEL_LISTEN / PORT          Relay listen address (default: :3000)
  TUNNEL_REDIS_URL              Presence registry (default: redis://localhost:6379)
  TUNNEL_DB_PATH                SQLite database path (default: ./tunnel.db)
  TUNNEL_TOKEN_PEPPER           Extra secret mixed into token hashes
  TUNNEL_ADMIN_USERNAME         Admin API username
  TUNNEL_ADMIN_PASSWORD         Admin API password
  TUNNEL_ADMIN_SESSION_SECRET   Admin session signing secret (default: password)
  TUNNEL_ENV                    "production" for https URLs and secure cookies
  TUNNEL_REQUEST_TIMEOUT        Tunnel response deadline (default: 30s)
  TUNNEL_PING_INTERVAL          Tunnel keepalive interval (default: 30s)
  TUNNEL_MAX_BODY_BYTES         Largest public request body (default: 10485760)
  TUNNEL_MAX_RESPONSE_BYTES     Largest tunnel response body (default: 10485760)
  TUNNEL_DEBUG_LISTEN           pprof and metrics listener, e.g. 127.0.0.1:6060 (default: off)
  TUNNEL_LOG_LEVEL              Log level: debug|info|warn|error (default: info)`)
}

// Version is set at build time via -ldflags.
var Version = "dev"

func init() {
	if Version == "dev" {
		if desc, err := exec.Command("git", "describe", "--tags", "--always").Output(); err == nil {
			if v := strings.TrimSpace(string(desc)); v != "" {
				Version = v + "-dev"
			}
		}
	}
	if Version != "dev" && !strings.HasPrefix(Version, "v") {
		Version = "v" + Version
	}
}

func printVersion() {
	fmt.Println("tunnel", Version)
}
