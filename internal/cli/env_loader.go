package cli

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// loadTunnelEnvFromDotEnv copies TUNNEL_* (and PORT) entries from a dotenv
// file into the process environment. Variables already set win.
func loadTunnelEnvFromDotEnv(path string) {
	values, err := godotenv.Read(path)
	if err != nil {
		return
	}
	for key, value := range values {
		if !strings.HasPrefix(key, "TUNNEL_") && key != "PORT" {
			continue
		}
		if existing := strings.TrimSpace(os.Getenv(key)); existing != "" {
			continue
		}
		_ = os.Setenv(key, value)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
