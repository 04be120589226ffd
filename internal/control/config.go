// Package control wires the core components (agentsession, clientstream,
// registration) to net/http: the role the teacher's internal/dashboard
// plays, generalized from one hub broadcasting to every agent/browser
// into per-connection Sessions and per-subscriber SSE streams.
package control

import (
	"os"
	"strings"
	"time"
)

// Config holds control-plane HTTP configuration from environment
// variables, mirroring internal/dashboard/config.go's getEnv/parseX
// helpers. Values are parsed but not cross-validated.
type Config struct {
	ListenAddr string

	// AllowedOrigins is the CORS/WebSocket-origin allowlist. Empty means
	// same-origin and localhost variants only (see checkOrigin in server.go).
	AllowedOrigins []string

	// MetricsTokenHash, if set, is a bcrypt hash gating GET /metrics
	// behind "Authorization: Bearer <token>". Empty disables the check
	// (metrics served openly), the default for local/dev deployments.
	MetricsTokenHash string

	ReadHeaderTimeout time.Duration
}

// LoadConfig loads Config from the environment.
func LoadConfig() *Config {
	return &Config{
		ListenAddr:        getEnv("FLEETCTL_LISTEN", ":8080"),
		AllowedOrigins:    parseOrigins("FLEETCTL_ALLOWED_ORIGINS"),
		MetricsTokenHash:  os.Getenv("FLEETCTL_METRICS_TOKEN_HASH"),
		ReadHeaderTimeout: parseDuration("FLEETCTL_READ_HEADER_TIMEOUT", 5*time.Second),
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func parseDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func parseOrigins(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
