package main

import (
	"os"
	"strings"
	"time"

	"github.com/fleetcontrol/control-plane/internal/control"
)

// appConfig holds the knobs that sit above internal/control.Config:
// storage, broker selection, and logging, mirroring the shape of the
// teacher's dashboard.Config (internal/dashboard/config.go) but split
// across the HTTP-layer Config and this app-level one since this binary
// wires more moving parts than the teacher's single-process dashboard.
type appConfig struct {
	control control.Config

	DatabaseDSN string

	// BrokerMode selects "local" (in-process, single replica) or "redis"
	// (cluster-wide fan-out). See internal/broker's localbroker/redisbroker.
	BrokerMode string
	RedisAddr  string

	LogFormat string
	LogLevel  string

	ShutdownTimeout time.Duration
}

func loadAppConfig() *appConfig {
	return &appConfig{
		control: control.Config{
			ListenAddr:        getEnv("FLEETCTL_LISTEN", ":8080"),
			AllowedOrigins:    parseOrigins("FLEETCTL_ALLOWED_ORIGINS"),
			MetricsTokenHash:  os.Getenv("FLEETCTL_METRICS_TOKEN_HASH"),
			ReadHeaderTimeout: parseDuration("FLEETCTL_READ_HEADER_TIMEOUT", 5*time.Second),
		},
		DatabaseDSN:     getEnv("FLEETCTL_DB_DSN", "./fleetcontrol.db"),
		BrokerMode:      getEnv("FLEETCTL_BROKER_MODE", "local"),
		RedisAddr:       getEnv("FLEETCTL_REDIS_ADDR", "localhost:6379"),
		LogFormat:       getEnv("FLEETCTL_LOG_FORMAT", "console"),
		LogLevel:        getEnv("FLEETCTL_LOG_LEVEL", "info"),
		ShutdownTimeout: parseDuration("FLEETCTL_SHUTDOWN_TIMEOUT", 15*time.Second),
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
