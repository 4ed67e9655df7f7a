// Package config loads orchestrator configuration from environment
// variables, with an optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every setting read from the environment. Each cmd/ entrypoint
// loads the subset it needs.
type Config struct {
	// RedisURL is the connection string for the Redis-backed store and
	// queue (e.g. "redis://localhost:6379").
	RedisURL string

	// StoreBackend selects the durable state backend: "redis" (default,
	// production), "sqlite", or "mysql".
	StoreBackend string

	// SQLDSN is the data source name for StoreBackend "sqlite" (a file
	// path) or "mysql" (a go-sql-driver DSN). Unused for "redis".
	SQLDSN string

	// Host and Port are where the admission API listens.
	Host string
	Port int

	// LogLevel controls the verbosity of the log emitter: debug, info,
	// warning, or error.
	LogLevel string

	// WorkerPollInterval is how long the worker daemon sleeps before
	// re-scanning after a pass that found no ready work. Async-task status
	// polling uses its own interval (the worker CLI's --poll-interval flag,
	// or the daemon's fixed per-pass worker interval).
	WorkerPollInterval time.Duration
}

// Load reads configuration from the environment, first loading a .env file
// from the working directory if one is present (silently ignored if
// missing, matching godotenv.Load's common usage pattern).
func Load() (*Config, error) {
	_ = godotenv.Load()

	pollSeconds, err := parseFloatEnv("WORKER_POLL_INTERVAL", 1.0)
	if err != nil {
		return nil, fmt.Errorf("config: WORKER_POLL_INTERVAL: %w", err)
	}

	port, err := parseIntEnv("PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("config: PORT: %w", err)
	}

	return &Config{
		RedisURL:           getEnv("REDIS_URL", "redis://localhost:6379"),
		StoreBackend:       getEnv("STORE_BACKEND", "redis"),
		SQLDSN:             getEnv("SQL_DSN", ""),
		Host:               getEnv("HOST", "0.0.0.0"),
		Port:               port,
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		WorkerPollInterval: time.Duration(pollSeconds * float64(time.Second)),
	}, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func parseIntEnv(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q: %w", v, err)
	}
	return n, nil
}

func parseFloatEnv(key string, fallback float64) (float64, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float %q: %w", v, err)
	}
	return n, nil
}
