// Package config reads the server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Step store backends accepted in STEP_STORE.
const (
	StepStoreMemory = "memory"
	StepStoreRedis  = "redis"
	StepStoreSQLite = "sqlite"
)

// Config holds everything main needs to wire the server.
type Config struct {
	HTTPAddr      string
	DatabaseURL   string
	EncryptionKey string
	CORSOrigin    string

	LogLevel  string
	LogFormat string

	RedisURL       string
	RealtimePrefix string
	SocketIOURL    string

	StepStore       string
	SQLitePath      string
	StepMaxAttempts int
}

// Load builds a Config from environment variables and validates it.
func Load() (*Config, error) {
	return load(os.LookupEnv)
}

func load(lookup func(string) (string, bool)) (*Config, error) {
	get := func(name, def string) string {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return def
	}

	cfg := &Config{
		HTTPAddr:       get("HTTP_ADDR", ":8080"),
		DatabaseURL:    get("DATABASE_URL", ""),
		EncryptionKey:  get("ENCRYPTION_KEY", ""),
		CORSOrigin:     get("CORS_ORIGIN", "http://localhost:3000"),
		LogLevel:       get("LOG_LEVEL", "debug"),
		LogFormat:      get("LOG_FORMAT", "json"),
		RedisURL:       get("REDIS_URL", ""),
		RealtimePrefix: get("REALTIME_PREFIX", "nodebase:"),
		SocketIOURL:    get("SOCKETIO_URL", ""),
		StepStore:      strings.ToLower(get("STEP_STORE", StepStoreMemory)),
		SQLitePath:     get("SQLITE_PATH", "steps.db"),
	}

	attempts, err := strconv.Atoi(get("STEP_MAX_ATTEMPTS", "3"))
	if err != nil {
		return nil, fmt.Errorf("STEP_MAX_ATTEMPTS must be an integer: %w", err)
	}
	cfg.StepMaxAttempts = attempts

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first missing or inconsistent setting.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is not set")
	}
	if c.EncryptionKey == "" {
		return errors.New("ENCRYPTION_KEY is not set")
	}
	switch c.StepStore {
	case StepStoreMemory, StepStoreSQLite:
	case StepStoreRedis:
		if c.RedisURL == "" {
			return errors.New("STEP_STORE=redis requires REDIS_URL")
		}
	default:
		return fmt.Errorf("STEP_STORE %q is not one of memory, redis, sqlite", c.StepStore)
	}
	if c.StepMaxAttempts < 1 {
		return errors.New("STEP_MAX_ATTEMPTS must be at least 1")
	}
	return nil
}
