// Package config loads server configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime settings for the sync server.
type Config struct {
	// HTTP listener.
	Host string
	Port string

	// Storage. When DatabaseURL is set the Postgres backend is used,
	// otherwise events are persisted to the SQLite file at SQLitePath.
	// An empty SQLitePath selects the in-memory backend.
	DatabaseURL string
	SQLitePath  string

	// Optional Redis connection for connection presence. Empty disables it.
	RedisURL string

	// Auth.
	JWTSecret       string
	AuthToken       string
	AdminSecret     string
	AdminSecretHash string

	// Sync behaviour.
	PullChunkSize     int
	FormatVersion     int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// Logging.
	LogLevel  string
	LogFormat string

	Environment string
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real environment variables win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Host:              getEnv("HOST", "0.0.0.0"),
		Port:              getEnv("PORT", "8787"),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		SQLitePath:        getEnv("SQLITE_PATH", "syncwire.db"),
		RedisURL:          getEnv("REDIS_URL", ""),
		JWTSecret:         getEnv("JWT_SECRET", ""),
		AuthToken:         getEnv("AUTH_TOKEN", ""),
		AdminSecret:       getEnv("ADMIN_SECRET", ""),
		AdminSecretHash:   getEnv("ADMIN_SECRET_HASH", ""),
		PullChunkSize:     getEnvInt("PULL_CHUNK_SIZE", 100),
		FormatVersion:     getEnvInt("PERSISTENCE_FORMAT_VERSION", 7),
		HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		HeartbeatTimeout:  getEnvDuration("HEARTBEAT_TIMEOUT", 10*time.Second),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFormat:         getEnv("LOG_FORMAT", "json"),
		Environment:       getEnv("ENVIRONMENT", "production"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.PullChunkSize <= 0 {
		return fmt.Errorf("config: PULL_CHUNK_SIZE must be positive, got %d", c.PullChunkSize)
	}
	if c.FormatVersion <= 0 {
		return fmt.Errorf("config: PERSISTENCE_FORMAT_VERSION must be positive, got %d", c.FormatVersion)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("config: HEARTBEAT_INTERVAL must be positive")
	}
	return nil
}

// Addr returns the listen address in host:port form.
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
