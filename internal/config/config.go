// Package config loads the Singura server configuration from the environment.
// A .env file in the data directory is honored for development setups.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config is the unified server configuration.
type Config struct {
	DataDir       string // Base directory for the database and key material
	ListenAddr    string // API + websocket listen address
	MetricsAddr   string // Prometheus metrics listen address
	LogLevel      string
	LogFormat     string

	DatabasePath string // SQLite database path (derived from DataDir if empty)

	// Realtime auth
	RealtimeTokenSecret string // HMAC secret for websocket auth tokens
	RealtimeTokenTTL    time.Duration

	// Platform OAuth apps
	SlackClientID         string
	SlackClientSecret     string
	GoogleClientID        string
	GoogleClientSecret    string
	MicrosoftClientID     string
	MicrosoftClientSecret string
	MicrosoftTenant       string

	// Discovery
	DiscoveryWorkers  int           // Max concurrent discovery runs
	DiscoveryWindow   time.Duration // Default activity window when no prior run exists
	ScopeLibraryPath  string        // OAuth scope library JSON file

	// OAuth refresh
	RefreshMaxRetries int
	RefreshBackoff    time.Duration // Base backoff for transient refresh failures
}

// Load reads configuration from the environment, applying defaults.
func Load() (*Config, error) {
	dataDir := envOr("SINGURA_DATA_DIR", "/etc/singura")

	// Optional .env for development; missing file is not an error
	envPath := filepath.Join(dataDir, ".env")
	if err := godotenv.Load(envPath); err == nil {
		log.Debug().Str("path", envPath).Msg("Loaded environment overrides")
	}

	cfg := &Config{
		DataDir:             dataDir,
		ListenAddr:          envOr("SINGURA_LISTEN", ":7655"),
		MetricsAddr:         envOr("SINGURA_METRICS_LISTEN", ":9191"),
		LogLevel:            envOr("SINGURA_LOG_LEVEL", "info"),
		LogFormat:           envOr("SINGURA_LOG_FORMAT", "auto"),
		DatabasePath:        envOr("SINGURA_DB_PATH", filepath.Join(dataDir, "singura.db")),
		RealtimeTokenSecret: os.Getenv("SINGURA_REALTIME_SECRET"),
		RealtimeTokenTTL:    envDurationOr("SINGURA_REALTIME_TOKEN_TTL", 10*time.Minute),
		SlackClientID:       os.Getenv("SINGURA_SLACK_CLIENT_ID"),
		SlackClientSecret:   os.Getenv("SINGURA_SLACK_CLIENT_SECRET"),
		GoogleClientID:      os.Getenv("SINGURA_GOOGLE_CLIENT_ID"),
		GoogleClientSecret:  os.Getenv("SINGURA_GOOGLE_CLIENT_SECRET"),
		MicrosoftClientID:   os.Getenv("SINGURA_MS_CLIENT_ID"),
		MicrosoftClientSecret: os.Getenv("SINGURA_MS_CLIENT_SECRET"),
		MicrosoftTenant:     envOr("SINGURA_MS_TENANT", "common"),
		DiscoveryWorkers:    envIntOr("SINGURA_DISCOVERY_WORKERS", 8),
		DiscoveryWindow:     envDurationOr("SINGURA_DISCOVERY_WINDOW", 7*24*time.Hour),
		ScopeLibraryPath:    envOr("SINGURA_SCOPE_LIBRARY", filepath.Join(dataDir, "oauth_scope_library.json")),
		RefreshMaxRetries:   envIntOr("SINGURA_REFRESH_RETRIES", 3),
		RefreshBackoff:      envDurationOr("SINGURA_REFRESH_BACKOFF", 500*time.Millisecond),
	}

	if cfg.DiscoveryWorkers < 1 {
		return nil, fmt.Errorf("SINGURA_DISCOVERY_WORKERS must be at least 1, got %d", cfg.DiscoveryWorkers)
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid integer in environment, using default")
		return fallback
	}
	return n
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid duration in environment, using default")
		return fallback
	}
	return d
}
