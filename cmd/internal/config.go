// Package internal holds configuration shared by the chatsesh commands.
package internal

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rlebel12/chatsesh"
	"github.com/rlebel12/chatsesh/providers"
)

// Config is read once from the environment at process start.
type Config struct {
	Auth0Domain       string `env:"AUTH0_DOMAIN"`
	Auth0ClientID     string `env:"AUTH0_CLIENT_ID"`
	Auth0ClientSecret string `env:"AUTH0_CLIENT_SECRET"`
	Auth0Audience     string `env:"AUTH0_AUDIENCE"`
	Auth0Scope        string `env:"AUTH0_SCOPE" envDefault:"openid profile email"`
	OfflineMode       bool   `env:"OFFLINE_MODE"`

	DatabaseURL string `env:"DATABASE_URL"`
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	SessionTimeout        time.Duration `env:"SESSION_TIMEOUT" envDefault:"60s"`
	PollInterval          time.Duration `env:"POLL_INTERVAL" envDefault:"5s"`
	MaxPollAttempts       int           `env:"MAX_POLL_ATTEMPTS" envDefault:"30"`
	NotifyRetryDelay      time.Duration `env:"NOTIFY_RETRY_DELAY" envDefault:"1s"`
	ActivityFlushInterval time.Duration `env:"ACTIVITY_FLUSH_INTERVAL" envDefault:"30s"`

	AuditDir         string `env:"AUDIT_DIR" envDefault:"."`
	NotifyWebhookURL string `env:"NOTIFY_WEBHOOK_URL"`
}

// LoadConfig parses the process environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// LoadConfigFrom parses environ instead of the process environment.
func LoadConfigFrom(environ map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Provider builds the Auth0 provider. Missing values are reported by chatsesh, which then
// serves placeholder flows instead of failing.
func (c Config) Provider() chatsesh.Provider {
	return providers.Auth0(c.Auth0Domain, c.Auth0ClientID, c.Auth0ClientSecret, c.Auth0Audience,
		providers.WithScope(c.Auth0Scope))
}

// Level maps LOG_LEVEL to a slog level, defaulting to info.
func (c Config) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// StorageKind names a storage backend.
type StorageKind string

const (
	StorageMemory   StorageKind = "memory"
	StoragePostgres StorageKind = "postgres"
	StorageSQLite   StorageKind = "sqlite"
)

// Storage selects the backend from DATABASE_URL. For SQLite the returned location is the
// file path; for Postgres it is the URL unchanged.
func (c Config) Storage() (StorageKind, string, error) {
	raw := strings.TrimSpace(c.DatabaseURL)
	if raw == "" {
		return StorageMemory, "", nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	switch u.Scheme {
	case "postgres", "postgresql":
		return StoragePostgres, raw, nil
	case "sqlite":
		path := strings.TrimPrefix(raw, "sqlite://")
		if path == "" {
			return "", "", fmt.Errorf("DATABASE_URL: sqlite path is empty")
		}
		return StorageSQLite, path, nil
	default:
		return "", "", fmt.Errorf("DATABASE_URL: unsupported scheme %q", u.Scheme)
	}
}
