// Package config loads process configuration from the environment and the
// provider definitions from a YAML file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Store backends.
const (
	StoreMemory     = "memory"
	StoreRedis      = "redis"
	StorePostgres   = "postgres"
	StoreSQLite     = "sqlite"
	StoreFile       = "file"
	StoreReplicated = "replicated"
)

// Refresh lock backends.
const (
	LockNone     = "none"
	LockRedis    = "redis"
	LockPostgres = "postgres"
)

// Config is the process configuration.
type Config struct {
	// Store selects the TokenStore backend.
	Store string `env:"SERCHA_STORE" envDefault:"sqlite"`

	// FastStore and DurableStore are the halves of a replicated store.
	FastStore    string `env:"SERCHA_FAST_STORE" envDefault:"redis"`
	DurableStore string `env:"SERCHA_DURABLE_STORE" envDefault:"postgres"`

	RedisURL    string `env:"REDIS_URL"`
	DatabaseURL string `env:"DATABASE_URL"`
	SQLitePath  string `env:"SERCHA_SQLITE_PATH" envDefault:"sercha-connect.db"`

	// FileRoot is a viant/afs URL, e.g. file:///var/lib/sercha/tokens.
	FileRoot string `env:"SERCHA_FILE_ROOT" envDefault:"file:///var/lib/sercha-connect/tokens"`

	// EncryptionKey enables sealed records when set.
	EncryptionKey  string `env:"SERCHA_ENCRYPTION_KEY"`
	EncryptionSalt string `env:"SERCHA_ENCRYPTION_SALT" envDefault:"sercha-connect"`

	ProvidersFile string `env:"SERCHA_PROVIDERS_FILE" envDefault:"providers.yaml"`

	RedirectTimeout time.Duration `env:"SERCHA_REDIRECT_TIMEOUT" envDefault:"120s"`
	HTTPTimeout     time.Duration `env:"SERCHA_HTTP_TIMEOUT" envDefault:"30s"`

	// RefreshLock coordinates refreshes between instances sharing a store.
	RefreshLock string `env:"SERCHA_REFRESH_LOCK" envDefault:"none"`

	Host      string `env:"HOST" envDefault:"0.0.0.0"`
	Port      int    `env:"PORT" envDefault:"8080"`
	JWTSecret string `env:"JWT_SECRET"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
}

// Load reads the configuration from the process environment.
func Load() (*Config, error) {
	return load(env.Options{})
}

// LoadFrom reads the configuration from the given variables only.
func LoadFrom(environ map[string]string) (*Config, error) {
	return load(env.Options{Environment: environ})
}

func load(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks backend selections and their required settings.
func (c *Config) Validate() error {
	if err := c.validateStore(c.Store, true); err != nil {
		return err
	}
	if c.Store == StoreReplicated {
		switch c.FastStore {
		case StoreMemory, StoreRedis:
		default:
			return fmt.Errorf("SERCHA_FAST_STORE must be memory or redis, got %q", c.FastStore)
		}
		switch c.DurableStore {
		case StorePostgres, StoreSQLite, StoreFile:
		default:
			return fmt.Errorf("SERCHA_DURABLE_STORE must be postgres, sqlite or file, got %q", c.DurableStore)
		}
		if err := c.validateStore(c.FastStore, false); err != nil {
			return err
		}
		if err := c.validateStore(c.DurableStore, false); err != nil {
			return err
		}
	}

	switch c.RefreshLock {
	case LockNone:
	case LockRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("SERCHA_REFRESH_LOCK=redis requires REDIS_URL")
		}
	case LockPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("SERCHA_REFRESH_LOCK=postgres requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown SERCHA_REFRESH_LOCK %q", c.RefreshLock)
	}

	if c.RedirectTimeout <= 0 || c.HTTPTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	return nil
}

func (c *Config) validateStore(name string, top bool) error {
	switch name {
	case StoreMemory:
	case StoreRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("%s store requires REDIS_URL", name)
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%s store requires DATABASE_URL", name)
		}
	case StoreSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return fmt.Errorf("%s store requires SERCHA_SQLITE_PATH", name)
		}
	case StoreFile:
		if strings.TrimSpace(c.FileRoot) == "" {
			return fmt.Errorf("%s store requires SERCHA_FILE_ROOT", name)
		}
	case StoreReplicated:
		if !top {
			return fmt.Errorf("replicated store cannot be nested")
		}
	default:
		return fmt.Errorf("unknown SERCHA_STORE %q", name)
	}
	return nil
}

// Logger builds the process logger from LogLevel and LogFormat.
func (c *Config) Logger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
