// Package config loads runtime configuration from environment variables,
// optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends.
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config holds all runtime configuration values.
type Config struct {
	Port     string
	Backend  string
	Database Database
	Redis    Redis
	AMQPURL  string // empty disables registration notifications
	Auth     Auth
	Store    StoreRetry
	Sync     Sync
}

// Database holds PostgreSQL connection settings.
type Database struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int32
}

// DSN builds a libpq-compatible connection string.
func (c Database) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// Redis configures the cross-instance sync relay. An empty URL keeps sync
// local to the process.
type Redis struct {
	URL     string
	Channel string
}

// Auth configures bearer token verification.
type Auth struct {
	JWTSecret string
}

// StoreRetry bounds how long infrastructure failures are retried before the
// engine reports the store as unavailable.
type StoreRetry struct {
	MaxTries   uint
	MaxElapsed time.Duration
}

// Sync configures the live snapshot feed.
type Sync struct {
	ResyncInterval time.Duration
}

// Load reads a .env file when present and then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	var env envReader
	cfg := Config{
		Port:    getEnv("PORT", "8080"),
		Backend: strings.ToLower(getEnv("STORE_BACKEND", BackendPostgres)),
		Database: Database{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "campusevents"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: env.getInt32("DB_MAX_CONNS", 20),
		},
		Redis: Redis{
			URL:     os.Getenv("REDIS_URL"),
			Channel: getEnv("SYNC_CHANNEL", "campus-events:changes"),
		},
		AMQPURL: os.Getenv("RABBITMQ_URL"),
		Auth: Auth{
			JWTSecret: os.Getenv("JWT_SECRET"),
		},
		Store: StoreRetry{
			MaxTries:   env.getUint("STORE_MAX_RETRIES", 4),
			MaxElapsed: env.getDuration("STORE_RETRY_MAX_ELAPSED", 5*time.Second),
		},
		Sync: Sync{
			ResyncInterval: env.getDuration("SYNC_RESYNC_INTERVAL", 30*time.Second),
		},
	}
	if err := errors.Join(env.errs...); err != nil {
		return Config{}, err
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.Backend {
	case BackendPostgres, BackendMemory:
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", BackendPostgres, BackendMemory, c.Backend)
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.Database.MaxConns < 1 {
		return errors.New("DB_MAX_CONNS must be at least 1")
	}
	if c.Store.MaxTries == 0 {
		return errors.New("STORE_MAX_RETRIES must be at least 1")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envReader parses typed variables and collects every malformed value.
type envReader struct {
	errs []error
}

func (r *envReader) getInt32(key string, fallback int32) int32 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return int32(n)
}

func (r *envReader) getUint(key string, fallback uint) uint {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return uint(n)
}

func (r *envReader) getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	if d <= 0 {
		r.errs = append(r.errs, fmt.Errorf("%s must be positive, got %s", key, v))
		return fallback
	}
	return d
}
