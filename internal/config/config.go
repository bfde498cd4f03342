// Package config loads client and server settings from the environment,
// optionally seeded from a .env file. Command-line flags override both.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Client configures the mobile-client core (and the CLI that hosts it).
type Client struct {
	APIBase       string
	AppID         string
	DataDir       string
	DeviceSecret  string
	AllowInsecure bool
	SyncInterval  time.Duration
	HTTPTimeout   time.Duration
	NetRetries    int
	RateRetries   int
}

// Server configures the reference backend.
type Server struct {
	Addr        string
	DatabaseURL string
	JWTSecret   string
	AccessTTL   time.Duration
	RefreshTTL  time.Duration
	MaxBatch    int
}

// LoadDotEnv loads the first existing file among paths into the process
// environment. Variables already set win. Missing files are not an error.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		err := godotenv.Load(p)
		if err == nil {
			return nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load %s: %w", p, err)
		}
	}
	return nil
}

// DefaultDataDir is $XDG_CONFIG_HOME/schoolsync, falling back to ~/.config/schoolsync.
func DefaultDataDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "schoolsync")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "schoolsync")
}

// LoadClient reads the client configuration. Every key is optional.
func LoadClient() (*Client, error) {
	cfg := &Client{
		APIBase:      "http://localhost:8080",
		AppID:        "schoolsync-cli",
		DataDir:      DefaultDataDir(),
		SyncInterval: time.Minute,
		HTTPTimeout:  30 * time.Second,
		NetRetries:   3,
		RateRetries:  3,
	}
	var err error
	cfg.APIBase = strings.TrimRight(str("SCHOOLSYNC_API_BASE", cfg.APIBase), "/")
	cfg.AppID = str("SCHOOLSYNC_APP_ID", cfg.AppID)
	cfg.DataDir = str("SCHOOLSYNC_DATA_DIR", cfg.DataDir)
	cfg.DeviceSecret = os.Getenv("SCHOOLSYNC_DEVICE_SECRET")
	if cfg.AllowInsecure, err = boolean("SCHOOLSYNC_ALLOW_INSECURE", false); err != nil {
		return nil, err
	}
	if cfg.SyncInterval, err = duration("SCHOOLSYNC_SYNC_INTERVAL", cfg.SyncInterval); err != nil {
		return nil, err
	}
	if cfg.HTTPTimeout, err = duration("SCHOOLSYNC_HTTP_TIMEOUT", cfg.HTTPTimeout); err != nil {
		return nil, err
	}
	if cfg.NetRetries, err = integer("SCHOOLSYNC_NET_RETRIES", cfg.NetRetries); err != nil {
		return nil, err
	}
	if cfg.RateRetries, err = integer("SCHOOLSYNC_429_RETRIES", cfg.RateRetries); err != nil {
		return nil, err
	}
	if cfg.APIBase == "" {
		return nil, errors.New("config: SCHOOLSYNC_API_BASE is empty")
	}
	return cfg, nil
}

// LoadServer reads the server configuration. DATABASE_URL and JWT_SECRET are required.
func LoadServer() (*Server, error) {
	cfg := &Server{
		Addr:        str("SCHOOLSYNC_ADDR", ":8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
	}
	var err error
	if cfg.AccessTTL, err = duration("SCHOOLSYNC_ACCESS_TTL", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.RefreshTTL, err = duration("SCHOOLSYNC_REFRESH_TTL", 30*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.MaxBatch, err = integer("SCHOOLSYNC_MAX_BATCH", 500); err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("config: DATABASE_URL environment variable is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("config: JWT_SECRET environment variable is required")
	}
	return cfg, nil
}

func str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func duration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("config: %s must be positive", key)
	}
	return d, nil
}

func integer(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("config: %s must not be negative", key)
	}
	return n, nil
}

func boolean(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("config: %s: %w", key, err)
	}
	return b, nil
}
