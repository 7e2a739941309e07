// Package config loads environment-based configuration for davsync.
package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for davsync.
type Config struct {
	// WebDAV account. The credential is the decrypted password or an
	// app-specific token minted by the external auth flow.
	ServerURL string `env:"DAVSYNC_SERVER_URL"`
	Username  string `env:"DAVSYNC_USERNAME"`
	Password  string `env:"DAVSYNC_PASSWORD"`

	// AccountID scopes folders and individual files in the database.
	// Defaults to username@serverhost when empty.
	AccountID string `env:"DAVSYNC_ACCOUNT_ID"`

	// DBPath is the sqlite database location.
	// Defaults to ~/.davsync/davsync.db.
	DBPath string `env:"DAVSYNC_DB_PATH"`

	// SyncInterval is the periodic trigger interval in daemon mode.
	SyncInterval time.Duration `env:"DAVSYNC_INTERVAL" envDefault:"15m"`

	// HTTPTimeout bounds each WebDAV request (connect plus read/write).
	// Transfer failures caused by this timeout surface as ordinary
	// transient errors.
	HTTPTimeout time.Duration `env:"DAVSYNC_HTTP_TIMEOUT" envDefault:"5m"`

	// MinBackoff and MaxBackoff bound the scheduler's retry backoff.
	MinBackoff time.Duration `env:"DAVSYNC_MIN_BACKOFF" envDefault:"30s"`
	MaxBackoff time.Duration `env:"DAVSYNC_MAX_BACKOFF" envDefault:"30m"`

	// Metered marks the current connection as metered. Folders flagged
	// wifi-only defer while this is set. There is no portable way to
	// detect metering from inside the process, so the host environment
	// declares it.
	Metered bool `env:"DAVSYNC_METERED" envDefault:"false"`

	// Environment controls log format, LogLevel the production level.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"DAVSYNC_LOG_LEVEL" envDefault:"info"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DBPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("determining home directory: %w", err)
		}

		cfg.DBPath = filepath.Join(home, ".davsync", "davsync.db")
	}

	if cfg.AccountID == "" && cfg.ServerURL != "" && cfg.Username != "" {
		u, err := url.Parse(cfg.ServerURL)
		if err == nil && u.Host != "" {
			cfg.AccountID = cfg.Username + "@" + u.Host
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerURL != "" {
		u, err := url.Parse(c.ServerURL)
		if err != nil {
			return fmt.Errorf("DAVSYNC_SERVER_URL is not a valid URL: %w", err)
		}

		if u.Scheme != "https" && u.Scheme != "http" {
			return fmt.Errorf("DAVSYNC_SERVER_URL must be http or https, got %q", u.Scheme)
		}
	}

	if c.SyncInterval <= 0 {
		return fmt.Errorf("DAVSYNC_INTERVAL must be positive")
	}

	if c.MinBackoff <= 0 || c.MaxBackoff < c.MinBackoff {
		return fmt.Errorf("backoff bounds invalid: min %s, max %s", c.MinBackoff, c.MaxBackoff)
	}

	return nil
}

// ValidateRemote checks that the account fields required to reach the
// WebDAV server are present. Commands that only touch the local
// database (folder list, conflicts list) skip this.
func (c *Config) ValidateRemote() error {
	if c.ServerURL == "" {
		return fmt.Errorf("DAVSYNC_SERVER_URL is required")
	}

	if c.Username == "" {
		return fmt.Errorf("DAVSYNC_USERNAME is required")
	}

	if c.Password == "" {
		return fmt.Errorf("DAVSYNC_PASSWORD is required")
	}

	if c.AccountID == "" {
		return fmt.Errorf("DAVSYNC_ACCOUNT_ID could not be derived; set it explicitly")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
