package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for lorachat.
type Config struct {
	// GatewayURL is the WebSocket endpoint of the LoRa gateway. The
	// default matches the gateway firmware's access point address.
	GatewayURL string `env:"LORACHAT_GATEWAY_URL" envDefault:"ws://192.168.4.1:81"`

	// ReconnectDelay is the fixed wait between reconnect attempts.
	// There is no backoff growth and no retry cap: reconnection is a
	// standing obligation for the lifetime of the process.
	ReconnectDelay time.Duration `env:"LORACHAT_RECONNECT_DELAY" envDefault:"1s"`

	// StateDir is where the local snapshot cache lives. Defaults to
	// ~/.lorachat/ when empty.
	StateDir string `env:"LORACHAT_STATE_DIR"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, err
		}

		cfg.StateDir = dir
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	absDir, err := filepath.Abs(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("resolving state dir to absolute path: %w", err)
	}

	cfg.StateDir = absDir

	return cfg, nil
}

func (c *Config) validate() error {
	u, err := url.Parse(c.GatewayURL)
	if err != nil {
		return fmt.Errorf("LORACHAT_GATEWAY_URL is not a valid URL: %w", err)
	}

	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("LORACHAT_GATEWAY_URL must use the ws or wss scheme, got %q", u.Scheme)
	}

	if u.Host == "" {
		return fmt.Errorf("LORACHAT_GATEWAY_URL has no host")
	}

	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("LORACHAT_RECONNECT_DELAY must be positive")
	}

	return nil
}

// StatePath returns the snapshot cache database path inside StateDir.
func (c *Config) StatePath() string {
	return filepath.Join(c.StateDir, "state.db")
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".lorachat"), nil
}
