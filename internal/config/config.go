// Package config loads the engine's tunables from the environment, in the
// same env-tag + dotenv style as the teacher's server config.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/adred-codev/presencecore/internal/logging"
)

// Config holds every knob enumerated in spec.md §6. Defaults match the
// spec's parenthesized defaults exactly.
type Config struct {
	RedisAddr     string `env:"PRS_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"PRS_REDIS_PASSWORD" envDefault:""`
	RedisDB       int    `env:"PRS_REDIS_DB" envDefault:"0"`

	// Connection TTL, refreshed by every heartbeat/touch.
	ConnectionTTL time.Duration `env:"PRS_CONN_TTL" envDefault:"30s"`

	// Reaper cadence and lookback window.
	ReaperInterval time.Duration `env:"PRS_REAPER_INTERVAL" envDefault:"3s"`
	ReaperLookback time.Duration `env:"PRS_REAPER_LOOKBACK" envDefault:"0s"` // 0 => 2x TTL, resolved in Validate

	// Heartbeat batcher.
	BatcherEnabled  bool          `env:"PRS_BATCHER_ENABLED" envDefault:"false"`
	BatchWindow     time.Duration `env:"PRS_BATCH_WINDOW" envDefault:"50ms"`
	MaxBatchSize    int           `env:"PRS_MAX_BATCH_SIZE" envDefault:"100"`

	// Scripted heartbeat/join.
	ScriptedHeartbeat bool `env:"PRS_SCRIPTED_HEARTBEAT" envDefault:"false"`
	ScriptedJoin      bool `env:"PRS_SCRIPTED_JOIN" envDefault:"false"`

	// Transactional metadata CAS.
	TransactionalMetadata bool          `env:"PRS_TX_METADATA" envDefault:"false"`
	MaxRetries            int           `env:"PRS_TX_MAX_RETRIES" envDefault:"5"`
	RetryDelay            time.Duration `env:"PRS_TX_RETRY_DELAY" envDefault:"10ms"`
}

// Load reads configuration from a .env file (if present) and the
// environment, applying defaults, then validates it. logger may be nil.
func Load(logger logging.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks range/logical constraints and fills in derived defaults
// (reaper lookback defaults to 2x the connection TTL per spec.md §6).
func (c *Config) Validate() error {
	if c.RedisAddr == "" {
		return fmt.Errorf("PRS_REDIS_ADDR is required")
	}
	if c.ConnectionTTL <= 0 {
		return fmt.Errorf("PRS_CONN_TTL must be > 0, got %s", c.ConnectionTTL)
	}
	if c.ReaperInterval <= 0 {
		return fmt.Errorf("PRS_REAPER_INTERVAL must be > 0, got %s", c.ReaperInterval)
	}
	if c.ReaperLookback <= 0 {
		c.ReaperLookback = 2 * c.ConnectionTTL
	}
	if c.MaxBatchSize < 1 {
		return fmt.Errorf("PRS_MAX_BATCH_SIZE must be > 0, got %d", c.MaxBatchSize)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("PRS_TX_MAX_RETRIES must be >= 0, got %d", c.MaxRetries)
	}
	return nil
}
