// Package config loads engine configuration from the environment, using a
// load/validate/log shape consistent with the rest of the codebase.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/adred-codev/viewengine/internal/logging"
)

// Config holds the engine's tunables.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	RefreshQueueSize int           `env:"VIEWENGINE_REFRESH_QUEUE_SIZE" envDefault:"1000"`
	RefreshInterval  time.Duration `env:"VIEWENGINE_REFRESH_INTERVAL" envDefault:"1s"`
	WorkerThreads    int           `env:"VIEWENGINE_WORKER_THREADS" envDefault:"8"`
	InitialPoolSize  int           `env:"VIEWENGINE_INITIAL_POOL_SIZE" envDefault:"16"`
	InitialPoolQueue int           `env:"VIEWENGINE_INITIAL_POOL_QUEUE" envDefault:"256"`

	// StatsLogInterval enables the optional stats logger when non-zero;
	// disabled if unset.
	StatsLogInterval time.Duration `env:"VIEWENGINE_STATS_LOG_INTERVAL" envDefault:"0s"`

	LogLevel  logging.Level  `env:"VIEWENGINE_LOG_LEVEL" envDefault:"info"`
	LogFormat logging.Format `env:"VIEWENGINE_LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from a .env file (optional) and the environment.
// Priority: env vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for internally-inconsistent values.
func (c *Config) Validate() error {
	if c.RefreshQueueSize < 1 {
		return fmt.Errorf("VIEWENGINE_REFRESH_QUEUE_SIZE must be > 0, got %d", c.RefreshQueueSize)
	}
	if c.WorkerThreads < 1 {
		return fmt.Errorf("VIEWENGINE_WORKER_THREADS must be > 0, got %d", c.WorkerThreads)
	}
	if c.RefreshInterval <= 0 {
		return fmt.Errorf("VIEWENGINE_REFRESH_INTERVAL must be > 0, got %s", c.RefreshInterval)
	}
	if c.InitialPoolSize < 1 {
		return fmt.Errorf("VIEWENGINE_INITIAL_POOL_SIZE must be > 0, got %d", c.InitialPoolSize)
	}

	switch c.LogLevel {
	case logging.LevelDebug, logging.LevelInfo, logging.LevelWarn, logging.LevelError:
	default:
		return fmt.Errorf("VIEWENGINE_LOG_LEVEL must be one of debug, info, warn, error (got %q)", c.LogLevel)
	}

	switch c.LogFormat {
	case logging.FormatJSON, logging.FormatPretty:
	default:
		return fmt.Errorf("VIEWENGINE_LOG_FORMAT must be one of json, pretty (got %q)", c.LogFormat)
	}

	return nil
}

// LogConfig logs the resolved configuration using structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Int("refresh_queue_size", c.RefreshQueueSize).
		Dur("refresh_interval", c.RefreshInterval).
		Int("worker_threads", c.WorkerThreads).
		Int("initial_pool_size", c.InitialPoolSize).
		Int("initial_pool_queue", c.InitialPoolQueue).
		Dur("stats_log_interval", c.StatsLogInterval).
		Str("log_level", string(c.LogLevel)).
		Str("log_format", string(c.LogFormat)).
		Msg("viewengine configuration loaded")
}
