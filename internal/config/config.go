// Package config loads the router configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all router configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr string `env:"WAMPD_ADDR" envDefault:":3003"`

	// Capacity
	MaxConnections int `env:"WAMPD_MAX_CONNECTIONS" envDefault:"10000"`
	SendBufferSize int `env:"WAMPD_SEND_BUFFER_SIZE" envDefault:"256"`

	// Per-session frame rate limiting
	FrameRate  float64 `env:"WAMPD_FRAME_RATE" envDefault:"10"`
	FrameBurst int     `env:"WAMPD_FRAME_BURST" envDefault:"100"`

	// Connection-accept rate limiting, per client IP and across all IPs
	ConnRate        float64 `env:"WAMPD_CONN_RATE" envDefault:"1"`
	ConnBurst       int     `env:"WAMPD_CONN_BURST" envDefault:"10"`
	ConnGlobalRate  float64 `env:"WAMPD_CONN_GLOBAL_RATE" envDefault:"50"`
	ConnGlobalBurst int     `env:"WAMPD_CONN_GLOBAL_BURST" envDefault:"300"`

	// Redis pub/sub bus. An empty address disables the bus and the router
	// fans out to local subscribers only.
	RedisAddr     string `env:"WAMPD_REDIS_ADDR" envDefault:""`
	RedisPassword string `env:"WAMPD_REDIS_PASSWORD" envDefault:""`
	RedisDB       int    `env:"WAMPD_REDIS_DB" envDefault:"0"`

	// Bus tuning
	PubSubTimeout   time.Duration `env:"WAMPD_PUBSUB_TIMEOUT" envDefault:"60s"`
	RecycleInterval time.Duration `env:"WAMPD_RECYCLE_INTERVAL" envDefault:"3h"`

	// Graceful shutdown
	ShutdownGrace time.Duration `env:"WAMPD_SHUTDOWN_GRACE" envDefault:"30s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from a .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
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

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("WAMPD_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("WAMPD_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.SendBufferSize < 1 {
		return fmt.Errorf("WAMPD_SEND_BUFFER_SIZE must be > 0, got %d", c.SendBufferSize)
	}
	if c.FrameRate <= 0 {
		return fmt.Errorf("WAMPD_FRAME_RATE must be > 0, got %.1f", c.FrameRate)
	}
	if c.ConnRate <= 0 {
		return fmt.Errorf("WAMPD_CONN_RATE must be > 0, got %.1f", c.ConnRate)
	}
	if c.ConnGlobalRate <= 0 {
		return fmt.Errorf("WAMPD_CONN_GLOBAL_RATE must be > 0, got %.1f", c.ConnGlobalRate)
	}
	if c.PubSubTimeout <= 0 {
		return fmt.Errorf("WAMPD_PUBSUB_TIMEOUT must be > 0, got %s", c.PubSubTimeout)
	}
	if c.RecycleInterval <= 0 {
		return fmt.Errorf("WAMPD_RECYCLE_INTERVAL must be > 0, got %s", c.RecycleInterval)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// BusEnabled reports whether the Redis bus is configured.
func (c *Config) BusEnabled() bool {
	return c.RedisAddr != ""
}

// LogConfig logs the configuration with structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Int("max_connections", c.MaxConnections).
		Int("send_buffer_size", c.SendBufferSize).
		Float64("frame_rate", c.FrameRate).
		Int("frame_burst", c.FrameBurst).
		Float64("conn_rate", c.ConnRate).
		Int("conn_burst", c.ConnBurst).
		Float64("conn_global_rate", c.ConnGlobalRate).
		Int("conn_global_burst", c.ConnGlobalBurst).
		Str("redis_addr", c.RedisAddr).
		Int("redis_db", c.RedisDB).
		Dur("pubsub_timeout", c.PubSubTimeout).
		Dur("recycle_interval", c.RecycleInterval).
		Dur("shutdown_grace", c.ShutdownGrace).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Router configuration loaded")
}
