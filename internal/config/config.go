// Package config loads runtime settings from config/<RUN_ENV>.env overlaid
// by real environment variables. Priority: ENV vars > env file > defaults.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Run environments understood by Load. Each selects config/<RUN_ENV>.env.
const (
	EnvDevelopment = "development"
	EnvDockerDev   = "docker-dev"
	EnvProduction  = "production"
)

// Config holds all server configuration.
type Config struct {
	// Server basics
	ServerAddress string `env:"SERVER_ADDRESS" envDefault:"0.0.0.0:9000"`
	SSLKeyFile    string `env:"SSL_KEY_FILE"`
	SSLCertFile   string `env:"SSL_CERT_FILE"`

	// Connections joining the main room automatically on connect.
	AutoJoin bool `env:"AUTO_JOIN" envDefault:"true"`

	// Rate limiting (connection attempts per client IP)
	RateLimitPerSecond float64 `env:"RATE_LIMIT_PER_SECOND" envDefault:"50"`
	RateLimitBurstSize int     `env:"RATE_LIMIT_BURST_SIZE" envDefault:"100"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"debug"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"`

	// CORS allowed origin host; subdomains of it are accepted too.
	CORSAllowedOrigin string `env:"CORS_ALLOWED_ORIGIN" envDefault:"localhost"`

	// Environment
	RunEnv string `env:"RUN_ENV" envDefault:"development"`
}

// Load reads config/<RUN_ENV>.env when present, parses the environment into
// a Config and validates it. A missing env file is fine; containers set
// everything through real environment variables.
func Load() (*Config, error) {
	runEnv := os.Getenv("RUN_ENV")
	if runEnv == "" {
		runEnv = EnvDevelopment
	}
	_ = godotenv.Load("config/" + runEnv + ".env")

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
	switch c.RunEnv {
	case EnvDevelopment, EnvDockerDev, EnvProduction:
	default:
		return fmt.Errorf("RUN_ENV must be one of: %s, %s, %s (got: %s)",
			EnvDevelopment, EnvDockerDev, EnvProduction, c.RunEnv)
	}

	if c.ServerAddress == "" {
		return fmt.Errorf("SERVER_ADDRESS is required")
	}

	if c.RateLimitPerSecond <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_SECOND must be > 0, got %.1f", c.RateLimitPerSecond)
	}
	if c.RateLimitBurstSize < 1 {
		return fmt.Errorf("RATE_LIMIT_BURST_SIZE must be > 0, got %d", c.RateLimitBurstSize)
	}

	validLogLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("LOG_LEVEL must be one of: trace, debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "console": true}
	if !validLogFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, console (got: %s)", c.LogFormat)
	}

	if (c.SSLCertFile == "") != (c.SSLKeyFile == "") {
		return fmt.Errorf("SSL_CERT_FILE and SSL_KEY_FILE must be set together")
	}
	if c.RunEnv == EnvProduction && !c.TLSEnabled() {
		return fmt.Errorf("production requires SSL_CERT_FILE and SSL_KEY_FILE")
	}

	return nil
}

// IsDev reports whether the client IP may be taken from the peer address
// instead of proxy headers.
func (c *Config) IsDev() bool {
	return c.RunEnv != EnvProduction
}

// TLSEnabled reports whether the listener should terminate TLS itself.
func (c *Config) TLSEnabled() bool {
	return c.SSLCertFile != "" && c.SSLKeyFile != ""
}

// LogConfig logs the effective configuration using structured fields.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("run_env", c.RunEnv).
		Str("server_address", c.ServerAddress).
		Bool("tls", c.TLSEnabled()).
		Bool("auto_join", c.AutoJoin).
		Float64("rate_limit_per_second", c.RateLimitPerSecond).
		Int("rate_limit_burst_size", c.RateLimitBurstSize).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Str("cors_allowed_origin", c.CORSAllowedOrigin).
		Msg("Configuration loaded")
}
