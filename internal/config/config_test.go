package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unsetenv clears keys for the duration of the test and restores whatever was
// there before.
func unsetenv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
}

func TestLoadDefaults(t *testing.T) {
	unsetenv(t, "RUN_ENV", "SERVER_ADDRESS", "SSL_KEY_FILE", "SSL_CERT_FILE", "AUTO_JOIN",
		"RATE_LIMIT_PER_SECOND", "RATE_LIMIT_BURST_SIZE", "LOG_LEVEL", "LOG_FORMAT",
		"CORS_ALLOWED_ORIGIN")
	t.Chdir(t.TempDir()) // no config/ directory, defaults only

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.ServerAddress)
	assert.True(t, cfg.AutoJoin)
	assert.Equal(t, float64(50), cfg.RateLimitPerSecond)
	assert.Equal(t, 100, cfg.RateLimitBurstSize)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "console", cfg.LogFormat)
	assert.Equal(t, "localhost", cfg.CORSAllowedOrigin)
	assert.Equal(t, EnvDevelopment, cfg.RunEnv)
}

func TestLoadEnvVarsOverrideDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	unsetenv(t, "SSL_KEY_FILE", "SSL_CERT_FILE")
	t.Setenv("RUN_ENV", EnvDockerDev)
	t.Setenv("SERVER_ADDRESS", "127.0.0.1:7443")
	t.Setenv("AUTO_JOIN", "false")
	t.Setenv("RATE_LIMIT_PER_SECOND", "2.5")
	t.Setenv("RATE_LIMIT_BURST_SIZE", "7")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("CORS_ALLOWED_ORIGIN", "pastepoint.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7443", cfg.ServerAddress)
	assert.False(t, cfg.AutoJoin)
	assert.Equal(t, 2.5, cfg.RateLimitPerSecond)
	assert.Equal(t, 7, cfg.RateLimitBurstSize)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "pastepoint.com", cfg.CORSAllowedOrigin)
	assert.Equal(t, EnvDockerDev, cfg.RunEnv)
	assert.True(t, cfg.IsDev(), "docker-dev counts as development")
}

func TestLoadRejectsInvalidEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("RUN_ENV", "staging")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RUN_ENV")
}

func TestLoadReadsEnvFileForEnvironment(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o755))
	envFile := "SERVER_ADDRESS=127.0.0.1:7443\nLOG_LEVEL=warn\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "development.env"), []byte(envFile), 0o644))
	t.Chdir(dir)

	unsetenv(t, "SERVER_ADDRESS", "SSL_KEY_FILE", "SSL_CERT_FILE")
	t.Setenv("RUN_ENV", EnvDevelopment)
	t.Setenv("LOG_LEVEL", "error")
	// godotenv writes file values into the process environment.
	t.Cleanup(func() { os.Unsetenv("SERVER_ADDRESS") })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7443", cfg.ServerAddress, "file value applies when the variable is unset")
	assert.Equal(t, "error", cfg.LogLevel, "real environment beats the file")
}

func validConfig() *Config {
	return &Config{
		ServerAddress:      "0.0.0.0:9000",
		AutoJoin:           true,
		RateLimitPerSecond: 50,
		RateLimitBurstSize: 100,
		LogLevel:           "debug",
		LogFormat:          "console",
		CORSAllowedOrigin:  "localhost",
		RunEnv:             EnvDevelopment,
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"uppercase log level", func(c *Config) { c.LogLevel = "WARN" }, ""},
		{"bad run env", func(c *Config) { c.RunEnv = "staging" }, "RUN_ENV"},
		{"empty address", func(c *Config) { c.ServerAddress = "" }, "SERVER_ADDRESS"},
		{"zero rate", func(c *Config) { c.RateLimitPerSecond = 0 }, "RATE_LIMIT_PER_SECOND"},
		{"negative rate", func(c *Config) { c.RateLimitPerSecond = -1 }, "RATE_LIMIT_PER_SECOND"},
		{"zero burst", func(c *Config) { c.RateLimitBurstSize = 0 }, "RATE_LIMIT_BURST_SIZE"},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, "LOG_LEVEL"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "LOG_FORMAT"},
		{"cert without key", func(c *Config) { c.SSLCertFile = "cert.pem" }, "must be set together"},
		{"key without cert", func(c *Config) { c.SSLKeyFile = "key.pem" }, "must be set together"},
		{"production without tls", func(c *Config) { c.RunEnv = EnvProduction }, "production requires"},
		{"production with tls", func(c *Config) {
			c.RunEnv = EnvProduction
			c.SSLCertFile = "cert.pem"
			c.SSLKeyFile = "key.pem"
		}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
			}
		})
	}
}

func TestEnvironmentHelpers(t *testing.T) {
	cfg := validConfig()
	assert.True(t, cfg.IsDev())
	assert.False(t, cfg.TLSEnabled())

	cfg.RunEnv = EnvDockerDev
	assert.True(t, cfg.IsDev())

	cfg.RunEnv = EnvProduction
	assert.False(t, cfg.IsDev())

	cfg.SSLCertFile = "cert.pem"
	cfg.SSLKeyFile = "key.pem"
	assert.True(t, cfg.TLSEnabled())
}
