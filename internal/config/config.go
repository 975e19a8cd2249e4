// Package config loads and validates the gateway configuration.
//
// DESIGN: Configuration comes from one YAML file with ${VAR:-default}
// expansion. Secrets and log paths can be overridden from the environment so
// deployments never edit the base file. Tunables the packages own (upstream,
// retry, session) are filled from those packages' defaults; the server block
// and the upstream base URL must be explicit.
//
// FILES:
//   - config.go:     Root Config struct, Load(), Validate()
//   - upstream.go:   Upstream, retry, session, store and usage sections
//   - monitoring.go: Logging, telemetry and alert settings
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/compresr/chat-bridge/internal/session"
	"github.com/compresr/chat-bridge/internal/stream"
)

// Config is the root configuration for the chat bridge.
type Config struct {
	Server     ServerConfig     `yaml:"server"`     // HTTP server settings
	Upstream   UpstreamConfig   `yaml:"upstream"`   // Upstream chat service
	Retry      RetryConfig      `yaml:"retry"`      // Upstream retry policy
	Session    SessionConfig    `yaml:"session"`    // Session lifetime and concurrency
	Store      StoreConfig      `yaml:"store"`      // Session store backend
	Usage      UsageConfig      `yaml:"usage"`      // Token usage estimation
	Monitoring MonitoringConfig `yaml:"monitoring"` // Logging and telemetry
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`           // Port to listen on
	ReadTimeout  time.Duration `yaml:"read_timeout"`   // Max time to read request
	WriteTimeout time.Duration `yaml:"write_timeout"`  // Max time to write response; 0 disables (streams)
	RateLimit    int           `yaml:"rate_limit"`     // Requests per second per client IP; 0 disables
	MaxBodyBytes int64         `yaml:"max_body_bytes"` // Max request body size
}

// DefaultMaxBodyBytes bounds request bodies when max_body_bytes is unset.
const DefaultMaxBodyBytes = 50 * 1024 * 1024

var envPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandEnvWithDefaults expands environment variables with support for default values.
// Supports both ${VAR} and ${VAR:-default} syntax.
func expandEnvWithDefaults(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultValue := ""
		if len(parts) > 2 {
			defaultValue = parts[2]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}

// Load reads configuration from a YAML file.
// Returns an error if the file doesn't exist or is invalid.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config file path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}

	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes.
// Supports ${VAR:-default} env var expansion, env overrides, and validation.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvWithDefaults(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("UPSTREAM_BASE_URL"); v != "" {
		c.Upstream.BaseURL = v
	}
	// Credentials are normally kept out of the file entirely.
	if v := os.Getenv("UPSTREAM_TOKEN"); v != "" {
		c.Upstream.Token = v
	}
	if v := os.Getenv("UPSTREAM_COOKIES"); v != "" {
		c.Upstream.Cookies = v
	}

	if v := os.Getenv("CHAT_BRIDGE_STORE_PATH"); v != "" {
		c.Store.Path = v
	}

	// SESSION_TELEMETRY_LOG overrides the turn log path
	if v := os.Getenv("SESSION_TELEMETRY_LOG"); v != "" {
		c.Monitoring.TelemetryPath = v
		c.Monitoring.TelemetryEnabled = true
	}
}

func (c *Config) applyDefaults() {
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = DefaultMaxBodyBytes
	}
	c.Upstream = c.Upstream.WithDefaults()
	c.Retry = c.Retry.WithDefaults()
	c.Session = session.WithDefaults(c.Session)
	if c.Store.Type == "" {
		c.Store.Type = StoreMemory
	}
	if c.Usage.Encoding == "" {
		c.Usage.Encoding = stream.DefaultEncoding
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	// Server validation
	if c.Server.Port == 0 {
		return fmt.Errorf("server.port is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ReadTimeout == 0 {
		return fmt.Errorf("server.read_timeout is required")
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("invalid server.rate_limit: %d", c.Server.RateLimit)
	}

	if err := c.validateUpstream(); err != nil {
		return err
	}
	if err := c.validateSession(); err != nil {
		return err
	}
	if err := c.validateStore(); err != nil {
		return err
	}

	return nil
}
