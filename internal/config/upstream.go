// Upstream configuration - the chat service, retries, sessions and storage.
//
// DESIGN: The section types belong to the packages that use them; config
// aliases them so YAML decodes straight into the types those packages take.
package config

import (
	"fmt"
	"net/url"
	"slices"

	"github.com/compresr/chat-bridge/internal/session"
	"github.com/compresr/chat-bridge/internal/upstream"
)

// UpstreamConfig describes the upstream chat service.
type UpstreamConfig = upstream.Config

// RetryConfig is the upstream retry policy.
type RetryConfig = upstream.RetryPolicy

// SessionConfig controls session lifetime and concurrency.
type SessionConfig = session.Config

// Store backends.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// StoreConfig selects the session store backend.
type StoreConfig struct {
	Type string `yaml:"type"` // memory or sqlite
	Path string `yaml:"path"` // SQLite database file
}

// UsageConfig controls usage estimation when the upstream reports none.
type UsageConfig struct {
	EstimateMissing bool   `yaml:"estimate_missing"`
	Encoding        string `yaml:"encoding"` // tiktoken encoding name
}

func (c *Config) validateUpstream() error {
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid upstream.base_url: %q", c.Upstream.BaseURL)
	}
	if c.Upstream.DefaultModel == "" {
		return fmt.Errorf("upstream.default_model or upstream.models is required")
	}
	if len(c.Upstream.Models) > 0 && !slices.Contains(c.Upstream.Models, c.Upstream.DefaultModel) {
		return fmt.Errorf("upstream.default_model %q is not listed in upstream.models", c.Upstream.DefaultModel)
	}
	if c.Retry.MaxAttempts > 10 {
		return fmt.Errorf("invalid retry.max_attempts: %d (must be 1-10)", c.Retry.MaxAttempts)
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return fmt.Errorf("invalid retry.jitter: %v (must be 0-1)", c.Retry.Jitter)
	}
	return nil
}

func (c *Config) validateSession() error {
	switch c.Session.BusyPolicy {
	case session.BusyQueue, session.BusyReject:
	default:
		return fmt.Errorf("invalid session.busy_policy: %q (must be %q or %q)",
			c.Session.BusyPolicy, session.BusyQueue, session.BusyReject)
	}
	if c.Session.EvictInterval > c.Session.TTL {
		return fmt.Errorf("session.evict_interval (%s) must not exceed session.ttl (%s)",
			c.Session.EvictInterval, c.Session.TTL)
	}
	return nil
}

func (c *Config) validateStore() error {
	switch c.Store.Type {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite store")
		}
	default:
		return fmt.Errorf("invalid store.type: %q (must be %q or %q)", c.Store.Type, StoreMemory, StoreSQLite)
	}
	return nil
}
