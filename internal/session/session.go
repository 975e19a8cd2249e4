// Package session tracks upstream conversation state per client conversation.
//
// DESIGN: Clients resend the whole history on every request; the upstream
// wants only the newest turn plus a pointer (parent_id) to the last answer it
// produced. The registry keeps that pointer per conversation.
//
// Identity is content-based. A conversation is recognized by a fingerprint of
// its first user turn and first assistant turn, which never change once the
// conversation has started. If the fingerprint misses (restart with the memory
// store, expiry), the first user message alone is tried, and failing that a
// fresh session is created and marked Recovered.
//
// FILES:
//   - session.go:     types, config, errors
//   - fingerprint.go: content fingerprint
//   - locks.go:       per-session mutation lock and turn slot
//   - registry.go:    the registry itself
//   - janitor.go:     background expiry
package session

import (
	"errors"
	"time"
)

// Busy policies for a second turn arriving while one is in flight.
const (
	BusyQueue  = "queue"
	BusyReject = "reject"
)

// Errors returned by the registry.
var (
	ErrNotFound          = errors.New("session not found")
	ErrSessionBusy       = errors.New("session has a turn in flight")
	ErrConversationIDSet = errors.New("session already bound to a different upstream conversation")
	ErrEmptyParentID     = errors.New("empty parent id")
)

// Session is the registry's record of one client conversation.
type Session struct {
	ID string `json:"id"`
	// ConversationID is the upstream chat id. Immutable once set.
	ConversationID string `json:"conversation_id,omitempty"`
	// ParentID is the id of the last upstream answer. Nil until the first
	// turn completes.
	ParentID         *string   `json:"parent_id,omitempty"`
	Fingerprint      string    `json:"fingerprint,omitempty"`
	FirstUserMessage string    `json:"first_user_message"`
	Model            string    `json:"model,omitempty"`
	TurnCount        int       `json:"turn_count"`
	Recovered        bool      `json:"recovered,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	LastAccessedAt   time.Time `json:"last_accessed_at"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// IsFirstTurn reports whether no upstream answer has been committed yet.
func (s *Session) IsFirstTurn() bool {
	return s.ParentID == nil
}

// Config controls session lifetime and concurrency.
type Config struct {
	TTL           time.Duration `yaml:"ttl"`
	EvictInterval time.Duration `yaml:"evict_interval"`
	// BusyPolicy is "queue" (wait for the running turn) or "reject".
	BusyPolicy string `yaml:"busy_policy"`
	// ReplayHistoryOnRecovery resends prior turns as a transcript when a
	// session had to be recreated.
	ReplayHistoryOnRecovery bool `yaml:"replay_history_on_recovery"`
}

// DefaultConfig returns the defaults used for unset fields.
func DefaultConfig() Config {
	return Config{
		TTL:           24 * time.Hour,
		EvictInterval: 5 * time.Minute,
		BusyPolicy:    BusyQueue,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func WithDefaults(cfg Config) Config {
	d := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = d.TTL
	}
	if cfg.EvictInterval <= 0 {
		cfg.EvictInterval = d.EvictInterval
	}
	if cfg.BusyPolicy == "" {
		cfg.BusyPolicy = d.BusyPolicy
	}
	return cfg
}
