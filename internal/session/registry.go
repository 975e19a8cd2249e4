package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/compresr/chat-bridge/internal/store"
)

// =============================================================================
// REGISTRY
// =============================================================================

// Registry maps client conversations to upstream conversation state.
//
// All mutations of one session go through that session's lock; there is no
// registry-wide lock, so slow storage for one session never blocks another.
type Registry struct {
	store store.Store
	cfg   Config
	locks *keyedMutex
	turns *turnSlots
	now   func() time.Time
}

// NewRegistry creates a registry over st.
func NewRegistry(st store.Store, cfg Config) *Registry {
	return &Registry{
		store: st,
		cfg:   WithDefaults(cfg),
		locks: newKeyedMutex(),
		turns: newTurnSlots(),
		now:   time.Now,
	}
}

// Config returns the effective configuration.
func (r *Registry) Config() Config {
	return r.cfg
}

// CreateOption customizes Create.
type CreateOption func(*Session)

// WithModel records the model the conversation started with.
func WithModel(model string) CreateOption {
	return func(s *Session) { s.Model = model }
}

// Recovered marks a session created because an existing conversation could
// not be found.
func Recovered() CreateOption {
	return func(s *Session) { s.Recovered = true }
}

// Create stores a new session with no upstream state yet.
func (r *Registry) Create(ctx context.Context, firstUserMessage string, opts ...CreateOption) (*Session, error) {
	now := r.now()
	s := &Session{
		ID:               uuid.NewString(),
		FirstUserMessage: firstUserMessage,
		CreatedAt:        now,
		LastAccessedAt:   now,
		ExpiresAt:        now.Add(r.cfg.TTL),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := r.save(ctx, s); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	log.Debug().Str("session_id", s.ID).Bool("recovered", s.Recovered).Msg("session created")
	return s, nil
}

// Resolve finds the session for a fingerprint and refreshes its expiry.
func (r *Registry) Resolve(ctx context.Context, fingerprint string) (*Session, bool) {
	if fingerprint == "" {
		return nil, false
	}
	e, ok, err := r.store.Lookup(ctx, store.IndexFingerprint, fingerprint)
	if err != nil {
		log.Error().Err(err).Str("fingerprint", fingerprint).Msg("session lookup failed")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return r.touch(ctx, e.Key)
}

// FallbackResolveByFirstMessage finds the newest session whose first user
// message is exactly text.
func (r *Registry) FallbackResolveByFirstMessage(ctx context.Context, text string) (*Session, bool) {
	e, ok, err := r.store.Lookup(ctx, store.IndexFirstMessage, firstMessageKey(text))
	if err != nil {
		log.Error().Err(err).Msg("session fallback lookup failed")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	s, err := decode(e)
	if err != nil {
		log.Error().Err(err).Str("session_id", e.Key).Msg("corrupt session record")
		return nil, false
	}
	if s.FirstUserMessage != text {
		return nil, false
	}
	return r.touch(ctx, s.ID)
}

// Get returns a session without refreshing it.
func (r *Registry) Get(ctx context.Context, id string) (*Session, bool) {
	s, err := r.load(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			log.Error().Err(err).Str("session_id", id).Msg("session read failed")
		}
		return nil, false
	}
	return s, true
}

// SetConversationID binds the session to an upstream conversation. Setting the
// same id again is a no-op; a different id fails with ErrConversationIDSet.
func (r *Registry) SetConversationID(ctx context.Context, id, conversationID string) error {
	unlock := r.locks.Lock(id)
	defer unlock()

	s, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	switch s.ConversationID {
	case conversationID:
		return nil
	case "":
		s.ConversationID = conversationID
		return r.save(ctx, s)
	default:
		return fmt.Errorf("%w: have %s, got %s", ErrConversationIDSet, s.ConversationID, conversationID)
	}
}

// CommitTurn advances the parent pointer after a fully processed answer.
func (r *Registry) CommitTurn(ctx context.Context, id, newParentID string) (*Session, error) {
	if newParentID == "" {
		return nil, ErrEmptyParentID
	}

	unlock := r.locks.Lock(id)
	defer unlock()

	s, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	now := r.now()
	parent := newParentID
	s.ParentID = &parent
	s.TurnCount++
	s.LastAccessedAt = now
	s.ExpiresAt = now.Add(r.cfg.TTL)
	if err := r.save(ctx, s); err != nil {
		return nil, fmt.Errorf("commit turn: %w", err)
	}
	return s, nil
}

// SetFingerprint records the fingerprint once; later calls are no-ops.
func (r *Registry) SetFingerprint(ctx context.Context, id, fingerprint string) error {
	unlock := r.locks.Lock(id)
	defer unlock()

	s, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	if s.Fingerprint != "" || fingerprint == "" {
		return nil
	}
	s.Fingerprint = fingerprint
	return r.save(ctx, s)
}

// BeginTurn claims the session's single in-flight slot. Under the queue policy
// it waits (until ctx is done); under reject it returns ErrSessionBusy. The
// returned function releases the slot and is safe to call more than once.
func (r *Registry) BeginTurn(ctx context.Context, id string) (func(), error) {
	return r.turns.acquire(ctx, id, r.cfg.BusyPolicy != BusyReject)
}

// Delete removes a session.
func (r *Registry) Delete(ctx context.Context, id string) error {
	unlock := r.locks.Lock(id)
	defer unlock()
	return r.store.Delete(ctx, id)
}

// EvictExpired deletes expired sessions that have no turn in flight.
func (r *Registry) EvictExpired(ctx context.Context) (int, error) {
	now := r.now()
	keys, err := r.store.Expired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list expired sessions: %w", err)
	}

	evicted := 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return evicted, err
		}
		if r.turns.busy(key) {
			continue
		}
		unlock := r.locks.Lock(key)
		deleted, err := r.store.DeleteIfExpired(ctx, key, now)
		unlock()
		if err != nil {
			log.Error().Err(err).Str("session_id", key).Msg("session eviction failed")
			continue
		}
		if deleted {
			evicted++
		}
	}
	return evicted, nil
}

// Len returns the number of stored sessions.
func (r *Registry) Len(ctx context.Context) (int, error) {
	return r.store.Len(ctx)
}

// Close closes the backing store.
func (r *Registry) Close() error {
	return r.store.Close()
}

// =============================================================================
// STORAGE HELPERS
// =============================================================================

// touch refreshes a session's expiry under its lock.
func (r *Registry) touch(ctx context.Context, id string) (*Session, bool) {
	unlock := r.locks.Lock(id)
	defer unlock()

	s, err := r.load(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			log.Error().Err(err).Str("session_id", id).Msg("session read failed")
		}
		return nil, false
	}
	now := r.now()
	s.LastAccessedAt = now
	s.ExpiresAt = now.Add(r.cfg.TTL)
	if err := r.save(ctx, s); err != nil {
		log.Error().Err(err).Str("session_id", id).Msg("session refresh failed")
	}
	return s, true
}

func (r *Registry) load(ctx context.Context, id string) (*Session, error) {
	e, ok, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return decode(e)
}

func (r *Registry) save(ctx context.Context, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	return r.store.Put(ctx, store.Entry{
		Key:   s.ID,
		Value: data,
		Indexes: map[string]string{
			store.IndexFingerprint:  s.Fingerprint,
			store.IndexFirstMessage: firstMessageKey(s.FirstUserMessage),
		},
		UpdatedAt: s.LastAccessedAt,
		ExpiresAt: s.ExpiresAt,
	})
}

func decode(e store.Entry) (*Session, error) {
	var s Session
	if err := json.Unmarshal(e.Value, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", e.Key, err)
	}
	return &s, nil
}
