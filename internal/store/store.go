// Package store provides the key-value backend behind the session registry.
//
// DESIGN: The registry needs three things from storage: records by key,
// records by a secondary index (fingerprint, first message) and a way to find
// what has expired. Store is deliberately that small so the registry stays
// testable against memory and durable against SQLite:
//
//   - MemoryStore: maps under an RWMutex. Lost on restart, which is exactly
//     the case the registry's fingerprint recovery is built for.
//   - SQLiteStore: modernc.org/sqlite (pure Go, no cgo). Survives restarts.
//
// Expiry is advisory here. Get and Lookup hide expired entries, but nothing in
// this package deletes them on its own: the registry's janitor decides, because
// it knows which sessions still have a turn in flight.
package store

import (
	"context"
	"errors"
	"time"
)

// Index names used by the session registry.
const (
	IndexFingerprint  = "fingerprint"
	IndexFirstMessage = "first_message"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("store closed")

// Entry is one stored record.
type Entry struct {
	Key   string
	Value []byte
	// Indexes maps index name to value. Empty values are not indexed.
	Indexes   map[string]string
	UpdatedAt time.Time
	// ExpiresAt zero means the entry never expires.
	ExpiresAt time.Time
}

// Expired reports whether the entry is past its expiry at now.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Store is the registry's storage backend. Implementations must be safe for
// concurrent use.
type Store interface {
	// Put inserts or replaces an entry together with its indexes.
	Put(ctx context.Context, e Entry) error

	// Get returns a non-expired entry by key.
	Get(ctx context.Context, key string) (Entry, bool, error)

	// Lookup returns the most recently updated non-expired entry whose index
	// name has the given value.
	Lookup(ctx context.Context, index, value string) (Entry, bool, error)

	// Delete removes an entry and its indexes. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// Expired lists keys whose expiry is at or before now.
	Expired(ctx context.Context, now time.Time) ([]string, error)

	// DeleteIfExpired removes the entry only if it is still expired at now,
	// so an entry refreshed after Expired listed it survives.
	DeleteIfExpired(ctx context.Context, key string, now time.Time) (bool, error)

	// Len returns the number of stored entries, expired or not.
	Len(ctx context.Context) (int, error)

	// Close releases resources.
	Close() error
}
