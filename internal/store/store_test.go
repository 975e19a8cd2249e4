package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Both backends must behave identically, so every case runs against each.
func backends(t *testing.T) map[string]func() Store {
	t.Helper()
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore() },
		"sqlite": func() Store {
			s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "sessions.db"))
			require.NoError(t, err)
			return s
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open()
			defer func() { _ = s.Close() }()
			fn(t, s)
		})
	}
}

func TestStore_PutGet(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, Entry{
			Key:       "a",
			Value:     []byte(`{"x":1}`),
			Indexes:   map[string]string{IndexFingerprint: "fp1"},
			ExpiresAt: time.Now().Add(time.Hour),
		}))

		e, ok, err := s.Get(ctx, "a")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, `{"x":1}`, string(e.Value))
		assert.Equal(t, "fp1", e.Indexes[IndexFingerprint])
		assert.False(t, e.UpdatedAt.IsZero())

		_, ok, err = s.Get(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestStore_LookupReplacesIndexes(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, Entry{Key: "a", Value: []byte("1"), Indexes: map[string]string{IndexFingerprint: "old"}}))
		require.NoError(t, s.Put(ctx, Entry{Key: "a", Value: []byte("2"), Indexes: map[string]string{IndexFingerprint: "new"}}))

		_, ok, err := s.Lookup(ctx, IndexFingerprint, "old")
		require.NoError(t, err)
		assert.False(t, ok)

		e, ok, err := s.Lookup(ctx, IndexFingerprint, "new")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "2", string(e.Value))
	})
}

func TestStore_LookupNewestWins(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Now()
		require.NoError(t, s.Put(ctx, Entry{Key: "older", Value: []byte("o"), UpdatedAt: base,
			Indexes: map[string]string{IndexFirstMessage: "h"}}))
		require.NoError(t, s.Put(ctx, Entry{Key: "newer", Value: []byte("n"), UpdatedAt: base.Add(time.Second),
			Indexes: map[string]string{IndexFirstMessage: "h"}}))

		e, ok, err := s.Lookup(ctx, IndexFirstMessage, "h")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "newer", e.Key)
	})
}

func TestStore_ExpiredHiddenButNotDeleted(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		past := time.Now().Add(-time.Minute)
		require.NoError(t, s.Put(ctx, Entry{Key: "gone", Value: []byte("x"), ExpiresAt: past,
			Indexes: map[string]string{IndexFingerprint: "fp"}}))
		require.NoError(t, s.Put(ctx, Entry{Key: "live", Value: []byte("y")}))

		_, ok, err := s.Get(ctx, "gone")
		require.NoError(t, err)
		assert.False(t, ok)
		_, ok, err = s.Lookup(ctx, IndexFingerprint, "fp")
		require.NoError(t, err)
		assert.False(t, ok)

		n, err := s.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		keys, err := s.Expired(ctx, time.Now())
		require.NoError(t, err)
		assert.Equal(t, []string{"gone"}, keys)
	})
}

func TestStore_DeleteIfExpired(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now()
		require.NoError(t, s.Put(ctx, Entry{Key: "a", Value: []byte("x"), ExpiresAt: now.Add(-time.Second)}))

		// refreshed between listing and deletion
		require.NoError(t, s.Put(ctx, Entry{Key: "b", Value: []byte("x"), ExpiresAt: now.Add(time.Hour)}))

		deleted, err := s.DeleteIfExpired(ctx, "b", now)
		require.NoError(t, err)
		assert.False(t, deleted)

		deleted, err = s.DeleteIfExpired(ctx, "a", now)
		require.NoError(t, err)
		assert.True(t, deleted)

		n, err := s.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestStore_Delete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, Entry{Key: "a", Value: []byte("x"), Indexes: map[string]string{IndexFingerprint: "fp"}}))
		require.NoError(t, s.Delete(ctx, "a"))
		require.NoError(t, s.Delete(ctx, "a"))

		_, ok, err := s.Lookup(ctx, IndexFingerprint, "fp")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sessions.db")

	s, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, Entry{Key: "a", Value: []byte("persisted"), Indexes: map[string]string{IndexFingerprint: "fp"}}))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	e, ok, err := s.Lookup(ctx, IndexFingerprint, "fp")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "persisted", string(e.Value))
}

func TestMemoryStore_Closed(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Put(context.Background(), Entry{Key: "a"}), ErrClosed)
	_, _, err := s.Get(context.Background(), "a")
	assert.ErrorIs(t, err, ErrClosed)
}
