package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu      sync.RWMutex
	data    map[string]Entry
	indexes map[string]map[string]map[string]struct{} // name -> value -> keys
	stopped bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:    make(map[string]Entry),
		indexes: make(map[string]map[string]map[string]struct{}),
	}
}

// Put stores a copy of e.
func (s *MemoryStore) Put(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrClosed
	}

	s.unindexLocked(e.Key)
	e = cloneEntry(e)
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now()
	}
	s.data[e.Key] = e
	for name, value := range e.Indexes {
		if value == "" {
			continue
		}
		byValue, ok := s.indexes[name]
		if !ok {
			byValue = make(map[string]map[string]struct{})
			s.indexes[name] = byValue
		}
		keys, ok := byValue[value]
		if !ok {
			keys = make(map[string]struct{})
			byValue[value] = keys
		}
		keys[e.Key] = struct{}{}
	}
	return nil
}

// Get returns a copy of a non-expired entry.
func (s *MemoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.stopped {
		return Entry{}, false, ErrClosed
	}

	e, exists := s.data[key]
	if !exists || e.Expired(time.Now()) {
		return Entry{}, false, nil
	}
	return cloneEntry(e), true, nil
}

// Lookup returns the newest non-expired entry for an index value.
func (s *MemoryStore) Lookup(_ context.Context, index, value string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.stopped {
		return Entry{}, false, ErrClosed
	}

	now := time.Now()
	var best Entry
	found := false
	for key := range s.indexes[index][value] {
		e := s.data[key]
		if e.Expired(now) {
			continue
		}
		if !found || e.UpdatedAt.After(best.UpdatedAt) {
			best = e
			found = true
		}
	}
	if !found {
		return Entry{}, false, nil
	}
	return cloneEntry(best), true, nil
}

// Delete removes an entry.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrClosed
	}
	s.unindexLocked(key)
	delete(s.data, key)
	return nil
}

// Expired lists keys expired at now.
func (s *MemoryStore) Expired(_ context.Context, now time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.stopped {
		return nil, ErrClosed
	}

	var keys []string
	for key, e := range s.data {
		if e.Expired(now) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// DeleteIfExpired removes key only if it is expired at now.
func (s *MemoryStore) DeleteIfExpired(_ context.Context, key string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false, ErrClosed
	}

	e, exists := s.data[key]
	if !exists || !e.Expired(now) {
		return false, nil
	}
	s.unindexLocked(key)
	delete(s.data, key)
	return true, nil
}

// Len returns the number of entries.
func (s *MemoryStore) Len(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.stopped {
		return 0, ErrClosed
	}
	return len(s.data), nil
}

// Close clears the store. Further calls return ErrClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.stopped {
		s.stopped = true
		s.data = nil
		s.indexes = nil
	}
	return nil
}

func (s *MemoryStore) unindexLocked(key string) {
	old, exists := s.data[key]
	if !exists {
		return
	}
	for name, value := range old.Indexes {
		keys := s.indexes[name][value]
		delete(keys, key)
		if len(keys) == 0 {
			delete(s.indexes[name], value)
		}
	}
}

func cloneEntry(e Entry) Entry {
	out := e
	if e.Value != nil {
		out.Value = append([]byte(nil), e.Value...)
	}
	if e.Indexes != nil {
		out.Indexes = make(map[string]string, len(e.Indexes))
		for k, v := range e.Indexes {
			out.Indexes[k] = v
		}
	}
	return out
}

// Ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)
