package session

import (
	"context"
	"sync"
)

// keyedMutex hands out one mutex per session id and forgets it once nobody
// holds or waits for it.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock blocks until key is held and returns its unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// turnSlots allows at most one in-flight turn per session.
type turnSlots struct {
	mu    sync.Mutex
	slots map[string]*turnSlot
}

type turnSlot struct {
	ch   chan struct{}
	refs int // holder plus waiters
}

func newTurnSlots() *turnSlots {
	return &turnSlots{slots: make(map[string]*turnSlot)}
}

// acquire takes the slot for key. With wait false it fails immediately when
// the slot is taken; otherwise it waits until ctx is done.
func (t *turnSlots) acquire(ctx context.Context, key string, wait bool) (func(), error) {
	t.mu.Lock()
	s, ok := t.slots[key]
	if !ok {
		s = &turnSlot{ch: make(chan struct{}, 1)}
		t.slots[key] = s
	}
	s.refs++
	t.mu.Unlock()

	if wait {
		select {
		case s.ch <- struct{}{}:
		case <-ctx.Done():
			t.drop(key, s)
			return nil, ctx.Err()
		}
	} else {
		select {
		case s.ch <- struct{}{}:
		default:
			t.drop(key, s)
			return nil, ErrSessionBusy
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			t.drop(key, s)
		})
	}, nil
}

func (t *turnSlots) drop(key string, s *turnSlot) {
	t.mu.Lock()
	s.refs--
	if s.refs == 0 {
		delete(t.slots, key)
	}
	t.mu.Unlock()
}

// busy reports whether a turn is running or waiting for key.
func (t *turnSlots) busy(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[key]
	return ok && s.refs > 0
}
