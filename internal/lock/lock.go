// Package lock serializes work per conversation.
package lock

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrNotAcquired is returned when a lock could not be taken before the context ended.
	ErrNotAcquired = errors.New("lock not acquired")
	// ErrLeaseLost is the cause of a held context cancelled because the lock
	// stopped being exclusive.
	ErrLeaseLost = errors.New("lock lease lost")
)

// Unlock releases a held lock.
type Unlock func()

// Locker grants exclusive access per key.
type Locker interface {
	// Lock blocks until the key is held or ctx is done. The returned context
	// is derived from ctx and is cancelled on unlock, or earlier if exclusivity
	// is lost. Work done under the lock should run on it.
	Lock(ctx context.Context, key string) (context.Context, Unlock, error)
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

// KeyedMutex is an in-process Locker. Entries are dropped once nobody holds or waits on them.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

// NewKeyedMutex creates an empty keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*keyedEntry)}
}

// Lock blocks until key is held or ctx is done. An in-process lock is never
// lost, so the held context ends only with ctx or unlock.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (context.Context, Unlock, error) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		m.release(key, e, false)
		return nil, nil, ErrNotAcquired
	}

	held, cancel := context.WithCancel(ctx)
	var once sync.Once
	return held, func() {
		once.Do(func() {
			cancel()
			m.release(key, e, true)
		})
	}, nil
}

func (m *KeyedMutex) release(key string, e *keyedEntry, held bool) {
	if held {
		<-e.ch
	}
	m.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
	m.mu.Unlock()
}

// Len returns how many keys are held or waited on.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
