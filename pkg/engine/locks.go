package engine

import (
	"context"
	"sync"
	"time"
)

// KeyedLockManager provides per-key advisory locks with a bounded wait. The
// executor holds the link-key lock for the duration of correlation through
// action execution, and additionally the identity-key lock once an identity
// is resolved.
type KeyedLockManager struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
	wait    time.Duration
}

type lockEntry struct {
	ch   chan struct{} // capacity 1; a buffered token means unlocked
	refs int
}

// DefaultLockWait bounds lock acquisition when no wait is configured.
const DefaultLockWait = 10 * time.Second

// NewKeyedLockManager creates a lock manager with the given wait budget per
// acquisition.
func NewKeyedLockManager(wait time.Duration) *KeyedLockManager {
	if wait <= 0 {
		wait = DefaultLockWait
	}
	return &KeyedLockManager{
		entries: make(map[string]*lockEntry),
		wait:    wait,
	}
}

// Acquire blocks until the key's lock is held, the wait budget expires, or
// ctx is done. Expiry surfaces a retryable SyncError with CodeLockTimeout.
// The returned release function must be called exactly once.
func (m *KeyedLockManager) Acquire(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	entry, ok := m.entries[key]
	if !ok {
		entry = &lockEntry{ch: make(chan struct{}, 1)}
		entry.ch <- struct{}{}
		m.entries[key] = entry
	}
	entry.refs++
	m.mu.Unlock()

	timer := time.NewTimer(m.wait)
	defer timer.Stop()

	select {
	case <-entry.ch:
		var once sync.Once
		release := func() {
			once.Do(func() {
				entry.ch <- struct{}{}
				m.unref(key, entry)
			})
		}
		return release, nil

	case <-timer.C:
		m.unref(key, entry)
		return nil, NewLockTimeoutError(key, nil)

	case <-ctx.Done():
		m.unref(key, entry)
		return nil, NewLockTimeoutError(key, ctx.Err())
	}
}

// unref drops a reference and forgets the key once nobody holds or waits on
// it, keeping the map bounded by active keys.
func (m *KeyedLockManager) unref(key string, entry *lockEntry) {
	m.mu.Lock()
	entry.refs--
	if entry.refs == 0 {
		delete(m.entries, key)
	}
	m.mu.Unlock()
}
