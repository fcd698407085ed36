package kvstore

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore is an in-memory Store for demo/development mode and tests.
type MemoryStore struct {
	entries map[string]*memEntry
	now     func() time.Time
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memEntry),
		now:     time.Now,
	}
}

// WithClock sets the time source used for lease accounting.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

// live returns the entry if present and unexpired. Caller holds the lock.
func (m *MemoryStore) live(key string) (*memEntry, bool) {
	e, ok := m.entries[key]
	if !ok || !m.now().Before(e.expiresAt) {
		return nil, false
	}
	return e, true
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.live(key)
	if !ok {
		return nil, ErrNotFound
	}
	// Copy so callers cannot mutate the stored bytes.
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (m *MemoryStore) Put(ctx context.Context, key string, value []byte, lease time.Duration) error {
	if err := validWrite(key, lease); err != nil {
		return err
	}
	v := make([]byte, len(value))
	copy(v, value)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = &memEntry{value: v, expiresAt: m.now().Add(lease)}
	return nil
}

func (m *MemoryStore) TryLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if err := validWrite(key, ttl); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, held := m.live(key); held {
		return false, nil
	}
	m.entries[key] = &memEntry{value: []byte(owner), expiresAt: m.now().Add(ttl)}
	return true, nil
}

func (m *MemoryStore) Unlock(ctx context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.live(key); ok && string(e.value) == owner {
		delete(m.entries, key)
	}
	return nil
}

func (m *MemoryStore) Lease(ctx context.Context, key string) (time.Duration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.live(key)
	if !ok {
		return 0, ErrNotFound
	}
	return e.expiresAt.Sub(m.now()), nil
}

// PurgeExpired removes up to limit expired entries.
func (m *MemoryStore) PurgeExpired(ctx context.Context, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	n := 0
	for k, e := range m.entries {
		if n >= limit {
			break
		}
		if !now.Before(e.expiresAt) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored entries, expired or not.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
