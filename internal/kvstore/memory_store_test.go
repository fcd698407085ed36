package kvstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

const testLease = 30 * 24 * time.Hour

func TestMemoryStore_PutGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Put(ctx, "k", []byte("v1"), testLease))
	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(got))

	// Mutating the returned slice must not affect the stored value.
	got[0] = 'x'
	again, _ := store.Get(ctx, "k")
	assert.Equal(t, "v1", string(again))
}

func TestMemoryStore_InvalidWrites(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	assert.ErrorIs(t, store.Put(ctx, "", []byte("v"), testLease), ErrInvalidKey)
	assert.ErrorIs(t, store.Put(ctx, "k", []byte("v"), 0), ErrInvalidTTL)
	_, err := store.TryLock(ctx, "lock", "a", 0)
	assert.ErrorIs(t, err, ErrInvalidTTL)
	assert.Equal(t, 0, store.Len())
}

func TestMemoryStore_PutSetsLease(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := NewMemoryStore().WithClock(clock.Now)

	require.NoError(t, store.Put(ctx, "k", []byte("v1"), 90*24*time.Hour))
	lease, err := store.Lease(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 90*24*time.Hour, lease)

	clock.Advance(time.Hour)
	require.NoError(t, store.Put(ctx, "k", []byte("v2"), 10*24*time.Hour))
	lease, err = store.Lease(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 10*24*time.Hour, lease)

	got, _ := store.Get(ctx, "k")
	assert.Equal(t, "v2", string(got))
}

func TestMemoryStore_ExpiredEntriesAreAbsent(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := NewMemoryStore().WithClock(clock.Now)

	require.NoError(t, store.Put(ctx, "k", []byte("old"), testLease))
	clock.Advance(testLease)

	_, err := store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Lease(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Put(ctx, "k", []byte("new"), time.Hour))
	lease, err := store.Lease(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, lease)
}

func TestMemoryStore_Lock(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := NewMemoryStore().WithClock(clock.Now)

	ok, err := store.TryLock(ctx, "lock", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.TryLock(ctx, "lock", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second owner must not acquire a held lock")

	// Unlock by a non-owner is a no-op.
	require.NoError(t, store.Unlock(ctx, "lock", "b"))
	ok, _ = store.TryLock(ctx, "lock", "b", time.Minute)
	assert.False(t, ok)

	require.NoError(t, store.Unlock(ctx, "lock", "a"))
	ok, _ = store.TryLock(ctx, "lock", "b", time.Minute)
	assert.True(t, ok)
}

func TestMemoryStore_LockLeaseLapses(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := NewMemoryStore().WithClock(clock.Now)

	ok, _ := store.TryLock(ctx, "lock", "a", time.Minute)
	require.True(t, ok)
	clock.Advance(time.Minute)

	ok, err := store.TryLock(ctx, "lock", "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "an expired lock is free")

	// The previous owner can no longer release it.
	require.NoError(t, store.Unlock(ctx, "lock", "a"))
	ok, _ = store.TryLock(ctx, "lock", "c", time.Minute)
	assert.False(t, ok)
}

func TestMemoryStore_PurgeExpired(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := NewMemoryStore().WithClock(clock.Now)

	require.NoError(t, store.Put(ctx, "a", []byte("1"), testLease))
	require.NoError(t, store.Put(ctx, "b", []byte("2"), testLease))
	clock.Advance(testLease + time.Second)
	require.NoError(t, store.Put(ctx, "c", []byte("3"), testLease))

	n, err := store.PurgeExpired(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, store.Len())
}
