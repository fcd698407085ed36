// Package kvstore provides durable key/value storage where every entry
// carries a lease. Entries whose lease runs out are treated as absent and
// may be purged by a Sweeper.
package kvstore

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound   = errors.New("kvstore: key not found")
	ErrInvalidKey = errors.New("kvstore: invalid key")
	ErrInvalidTTL = errors.New("kvstore: lease must be positive")
)

// Store is the persistence contract used by the escrow engine.
//
// Put writes the value and sets its lease in one step, so a failed Put
// leaves the previous entry untouched. TryLock is a set-if-absent on a
// lease-bound key shared by every process using the store; Unlock removes
// it only while owner still holds it.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte, lease time.Duration) error
	Lease(ctx context.Context, key string) (time.Duration, error)
	TryLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key, owner string) error
}

// Purger is implemented by stores that need expired rows removed explicitly.
type Purger interface {
	PurgeExpired(ctx context.Context, limit int) (int, error)
}

// Pinger is implemented by stores backed by a network service.
type Pinger interface {
	Ping(ctx context.Context) error
}

func validKey(key string) error {
	if key == "" || len(key) > 256 {
		return ErrInvalidKey
	}
	return nil
}

func validWrite(key string, lease time.Duration) error {
	if err := validKey(key); err != nil {
		return err
	}
	if lease < time.Millisecond {
		return ErrInvalidTTL
	}
	return nil
}
