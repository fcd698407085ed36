package kvstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// unlockIfOwner deletes the lock key only while it still holds ARGV[1].
var unlockIfOwner = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore keeps entries as plain Redis strings with native TTLs, so
// expiry is enforced by Redis itself and no purge pass is needed.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed store. All keys are namespaced
// under prefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) key(k string) string { return r.prefix + k }

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Put is a single SET with PX, so value and lease land together.
func (r *RedisStore) Put(ctx context.Context, key string, value []byte, lease time.Duration) error {
	if err := validWrite(key, lease); err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(key), value, lease).Err()
}

// TryLock is SET NX PX.
func (r *RedisStore) TryLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if err := validWrite(key, ttl); err != nil {
		return false, err
	}
	return r.client.SetNX(ctx, r.key(key), owner, ttl).Result()
}

func (r *RedisStore) Unlock(ctx context.Context, key, owner string) error {
	return unlockIfOwner.Run(ctx, r.client, []string{r.key(key)}, owner).Err()
}

func (r *RedisStore) Lease(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := r.client.PTTL(ctx, r.key(key)).Result()
	if err != nil {
		return 0, err
	}
	// go-redis reports -2 for a missing key and -1 for no expiry.
	switch {
	case ttl == -2:
		return 0, ErrNotFound
	case ttl < 0:
		return time.Duration(1<<63 - 1), nil
	}
	return ttl, nil
}
