package escrow

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/stellapay/escrowd/internal/retry"
)

// lockKey is the contract-wide guard shared by every instance using the
// same store. It is independent of any escrow id.
const lockKey = "lock"

// Guard timing defaults.
const (
	DefaultLockTTL  = 30 * time.Second
	DefaultLockWait = 5 * time.Second
)

var errLockBusy = errors.New("escrow: guard held by another instance")

// guard tracks this process's in-flight operation. Holding the shared lock
// is what excludes other instances; these flags let callers in the same
// process tell a queued host call apart from a callee re-entering during a
// transfer.
type guard struct {
	held       atomic.Bool
	inTransfer atomic.Bool
}

// txnKey marks a context as belonging to an in-flight operation.
type txnKey struct{}

// Locked reports whether a mutating operation is in flight in this process.
func (c *Contract) Locked() bool {
	return c.guard.held.Load()
}

// exclusive runs fn as one transaction over the whole contract state.
//
// Host calls in this process queue on the gate. A call that arrives while
// the running operation is inside a transfer is a re-entry and fails with
// ErrReentrancy, whatever context it carries. Across processes the shared
// lock is polled for up to the lock wait, then the call fails with
// ErrReentrancy.
func (c *Contract) exclusive(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txnKey{}) != nil {
		return ErrReentrancy
	}

	leave, ok := c.gate.TryEnter()
	if !ok {
		if c.guard.inTransfer.Load() {
			return ErrReentrancy
		}
		var err error
		if leave, err = c.gate.Enter(ctx); err != nil {
			return err
		}
	}
	defer leave()

	if err := c.acquireLock(ctx); err != nil {
		return err
	}
	c.guard.held.Store(true)
	defer func() {
		c.guard.held.Store(false)
		c.releaseLock(ctx)
	}()

	return fn(context.WithValue(ctx, txnKey{}, true))
}

// acquireLock takes the shared lock, polling while another instance holds
// it.
func (c *Contract) acquireLock(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, c.lockWait)
	defer cancel()

	policy := retry.Policy{Attempts: 1 << 16, BaseDelay: 5 * time.Millisecond, MaxDelay: 100 * time.Millisecond}
	err := retry.Do(waitCtx, policy, func(ctx context.Context) error {
		ok, err := c.store.TryLock(ctx, lockKey, c.owner, c.lockTTL)
		if err != nil {
			return retry.Permanent(err)
		}
		if !ok {
			return errLockBusy
		}
		return nil
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errLockBusy):
		return ErrReentrancy
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return ErrReentrancy
	case ctx.Err() != nil:
		return ctx.Err()
	}
	return err
}

func (c *Contract) releaseLock(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.lockWait)
	defer cancel()
	if err := c.store.Unlock(ctx, lockKey, c.owner); err != nil {
		c.logger.Warn("escrow guard not released, waiting for lease to lapse",
			"ttl", c.lockTTL, "error", err)
	}
}

// holdsLock reports whether this instance still owns the shared lock. It
// is checked before moving funds so an operation that outlived the lock
// lease cannot pay out alongside the instance that took it over.
func (c *Contract) holdsLock(ctx context.Context) error {
	raw, err := c.store.Get(ctx, lockKey)
	if err != nil && !isNotFound(err) {
		return err
	}
	if err != nil || string(raw) != c.owner {
		c.logger.Error("escrow guard lease lapsed during operation", "ttl", c.lockTTL)
		return ErrReentrancy
	}
	return nil
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
