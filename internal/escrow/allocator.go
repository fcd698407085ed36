package escrow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/stellapay/escrowd/internal/kvstore"
)

const counterKey = "counter"

// maxOrphanScan is how many ids past the counter are probed one by one
// before the allocator switches to a galloping search.
const maxOrphanScan = 64

func escrowKey(id uint32) string {
	return "escrows:" + strconv.FormatUint(uint64(id), 10)
}

func (c *Contract) readCounter(ctx context.Context) (uint32, error) {
	raw, err := c.store.Get(ctx, counterKey)
	if errors.Is(err, kvstore.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read counter: %w", err)
	}
	n, err := strconv.ParseUint(string(raw), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("decode counter %q: %w", raw, err)
	}
	return uint32(n), nil
}

// peekNextID returns counter+1 without writing.
func (c *Contract) peekNextID(ctx context.Context) (uint32, error) {
	n, err := c.readCounter(ctx)
	if err != nil {
		return 0, err
	}
	if n == math.MaxUint32 {
		return 0, ErrCounterOverflow
	}
	return n + 1, nil
}

// nextFreeID peeks the next id and skips any ids that already hold a
// record. That happens when a create persisted its record but lost the
// counter write, or when the counter's lease ran out while records were
// still live. Finalizing the returned id repairs the counter.
func (c *Contract) nextFreeID(ctx context.Context) (uint32, error) {
	id, err := c.peekNextID(ctx)
	if err != nil {
		return 0, err
	}
	for i := 0; i < maxOrphanScan; i++ {
		taken, err := c.idTaken(ctx, id)
		if err != nil {
			return 0, err
		}
		if !taken {
			return id, nil
		}
		if id == math.MaxUint32 {
			return 0, ErrCounterOverflow
		}
		id++
	}
	return c.recoverFreeID(ctx, id-1)
}

// recoverFreeID finds a free id above taken, which holds a record. It
// doubles the step until it lands on a free id, then narrows back towards
// taken so the counter resumes just past the live block.
func (c *Contract) recoverFreeID(ctx context.Context, taken uint32) (uint32, error) {
	lo := uint64(taken)
	hi := uint64(0)
	for step := uint64(1); ; step *= 2 {
		probe := lo + step
		if probe > math.MaxUint32 {
			probe = math.MaxUint32
		}
		busy, err := c.idTaken(ctx, uint32(probe))
		if err != nil {
			return 0, err
		}
		if !busy {
			hi = probe
			break
		}
		if probe == math.MaxUint32 {
			return 0, ErrCounterOverflow
		}
		lo = probe
	}

	// lo holds a record and hi is free.
	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		busy, err := c.idTaken(ctx, uint32(mid))
		if err != nil {
			return 0, err
		}
		if busy {
			lo = mid
		} else {
			hi = mid
		}
	}
	c.logger.Warn("escrow counter recovered past live records", "from", taken, "nextId", hi)
	return uint32(hi), nil
}

func (c *Contract) idTaken(ctx context.Context, id uint32) (bool, error) {
	_, err := c.store.Get(ctx, escrowKey(id))
	if errors.Is(err, kvstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("probe escrow %d: %w", id, err)
	}
	return true, nil
}

// finalizeCounter persists id as the counter with a fresh lease.
func (c *Contract) finalizeCounter(ctx context.Context, id uint32) error {
	lease := time.Duration(CounterLease) * time.Second
	if err := c.store.Put(ctx, counterKey, []byte(strconv.FormatUint(uint64(id), 10)), lease); err != nil {
		return fmt.Errorf("write counter: %w", err)
	}
	return nil
}
