package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/stellapay/escrowd/internal/kvstore"
	"github.com/stellapay/escrowd/internal/retry"
)

func (c *Contract) load(ctx context.Context, id uint32) (*EscrowData, error) {
	raw, err := c.store.Get(ctx, escrowKey(id))
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load escrow %d: %w", id, err)
	}
	var e EscrowData
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode escrow %d: %w", id, err)
	}
	return &e, nil
}

// save writes the record with a lease covering the deadline plus the
// buffer. The write is a single store call, so a failure leaves the
// previous record in place.
func (c *Contract) save(ctx context.Context, e *EscrowData, now uint64) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode escrow %d: %w", e.ID, err)
	}
	if err := c.store.Put(ctx, escrowKey(e.ID), data, leaseFor(e.Deadline, now)); err != nil {
		return fmt.Errorf("write escrow %d: %w", e.ID, err)
	}
	return nil
}

// recordLanded resolves a failed create write after funds were locked. The
// id was free when allocated and the guard is held, so a record found at
// it is this one. Only a record confirmed absent is refunded; when the
// store cannot say, the funds stay in custody for manual resolution rather
// than risk a live escrow with nothing behind it.
func (c *Contract) recordLanded(ctx context.Context, rec *EscrowData, saveErr error) bool {
	_, err := c.store.Get(ctx, escrowKey(rec.ID))
	switch {
	case err == nil:
		c.logger.Warn("escrow record stored despite write error",
			"escrowId", rec.ID, "error", saveErr)
		return true
	case isNotFound(err):
		if rbErr := c.transfer(ctx, "create", rec, c.custody, rec.Depositor, rec.TotalAmount, directionToDepositor); rbErr != nil {
			c.logger.Error("CRITICAL: escrow funds locked but record write and refund both failed",
				"escrowId", rec.ID, "depositor", rec.Depositor, "amount", rec.TotalAmount,
				"storeError", saveErr, "refundError", rbErr)
		}
		return false
	}
	c.logger.Error("CRITICAL: escrow funds locked and record state unknown",
		"escrowId", rec.ID, "depositor", rec.Depositor, "amount", rec.TotalAmount,
		"storeError", saveErr, "readError", err)
	return false
}

func isNotFound(err error) bool {
	return errors.Is(err, kvstore.ErrNotFound)
}

// commitPolicy governs rewriting a record whose funds already moved.
var commitPolicy = retry.Policy{Attempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: 100 * time.Millisecond}

// commitAfterTransfer persists a record whose funds have already moved.
// The transfer cannot be reversed safely, so the write is retried and a
// final failure is logged for manual resolution.
func (c *Contract) commitAfterTransfer(ctx context.Context, e *EscrowData, now uint64, what string) error {
	err := retry.Do(ctx, commitPolicy, func(ctx context.Context) error {
		return c.save(ctx, e, now)
	})
	if err == nil {
		return nil
	}
	c.logger.Error("CRITICAL: escrow funds moved but record update failed",
		"escrowId", e.ID,
		"after", what,
		"status", e.Status,
		"paidAmount", e.PaidAmount,
		"refundedAmount", e.RefundedAmount,
		"error", err,
	)
	return fmt.Errorf("failed to update escrow %d after %s (requires manual resolution): %w", e.ID, what, err)
}

// leaseFor returns deadline-now plus the buffer, or just the buffer once the
// deadline has passed, clamped to the largest lease the store accepts.
func leaseFor(deadline, now uint64) time.Duration {
	secs := LeaseBuffer
	if deadline > now {
		if s, ok := addUint64(deadline-now, LeaseBuffer); ok {
			secs = s
		} else {
			secs = math.MaxUint32
		}
	}
	if secs > math.MaxUint32 {
		secs = math.MaxUint32
	}
	return time.Duration(secs) * time.Second
}
