package escrow

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.opentelemetry.io/otel/attribute"

	"github.com/stellapay/escrowd/internal/traces"
)

// run wraps an operation with a span and metrics.
func (c *Contract) run(ctx context.Context, op string, attrs []attribute.KeyValue, fn func(ctx context.Context) error) (err error) {
	ctx, span := traces.StartSpan(ctx, "escrow."+op, attrs...)
	done := observeOp(op)
	defer func() {
		done(err)
		traces.End(span, err)
	}()
	return fn(ctx)
}

// transfer moves amount of the escrow's token. Failures are reported as
// ErrTransferFailed; the ledger's cause is kept in the message.
func (c *Contract) transfer(ctx context.Context, op string, e *EscrowData, from, to string, amount int64, direction string) error {
	if err := c.holdsLock(ctx); err != nil {
		return err
	}
	c.guard.inTransfer.Store(true)
	err := c.ledger.Transfer(ctx, e.Token, from, to, amount)
	c.guard.inTransfer.Store(false)
	if err != nil {
		EscrowTransferFailures.WithLabelValues(op).Inc()
		c.logger.Warn("escrow transfer failed",
			"op", op, "escrowId", e.ID, "from", from, "to", to, "amount", amount, "error", err)
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	EscrowValueMoved.WithLabelValues(direction).Add(float64(amount))
	return nil
}

// Create validates req, locks the milestone total in custody and returns
// the new escrow's id. The id is only consumed once the record is stored.
func (c *Contract) Create(ctx context.Context, req CreateRequest) (uint32, error) {
	depositor := normalize(req.Depositor)
	var id uint32
	err := c.run(ctx, "create", []attribute.KeyValue{traces.Caller(depositor), traces.Token(req.Token)}, func(ctx context.Context) error {
		if err := c.auth.RequireAuth(ctx, depositor); err != nil {
			return err
		}
		now := c.timestamp()
		rec, err := c.buildRecord(req, now)
		if err != nil {
			return err
		}

		return c.exclusive(ctx, func(ctx context.Context) error {
			nid, err := c.nextFreeID(ctx)
			if err != nil {
				return err
			}
			rec.ID = nid

			if err := c.transfer(ctx, "create", rec, rec.Depositor, c.custody, rec.TotalAmount, directionLocked); err != nil {
				return err
			}

			if err := c.save(ctx, rec, now); err != nil {
				if !c.recordLanded(ctx, rec, err) {
					return fmt.Errorf("failed to create escrow record: %w", err)
				}
			}

			// A lost counter write is repaired by the next create.
			if err := c.finalizeCounter(ctx, nid); err != nil {
				c.logger.Warn("escrow counter not finalized", "escrowId", nid, "error", err)
			}

			id = nid
			c.logger.Info("escrow created",
				"escrowId", nid, "depositor", rec.Depositor, "beneficiary", rec.Beneficiary,
				"amount", rec.TotalAmount, "milestones", len(rec.Milestones))
			c.emit(ctx, EventEscrowCreated, nid, now, map[string]any{
				"depositor":   rec.Depositor,
				"beneficiary": rec.Beneficiary,
				"amount":      rec.TotalAmount,
			})
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// buildRecord checks creation preconditions in order, first failure wins.
func (c *Contract) buildRecord(req CreateRequest, now uint64) (*EscrowData, error) {
	depositor := normalize(req.Depositor)
	beneficiary := normalize(req.Beneficiary)
	arbiter := normalize(req.Arbiter)

	if beneficiary == "" || beneficiary == depositor {
		return nil, ErrInvalidBeneficiary
	}
	if req.RequiresArbiter {
		if arbiter == "" || arbiter == depositor || arbiter == beneficiary {
			return nil, ErrInvalidArbiter
		}
	} else if arbiter != "" {
		return nil, ErrInvalidArbiter
	}
	if req.Duration < MinDuration || req.Duration > MaxDuration {
		return nil, ErrInvalidDuration
	}
	if len(req.Milestones) == 0 {
		return nil, ErrInvalidMilestone
	}
	if len(req.Descriptions) != 0 && len(req.Descriptions) != len(req.Milestones) {
		return nil, ErrInvalidMilestone
	}

	var total int64
	for _, amount := range req.Milestones {
		if amount <= 0 {
			return nil, ErrZeroAmount
		}
		if total > math.MaxInt64-amount {
			return nil, ErrInvalidMilestone
		}
		total += amount
	}

	deadline, ok := addUint64(now, req.Duration)
	if !ok {
		return nil, ErrInvalidDeadline
	}

	milestones := make([]Milestone, len(req.Milestones))
	for i, amount := range req.Milestones {
		desc := DefaultDescription
		if len(req.Descriptions) > 0 && req.Descriptions[i] != "" {
			desc = req.Descriptions[i]
		}
		milestones[i] = Milestone{Description: desc, Amount: amount, Status: MilestoneNotStarted}
	}

	return &EscrowData{
		Depositor:       depositor,
		Beneficiary:     beneficiary,
		Arbiter:         arbiter,
		RequiresArbiter: req.RequiresArbiter,
		Token:           normalize(req.Token),
		TotalAmount:     total,
		Deadline:        deadline,
		Status:          StatusPending,
		Milestones:      milestones,
		CreatedAt:       now,
	}, nil
}

// mutate authenticates caller, then loads the escrow and hands it to fn
// inside an exclusive transaction.
func (c *Contract) mutate(ctx context.Context, op, caller string, id uint32, attrs []attribute.KeyValue,
	fn func(ctx context.Context, e *EscrowData, now uint64) error) error {
	attrs = append(attrs, traces.Caller(caller), traces.EscrowID(id))
	return c.run(ctx, op, attrs, func(ctx context.Context) error {
		if err := c.auth.RequireAuth(ctx, caller); err != nil {
			return err
		}
		return c.exclusive(ctx, func(ctx context.Context) error {
			e, err := c.load(ctx, id)
			if err != nil {
				return err
			}
			return fn(ctx, e, c.timestamp())
		})
	})
}

// requireActive admits escrows where milestone work may proceed.
func requireActive(e *EscrowData) error {
	switch e.Status {
	case StatusInProgress:
		return nil
	case StatusReleased, StatusRefunded:
		return ErrAlreadyCompleted
	}
	return ErrNotAuthorized
}

func milestoneAt(e *EscrowData, index uint32) (*Milestone, error) {
	if uint64(index) >= uint64(len(e.Milestones)) {
		return nil, ErrInvalidMilestone
	}
	return &e.Milestones[index], nil
}

// StartWork moves a pending escrow to in-progress. Refunds close for good.
func (c *Contract) StartWork(ctx context.Context, caller string, id uint32) error {
	caller = normalize(caller)
	return c.mutate(ctx, "start_work", caller, id, nil, func(ctx context.Context, e *EscrowData, now uint64) error {
		if caller != e.Beneficiary {
			return ErrNotAuthorized
		}
		if e.Status != StatusPending {
			return ErrAlreadyCompleted
		}
		if e.WorkStarted {
			return ErrWorkStarted
		}

		e.WorkStarted = true
		e.Status = StatusInProgress
		if err := c.save(ctx, e, now); err != nil {
			return err
		}

		c.logger.Info("escrow work started", "escrowId", id)
		c.emit(ctx, EventWorkStarted, id, now, map[string]any{"started_at": now})
		return nil
	})
}

// SubmitMilestone marks a milestone as delivered by the beneficiary.
func (c *Contract) SubmitMilestone(ctx context.Context, caller string, id, index uint32) error {
	caller = normalize(caller)
	attrs := []attribute.KeyValue{traces.MilestoneIndex(index)}
	return c.mutate(ctx, "submit_milestone", caller, id, attrs, func(ctx context.Context, e *EscrowData, now uint64) error {
		if caller != e.Beneficiary {
			return ErrNotAuthorized
		}
		if err := requireActive(e); err != nil {
			return err
		}
		m, err := milestoneAt(e, index)
		if err != nil {
			return err
		}
		if m.Status != MilestoneNotStarted {
			return ErrMilestoneAlreadySubmitted
		}

		m.Status = MilestoneSubmitted
		m.SubmittedAt = &now
		if err := c.save(ctx, e, now); err != nil {
			return err
		}

		c.logger.Info("milestone submitted", "escrowId", id, "milestone", index)
		c.emit(ctx, EventMilestoneSubmitted, id, now, map[string]any{"milestone_index": index})
		return nil
	})
}

// ApproveMilestone pays a submitted milestone to the beneficiary. The
// record only records the payment after the transfer succeeded.
func (c *Contract) ApproveMilestone(ctx context.Context, caller string, id, index uint32) error {
	caller = normalize(caller)
	attrs := []attribute.KeyValue{traces.MilestoneIndex(index)}
	return c.mutate(ctx, "approve_milestone", caller, id, attrs, func(ctx context.Context, e *EscrowData, now uint64) error {
		if caller != e.Depositor {
			return ErrNotAuthorized
		}
		if err := requireActive(e); err != nil {
			return err
		}
		m, err := milestoneAt(e, index)
		if err != nil {
			return err
		}
		if m.Status != MilestoneSubmitted {
			return ErrMilestoneNotSubmitted
		}

		if err := c.transfer(ctx, "approve_milestone", e, c.custody, e.Beneficiary, m.Amount, directionToPayee); err != nil {
			return err
		}

		m.Status = MilestoneApproved
		m.ApprovedAt = &now
		m.PaidAmount = m.Amount
		e.PaidAmount += m.Amount
		if err := c.commitAfterTransfer(ctx, e, now, "milestone approval"); err != nil {
			return err
		}

		c.logger.Info("milestone approved", "escrowId", id, "milestone", index, "amount", m.Amount)
		c.emit(ctx, EventMilestoneApproved, id, now, map[string]any{
			"milestone_index": index,
			"amount":          m.Amount,
		})
		return nil
	})
}

// DisputeMilestone suspends the escrow until the arbiter settles the
// disputed milestone.
func (c *Contract) DisputeMilestone(ctx context.Context, caller string, id, index uint32) error {
	caller = normalize(caller)
	attrs := []attribute.KeyValue{traces.MilestoneIndex(index)}
	return c.mutate(ctx, "dispute_milestone", caller, id, attrs, func(ctx context.Context, e *EscrowData, now uint64) error {
		if caller != e.Depositor {
			return ErrNotAuthorized
		}
		if !e.RequiresArbiter {
			return ErrInvalidArbiter
		}
		if err := requireActive(e); err != nil {
			return err
		}
		m, err := milestoneAt(e, index)
		if err != nil {
			return err
		}
		if m.Status != MilestoneSubmitted {
			return ErrMilestoneNotSubmitted
		}

		m.Status = MilestoneDisputed
		e.Status = StatusDisputed
		if err := c.save(ctx, e, now); err != nil {
			return err
		}

		c.logger.Info("milestone disputed", "escrowId", id, "milestone", index)
		c.emit(ctx, EventMilestoneDisputed, id, now, map[string]any{"milestone_index": index})
		return nil
	})
}

// ResolveMilestoneDispute settles a disputed milestone: payToBeneficiary
// goes to the beneficiary and the rest of the milestone back to the
// depositor.
//
// If the depositor leg fails after the beneficiary leg succeeded, the
// beneficiary leg is recorded and the dispute stays open. Calling again
// with the same split transfers only the outstanding leg.
func (c *Contract) ResolveMilestoneDispute(ctx context.Context, caller string, id, index uint32, payToBeneficiary int64) error {
	caller = normalize(caller)
	attrs := []attribute.KeyValue{traces.MilestoneIndex(index), traces.Amount(payToBeneficiary)}
	return c.mutate(ctx, "resolve_milestone_dispute", caller, id, attrs, func(ctx context.Context, e *EscrowData, now uint64) error {
		if !e.RequiresArbiter || caller != e.Arbiter {
			return ErrNotAuthorized
		}
		if e.Status != StatusDisputed {
			return ErrNotAuthorized
		}
		m, err := milestoneAt(e, index)
		if err != nil {
			return err
		}
		if m.Status != MilestoneDisputed {
			return ErrNotAuthorized
		}
		if payToBeneficiary < 0 || payToBeneficiary > m.Amount {
			return ErrInvalidMilestone
		}
		if m.PaidAmount > 0 && payToBeneficiary != m.PaidAmount {
			return ErrInvalidMilestone
		}

		owed := payToBeneficiary - m.PaidAmount
		refund := m.Amount - payToBeneficiary

		if owed > 0 {
			if err := c.transfer(ctx, "resolve_milestone_dispute", e, c.custody, e.Beneficiary, owed, directionToPayee); err != nil {
				return err
			}
			m.PaidAmount = payToBeneficiary
			e.PaidAmount += owed
			if refund > 0 {
				if err := c.commitAfterTransfer(ctx, e, now, "dispute beneficiary leg"); err != nil {
					return err
				}
			}
		}

		if refund > 0 {
			if err := c.transfer(ctx, "resolve_milestone_dispute", e, c.custody, e.Depositor, refund, directionToDepositor); err != nil {
				return err
			}
		}

		m.RefundedAmount = refund
		e.RefundedAmount += refund
		m.Status = MilestoneApproved
		m.ApprovedAt = &now
		e.Status = StatusInProgress
		if err := c.commitAfterTransfer(ctx, e, now, "dispute resolution"); err != nil {
			return err
		}

		c.logger.Info("milestone dispute resolved",
			"escrowId", id, "milestone", index, "toBeneficiary", payToBeneficiary, "toDepositor", refund)
		c.emit(ctx, EventDisputeResolved, id, now, map[string]any{
			"milestone_index": index,
			"to_beneficiary":  payToBeneficiary,
			"to_depositor":    refund,
		})
		c.emit(ctx, EventMilestoneApproved, id, now, map[string]any{
			"milestone_index": index,
			"amount":          payToBeneficiary,
		})
		return nil
	})
}

// Refund returns the escrowed funds to the depositor. Only possible while
// work has not started and strictly before the deadline.
func (c *Contract) Refund(ctx context.Context, caller string, id uint32) error {
	caller = normalize(caller)
	return c.mutate(ctx, "refund", caller, id, nil, func(ctx context.Context, e *EscrowData, now uint64) error {
		if caller != e.Depositor {
			return ErrNotAuthorized
		}
		if e.WorkStarted {
			return ErrWorkStarted
		}
		if e.Status != StatusPending {
			return ErrAlreadyCompleted
		}
		if now >= e.Deadline {
			return ErrNotAuthorized
		}

		amount := e.Custodied()
		if amount > 0 {
			if err := c.transfer(ctx, "refund", e, c.custody, e.Depositor, amount, directionToDepositor); err != nil {
				return err
			}
		}

		e.Status = StatusRefunded
		e.RefundedAmount += amount
		if err := c.commitAfterTransfer(ctx, e, now, "refund"); err != nil {
			return err
		}

		c.logger.Info("escrow refunded", "escrowId", id, "amount", amount)
		c.emit(ctx, EventEscrowRefunded, id, now, map[string]any{"amount": amount})
		return nil
	})
}

// CompleteWork releases an escrow whose milestones are all approved.
func (c *Contract) CompleteWork(ctx context.Context, caller string, id uint32) error {
	caller = normalize(caller)
	return c.mutate(ctx, "complete_work", caller, id, nil, func(ctx context.Context, e *EscrowData, now uint64) error {
		if caller != e.Beneficiary {
			return ErrNotAuthorized
		}
		if err := requireActive(e); err != nil {
			return err
		}
		for i := range e.Milestones {
			if e.Milestones[i].Status != MilestoneApproved {
				return ErrMilestoneNotApproved
			}
		}

		e.Status = StatusReleased
		e.CompletedAt = &now
		if err := c.save(ctx, e, now); err != nil {
			return err
		}

		c.logger.Info("escrow work completed", "escrowId", id)
		c.emit(ctx, EventWorkCompleted, id, now, map[string]any{"completed_at": now})
		return nil
	})
}

// GetEscrow returns the escrow record.
func (c *Contract) GetEscrow(ctx context.Context, id uint32) (*EscrowData, error) {
	return c.load(ctx, id)
}

// NextID returns the id the next successful create would receive. It
// never writes.
func (c *Contract) NextID(ctx context.Context) (uint32, error) {
	return c.nextFreeID(ctx)
}

// maxListScan bounds how many ids one ListByParty call inspects.
const maxListScan = 10000

// ListByParty returns escrows in which identity holds any role, newest
// first, starting below before (0 means from the newest). Expired records
// are skipped. next is the before value for the following page, 0 once
// every id has been scanned.
func (c *Contract) ListByParty(ctx context.Context, identity string, limit int, before uint32) (out []*EscrowData, next uint32, err error) {
	identity = normalize(identity)
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	top, err := c.readCounter(ctx)
	if err != nil {
		return nil, 0, err
	}
	if before != 0 && before-1 < top {
		top = before - 1
	}

	id := top
	for scanned := 0; id > 0 && scanned < maxListScan && len(out) < limit; id, scanned = id-1, scanned+1 {
		e, err := c.load(ctx, id)
		if errors.Is(err, ErrEscrowNotFound) {
			continue
		}
		if err != nil {
			return nil, 0, err
		}
		if e.HasParty(identity) {
			out = append(out, e)
		}
	}
	if id > 0 {
		next = id + 1
	}
	return out, next, nil
}
