package escrow

import (
	"context"
	"fmt"
	"log/slog"
)

// Event types.
const (
	EventEscrowCreated      = "escrow.created"
	EventWorkStarted        = "escrow.work_started"
	EventMilestoneSubmitted = "escrow.milestone_submitted"
	EventMilestoneApproved  = "escrow.milestone_approved"
	EventMilestoneDisputed  = "escrow.milestone_disputed"
	EventDisputeResolved    = "escrow.dispute_resolved"
	EventEscrowRefunded     = "escrow.refunded"
	EventWorkCompleted      = "escrow.work_completed"
)

// Event is an informational notice of a committed transition.
type Event struct {
	Type      string         `json:"type"`
	EscrowID  uint32         `json:"escrowId"`
	Timestamp uint64         `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Emitter receives events. Delivery is best effort: the contract never
// depends on it.
type Emitter interface {
	Emit(ctx context.Context, ev Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, ev Event)

func (f EmitterFunc) Emit(ctx context.Context, ev Event) { f(ctx, ev) }

// MultiEmitter fans an event out to several emitters.
type MultiEmitter []Emitter

func (m MultiEmitter) Emit(ctx context.Context, ev Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(ctx, ev)
		}
	}
}

// LogEmitter writes every event to a logger.
type LogEmitter struct {
	Logger *slog.Logger
}

func (l LogEmitter) Emit(ctx context.Context, ev Event) {
	l.Logger.InfoContext(ctx, "escrow event",
		"type", ev.Type, "escrowId", ev.EscrowID, "timestamp", ev.Timestamp, "data", ev.Data)
}

type nopEmitter struct{}

func (nopEmitter) Emit(context.Context, Event) {}

// emit delivers ev, shielding the operation from a panicking sink.
func (c *Contract) emit(ctx context.Context, typ string, id uint32, now uint64, data map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic in escrow event emitter", "type", typ, "panic", fmt.Sprint(r))
		}
	}()
	c.emitter.Emit(ctx, Event{Type: typ, EscrowID: id, Timestamp: now, Data: data})
}
