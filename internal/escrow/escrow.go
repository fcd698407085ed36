// Package escrow implements milestone-based escrow between a depositor and a
// beneficiary, with an optional arbiter who settles disputes.
//
// Flow:
//  1. Depositor creates an escrow → total is transferred into custody
//  2. Beneficiary starts work → refunds are closed for good
//  3. Beneficiary submits a milestone, depositor approves → milestone paid out
//  4. Depositor disputes a submitted milestone → arbiter splits its amount
//  5. All milestones approved → beneficiary completes the escrow
//
// Before work starts and before the deadline, the depositor may refund.
package escrow

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/stellapay/escrowd/internal/idgen"
	"github.com/stellapay/escrowd/internal/kvstore"
	"github.com/stellapay/escrowd/internal/syncutil"
)

// Bounds on escrow duration and storage leases, in seconds.
const (
	MinDuration  uint64 = 3600
	MaxDuration  uint64 = 365 * 24 * 3600
	LeaseBuffer  uint64 = 30 * 24 * 3600
	CounterLease uint64 = 365 * 24 * 3600
)

// DefaultDescription labels milestones created without one.
const DefaultDescription = "milestone"

// Status represents the escrow-level state.
type Status string

const (
	StatusPending    Status = "pending"     // Funded, work not started
	StatusInProgress Status = "in_progress" // Work started, no refunds
	StatusReleased   Status = "released"    // Every milestone settled
	StatusRefunded   Status = "refunded"    // Returned to depositor before work
	StatusDisputed   Status = "disputed"    // A milestone awaits the arbiter
)

// IsTerminal returns true if no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusReleased || s == StatusRefunded
}

// MilestoneStatus represents the state of one milestone.
type MilestoneStatus string

const (
	MilestoneNotStarted MilestoneStatus = "not_started"
	MilestoneSubmitted  MilestoneStatus = "submitted"
	MilestoneApproved   MilestoneStatus = "approved"
	MilestoneDisputed   MilestoneStatus = "disputed"
)

// Milestone is a slice of the escrow total tied to one unit of work.
type Milestone struct {
	Description    string          `json:"description"`
	Amount         int64           `json:"amount"`
	Status         MilestoneStatus `json:"status"`
	PaidAmount     int64           `json:"paidAmount"`
	RefundedAmount int64           `json:"refundedAmount"`
	SubmittedAt    *uint64         `json:"submittedAt,omitempty"`
	ApprovedAt     *uint64         `json:"approvedAt,omitempty"`
}

// EscrowData is the persisted escrow record.
type EscrowData struct {
	ID              uint32      `json:"id"`
	Depositor       string      `json:"depositor"`
	Beneficiary     string      `json:"beneficiary"`
	Arbiter         string      `json:"arbiter,omitempty"`
	RequiresArbiter bool        `json:"requiresArbiter"`
	Token           string      `json:"token"`
	TotalAmount     int64       `json:"totalAmount"`
	PaidAmount      int64       `json:"paidAmount"`
	RefundedAmount  int64       `json:"refundedAmount"`
	Deadline        uint64      `json:"deadline"`
	Status          Status      `json:"status"`
	Milestones      []Milestone `json:"milestones"`
	WorkStarted     bool        `json:"workStarted"`
	CreatedAt       uint64      `json:"createdAt"`
	CompletedAt     *uint64     `json:"completedAt,omitempty"`
}

// Custodied returns the amount still held in custody for this escrow.
func (e *EscrowData) Custodied() int64 {
	if e.Status.IsTerminal() {
		return 0
	}
	return e.TotalAmount - e.PaidAmount - e.RefundedAmount
}

// HasParty reports whether identity holds any role in the escrow.
func (e *EscrowData) HasParty(identity string) bool {
	return identity == e.Depositor || identity == e.Beneficiary ||
		(e.Arbiter != "" && identity == e.Arbiter)
}

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	Depositor       string   `json:"depositor"`
	Beneficiary     string   `json:"beneficiary"`
	Arbiter         string   `json:"arbiter"`
	RequiresArbiter bool     `json:"requiresArbiter"`
	Token           string   `json:"token"`
	Milestones      []int64  `json:"milestones"`
	Descriptions    []string `json:"descriptions,omitempty"`
	Duration        uint64   `json:"duration"` // seconds
}

// TokenLedger moves value between holders.
type TokenLedger interface {
	Transfer(ctx context.Context, token, from, to string, amount int64) error
}

// Authenticator proves that the invoking context controls an identity.
type Authenticator interface {
	RequireAuth(ctx context.Context, identity string) error
}

// Contract is the escrow state machine. Every mutating operation runs as a
// single exclusive transaction over the whole contract state.
type Contract struct {
	store   kvstore.Store
	ledger  TokenLedger
	auth    Authenticator
	custody string
	now     func() time.Time
	emitter Emitter
	logger  *slog.Logger
	gate    *syncutil.Gate
	guard   guard

	owner    string
	lockTTL  time.Duration
	lockWait time.Duration
}

// NewContract creates a contract holding funds under the custody identity.
func NewContract(store kvstore.Store, ledger TokenLedger, auth Authenticator, custody string) *Contract {
	return &Contract{
		store:   store,
		ledger:  ledger,
		auth:    auth,
		custody: normalize(custody),
		now:     time.Now,
		emitter: nopEmitter{},
		logger:  slog.Default(),
		gate:    syncutil.NewGate(),

		owner:    idgen.WithPrefix("escrowd_"),
		lockTTL:  DefaultLockTTL,
		lockWait: DefaultLockWait,
	}
}

// WithClock sets the time oracle. It is read once per operation.
func (c *Contract) WithClock(now func() time.Time) *Contract {
	c.now = now
	return c
}

// WithEmitter sets the event sink.
func (c *Contract) WithEmitter(e Emitter) *Contract {
	c.emitter = e
	return c
}

// WithLockTiming sets how long the shared guard is leased for and how long
// a call waits for another instance to release it.
func (c *Contract) WithLockTiming(ttl, wait time.Duration) *Contract {
	if ttl > 0 {
		c.lockTTL = ttl
	}
	if wait > 0 {
		c.lockWait = wait
	}
	return c
}

// WithLogger sets the logger.
func (c *Contract) WithLogger(l *slog.Logger) *Contract {
	c.logger = l
	return c
}

// Custody returns the identity that holds escrowed funds.
func (c *Contract) Custody() string { return c.custody }

// timestamp reads the clock as unix seconds.
func (c *Contract) timestamp() uint64 {
	t := c.now().Unix()
	if t < 0 {
		return 0
	}
	return uint64(t)
}

// addUint64 returns a+b, or false on overflow.
func addUint64(a, b uint64) (uint64, bool) {
	if a > math.MaxUint64-b {
		return 0, false
	}
	return a + b, true
}
