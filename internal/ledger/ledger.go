// Package ledger tracks token balances per holder and moves value between
// holders. The escrow contract uses it as its token-transfer collaborator:
// funds are locked by transferring to the custody identity and paid out by
// transferring from it.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/stellapay/escrowd/internal/idgen"
)

var (
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrInvalidAmount       = errors.New("ledger: invalid amount")
	ErrInvalidToken        = errors.New("ledger: invalid token")
	ErrInvalidHolder       = errors.New("ledger: invalid holder")
	ErrSameHolder          = errors.New("ledger: source and destination are the same")
	ErrBalanceOverflow     = errors.New("ledger: balance overflow")
)

// Entry kinds.
const (
	KindTransfer = "transfer"
	KindMint     = "mint"
)

// MintSource is the From of every mint entry.
const MintSource = "mint"

// Entry is one immutable movement of value.
type Entry struct {
	ID        string    `json:"id"`
	Token     string    `json:"token"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Amount    int64     `json:"amount"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"createdAt"`
}

// Balance is a holder's balance of a single token.
type Balance struct {
	Token     string    `json:"token"`
	Holder    string    `json:"holder"`
	Amount    int64     `json:"amount"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// Store persists balances and entries. Transfer and Mint must apply the
// balance changes and the entry atomically.
type Store interface {
	GetBalance(ctx context.Context, token, holder string) (*Balance, error)
	Transfer(ctx context.Context, e *Entry) error
	Mint(ctx context.Context, e *Entry) error
	History(ctx context.Context, holder string, limit int) ([]*Entry, error)
}

// Ledger validates and records value movements.
type Ledger struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

// New creates a new ledger.
func New(store Store) *Ledger {
	return &Ledger{store: store, now: time.Now, logger: slog.Default()}
}

// WithClock sets the clock used for entry timestamps.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// WithLogger sets the logger.
func (l *Ledger) WithLogger(logger *slog.Logger) *Ledger {
	l.logger = logger
	return l
}

// NormalizeHolder canonicalises a holder identity.
func NormalizeHolder(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Transfer moves amount of token from one holder to another.
func (l *Ledger) Transfer(ctx context.Context, token, from, to string, amount int64) error {
	done := observeOp(KindTransfer)
	defer done()

	token, from, to = NormalizeHolder(token), NormalizeHolder(from), NormalizeHolder(to)
	if err := validate(token, to, amount); err != nil {
		return err
	}
	if from == "" {
		return ErrInvalidHolder
	}
	if from == to {
		return ErrSameHolder
	}

	e := &Entry{
		ID:        idgen.Sortable("txn_", l.now()),
		Token:     token,
		From:      from,
		To:        to,
		Amount:    amount,
		Kind:      KindTransfer,
		CreatedAt: l.now(),
	}
	if err := l.store.Transfer(ctx, e); err != nil {
		LedgerOpFailures.WithLabelValues(KindTransfer).Inc()
		return err
	}
	l.logger.Debug("ledger transfer",
		"token", token, "from", from, "to", to, "amount", amount, "entry", e.ID)
	return nil
}

// Mint credits newly created units to a holder. Used by operators to fund
// test accounts.
func (l *Ledger) Mint(ctx context.Context, token, to string, amount int64) (*Entry, error) {
	done := observeOp(KindMint)
	defer done()

	token, to = NormalizeHolder(token), NormalizeHolder(to)
	if err := validate(token, to, amount); err != nil {
		return nil, err
	}
	e := &Entry{
		ID:        idgen.Sortable("txn_", l.now()),
		Token:     token,
		From:      MintSource,
		To:        to,
		Amount:    amount,
		Kind:      KindMint,
		CreatedAt: l.now(),
	}
	if err := l.store.Mint(ctx, e); err != nil {
		LedgerOpFailures.WithLabelValues(KindMint).Inc()
		return nil, fmt.Errorf("mint: %w", err)
	}
	l.logger.Info("ledger mint", "token", token, "to", to, "amount", amount, "entry", e.ID)
	return e, nil
}

// GetBalance returns a holder's balance. Unknown holders have a zero balance.
func (l *Ledger) GetBalance(ctx context.Context, token, holder string) (*Balance, error) {
	return l.store.GetBalance(ctx, NormalizeHolder(token), NormalizeHolder(holder))
}

// History returns the most recent entries touching a holder, newest first.
func (l *Ledger) History(ctx context.Context, holder string, limit int) ([]*Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return l.store.History(ctx, NormalizeHolder(holder), limit)
}

func validate(token, to string, amount int64) error {
	if token == "" || len(token) > 64 {
		return ErrInvalidToken
	}
	if to == "" {
		return ErrInvalidHolder
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

// addChecked returns a+b or ErrBalanceOverflow.
func addChecked(a, b int64) (int64, error) {
	if b > 0 && a > math.MaxInt64-b {
		return 0, ErrBalanceOverflow
	}
	return a + b, nil
}
