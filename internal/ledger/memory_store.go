package ledger

import (
	"context"
	"sync"
)

type balanceKey struct {
	token  string
	holder string
}

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	balances map[balanceKey]*Balance
	entries  []*Entry
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[balanceKey]*Balance),
	}
}

func (m *MemoryStore) GetBalance(ctx context.Context, token, holder string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if bal, ok := m.balances[balanceKey{token, holder}]; ok {
		cp := *bal
		return &cp, nil
	}
	return &Balance{Token: token, Holder: holder}, nil
}

// account returns the balance row, creating it if needed. Caller holds the lock.
func (m *MemoryStore) account(token, holder string) *Balance {
	k := balanceKey{token, holder}
	bal, ok := m.balances[k]
	if !ok {
		bal = &Balance{Token: token, Holder: holder}
		m.balances[k] = bal
	}
	return bal
}

func (m *MemoryStore) Transfer(ctx context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	src := m.account(e.Token, e.From)
	if src.Amount < e.Amount {
		return ErrInsufficientBalance
	}
	dst := m.account(e.Token, e.To)
	credited, err := addChecked(dst.Amount, e.Amount)
	if err != nil {
		return err
	}

	src.Amount -= e.Amount
	src.UpdatedAt = e.CreatedAt
	dst.Amount = credited
	dst.UpdatedAt = e.CreatedAt

	cp := *e
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *MemoryStore) Mint(ctx context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dst := m.account(e.Token, e.To)
	credited, err := addChecked(dst.Amount, e.Amount)
	if err != nil {
		return err
	}
	dst.Amount = credited
	dst.UpdatedAt = e.CreatedAt

	cp := *e
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *MemoryStore) History(ctx context.Context, holder string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.entries[i]
		if e.From == holder || e.To == holder {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}
