package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore persists ledger data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetBalance(ctx context.Context, token, holder string) (*Balance, error) {
	bal := &Balance{Token: token, Holder: holder}
	err := p.db.QueryRowContext(ctx, `
		SELECT balance, updated_at FROM ledger_balances
		WHERE token = $1 AND identity = $2
	`, token, holder).Scan(&bal.Amount, &bal.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return bal, nil
	}
	if err != nil {
		return nil, err
	}
	return bal, nil
}

// Transfer debits the source with a guarded UPDATE so concurrent transfers
// cannot overdraw it, then credits the destination and records the entry.
func (p *PostgresStore) Transfer(ctx context.Context, e *Entry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE ledger_balances SET
			balance    = balance - $3,
			updated_at = $4
		WHERE token = $1 AND identity = $2 AND balance >= $3
	`, e.Token, e.From, e.Amount, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to debit balance: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrInsufficientBalance
	}

	if err := credit(ctx, tx, e); err != nil {
		return err
	}
	if err := insertEntry(ctx, tx, e); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Mint(ctx context.Context, e *Entry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := credit(ctx, tx, e); err != nil {
		return err
	}
	if err := insertEntry(ctx, tx, e); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) History(ctx context.Context, holder string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, token, from_id, to_id, amount, kind, created_at
		FROM ledger_entries
		WHERE from_id = $1 OR to_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, holder, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.Token, &e.From, &e.To, &e.Amount, &e.Kind, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func credit(ctx context.Context, tx *sql.Tx, e *Entry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_balances (token, identity, balance, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (token, identity) DO UPDATE SET
			balance    = ledger_balances.balance + EXCLUDED.balance,
			updated_at = EXCLUDED.updated_at
	`, e.Token, e.To, e.Amount, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to credit balance: %w", err)
	}
	return nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, e *Entry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, token, from_id, to_id, amount, kind, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.Token, e.From, e.To, e.Amount, e.Kind, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}
	return nil
}
