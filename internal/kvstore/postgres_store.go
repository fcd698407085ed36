package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore persists entries in the kv_entries table.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// WithClock sets the time source used for lease accounting.
func (p *PostgresStore) WithClock(now func() time.Time) *PostgresStore {
	p.now = now
	return p
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT value FROM kv_entries WHERE key = $1 AND expires_at > $2`,
		key, p.now(),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (p *PostgresStore) Put(ctx context.Context, key string, value []byte, lease time.Duration) error {
	if err := validWrite(key, lease); err != nil {
		return err
	}
	now := p.now()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO kv_entries (key, value, expires_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at`,
		key, value, now.Add(lease), now,
	)
	return err
}

// TryLock inserts the lock row, or takes over a row whose lease has run
// out. The conflicting row is locked by the upsert, so two callers racing
// for the same key cannot both see a row affected.
func (p *PostgresStore) TryLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if err := validWrite(key, ttl); err != nil {
		return false, err
	}
	now := p.now()
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO kv_entries (key, value, expires_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at
		WHERE kv_entries.expires_at <= $4`,
		key, []byte(owner), now.Add(ttl), now,
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (p *PostgresStore) Unlock(ctx context.Context, key, owner string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM kv_entries WHERE key = $1 AND value = $2`, key, []byte(owner))
	return err
}

func (p *PostgresStore) Lease(ctx context.Context, key string) (time.Duration, error) {
	now := p.now()
	var expiresAt time.Time
	err := p.db.QueryRowContext(ctx, `
		SELECT expires_at FROM kv_entries WHERE key = $1 AND expires_at > $2`,
		key, now,
	).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return expiresAt.Sub(now), nil
}

// PurgeExpired deletes up to limit expired rows.
func (p *PostgresStore) PurgeExpired(ctx context.Context, limit int) (int, error) {
	result, err := p.db.ExecContext(ctx, `
		DELETE FROM kv_entries WHERE key IN (
			SELECT key FROM kv_entries WHERE expires_at <= $1 LIMIT $2
		)`, p.now(), limit)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}
