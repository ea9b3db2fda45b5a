package statestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres backs the store with two tables: a kv table for state records and
// a lease table for the cross-process lock.
type Postgres struct {
	pool *pgxpool.Pool
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS arb_kv (
    key        TEXT PRIMARY KEY,
    value      BYTEA NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS arb_lease (
    name       TEXT PRIMARY KEY,
    holder     TEXT NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);`

// NewPostgres connects and ensures the schema exists.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("statestore: connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("statestore: ensure schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := p.pool.QueryRow(ctx, `SELECT value FROM arb_kv WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("statestore: get %s: %w", key, err)
	}
	return value, nil
}

func (p *Postgres) Put(ctx context.Context, key string, value []byte) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO arb_kv (key, value, updated_at) VALUES ($1, $2, now())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`, key, value)
	if err != nil {
		return fmt.Errorf("statestore: put %s: %w", key, err)
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, key string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM arb_kv WHERE key = $1`, key); err != nil {
		return fmt.Errorf("statestore: delete %s: %w", key, err)
	}
	return nil
}

// WriteBatch applies all entries in one transaction.
func (p *Postgres) WriteBatch(ctx context.Context, entries map[string][]byte) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("statestore: begin batch: %w", err)
	}
	defer tx.Rollback(ctx)

	for key, value := range entries {
		if value == nil {
			if _, err := tx.Exec(ctx, `DELETE FROM arb_kv WHERE key = $1`, key); err != nil {
				return fmt.Errorf("statestore: batch delete %s: %w", key, err)
			}
			continue
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO arb_kv (key, value, updated_at) VALUES ($1, $2, now())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`, key, value); err != nil {
			return fmt.Errorf("statestore: batch put %s: %w", key, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("statestore: commit batch: %w", err)
	}
	return nil
}

func (p *Postgres) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	rows, err := p.pool.Query(ctx, `SELECT key, value FROM arb_kv WHERE key LIKE $1 || '%'`, prefix)
	if err != nil {
		return nil, fmt.Errorf("statestore: list %s: %w", prefix, err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("statestore: list scan: %w", err)
		}
		out[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("statestore: list rows: %w", err)
	}
	return out, nil
}

// Acquire takes the named lease unless a different live holder owns it.
// Stealing an expired lease is a single upsert, so two contenders cannot
// both win.
func (p *Postgres) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
INSERT INTO arb_lease (name, holder, expires_at)
VALUES ($1, $2, now() + make_interval(secs => $3))
ON CONFLICT (name) DO UPDATE
SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
WHERE arb_lease.holder = EXCLUDED.holder OR arb_lease.expires_at < now()`,
		name, holder, ttl.Seconds())
	if err != nil {
		return false, fmt.Errorf("statestore: acquire lock %s: %w", name, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) Renew(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
UPDATE arb_lease SET expires_at = now() + make_interval(secs => $3)
WHERE name = $1 AND holder = $2`, name, holder, ttl.Seconds())
	if err != nil {
		return false, fmt.Errorf("statestore: renew lock %s: %w", name, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) Release(ctx context.Context, name, holder string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM arb_lease WHERE name = $1 AND holder = $2`, name, holder); err != nil {
		return fmt.Errorf("statestore: release lock %s: %w", name, err)
	}
	return nil
}
