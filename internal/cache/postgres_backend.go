package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresMirror wraps a primary Backend (normally RedisBackend) and
// additionally appends every successful Save to a durable cache_history
// table, alongside the primary's live-state storage.
//
// Load and Clear are never served from Postgres — load semantics are
// defined purely in terms of the live record, and the history table
// exists only for operator diagnostics of past cache contents.
type PostgresMirror struct {
	primary Backend
	pool    *pgxpool.Pool

	managerEndpoint string
	channelID       string
}

// NewPostgresMirror dials Postgres and ensures the cache_history table
// exists.
func NewPostgresMirror(ctx context.Context, primary Backend, connString, managerEndpoint, channelID string) (*PostgresMirror, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("cache: postgres connect failed: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("cache: postgres ping failed: %w", err)
	}

	const ddl = `
		CREATE TABLE IF NOT EXISTS cache_history (
			id BIGSERIAL PRIMARY KEY,
			manager_endpoint TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			saved_at TIMESTAMPTZ NOT NULL,
			blob TEXT NOT NULL
		)
	`
	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return nil, fmt.Errorf("cache: failed to ensure cache_history table: %w", err)
	}

	return &PostgresMirror{
		primary:         primary,
		pool:            pool,
		managerEndpoint: managerEndpoint,
		channelID:       channelID,
	}, nil
}

func (p *PostgresMirror) Close() {
	p.pool.Close()
}

func (p *PostgresMirror) Load(ctx context.Context) (string, bool, error) {
	return p.primary.Load(ctx)
}

// Save writes to the primary backend first; the durable history insert is
// best-effort and never fails the Save call, since write-skip-when-
// unchanged semantics are defined against the primary only.
func (p *PostgresMirror) Save(ctx context.Context, blob string) error {
	if err := p.primary.Save(ctx, blob); err != nil {
		return err
	}

	const insert = `
		INSERT INTO cache_history (manager_endpoint, channel_id, saved_at, blob)
		VALUES ($1, $2, $3, $4)
	`
	_, _ = p.pool.Exec(ctx, insert, p.managerEndpoint, p.channelID, time.Now(), blob)
	return nil
}

func (p *PostgresMirror) Clear(ctx context.Context) error {
	return p.primary.Clear(ctx)
}
