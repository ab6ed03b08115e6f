package journal

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrations returns the embedded goose migration files.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// Postgres writes journal rows to the voice_sessions table.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects, pings and applies pending migrations.
func OpenPostgres(ctx context.Context, url string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

// Migrate applies the embedded migrations through a database/sql handle
// borrowed from pool.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return errors.New("journal: nil pool")
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, Migrations())
	if err != nil {
		return fmt.Errorf("journal migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("journal migrate up: %w", err)
	}
	return nil
}

const insertSession = `
INSERT INTO voice_sessions (id, user_id, remote_addr, created_at, state)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO NOTHING`

const closeSession = `
UPDATE voice_sessions
SET closed_at = $2,
    state = $3,
    reason = $4,
    frames_received = $5,
    frames_dropped = $6,
    ingestion_errors = $7,
    agent_errors = $8
WHERE id = $1`

func (p *Postgres) SessionOpened(ctx context.Context, e Entry) error {
	_, err := p.pool.Exec(ctx, insertSession, e.SessionID, e.UserID, e.RemoteAddr, e.CreatedAt, e.State)
	if err != nil {
		return fmt.Errorf("journal insert session: %w", err)
	}
	return nil
}

func (p *Postgres) SessionClosed(ctx context.Context, e Entry) error {
	tag, err := p.pool.Exec(ctx, closeSession,
		e.SessionID, e.ClosedAt, e.State, e.Reason,
		e.FramesReceived, e.FramesDropped, e.IngestionErrors, e.AgentErrors,
	)
	if err != nil {
		return fmt.Errorf("journal close session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("journal close session: no row for %s", e.SessionID)
	}
	return nil
}

// Recent returns a user's latest sessions, newest first.
func (p *Postgres) Recent(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := p.pool.Query(ctx, `
SELECT id, user_id, remote_addr, created_at, COALESCE(closed_at, 'epoch'::timestamptz), state, reason,
       frames_received, frames_dropped, ingestion_errors, agent_errors
FROM voice_sessions
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("journal query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.SessionID, &e.UserID, &e.RemoteAddr, &e.CreatedAt, &e.ClosedAt, &e.State, &e.Reason,
			&e.FramesReceived, &e.FramesDropped, &e.IngestionErrors, &e.AgentErrors); err != nil {
			return nil, fmt.Errorf("journal scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Ping backs the readiness probe.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() {
	if p != nil && p.pool != nil {
		p.pool.Close()
	}
}
