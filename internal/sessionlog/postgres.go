package sessionlog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voicetwin/pkg/twin"
)

// ddlSessions creates the archive table. Fragments are stored in arrival
// order as a text array.
const ddlSessions = `
CREATE TABLE IF NOT EXISTS twin_sessions (
    id          TEXT         PRIMARY KEY,
    provider    TEXT         NOT NULL DEFAULT '',
    opened_at   TIMESTAMPTZ  NOT NULL,
    closed_at   TIMESTAMPTZ  NOT NULL,
    reason      TEXT         NOT NULL DEFAULT '',
    error       TEXT         NOT NULL DEFAULT '',
    fragments   TEXT[]       NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_twin_sessions_closed_at
    ON twin_sessions (closed_at DESC);
`

// maxList caps List when the caller passes no limit.
const maxList = 1000

// Postgres archives sessions in a PostgreSQL table through a [pgxpool.Pool].
type Postgres struct {
	pool      *pgxpool.Pool
	closeOnce sync.Once
}

// NewPostgres connects to the database at dsn, verifies the connection and
// runs [Migrate].
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("sessionlog: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("sessionlog: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sessionlog: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

// Migrate creates the archive table if it does not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlSessions); err != nil {
		return fmt.Errorf("sessionlog: migrate: %w", err)
	}
	return nil
}

// Save implements [twin.Recorder]. Saving the same session twice replaces
// the earlier row.
func (p *Postgres) Save(ctx context.Context, r twin.Record) error {
	const q = `
		INSERT INTO twin_sessions (id, provider, opened_at, closed_at, reason, error, fragments)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
		    provider  = EXCLUDED.provider,
		    opened_at = EXCLUDED.opened_at,
		    closed_at = EXCLUDED.closed_at,
		    reason    = EXCLUDED.reason,
		    error     = EXCLUDED.error,
		    fragments = EXCLUDED.fragments`

	fragments := r.Fragments
	if fragments == nil {
		fragments = []string{}
	}
	_, err := p.pool.Exec(ctx, q,
		r.ID,
		r.Provider,
		r.OpenedAt,
		r.ClosedAt,
		string(r.Reason),
		r.Error,
		fragments,
	)
	if err != nil {
		return fmt.Errorf("sessionlog: save %s: %w", r.ID, err)
	}
	return nil
}

// List implements [Store].
func (p *Postgres) List(ctx context.Context, limit int) ([]twin.Record, error) {
	const q = `
		SELECT id, provider, opened_at, closed_at, reason, error, fragments
		FROM   twin_sessions
		ORDER  BY closed_at DESC
		LIMIT  $1`

	if limit <= 0 || limit > maxList {
		limit = maxList
	}
	rows, err := p.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("sessionlog: list: %w", err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (twin.Record, error) {
		var (
			r      twin.Record
			reason string
		)
		if err := row.Scan(&r.ID, &r.Provider, &r.OpenedAt, &r.ClosedAt, &reason, &r.Error, &r.Fragments); err != nil {
			return twin.Record{}, err
		}
		r.Reason = twin.Reason(reason)
		r.OpenedAt = r.OpenedAt.In(time.UTC)
		r.ClosedAt = r.ClosedAt.In(time.UTC)
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("sessionlog: scan rows: %w", err)
	}
	if records == nil {
		records = []twin.Record{}
	}
	return records, nil
}

// Ping implements [Store].
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close implements [Store]. It is safe to call more than once.
func (p *Postgres) Close() error {
	p.closeOnce.Do(p.pool.Close)
	return nil
}
