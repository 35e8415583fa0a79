package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLimiter shares quota state between instances through PostgreSQL.
// Each admission runs in one transaction holding an advisory lock on the
// session id, so concurrent requests for a session are serialized.
type PostgresLimiter struct {
	pool   *pgxpool.Pool
	limit  int
	window time.Duration
	now    Clock
}

func NewPostgresLimiter(ctx context.Context, pool *pgxpool.Pool, limit int, window time.Duration) (*PostgresLimiter, error) {
	limit, window = normalizeLimits(limit, window)
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS rate_limit_hits (
			session_id TEXT NOT NULL,
			hit_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_rate_limit_hits_session ON rate_limit_hits (session_id, hit_at);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("init rate limit schema: %w", err)
		}
	}
	return &PostgresLimiter{pool: pool, limit: limit, window: window, now: time.Now}, nil
}

func (l *PostgresLimiter) Allow(ctx context.Context, sessionID string) (Decision, error) {
	sessionID = normalizeSessionID(sessionID)
	var d Decision
	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, sessionID); err != nil {
			return fmt.Errorf("lock session: %w", err)
		}
		now := l.now().UTC()
		cutoff := now.Add(-l.window)
		if _, err := tx.Exec(ctx, `DELETE FROM rate_limit_hits WHERE session_id=$1 AND hit_at <= $2`, sessionID, cutoff); err != nil {
			return fmt.Errorf("prune hits: %w", err)
		}

		var (
			count  int
			oldest *time.Time
		)
		if err := tx.QueryRow(ctx,
			`SELECT count(*), min(hit_at) FROM rate_limit_hits WHERE session_id=$1`,
			sessionID,
		).Scan(&count, &oldest); err != nil {
			return fmt.Errorf("count hits: %w", err)
		}

		if count >= l.limit {
			d = Decision{Allowed: false, Remaining: 0, Limit: l.limit}
			if oldest != nil {
				if retry := oldest.Add(l.window).Sub(now); retry > 0 {
					d.RetryAfter = retry
				}
			}
			return nil
		}

		if _, err := tx.Exec(ctx, `INSERT INTO rate_limit_hits (session_id, hit_at) VALUES ($1, $2)`, sessionID, now); err != nil {
			return fmt.Errorf("record hit: %w", err)
		}
		d = Decision{Allowed: true, Remaining: l.limit - (count + 1), Limit: l.limit}
		return nil
	})
	if err != nil {
		return Decision{}, err
	}
	return d, nil
}

func (l *PostgresLimiter) Remaining(ctx context.Context, sessionID string) (int, error) {
	sessionID = normalizeSessionID(sessionID)
	cutoff := l.now().UTC().Add(-l.window)
	var count int
	if err := l.pool.QueryRow(ctx,
		`SELECT count(*) FROM rate_limit_hits WHERE session_id=$1 AND hit_at > $2`,
		sessionID, cutoff,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("count hits: %w", err)
	}
	remaining := l.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Sweep deletes expired rows for every session.
func (l *PostgresLimiter) Sweep(ctx context.Context) (int64, error) {
	tag, err := l.pool.Exec(ctx, `DELETE FROM rate_limit_hits WHERE hit_at <= $1`, l.now().UTC().Add(-l.window))
	if err != nil {
		return 0, fmt.Errorf("sweep hits: %w", err)
	}
	return tag.RowsAffected(), nil
}
