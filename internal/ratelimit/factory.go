package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Options selects and configures a Limiter implementation.
type Options struct {
	Store  string
	Limit  int
	Window time.Duration
	// Pool is required for the postgres store.
	Pool *pgxpool.Pool
}

// New builds the limiter named by opts.Store ("memory" or "postgres").
func New(ctx context.Context, opts Options) (Limiter, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Store)) {
	case "", "memory":
		return NewMemoryLimiter(opts.Limit, opts.Window), nil
	case "postgres":
		if opts.Pool == nil {
			return nil, errors.New("postgres rate limit store requires a postgres DATABASE_URL")
		}
		return NewPostgresLimiter(ctx, opts.Pool, opts.Limit, opts.Window)
	default:
		return nil, fmt.Errorf("unsupported rate limit store %q", opts.Store)
	}
}
