package conversation

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewStore picks a backend from databaseURL: empty means in-memory,
// "sqlite://path" (or "sqlite:path") means SQLite, anything else is treated
// as a PostgreSQL URL. A non-nil pool is reused for PostgreSQL.
func NewStore(ctx context.Context, databaseURL string, pool *pgxpool.Pool) (Store, error) {
	databaseURL = strings.TrimSpace(databaseURL)
	switch {
	case databaseURL == "":
		return NewInMemoryStore(), nil
	case IsSQLiteURL(databaseURL):
		return NewSQLiteStore(ctx, SQLitePath(databaseURL))
	case pool != nil:
		return NewPostgresStoreWithPool(ctx, pool)
	default:
		return NewPostgresStore(ctx, databaseURL)
	}
}

func IsSQLiteURL(databaseURL string) bool {
	return strings.HasPrefix(databaseURL, "sqlite:")
}

func SQLitePath(databaseURL string) string {
	p := strings.TrimPrefix(databaseURL, "sqlite:")
	return strings.TrimPrefix(p, "//")
}

func unixNanoUTC(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}
