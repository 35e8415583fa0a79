// Package ratelimit enforces a per-session request quota over a rolling
// time window.
package ratelimit

import (
	"context"
	"strings"
	"time"
)

const (
	DefaultLimit  = 10
	DefaultWindow = 24 * time.Hour

	// AnonymousSession is the bucket used for blank session ids.
	AnonymousSession = "anonymous"
)

// Decision is the outcome of a single admission check.
type Decision struct {
	Allowed   bool
	Remaining int
	Limit     int
	// RetryAfter is set on rejection: time until the oldest entry leaves the window.
	RetryAfter time.Duration
}

// Limiter admits or rejects requests for a session.
//
// Allow consumes one unit of quota only when the request is admitted.
// Remaining reports the quota left without consuming any.
type Limiter interface {
	Allow(ctx context.Context, sessionID string) (Decision, error)
	Remaining(ctx context.Context, sessionID string) (int, error)
}

// Clock returns the current time. Tests swap it for a fake.
type Clock func() time.Time

func normalizeSessionID(sessionID string) string {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return AnonymousSession
	}
	return sessionID
}

func normalizeLimits(limit int, window time.Duration) (int, time.Duration) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return limit, window
}
