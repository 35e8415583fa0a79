package ratelimit

import (
	"context"
	"sync"
	"time"
)

type bucket struct {
	mu      sync.Mutex
	hits    []time.Time
	removed bool
}

// prune drops timestamps at or before cutoff. hits is kept in ascending order.
func (b *bucket) prune(cutoff time.Time) {
	i := 0
	for i < len(b.hits) && !b.hits[i].After(cutoff) {
		i++
	}
	if i > 0 {
		b.hits = append(b.hits[:0], b.hits[i:]...)
	}
}

// MemoryLimiter keeps request timestamps in process memory. State is lost on
// restart and is not shared between instances.
type MemoryLimiter struct {
	limit  int
	window time.Duration
	now    Clock

	mu      sync.Mutex
	buckets map[string]*bucket
}

type MemoryOption func(*MemoryLimiter)

func WithClock(now Clock) MemoryOption {
	return func(l *MemoryLimiter) {
		if now != nil {
			l.now = now
		}
	}
}

func NewMemoryLimiter(limit int, window time.Duration, opts ...MemoryOption) *MemoryLimiter {
	limit, window = normalizeLimits(limit, window)
	l := &MemoryLimiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *MemoryLimiter) Allow(_ context.Context, sessionID string) (Decision, error) {
	sessionID = normalizeSessionID(sessionID)
	for {
		b := l.bucketFor(sessionID)
		b.mu.Lock()
		if b.removed {
			// Swept between lookup and lock; take the fresh bucket.
			b.mu.Unlock()
			continue
		}
		d := l.admit(b)
		b.mu.Unlock()
		return d, nil
	}
}

func (l *MemoryLimiter) admit(b *bucket) Decision {
	now := l.now()
	b.prune(now.Add(-l.window))
	if len(b.hits) >= l.limit {
		retry := b.hits[0].Add(l.window).Sub(now)
		if retry < 0 {
			retry = 0
		}
		return Decision{Allowed: false, Remaining: 0, Limit: l.limit, RetryAfter: retry}
	}
	b.hits = append(b.hits, now)
	return Decision{Allowed: true, Remaining: l.limit - len(b.hits), Limit: l.limit}
}

func (l *MemoryLimiter) Remaining(_ context.Context, sessionID string) (int, error) {
	sessionID = normalizeSessionID(sessionID)
	l.mu.Lock()
	b, ok := l.buckets[sessionID]
	l.mu.Unlock()
	if !ok {
		return l.limit, nil
	}

	cutoff := l.now().Add(-l.window)
	b.mu.Lock()
	defer b.mu.Unlock()
	live := 0
	for _, at := range b.hits {
		if at.After(cutoff) {
			live++
		}
	}
	remaining := l.limit - live
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

func (l *MemoryLimiter) bucketFor(sessionID string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[sessionID]
	if !ok {
		b = &bucket{}
		l.buckets[sessionID] = b
	}
	return b
}

// Len returns the number of tracked sessions.
func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Sweep forgets sessions whose timestamps have all left the window and
// returns how many were dropped. Quota accounting is unaffected.
func (l *MemoryLimiter) Sweep() int {
	cutoff := l.now().Add(-l.window)
	dropped := 0

	l.mu.Lock()
	defer l.mu.Unlock()
	for id, b := range l.buckets {
		b.mu.Lock()
		b.prune(cutoff)
		if len(b.hits) == 0 {
			b.removed = true
			delete(l.buckets, id)
			dropped++
		}
		b.mu.Unlock()
	}
	return dropped
}

// StartSweeper runs Sweep on interval until ctx is done. A non-positive
// interval disables sweeping.
func (l *MemoryLimiter) StartSweeper(ctx context.Context, interval time.Duration, onSweep func(dropped int)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n := l.Sweep()
				if onSweep != nil {
					onSweep(n)
				}
			}
		}
	}()
}
