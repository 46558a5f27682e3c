package ratelimit

import (
	"context"
	"sync"
	"time"
)

type record struct {
	count        int
	windowStart  time.Time
	blockedUntil time.Time
	lastAttempt  time.Time
}

// MemoryLimiter is an in-process, thread-safe Limiter implementation.
type MemoryLimiter struct {
	mu      sync.Mutex
	policy  Policy
	records map[string]*record
}

// NewMemory creates a MemoryLimiter with the given policy.
func NewMemory(policy Policy) *MemoryLimiter {
	return &MemoryLimiter{
		policy:  policy,
		records: make(map[string]*record),
	}
}

// CheckAndRecord implements Limiter. The whole read-decide-write sequence
// runs under one mutex, so concurrent callers at the threshold cannot both
// pass.
func (l *MemoryLimiter) CheckAndRecord(_ context.Context, key string, now time.Time) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.records[key]
	if !ok {
		r = &record{windowStart: now}
		l.records[key] = r
	}

	if r.blockedUntil.After(now) {
		return Decision{Count: r.count, BlockedUntil: r.blockedUntil}, nil
	}

	// Logical reset of an expired window; the record is kept.
	if !now.Before(r.windowStart.Add(l.policy.Window)) {
		r.count = 0
		r.windowStart = now
	}

	if r.count >= l.policy.Threshold {
		r.blockedUntil = now.Add(l.policy.BlockDuration)
		r.lastAttempt = now
		return Decision{Count: r.count, BlockedUntil: r.blockedUntil}, nil
	}

	r.count++
	r.lastAttempt = now
	return Decision{Allowed: true, Count: r.count}, nil
}

// GC drops records whose window and block have both expired. Intended for a
// periodic retention sweep, never the request path.
func (l *MemoryLimiter) GC(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, r := range l.records {
		windowOver := !now.Before(r.windowStart.Add(l.policy.Window))
		if windowOver && !r.blockedUntil.After(now) {
			delete(l.records, key)
			removed++
		}
	}
	return removed
}
