// Package ratelimit implements the sliding-window limiter that guards
// public verification requests.
//
// Each client key owns one record: an attempt count scoped to the current
// window and an optional block-until timestamp. The check-then-increment is
// a single atomic operation on every backend; a record past its window is
// logically reset on next access rather than deleted.
//
// Two implementations of the Limiter interface are provided:
//   - MemoryLimiter: in-process, for testing and single-node deployments.
//   - PostgresLimiter: durable, shared across instances.
package ratelimit

import (
	"context"
	"strings"
	"time"
)

// Policy holds the limiter tuning knobs.
type Policy struct {
	Window        time.Duration // trailing interval attempts are counted over
	Threshold     int           // attempts allowed per window before blocking
	BlockDuration time.Duration // how long a key stays blocked once tripped
}

// DefaultPolicy is the reference policy: 20 attempts per hour, then a
// one-hour block.
func DefaultPolicy() Policy {
	return Policy{
		Window:        time.Hour,
		Threshold:     20,
		BlockDuration: time.Hour,
	}
}

// Decision is the outcome of a single CheckAndRecord call.
type Decision struct {
	Allowed      bool
	Count        int       // attempts recorded in the current window, including this one when allowed
	BlockedUntil time.Time // zero unless blocked
}

// Limiter decides whether a client key may make another attempt, recording
// the attempt as a side effect when allowed.
type Limiter interface {
	// CheckAndRecord applies the policy to key at time now. The check and
	// the increment happen atomically: under concurrent calls at the
	// threshold, at most Policy.Threshold calls per window are allowed.
	CheckAndRecord(ctx context.Context, key string, now time.Time) (Decision, error)
}

// UnknownKey is the degenerate client key used when no identifier could be
// derived. It is rate-limited like any other key, not exempted.
const UnknownKey = "unknown"

// ClientKey derives a stable rate-limit key from a client IP, optionally
// scoped to the resource being verified.
func ClientKey(ip, resourceID string) string {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		ip = UnknownKey
	}
	if resourceID == "" {
		return ip
	}
	return ip + "|" + resourceID
}
