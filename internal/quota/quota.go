// Package quota enforces the per-student cap on successful verifications.
//
// Each student owns one monotonic counter checked against a configurable
// limit. Consumption is a single atomic increment-with-ceiling: the counter
// can never pass its limit, under any interleaving of concurrent requests.
// Only an explicit administrator reset brings it back to zero.
package quota

import (
	"context"

	"github.com/google/uuid"
)

// DefaultLimit is the number of verifications a student gets before an
// institution administrator must reset the counter.
const DefaultLimit = 5

// Result reports the outcome of a TryConsume call. Used and Limit are the
// post-call values either way, so callers can render remaining attempts.
type Result struct {
	Allowed bool `json:"allowed"`
	Used    int  `json:"used"`
	Limit   int  `json:"limit"`
}

// Remaining returns the attempts left before the limit.
func (r Result) Remaining() int {
	if r.Used >= r.Limit {
		return 0
	}
	return r.Limit - r.Used
}

// Ledger is the per-student usage counter. Both MemoryLedger and
// PostgresLedger implement this interface.
type Ledger interface {
	// TryConsume atomically increments the student's counter if it is
	// below its limit. A counter at its limit is left unchanged and
	// reported with Allowed=false. A student without a counter gets one
	// lazily at DefaultLimit.
	TryConsume(ctx context.Context, studentID uuid.UUID) (Result, error)

	// Reset sets the student's counter back to zero. Authorisation is the
	// caller's responsibility; every reset must be audited.
	Reset(ctx context.Context, studentID uuid.UUID) error

	// SetLimit changes the student's limit without touching the used count.
	SetLimit(ctx context.Context, studentID uuid.UUID, limit int) error

	// Get reports the current counter without consuming.
	Get(ctx context.Context, studentID uuid.UUID) (Result, error)
}
