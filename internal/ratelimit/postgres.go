package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresLimiter persists rate-limit records to PostgreSQL. It implements
// Limiter with a single upsert whose increment is computed server-side, so
// concurrent requests for the same key serialise on the row.
type PostgresLimiter struct {
	pool   *pgxpool.Pool
	policy Policy
	logger *zap.Logger
}

// NewPostgres creates a PostgresLimiter backed by the given connection pool.
func NewPostgres(pool *pgxpool.Pool, policy Policy, logger *zap.Logger) *PostgresLimiter {
	return &PostgresLimiter{pool: pool, policy: policy, logger: logger}
}

// checkAndRecordSQL is the whole limiter state machine in one statement.
// Branch order matters: an active block freezes the record, an expired
// window resets the count, a count at the threshold trips the block, and
// only the remaining case increments.
const checkAndRecordSQL = `
INSERT INTO rate_limit_records (client_key, attempt_count, window_start, last_attempt_at)
VALUES ($1, 1, $2, $2)
ON CONFLICT (client_key) DO UPDATE SET
	attempt_count = CASE
		WHEN rate_limit_records.blocked_until > $2 THEN rate_limit_records.attempt_count
		WHEN rate_limit_records.window_start + make_interval(secs => $3) <= $2 THEN 1
		WHEN rate_limit_records.attempt_count >= $4 THEN rate_limit_records.attempt_count
		ELSE rate_limit_records.attempt_count + 1
	END,
	window_start = CASE
		WHEN rate_limit_records.blocked_until > $2 THEN rate_limit_records.window_start
		WHEN rate_limit_records.window_start + make_interval(secs => $3) <= $2 THEN $2
		ELSE rate_limit_records.window_start
	END,
	blocked_until = CASE
		WHEN rate_limit_records.blocked_until > $2 THEN rate_limit_records.blocked_until
		WHEN rate_limit_records.window_start + make_interval(secs => $3) > $2
		     AND rate_limit_records.attempt_count >= $4 THEN $2 + make_interval(secs => $5)
		ELSE NULL
	END,
	last_attempt_at = $2
RETURNING attempt_count, blocked_until`

// CheckAndRecord implements Limiter.
func (l *PostgresLimiter) CheckAndRecord(ctx context.Context, key string, now time.Time) (Decision, error) {
	now = now.UTC()

	var (
		count        int
		blockedUntil *time.Time
	)
	err := l.pool.QueryRow(ctx, checkAndRecordSQL,
		key, now,
		l.policy.Window.Seconds(),
		l.policy.Threshold,
		l.policy.BlockDuration.Seconds(),
	).Scan(&count, &blockedUntil)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit upsert for %q: %w", key, err)
	}

	if blockedUntil != nil && blockedUntil.After(now) {
		l.logger.Debug("client key blocked",
			zap.String("key", key),
			zap.Time("blocked_until", *blockedUntil),
		)
		return Decision{Count: count, BlockedUntil: *blockedUntil}, nil
	}
	return Decision{Allowed: true, Count: count}, nil
}
