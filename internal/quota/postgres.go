package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresLedger persists quota counters to PostgreSQL. The consume path is
// the canonical conditional update: the WHERE clause is the ceiling check
// and the increment happens server-side, so two concurrent requests for the
// last remaining attempt cannot both succeed.
type PostgresLedger struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgres creates a PostgresLedger backed by the given connection pool.
func NewPostgres(pool *pgxpool.Pool, logger *zap.Logger) *PostgresLedger {
	return &PostgresLedger{pool: pool, logger: logger}
}

// ensure lazily creates the counter row at DefaultLimit. Safe to race: the
// conflict target makes duplicate inserts no-ops.
func (l *PostgresLedger) ensure(ctx context.Context, studentID uuid.UUID) error {
	_, err := l.pool.Exec(ctx,
		`INSERT INTO quota_counters (student_id, used, attempt_limit, updated_at)
		 VALUES ($1, 0, $2, $3)
		 ON CONFLICT (student_id) DO NOTHING`,
		studentID, DefaultLimit, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("ensure quota counter: %w", err)
	}
	return nil
}

// TryConsume implements Ledger.
func (l *PostgresLedger) TryConsume(ctx context.Context, studentID uuid.UUID) (Result, error) {
	if err := l.ensure(ctx, studentID); err != nil {
		return Result{}, err
	}

	var used, limit int
	err := l.pool.QueryRow(ctx,
		`UPDATE quota_counters
		 SET used = used + 1, updated_at = $2
		 WHERE student_id = $1 AND used < attempt_limit
		 RETURNING used, attempt_limit`,
		studentID, time.Now().UTC(),
	).Scan(&used, &limit)
	if err == nil {
		return Result{Allowed: true, Used: used, Limit: limit}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Result{}, fmt.Errorf("consume quota for %s: %w", studentID, err)
	}

	// No row updated: the counter is at its limit. Report it unchanged.
	res, err := l.Get(ctx, studentID)
	if err != nil {
		return Result{}, err
	}
	res.Allowed = false
	return res, nil
}

// Reset implements Ledger.
func (l *PostgresLedger) Reset(ctx context.Context, studentID uuid.UUID) error {
	if err := l.ensure(ctx, studentID); err != nil {
		return err
	}
	_, err := l.pool.Exec(ctx,
		`UPDATE quota_counters SET used = 0, updated_at = $2 WHERE student_id = $1`,
		studentID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("reset quota for %s: %w", studentID, err)
	}
	l.logger.Info("quota counter reset", zap.String("student_id", studentID.String()))
	return nil
}

// SetLimit implements Ledger.
func (l *PostgresLedger) SetLimit(ctx context.Context, studentID uuid.UUID, limit int) error {
	if limit < 0 {
		return errors.New("quota limit must be non-negative")
	}
	if err := l.ensure(ctx, studentID); err != nil {
		return err
	}
	// Clamp used so the quota_counters_used_bounds check holds when the
	// limit drops below the current usage.
	_, err := l.pool.Exec(ctx,
		`UPDATE quota_counters
		    SET attempt_limit = $2, used = LEAST(used, $2), updated_at = $3
		  WHERE student_id = $1`,
		studentID, limit, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set quota limit for %s: %w", studentID, err)
	}
	return nil
}

// Get implements Ledger.
func (l *PostgresLedger) Get(ctx context.Context, studentID uuid.UUID) (Result, error) {
	var used, limit int
	err := l.pool.QueryRow(ctx,
		`SELECT used, attempt_limit FROM quota_counters WHERE student_id = $1`,
		studentID,
	).Scan(&used, &limit)
	if errors.Is(err, pgx.ErrNoRows) {
		return Result{Allowed: true, Used: 0, Limit: DefaultLimit}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("get quota for %s: %w", studentID, err)
	}
	return Result{Allowed: used < limit, Used: used, Limit: limit}, nil
}
