package attempt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists verification attempts to PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a PostgresStore backed by the given pool.
func NewPostgres(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Record implements Store.
func (s *PostgresStore) Record(ctx context.Context, a *Attempt) error {
	a.ID = uuid.New()
	a.AttemptedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO verification_attempts
		 (id, student_id, resource_id, attempted_at, success, client_key, client_agent)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.StudentID, a.ResourceID, a.AttemptedAt, a.Success, a.ClientKey, a.ClientAgent,
	)
	if err != nil {
		return fmt.Errorf("record verification attempt: %w", err)
	}
	return nil
}

// FindRecentSuccess implements Store.
func (s *PostgresStore) FindRecentSuccess(ctx context.Context, resourceID string, since time.Time) (*Attempt, error) {
	a := &Attempt{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, student_id, resource_id, attempted_at, success, client_key, client_agent
		 FROM verification_attempts
		 WHERE resource_id = $1 AND success AND attempted_at >= $2
		 ORDER BY attempted_at DESC LIMIT 1`,
		resourceID, since.UTC(),
	).Scan(&a.ID, &a.StudentID, &a.ResourceID, &a.AttemptedAt, &a.Success, &a.ClientKey, &a.ClientAgent)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find recent success for %q: %w", resourceID, err)
	}
	return a, nil
}

// ListByStudent implements Store.
func (s *PostgresStore) ListByStudent(ctx context.Context, studentID uuid.UUID, limit int) ([]*Attempt, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, student_id, resource_id, attempted_at, success, client_key, client_agent
		 FROM verification_attempts
		 WHERE student_id = $1
		 ORDER BY attempted_at DESC LIMIT $2`,
		studentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list attempts for student %s: %w", studentID, err)
	}
	defer rows.Close()

	var out []*Attempt
	for rows.Next() {
		a := &Attempt{}
		if err := rows.Scan(&a.ID, &a.StudentID, &a.ResourceID, &a.AttemptedAt,
			&a.Success, &a.ClientKey, &a.ClientAgent); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
