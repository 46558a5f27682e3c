package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDirectory reads subjects from the application's relational store.
type PostgresDirectory struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a PostgresDirectory backed by the given pool.
func NewPostgres(pool *pgxpool.Pool) *PostgresDirectory {
	return &PostgresDirectory{pool: pool}
}

// FindStudent implements Directory.
func (d *PostgresDirectory) FindStudent(ctx context.Context, id uuid.UUID) (*Student, error) {
	s := &Student{}
	err := d.pool.QueryRow(ctx,
		`SELECT id, institution_id, email, full_name, created_at
		 FROM students WHERE id = $1`, id,
	).Scan(&s.ID, &s.InstitutionID, &s.Email, &s.FullName, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find student %s: %w", id, err)
	}
	return s, nil
}

// FindStudentByEmail implements Directory. Lookup is case-insensitive.
func (d *PostgresDirectory) FindStudentByEmail(ctx context.Context, email string) (*Student, error) {
	s := &Student{}
	err := d.pool.QueryRow(ctx,
		`SELECT id, institution_id, email, full_name, created_at
		 FROM students WHERE lower(email) = lower($1)`, strings.TrimSpace(email),
	).Scan(&s.ID, &s.InstitutionID, &s.Email, &s.FullName, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find student by email: %w", err)
	}
	return s, nil
}

// FindInstitution implements Directory.
func (d *PostgresDirectory) FindInstitution(ctx context.Context, id uuid.UUID) (*Institution, error) {
	inst := &Institution{}
	err := d.pool.QueryRow(ctx,
		`SELECT id, name, domain, created_at FROM institutions WHERE id = $1`, id,
	).Scan(&inst.ID, &inst.Name, &inst.Domain, &inst.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find institution %s: %w", id, err)
	}
	return inst, nil
}
