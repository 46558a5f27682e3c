// Package directory exposes read access to the student and institution
// records the trust subsystem references. It owns none of those records;
// account management lives elsewhere and writes the tables this package
// only reads.
package directory

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no subject matches the lookup.
var ErrNotFound = errors.New("directory: subject not found")

// Student is a subject whose transcript can be verified.
type Student struct {
	ID            uuid.UUID `json:"id"`
	InstitutionID uuid.UUID `json:"institution_id"`
	Email         string    `json:"email"`
	FullName      string    `json:"full_name"`
	CreatedAt     time.Time `json:"created_at"`
}

// Institution is the administrative owner of its students' quota counters.
type Institution struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Domain    string    `json:"domain"`
	CreatedAt time.Time `json:"created_at"`
}

// Directory is the subject lookup contract consumed by the verification
// path and the admin handlers.
type Directory interface {
	FindStudent(ctx context.Context, id uuid.UUID) (*Student, error)
	FindStudentByEmail(ctx context.Context, email string) (*Student, error)
	FindInstitution(ctx context.Context, id uuid.UUID) (*Institution, error)
}
