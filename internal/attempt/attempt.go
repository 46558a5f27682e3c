// Package attempt stores the immutable record of every transcript
// verification attempt and answers the duplicate-suppression query the
// request path needs.
package attempt

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SuppressionWindow is how long a successful attempt for a resource
// suppresses identical repeats: a retried network call or double-click
// inside this window is answered from the original attempt instead of
// writing a new row or consuming quota again.
const SuppressionWindow = 5 * time.Second

// Attempt is one verification attempt. Immutable once recorded.
type Attempt struct {
	ID          uuid.UUID  `json:"id"`
	StudentID   *uuid.UUID `json:"student_id"` // nil when the subject is unknown
	ResourceID  string     `json:"resource_id"`
	AttemptedAt time.Time  `json:"attempted_at"`
	Success     bool       `json:"success"`
	ClientKey   string     `json:"client_key"`
	ClientAgent string     `json:"client_agent"`
}

// Store persists attempts. Both MemoryStore and PostgresStore implement
// this interface.
type Store interface {
	// Record persists an attempt, assigning ID and AttemptedAt.
	Record(ctx context.Context, a *Attempt) error

	// FindRecentSuccess returns the newest successful attempt for
	// resourceID recorded at or after since, or (nil, nil) when none
	// exists.
	FindRecentSuccess(ctx context.Context, resourceID string, since time.Time) (*Attempt, error)

	// ListByStudent returns a student's attempts, newest first.
	ListByStudent(ctx context.Context, studentID uuid.UUID, limit int) ([]*Attempt, error)
}
