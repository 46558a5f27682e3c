package attempt

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process, thread-safe Store implementation.
type MemoryStore struct {
	mu       sync.RWMutex
	attempts []*Attempt
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{}
}

// Record implements Store.
func (s *MemoryStore) Record(_ context.Context, a *Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.ID = uuid.New()
	a.AttemptedAt = time.Now().UTC()
	cp := *a
	s.attempts = append(s.attempts, &cp)
	return nil
}

// FindRecentSuccess implements Store.
func (s *MemoryStore) FindRecentSuccess(_ context.Context, resourceID string, since time.Time) (*Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.attempts) - 1; i >= 0; i-- {
		a := s.attempts[i]
		if a.Success && a.ResourceID == resourceID && !a.AttemptedAt.Before(since) {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

// ListByStudent implements Store.
func (s *MemoryStore) ListByStudent(_ context.Context, studentID uuid.UUID, limit int) ([]*Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Attempt
	for i := len(s.attempts) - 1; i >= 0; i-- {
		a := s.attempts[i]
		if a.StudentID != nil && *a.StudentID == studentID {
			cp := *a
			out = append(out, &cp)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}
