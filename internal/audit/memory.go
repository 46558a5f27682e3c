package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/veripact/veripact/internal/envelope"
)

// MemoryStore is an in-process, thread-safe Store implementation.
type MemoryStore struct {
	mu     sync.RWMutex
	codec  *envelope.Codec
	events []*Event
	byID   map[uuid.UUID]*Event
}

// NewMemory creates a MemoryStore. codec may be nil when no event will carry
// sensitive details (tests); Append fails if a sensitive payload arrives
// with no codec configured.
func NewMemory(codec *envelope.Codec) *MemoryStore {
	return &MemoryStore{
		codec: codec,
		byID:  make(map[uuid.UUID]*Event),
	}
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, e *Event) error {
	if err := e.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e.ID = uuid.New()
	e.CreatedAt = time.Now().UTC()
	if err := e.ComputeHash(); err != nil {
		return err
	}

	if len(e.Sensitive) > 0 {
		if s.codec == nil {
			return fmt.Errorf("audit: event %s has sensitive details but no codec configured", e.ID)
		}
		plain, err := canonicalSensitive(e.Sensitive)
		if err != nil {
			return err
		}
		blob, err := s.codec.Seal(plain)
		if err != nil {
			return fmt.Errorf("audit: seal sensitive details: %w", err)
		}
		e.EncryptedPayload = blob
		e.Sensitive = nil
	}

	cp := *e
	s.events = append(s.events, &cp)
	s.byID[cp.ID] = &cp
	return nil
}

// DrainPending implements Store.
func (s *MemoryStore) DrainPending(_ context.Context, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = DefaultDrainLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Event
	for _, e := range s.events {
		if e.SealedInBatch != nil {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// MarkSealed implements Store.
func (s *MemoryStore) MarkSealed(_ context.Context, ids []uuid.UUID, batchID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		e, ok := s.byID[id]
		if !ok {
			return fmt.Errorf("audit: mark sealed: event %s not found", id)
		}
		if e.SealedInBatch != nil {
			return fmt.Errorf("audit: event %s already sealed in batch %s", id, *e.SealedInBatch)
		}
	}
	for _, id := range ids {
		b := batchID
		s.byID[id].SealedInBatch = &b
	}
	return nil
}

// CountPending implements Store.
func (s *MemoryStore) CountPending(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.events {
		if e.SealedInBatch == nil {
			n++
		}
	}
	return n, nil
}

// ListByBatch implements Store.
func (s *MemoryStore) ListByBatch(_ context.Context, batchID uuid.UUID) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Event
	for _, e := range s.events {
		if e.SealedInBatch != nil && *e.SealedInBatch == batchID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("audit: event %s not found", id)
	}
	cp := *e
	return &cp, nil
}
