package quota

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

type counter struct {
	used  int
	limit int
}

// MemoryLedger is an in-process, thread-safe Ledger implementation.
type MemoryLedger struct {
	mu       sync.Mutex
	counters map[uuid.UUID]*counter
}

// NewMemory creates an empty MemoryLedger.
func NewMemory() *MemoryLedger {
	return &MemoryLedger{counters: make(map[uuid.UUID]*counter)}
}

func (l *MemoryLedger) counterLocked(studentID uuid.UUID) *counter {
	c, ok := l.counters[studentID]
	if !ok {
		c = &counter{limit: DefaultLimit}
		l.counters[studentID] = c
	}
	return c
}

// TryConsume implements Ledger.
func (l *MemoryLedger) TryConsume(_ context.Context, studentID uuid.UUID) (Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c := l.counterLocked(studentID)
	if c.used >= c.limit {
		return Result{Used: c.used, Limit: c.limit}, nil
	}
	c.used++
	return Result{Allowed: true, Used: c.used, Limit: c.limit}, nil
}

// Reset implements Ledger.
func (l *MemoryLedger) Reset(_ context.Context, studentID uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counterLocked(studentID).used = 0
	return nil
}

// SetLimit implements Ledger.
func (l *MemoryLedger) SetLimit(_ context.Context, studentID uuid.UUID, limit int) error {
	if limit < 0 {
		return errors.New("quota limit must be non-negative")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	c := l.counterLocked(studentID)
	c.limit = limit
	if c.used > limit {
		c.used = limit
	}
	return nil
}

// Get implements Ledger.
func (l *MemoryLedger) Get(_ context.Context, studentID uuid.UUID) (Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := l.counterLocked(studentID)
	return Result{Allowed: c.used < c.limit, Used: c.used, Limit: c.limit}, nil
}
