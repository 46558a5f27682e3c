package directory

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemoryDirectory is an in-process Directory, used in tests and local
// development.
type MemoryDirectory struct {
	mu           sync.RWMutex
	students     map[uuid.UUID]*Student
	institutions map[uuid.UUID]*Institution
}

// NewMemory creates an empty MemoryDirectory.
func NewMemory() *MemoryDirectory {
	return &MemoryDirectory{
		students:     make(map[uuid.UUID]*Student),
		institutions: make(map[uuid.UUID]*Institution),
	}
}

// AddStudent registers a student, assigning an ID if absent.
func (d *MemoryDirectory) AddStudent(s Student) Student {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	d.students[s.ID] = &s
	return s
}

// AddInstitution registers an institution, assigning an ID if absent.
func (d *MemoryDirectory) AddInstitution(inst Institution) Institution {
	d.mu.Lock()
	defer d.mu.Unlock()
	if inst.ID == uuid.Nil {
		inst.ID = uuid.New()
	}
	d.institutions[inst.ID] = &inst
	return inst
}

// FindStudent implements Directory.
func (d *MemoryDirectory) FindStudent(_ context.Context, id uuid.UUID) (*Student, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.students[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

// FindStudentByEmail implements Directory.
func (d *MemoryDirectory) FindStudentByEmail(_ context.Context, email string) (*Student, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, s := range d.students {
		if strings.EqualFold(s.Email, strings.TrimSpace(email)) {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// FindInstitution implements Directory.
func (d *MemoryDirectory) FindInstitution(_ context.Context, id uuid.UUID) (*Institution, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	inst, ok := d.institutions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *inst
	return &cp, nil
}
