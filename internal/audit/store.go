package audit

import (
	"context"

	"github.com/google/uuid"
)

// DefaultDrainLimit caps how many pending events a single drain returns.
const DefaultDrainLimit = 100

// Store is the append-only audit event log. Both MemoryStore and
// PostgresStore implement this interface.
//
// Append assigns the event ID, timestamp and leaf hash, seals any Sensitive
// details through the configured codec, and persists the event as pending.
// It never waits on batching or anchoring.
type Store interface {
	Append(ctx context.Context, e *Event) error

	// DrainPending returns unsealed events oldest first, capped at limit
	// (DefaultDrainLimit when limit <= 0). Events stay pending until
	// MarkSealed.
	DrainPending(ctx context.Context, limit int) ([]*Event, error)

	// MarkSealed assigns sealed_in_batch for the given events. This is the
	// single allowed mutation of a stored event.
	MarkSealed(ctx context.Context, ids []uuid.UUID, batchID uuid.UUID) error

	// CountPending reports how many events await sealing.
	CountPending(ctx context.Context) (int, error)

	// ListByBatch returns the events sealed in a batch, oldest first and in
	// the order they were hashed into its tree.
	ListByBatch(ctx context.Context, batchID uuid.UUID) ([]*Event, error)

	// Get returns a single event by ID.
	Get(ctx context.Context, id uuid.UUID) (*Event, error)
}
