package seal

import (
	"context"

	"github.com/google/uuid"
)

// ChainStore persists the batch chain. Both MemoryChain and PostgresChain
// implement this interface.
type ChainStore interface {
	// Latest returns the chain tip, or (nil, nil) when no batch exists.
	Latest(ctx context.Context) (*Batch, error)

	// Append persists a batch and marks its events sealed, atomically.
	// It refuses with ErrChainMismatch unless b.PreviousHash equals the
	// current tip's CurrentHash (or GenesisHash on an empty chain);
	// nothing is persisted on refusal.
	Append(ctx context.Context, b *Batch, eventIDs []uuid.UUID) error

	// SetAnchorRef records the external sink's reference for a batch.
	// Write-once: a second call fails with ErrAlreadyAnchored.
	SetAnchorRef(ctx context.Context, batchID uuid.UUID, ref string) error

	// ListUnanchored returns locally sealed batches still awaiting an
	// anchor reference, oldest first.
	ListUnanchored(ctx context.Context, limit int) ([]*Batch, error)

	// Get returns a batch by ID.
	Get(ctx context.Context, batchID uuid.UUID) (*Batch, error)

	// Walk visits every batch in chain order. The callback returning an
	// error stops the walk and propagates it.
	Walk(ctx context.Context, fn func(*Batch) error) error
}

// EventMarker is the slice of the audit store a MemoryChain needs to mark
// events sealed together with batch persistence.
type EventMarker interface {
	MarkSealed(ctx context.Context, ids []uuid.UUID, batchID uuid.UUID) error
}
