package seal

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemoryChain is an in-process, thread-safe ChainStore implementation.
type MemoryChain struct {
	mu      sync.Mutex
	marker  EventMarker
	batches []*Batch
	byID    map[uuid.UUID]*Batch
}

// NewMemoryChain creates an empty MemoryChain that marks events sealed
// through the given marker.
func NewMemoryChain(marker EventMarker) *MemoryChain {
	return &MemoryChain{
		marker: marker,
		byID:   make(map[uuid.UUID]*Batch),
	}
}

// Latest implements ChainStore.
func (c *MemoryChain) Latest(_ context.Context) (*Batch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.batches) == 0 {
		return nil, nil
	}
	cp := *c.batches[len(c.batches)-1]
	return &cp, nil
}

// Append implements ChainStore. The store mutex doubles as the
// single-writer constraint for the chain tip.
func (c *MemoryChain) Append(ctx context.Context, b *Batch, eventIDs []uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tip := GenesisHash
	if len(c.batches) > 0 {
		tip = c.batches[len(c.batches)-1].CurrentHash
	}
	if b.PreviousHash != tip {
		return fmt.Errorf("%w: batch previous_hash %s, chain tip %s",
			ErrChainMismatch, b.PreviousHash, tip)
	}

	if err := c.marker.MarkSealed(ctx, eventIDs, b.ID); err != nil {
		return fmt.Errorf("seal events for batch %s: %w", b.ID, err)
	}

	cp := *b
	c.batches = append(c.batches, &cp)
	c.byID[cp.ID] = &cp
	return nil
}

// SetAnchorRef implements ChainStore.
func (c *MemoryChain) SetAnchorRef(_ context.Context, batchID uuid.UUID, ref string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.byID[batchID]
	if !ok {
		return fmt.Errorf("seal: batch %s not found", batchID)
	}
	if b.AnchorRef != nil {
		return fmt.Errorf("%w: batch %s has ref %s", ErrAlreadyAnchored, batchID, *b.AnchorRef)
	}
	b.AnchorRef = &ref
	return nil
}

// ListUnanchored implements ChainStore.
func (c *MemoryChain) ListUnanchored(_ context.Context, limit int) ([]*Batch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*Batch
	for _, b := range c.batches {
		if b.AnchorRef != nil {
			continue
		}
		cp := *b
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Get implements ChainStore.
func (c *MemoryChain) Get(_ context.Context, batchID uuid.UUID) (*Batch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.byID[batchID]
	if !ok {
		return nil, fmt.Errorf("seal: batch %s not found", batchID)
	}
	cp := *b
	return &cp, nil
}

// Walk implements ChainStore.
func (c *MemoryChain) Walk(_ context.Context, fn func(*Batch) error) error {
	c.mu.Lock()
	snapshot := make([]*Batch, len(c.batches))
	for i, b := range c.batches {
		cp := *b
		snapshot[i] = &cp
	}
	c.mu.Unlock()

	for _, b := range snapshot {
		if err := fn(b); err != nil {
			return err
		}
	}
	return nil
}
