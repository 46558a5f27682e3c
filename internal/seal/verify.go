package seal

import (
	"context"
	"fmt"

	"github.com/veripact/veripact/internal/audit"
)

// VerifyChain walks every batch in chain order and checks the integrity
// chain: the first batch descends from GenesisHash, every batch's stored
// hash matches a recomputation over its own fields, and every batch's
// previous_hash equals its predecessor's current_hash. Returns the number
// of batches checked; the first break aborts the walk with an error
// wrapping ErrChainMismatch.
func VerifyChain(ctx context.Context, chain ChainStore) (int, error) {
	prev := GenesisHash
	n := 0
	err := chain.Walk(ctx, func(b *Batch) error {
		if b.PreviousHash != prev {
			return fmt.Errorf("%w: batch %s previous_hash %s, expected %s",
				ErrChainMismatch, b.ID, b.PreviousHash, prev)
		}
		if got := b.Recompute(); got != b.CurrentHash {
			return fmt.Errorf("%w: batch %s stored hash %s, recomputed %s",
				ErrChainMismatch, b.ID, b.CurrentHash, got)
		}
		prev = b.CurrentHash
		n++
		return nil
	})
	return n, err
}

// VerifyBatchEvents recomputes the Merkle root over the given events and
// checks it against the batch. Events must be in the order they were sealed
// (the audit store's ListByBatch order). The stored leaf hashes are used as
// is: a tampered event row changes its leaf and breaks the root, but an
// event edited together with its leaf hash is only caught by recomputing
// the hash from the plaintext details, which this check does not do.
func VerifyBatchEvents(b *Batch, events []*audit.Event) error {
	if len(events) != b.EventCount {
		return fmt.Errorf("%w: batch %s has %d events, descriptor says %d",
			ErrChainMismatch, b.ID, len(events), b.EventCount)
	}
	leaves := make([]string, len(events))
	for i, e := range events {
		leaves[i] = e.EventHash
	}
	tree, err := BuildTree(leaves)
	if err != nil {
		return err
	}
	if tree.Root() != b.MerkleRoot {
		return fmt.Errorf("%w: batch %s merkle root %s, recomputed %s",
			ErrChainMismatch, b.ID, b.MerkleRoot, tree.Root())
	}
	return nil
}
