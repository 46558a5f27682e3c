// Package seal turns windows of pending audit events into hash-chained,
// Merkle-rooted batches and anchors them to an external sink.
//
// The chain begins at GenesisHash (64 hex zeros). Every batch commits to the
// previous batch's hash, the Merkle root over its events' leaf hashes, its
// timestamp and its event count; any retroactive edit breaks the chain at
// the tampered batch. Anchoring is best-effort: a batch whose sink
// submission fails stays locally sealed and is retried, and its hashes never
// change across retries.
package seal

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/veripact/veripact/internal/audit"
)

// GenesisHash is the defined previous_hash of the first batch in a chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ErrChainMismatch reports a broken previous-hash linkage. Always treated as
// an integrity failure: the operation in progress halts.
var ErrChainMismatch = errors.New("seal: hash chain mismatch")

// ErrAlreadyAnchored is returned when a batch's anchor reference would be
// overwritten. Anchor references are write-once.
var ErrAlreadyAnchored = errors.New("seal: batch already anchored")

// ErrEmptyBatch is returned when a batch build is attempted with no events.
var ErrEmptyBatch = errors.New("seal: cannot build a batch of zero events")

// Batch is one sealed window of audit events.
type Batch struct {
	ID           uuid.UUID `json:"id"`
	PreviousHash string    `json:"previous_hash"`
	CurrentHash  string    `json:"current_hash"`
	MerkleRoot   string    `json:"merkle_root"`
	EventCount   int       `json:"event_count"`
	CreatedAt    time.Time `json:"created_at"`

	// AnchorRef is the external sink's opaque reference, nil until the
	// sink acknowledges the batch.
	AnchorRef *string `json:"external_anchor_ref"`
}

// batchHash computes current_hash over the chain-relevant fields in a fixed
// canonical order. Deterministic: rebuilding a batch from the same inputs
// yields the same hash.
func batchHash(previousHash, merkleRoot string, createdAt time.Time, eventCount int) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d",
		previousHash, merkleRoot, createdAt.UTC().Format(time.RFC3339Nano), eventCount,
	)
	return hex.EncodeToString(h.Sum(nil))
}

// BuildBatch constructs a batch over the given pending events, chained to
// previousHash. The returned tree serves proof generation; event order in
// the tree is the order given (oldest first from DrainPending). Everything
// except the batch ID is a pure function of the inputs.
func BuildBatch(events []*audit.Event, previousHash string, now time.Time) (*Batch, *Tree, error) {
	if len(events) == 0 {
		return nil, nil, ErrEmptyBatch
	}
	leaves := make([]string, len(events))
	for i, e := range events {
		if e.EventHash == "" {
			return nil, nil, fmt.Errorf("seal: event %s has no leaf hash", e.ID)
		}
		leaves[i] = e.EventHash
	}

	tree, err := BuildTree(leaves)
	if err != nil {
		return nil, nil, err
	}

	// TIMESTAMPTZ keeps microseconds, so anything finer would change the
	// hash input after a storage round trip.
	now = now.UTC().Truncate(time.Microsecond)
	b := &Batch{
		ID:           uuid.New(),
		PreviousHash: previousHash,
		MerkleRoot:   tree.Root(),
		EventCount:   len(events),
		CreatedAt:    now,
	}
	b.CurrentHash = batchHash(b.PreviousHash, b.MerkleRoot, b.CreatedAt, b.EventCount)
	return b, tree, nil
}

// Recompute returns the current_hash implied by the batch's own fields.
// A mismatch with the stored CurrentHash means the row was tampered with.
func (b *Batch) Recompute() string {
	return batchHash(b.PreviousHash, b.MerkleRoot, b.CreatedAt, b.EventCount)
}
