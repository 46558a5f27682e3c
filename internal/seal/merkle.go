package seal

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Tree is a Merkle tree over hex-encoded SHA-256 leaf hashes.
//
// Construction pairs adjacent nodes left to right; when a level has an odd
// count the last node is carried up unchanged, not duplicated. A parent is
// SHA-256 over the concatenation of the two children's hex strings, left
// child first. Proofs and verification use the same convention, so a proof
// generated here verifies nowhere else and vice versa.
type Tree struct {
	// levels[0] is the leaf level; the last level has exactly one node.
	levels [][]string
}

// BuildTree builds a tree over the given leaves. A single leaf is its own
// root. Zero leaves is an error: callers must drain a non-empty window
// before batching.
func BuildTree(leaves []string) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyBatch
	}

	levels := [][]string{append([]string(nil), leaves...)}
	for len(levels[len(levels)-1]) > 1 {
		curr := levels[len(levels)-1]
		next := make([]string, 0, (len(curr)+1)/2)
		for i := 0; i < len(curr); i += 2 {
			if i+1 == len(curr) {
				// Odd node: carried up unchanged.
				next = append(next, curr[i])
				continue
			}
			next = append(next, pairHash(curr[i], curr[i+1]))
		}
		levels = append(levels, next)
	}
	return &Tree{levels: levels}, nil
}

// Root returns the root hash.
func (t *Tree) Root() string {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// LeafCount returns the number of leaves.
func (t *Tree) LeafCount() int {
	return len(t.levels[0])
}

// ProofStep is one sibling on the path from a leaf to the root. Left
// records which side the sibling sits on, which decides concatenation
// order when recomputing the parent.
type ProofStep struct {
	Hash string `json:"hash"`
	Left bool   `json:"left"`
}

// Proof returns the sibling hashes needed to recompute the root from the
// leaf at index. Levels where the node was carried up unpaired contribute
// no step.
func (t *Tree) Proof(index int) ([]ProofStep, error) {
	if index < 0 || index >= t.LeafCount() {
		return nil, fmt.Errorf("seal: proof index %d out of range [0,%d)", index, t.LeafCount())
	}

	var proof []ProofStep
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := index ^ 1
		if sibling < len(level) {
			proof = append(proof, ProofStep{
				Hash: level[sibling],
				Left: sibling < index,
			})
		}
		index /= 2
	}
	return proof, nil
}

// VerifyProof recomputes the root from a leaf hash and its proof and
// reports whether it matches. It is the exact inverse of Proof.
func VerifyProof(leafHash string, proof []ProofStep, root string) bool {
	h := leafHash
	for _, step := range proof {
		if step.Left {
			h = pairHash(step.Hash, h)
		} else {
			h = pairHash(h, step.Hash)
		}
	}
	return h == root
}

func pairHash(left, right string) string {
	sum := sha256.Sum256([]byte(left + right))
	return hex.EncodeToString(sum[:])
}
