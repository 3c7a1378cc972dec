// Package merkle builds binary merkle trees over claim leaves and verifies inclusion proofs.
package merkle

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyTree    = errors.New("merkle tree has no leaves")
	ErrLeafIndex    = errors.New("leaf index out of range")
	ErrProofTooLong = errors.New("proof longer than 64 levels")
	ErrInvalidProof = errors.New("invalid merkle proof")
)

// Tree keeps every level so proofs can be produced without rehashing. levels[0] are the
// leaves, the last level holds the root.
type Tree struct {
	levels [][]Hash
}

// New builds a tree bottom-up. When a level has an odd number of nodes the last node is
// paired with EmptySentinel.
func New(leaves []Hash) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyTree
	}

	level := make([]Hash, len(leaves))
	copy(level, leaves)
	levels := [][]Hash{level}

	for len(level) > 1 {
		next := make([]Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := EmptySentinel
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, NodeHash(level[i], right))
		}
		levels = append(levels, next)
		level = next
	}

	return &Tree{levels: levels}, nil
}

func (t *Tree) Root() Hash {
	return t.levels[len(t.levels)-1][0]
}

func (t *Tree) LeafCount() int {
	return len(t.levels[0])
}

func (t *Tree) Leaf(i int) Hash {
	return t.levels[0][i]
}

// Proof returns the sibling path for leaf i, bottom-up.
func (t *Tree) Proof(i int) ([]Hash, error) {
	if i < 0 || i >= t.LeafCount() {
		return nil, fmt.Errorf("%w: %d of %d", ErrLeafIndex, i, t.LeafCount())
	}

	proof := make([]Hash, 0, len(t.levels)-1)
	idx := i
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := idx ^ 1
		if sibling < len(level) {
			proof = append(proof, level[sibling])
		} else {
			proof = append(proof, EmptySentinel)
		}
		idx /= 2
	}
	return proof, nil
}

// ComputeRoot folds a proof onto a leaf. At level k the direction bit is bit k of index:
// 0 means the running hash is the left child.
func ComputeRoot(leaf Hash, index uint64, proof []Hash) (Hash, error) {
	if len(proof) > 64 {
		return Hash{}, ErrProofTooLong
	}
	if len(proof) < 64 && index>>uint(len(proof)) != 0 {
		return Hash{}, fmt.Errorf("%w: index %d does not fit a proof of depth %d", ErrLeafIndex, index, len(proof))
	}

	h := leaf
	for k, sibling := range proof {
		if (index>>uint(k))&1 == 0 {
			h = NodeHash(h, sibling)
		} else {
			h = NodeHash(sibling, h)
		}
	}
	return h, nil
}

// Verify reports whether proof places leaf at index under root.
func Verify(root, leaf Hash, index uint64, proof []Hash) bool {
	got, err := ComputeRoot(leaf, index, proof)
	if err != nil {
		return false
	}
	return got == root
}
