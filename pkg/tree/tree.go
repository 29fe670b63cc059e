// Copyright 2025 Signal ID
//
// Sparse incremental Merkle tree with path-copy versioning.
//
// A Version is an immutable snapshot of the tree: Apply returns a new
// Version sharing every untouched subtree with its parent, so speculative
// state is O(depth) per write and discarding it is dropping a pointer.
// Empty subtrees are represented by nil children and precomputed zero
// hashes; only touched paths are materialized.

package tree

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// node is one materialized tree node. Leaves carry the raw commitment value;
// interior nodes carry the Poseidon hash of their children.
type node struct {
	hash  *big.Int
	left  *node
	right *node
}

// Version is an immutable snapshot of the tree
type Version struct {
	depth int
	root  *node
	zeros []*big.Int
}

// NewVersion creates an empty tree snapshot of the given depth
func NewVersion(depth int) (*Version, error) {
	if depth < 1 || depth > 32 {
		return nil, ErrInvalidDepth
	}
	return &Version{
		depth: depth,
		zeros: zeroHashes(depth),
	}, nil
}

// Depth returns the tree depth
func (v *Version) Depth() int {
	return v.depth
}

// Capacity returns the number of leaves
func (v *Version) Capacity() uint64 {
	return uint64(1) << uint(v.depth)
}

// Root returns the snapshot's root
func (v *Version) Root() common.Hash {
	return bigToHash(v.hashOf(v.root, v.depth))
}

// Leaf returns the commitment stored at index
func (v *Version) Leaf(index uint64) (common.Hash, error) {
	if index >= v.Capacity() {
		return common.Hash{}, ErrIndexOutOfRange
	}
	n := v.root
	for level := v.depth; level > 0; level-- {
		if n == nil {
			return common.Hash{}, nil
		}
		if bit(index, level-1) == 0 {
			n = n.left
		} else {
			n = n.right
		}
	}
	if n == nil {
		return common.Hash{}, nil
	}
	return bigToHash(n.hash), nil
}

// Apply writes a commitment at index and returns the resulting snapshot.
// The receiver is unchanged.
func (v *Version) Apply(index uint64, value common.Hash) (*Version, error) {
	if index >= v.Capacity() {
		return nil, ErrIndexOutOfRange
	}
	newRoot := v.set(v.root, v.depth, index, hashToBig(value))
	return &Version{depth: v.depth, root: newRoot, zeros: v.zeros}, nil
}

func (v *Version) set(n *node, level int, index uint64, value *big.Int) *node {
	if level == 0 {
		return &node{hash: value}
	}
	var left, right *node
	if n != nil {
		left, right = n.left, n.right
	}
	if bit(index, level-1) == 0 {
		left = v.set(left, level-1, index, value)
	} else {
		right = v.set(right, level-1, index, value)
	}
	return &node{
		hash:  hashPair(v.hashOf(left, level-1), v.hashOf(right, level-1)),
		left:  left,
		right: right,
	}
}

// hashOf resolves a possibly-empty subtree to its hash
func (v *Version) hashOf(n *node, level int) *big.Int {
	if n == nil {
		return v.zeros[level]
	}
	return n.hash
}

// ============================================================================
// INCLUSION PROOFS
// ============================================================================

// Side indicates where a proof sibling sits relative to the path
type Side int

const (
	// SideLeft means the sibling is the left child
	SideLeft Side = iota
	// SideRight means the sibling is the right child
	SideRight
)

// BranchStep is one step of an inclusion proof, ordered leaf to root
type BranchStep struct {
	Side    Side
	Sibling common.Hash
}

// MarshalJSON encodes a step as {"Left": h} or {"Right": h}
func (s BranchStep) MarshalJSON() ([]byte, error) {
	value := hexutil.Encode(s.Sibling[:])
	if s.Side == SideLeft {
		return json.Marshal(map[string]string{"Left": value})
	}
	return json.Marshal(map[string]string{"Right": value})
}

// UnmarshalJSON decodes {"Left": h} or {"Right": h}
func (s *BranchStep) UnmarshalJSON(data []byte) error {
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if value, ok := raw["Left"]; ok {
		s.Side = SideLeft
		s.Sibling = common.HexToHash(value)
		return nil
	}
	if value, ok := raw["Right"]; ok {
		s.Side = SideRight
		s.Sibling = common.HexToHash(value)
		return nil
	}
	return fmt.Errorf("branch step must have a Left or Right key")
}

// Proof returns the inclusion proof for index, ordered leaf to root
func (v *Version) Proof(index uint64) ([]BranchStep, error) {
	if index >= v.Capacity() {
		return nil, ErrIndexOutOfRange
	}
	steps := make([]BranchStep, v.depth)
	n := v.root
	for level := v.depth; level > 0; level-- {
		var sibling *node
		var pathBit = bit(index, level-1)
		if n != nil {
			if pathBit == 0 {
				sibling = n.right
			} else {
				sibling = n.left
			}
		}
		step := BranchStep{Sibling: bigToHash(v.hashOf(sibling, level-1))}
		if pathBit == 0 {
			step.Side = SideRight
		} else {
			step.Side = SideLeft
		}
		steps[level-1] = step

		if n != nil {
			if pathBit == 0 {
				n = n.left
			} else {
				n = n.right
			}
		}
	}
	return steps, nil
}

// VerifyProof recomputes the root implied by a leaf value and proof
func VerifyProof(leaf common.Hash, steps []BranchStep) common.Hash {
	current := hashToBig(leaf)
	for _, step := range steps {
		sibling := hashToBig(step.Sibling)
		if step.Side == SideLeft {
			current = hashPair(sibling, current)
		} else {
			current = hashPair(current, sibling)
		}
	}
	return bigToHash(current)
}

func bit(index uint64, position int) uint64 {
	return (index >> uint(position)) & 1
}
