// Copyright 2025 Signal ID
//
// Poseidon hashing for the sparse incremental Merkle tree.
// The tree hashes over the BN254 scalar field to match the on-chain
// identity-manager contract.

package tree

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/iden3/go-iden3-crypto/poseidon"
)

// hashPair computes Poseidon(left, right)
func hashPair(left, right *big.Int) *big.Int {
	h, err := poseidon.Hash([]*big.Int{left, right})
	if err != nil {
		panic(fmt.Sprintf("poseidon hash failed: %v", err))
	}
	return h
}

// zeroHashes returns the empty-subtree hash for every level: index 0 is the
// empty leaf (the zero commitment), index i+1 is Poseidon(z[i], z[i]).
func zeroHashes(depth int) []*big.Int {
	zeros := make([]*big.Int, depth+1)
	zeros[0] = big.NewInt(0)
	for i := 0; i < depth; i++ {
		zeros[i+1] = hashPair(zeros[i], zeros[i])
	}
	return zeros
}

// EmptyRoot returns the root of an empty tree of the given depth
func EmptyRoot(depth int) common.Hash {
	return common.BigToHash(zeroHashes(depth)[depth])
}

func hashToBig(h common.Hash) *big.Int {
	return new(big.Int).SetBytes(h[:])
}

func bigToHash(v *big.Int) common.Hash {
	return common.BigToHash(v)
}
