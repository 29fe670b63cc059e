// Copyright 2025 Signal ID
//
// Prover types - the wire contract for the external batch prover service.

package prover

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
)

// Common errors for the prover package
var (
	ErrUnsupportedBatchSize = errors.New("no prover supports the requested batch size")
	ErrEmptyBatch           = errors.New("batch must contain at least one identity")
)

// Kind distinguishes insertion provers from deletion provers
type Kind string

const (
	KindInsertion Kind = "insertion"
	KindDeletion  Kind = "deletion"
)

// Proof is a Groth16 proof as eight field elements, the order expected by
// the identity-manager contract: A (2), B (4), C (2)
type Proof [8]hexutil.Big

// Job is one batch proving request
type Job struct {
	Kind        Kind
	StartIndex  uint64
	PreRoot     common.Hash
	PostRoot    common.Hash
	Commitments []common.Hash
	// DeletionIndices carries the target leaf of each deletion; empty for
	// insertion jobs, which derive leaves from StartIndex
	DeletionIndices []uint64
	// MerkleProofs holds the pre-write sibling path of each commitment,
	// ordered leaf to root
	MerkleProofs [][]common.Hash
}

// Size returns the batch size of the job
func (j *Job) Size() int {
	return len(j.Commitments)
}

// InputHash computes the public input commitment the prover binds the proof
// to: keccak256 over the packed (start_index, pre_root, post_root,
// commitments...) reduced into the scalar field.
func (j *Job) InputHash() common.Hash {
	packed := make([]byte, 0, 4+32+32+32*len(j.Commitments))
	packed = append(packed,
		byte(j.StartIndex>>24), byte(j.StartIndex>>16), byte(j.StartIndex>>8), byte(j.StartIndex))
	packed = append(packed, j.PreRoot[:]...)
	packed = append(packed, j.PostRoot[:]...)
	for _, c := range j.Commitments {
		packed = append(packed, c[:]...)
	}
	digest := new(big.Int).SetBytes(crypto.Keccak256(packed))
	digest.Mod(digest, fr.Modulus())
	return common.BigToHash(digest)
}

// Error is a typed rejection from the prover service
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("prover rejected request: %s (%s)", e.Message, e.Code)
}

// IsCapacityMismatch reports whether the prover rejected the batch size,
// in which case the former downgrades to a smaller supported size
func (e *Error) IsCapacityMismatch() bool {
	return e.Code == "batch_size_mismatch" || e.Code == "unsupported_batch_size"
}

// proveRequest is the wire format of POST /prove
type proveRequest struct {
	InputHash           common.Hash   `json:"input_hash"`
	StartIndex          uint64        `json:"start_index"`
	PreRoot             common.Hash   `json:"pre_root"`
	PostRoot            common.Hash   `json:"post_root"`
	IdentityCommitments []common.Hash   `json:"identity_commitments"`
	DeletionIndices     []uint64        `json:"deletion_indices,omitempty"`
	MerkleProofs        [][]common.Hash `json:"merkle_proofs"`
}

// proveResponse is the wire format of a successful proof
type proveResponse struct {
	Proof Proof `json:"proof"`
}
