// Copyright 2025 Signal ID
//
// Relayer capability interface - submits signed batch transactions to the
// identity-manager contract and reports their mining status. Transaction
// signing, nonces, and gas management all live behind this boundary.

package relayer

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/signalid/signup-sequencer/pkg/prover"
)

// Common errors for the relayer package
var (
	ErrTransactionUnknown = errors.New("relayer does not know the transaction")
	ErrSubmitRejected     = errors.New("relayer rejected the submission")
)

// TxState is the lifecycle state the relayer reports for a transaction
type TxState string

const (
	TxPending TxState = "pending"
	TxMined   TxState = "mined"
	TxReorged TxState = "reorged"
	TxFailed  TxState = "failed"
)

// TxStatus is the relayer's view of one submitted transaction
type TxStatus struct {
	State TxState `json:"state"`
	Block uint64  `json:"block,omitempty"`
}

// SubmitRequest carries one batch to the contract
type SubmitRequest struct {
	Kind        string          `json:"kind"` // "insertion" or "deletion"
	PreRoot     common.Hash     `json:"pre_root"`
	PostRoot    common.Hash     `json:"post_root"`
	StartIndex  uint64          `json:"start_index"`
	Commitments []common.Hash   `json:"commitments"`
	Proof       json.RawMessage `json:"proof"`
}

// Relayer submits batches and reports their status
type Relayer interface {
	// Submit hands a batch to the relayer and returns its transaction id.
	// The relayer deduplicates by post root, so resubmission is idempotent.
	Submit(ctx context.Context, req *SubmitRequest) (string, error)
	// Status reports the mining state of a previously submitted transaction
	Status(ctx context.Context, transactionID string) (*TxStatus, error)
}

// NewSubmitRequest packs a batch and its proof into the relayer wire format
func NewSubmitRequest(kind string, preRoot, postRoot common.Hash, startIndex uint64, commitments []common.Hash, proof *prover.Proof) (*SubmitRequest, error) {
	encoded, err := json.Marshal(proof)
	if err != nil {
		return nil, err
	}
	return &SubmitRequest{
		Kind:        kind,
		PreRoot:     preRoot,
		PostRoot:    postRoot,
		StartIndex:  startIndex,
		Commitments: commitments,
		Proof:       encoded,
	}, nil
}
