// Copyright 2025 Signal ID
//
// Database types for the sequencer's durable store.
// These types map directly to the PostgreSQL schema in migrations/001_initial_schema.sql.

package database

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ============================================================================
// IDENTITY LOG TYPES
// ============================================================================

// IdentityStatus tracks how far an identity row has progressed on chain
type IdentityStatus string

const (
	// StatusProcessed means the row is in the log but its batch is not yet mined
	StatusProcessed IdentityStatus = "processed"
	// StatusMined means the batch carrying this row has been mined on chain
	StatusMined IdentityStatus = "mined"
)

// Identity is one row of the append-only identities log.
// Maps to: identities table
type Identity struct {
	ID         int64          `db:"id" json:"id"`
	LeafIndex  uint64         `db:"leaf_index" json:"leaf_index"`
	Commitment common.Hash    `db:"commitment" json:"commitment"`
	PreRoot    *common.Hash   `db:"pre_root" json:"pre_root,omitempty"` // nil only on the first row
	Root       common.Hash    `db:"root" json:"root"`
	Status     IdentityStatus `db:"status" json:"status"`
	CreatedAt  time.Time      `db:"created_at" json:"created_at"`
	MinedAt    sql.NullTime   `db:"mined_at" json:"mined_at,omitempty"`
}

// IsDeletion reports whether this row wrote the zero commitment
func (i *Identity) IsDeletion() bool {
	return i.Commitment == (common.Hash{})
}

// UnprocessedIdentity is an insertion accepted from a client but not yet
// placed in the tree.
// Maps to: unprocessed_identities table
type UnprocessedIdentity struct {
	Commitment common.Hash `db:"commitment" json:"commitment"`
	CreatedAt  time.Time   `db:"created_at" json:"created_at"`
}

// DeletionRequest is a queued request to replace a leaf with the zero commitment.
// Maps to: deletions table
type DeletionRequest struct {
	Commitment common.Hash `db:"commitment" json:"commitment"`
	LeafIndex  uint64      `db:"leaf_index" json:"leaf_index"`
	CreatedAt  time.Time   `db:"created_at" json:"created_at"`
}

// ============================================================================
// BATCH TYPES
// ============================================================================

// BatchKind distinguishes insertion batches from deletion batches
type BatchKind string

const (
	BatchKindInsertion BatchKind = "insertion"
	BatchKindDeletion  BatchKind = "deletion"
)

// Batch is one link of the linear batch chain.
// Maps to: batches table
type Batch struct {
	ID          int64           `db:"id" json:"id"`
	NextRoot    common.Hash     `db:"next_root" json:"next_root"`
	PrevRoot    *common.Hash    `db:"prev_root" json:"prev_root,omitempty"` // nil on the genesis link
	Kind        BatchKind       `db:"kind" json:"kind"`
	Commitments []common.Hash   `db:"commitments" json:"commitments"`
	LeafIndexes []uint64        `db:"leaf_indexes" json:"leaf_indexes"`
	Proof       json.RawMessage `db:"proof" json:"proof"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
}

// StartIndex returns the first leaf index of the batch
func (b *Batch) StartIndex() uint64 {
	if len(b.LeafIndexes) == 0 {
		return 0
	}
	return b.LeafIndexes[0]
}

// TransactionRecord records the relayer transaction carrying a batch.
// MinedAt is the first mined observation; ConfirmedAt is set only once the
// mine has reached the required confirmation depth.
// Maps to: transactions table
type TransactionRecord struct {
	TransactionID string       `db:"transaction_id" json:"transaction_id"`
	BatchNextRoot common.Hash  `db:"batch_next_root" json:"batch_next_root"`
	CreatedAt     time.Time    `db:"created_at" json:"created_at"`
	MinedAt       sql.NullTime `db:"mined_at" json:"mined_at,omitempty"`
	ConfirmedAt   sql.NullTime `db:"confirmed_at" json:"confirmed_at,omitempty"`
}

// ============================================================================
// ROOT HISTORY TYPES
// ============================================================================

// RootEntry is one root the log has produced, with its mining status
type RootEntry struct {
	Root      common.Hash    `json:"root"`
	Status    IdentityStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	MinedAt   *time.Time     `json:"mined_at,omitempty"`
}

// ============================================================================
// ENQUEUE OUTCOMES
// ============================================================================

// InsertionOutcome is the typed result of an insertion enqueue
type InsertionOutcome int

const (
	InsertionQueued InsertionOutcome = iota
	InsertionAlreadyPresent
	InsertionPreviouslyDeleted
)

// DeletionOutcome is the typed result of a deletion enqueue
type DeletionOutcome int

const (
	DeletionQueued DeletionOutcome = iota
	DeletionNotFound
	DeletionAlreadyDeleted
	DeletionNotYetProcessed
)
