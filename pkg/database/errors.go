// Copyright 2025 Signal ID
//
// Package database provides sentinel errors for repository operations.

package database

import "errors"

// Sentinel errors for database operations
var (
	// ErrNotFound is returned when a requested entity is not found in the database
	ErrNotFound = errors.New("entity not found")

	// ErrIdentityNotFound is returned when a commitment has no row in the identities log
	ErrIdentityNotFound = errors.New("identity not found")

	// ErrBatchNotFound is returned when a batch is not found
	ErrBatchNotFound = errors.New("batch not found")

	// ErrTransactionNotFound is returned when a relayer transaction record is not found
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrDuplicateCommitment is returned when an insertion already exists for a commitment
	ErrDuplicateCommitment = errors.New("commitment already queued or processed")

	// ErrCommitmentDeleted is returned when a commitment was previously deleted from the tree
	ErrCommitmentDeleted = errors.New("commitment was deleted")

	// ErrCommitmentNotProcessed is returned when a deletion targets a commitment
	// still waiting in the unprocessed queue
	ErrCommitmentNotProcessed = errors.New("commitment not yet processed")

	// ErrDeletionQueued is returned when a deletion request already exists
	ErrDeletionQueued = errors.New("deletion already queued")

	// ErrChainBroken is returned when the pre-root chain invariant is violated.
	// This is fatal: the caller must stop forming batches.
	ErrChainBroken = errors.New("pre-root chain invariant violated")

	// ErrLockHeld is returned when the batch-former leader lock is held elsewhere
	ErrLockHeld = errors.New("advisory lock held by another session")
)
