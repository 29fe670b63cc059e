// Copyright 2025 Signal ID
//
// Identity Repository - operations on the identities log and the intake queues.
//
// The identities table is append-only; the pre_root_chain trigger refuses any
// row whose pre_root does not equal the last committed root, so a violated
// chain surfaces here as ErrChainBroken and must be treated as fatal.

package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"
)

// IdentityRepository handles identity log and queue operations
type IdentityRepository struct {
	client *Client
}

// NewIdentityRepository creates a new identity repository
func NewIdentityRepository(client *Client) *IdentityRepository {
	return &IdentityRepository{client: client}
}

// ============================================================================
// INTAKE QUEUES
// ============================================================================

// EnqueueInsertion queues a commitment for insertion into the tree.
//
// The identities log is consulted before the queue so that a commitment
// deleted in a previous process lifetime deterministically reports
// InsertionPreviouslyDeleted instead of being re-queued.
func (r *IdentityRepository) EnqueueInsertion(ctx context.Context, commitment common.Hash) (InsertionOutcome, error) {
	tx, err := r.client.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var leafIndex uint64
	err = tx.QueryRowContext(ctx, `
		SELECT leaf_index FROM identities
		WHERE commitment = $1
		FOR SHARE`, commitment[:]).Scan(&leafIndex)
	switch {
	case err == nil:
		deleted, derr := r.leafDeleted(ctx, tx, commitment, leafIndex)
		if derr != nil {
			return 0, derr
		}
		if deleted {
			return InsertionPreviouslyDeleted, nil
		}
		return InsertionAlreadyPresent, nil
	case err != sql.ErrNoRows:
		return 0, fmt.Errorf("failed to check identities log: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO unprocessed_identities (commitment)
		VALUES ($1)
		ON CONFLICT (commitment) DO NOTHING`, commitment[:])
	if err != nil {
		return 0, fmt.Errorf("failed to queue insertion: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return InsertionAlreadyPresent, nil
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit insertion enqueue: %w", err)
	}
	return InsertionQueued, nil
}

// leafDeleted reports whether the leaf holding commitment was later zeroed,
// either in the log or in the pending deletion queue
func (r *IdentityRepository) leafDeleted(ctx context.Context, tx *sql.Tx, commitment common.Hash, leafIndex uint64) (bool, error) {
	zero := common.Hash{}
	var exists bool
	err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM identities WHERE leaf_index = $1 AND commitment = $2
			UNION ALL
			SELECT 1 FROM deletions WHERE commitment = $3
		)`, leafIndex, zero[:], commitment[:]).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check deletion state: %w", err)
	}
	return exists, nil
}

// EnqueueDeletion queues a deletion request for a previously inserted commitment
func (r *IdentityRepository) EnqueueDeletion(ctx context.Context, commitment common.Hash) (DeletionOutcome, error) {
	tx, err := r.client.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var leafIndex uint64
	err = tx.QueryRowContext(ctx, `
		SELECT leaf_index FROM identities
		WHERE commitment = $1
		FOR SHARE`, commitment[:]).Scan(&leafIndex)
	if err == sql.ErrNoRows {
		var queued bool
		if qerr := tx.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM unprocessed_identities WHERE commitment = $1)`,
			commitment[:]).Scan(&queued); qerr != nil {
			return 0, fmt.Errorf("failed to check unprocessed queue: %w", qerr)
		}
		if queued {
			return DeletionNotYetProcessed, nil
		}
		return DeletionNotFound, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to look up commitment: %w", err)
	}

	deleted, err := r.leafDeleted(ctx, tx, commitment, leafIndex)
	if err != nil {
		return 0, err
	}
	if deleted {
		return DeletionAlreadyDeleted, nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO deletions (commitment, leaf_index)
		VALUES ($1, $2)`, commitment[:], leafIndex); err != nil {
		return 0, fmt.Errorf("failed to queue deletion: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit deletion enqueue: %w", err)
	}
	return DeletionQueued, nil
}

// TakeInsertionCandidates returns up to maxN eligible insertions, FIFO by created_at
func (r *IdentityRepository) TakeInsertionCandidates(ctx context.Context, maxN int, cutoff time.Time) ([]*UnprocessedIdentity, error) {
	rows, err := r.client.QueryContext(ctx, `
		SELECT commitment, created_at
		FROM unprocessed_identities
		WHERE created_at <= $1
		ORDER BY created_at ASC
		LIMIT $2`, cutoff, maxN)
	if err != nil {
		return nil, fmt.Errorf("failed to query insertion candidates: %w", err)
	}
	defer rows.Close()

	var candidates []*UnprocessedIdentity
	for rows.Next() {
		var raw []byte
		candidate := &UnprocessedIdentity{}
		if err := rows.Scan(&raw, &candidate.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan insertion candidate: %w", err)
		}
		candidate.Commitment = common.BytesToHash(raw)
		candidates = append(candidates, candidate)
	}
	return candidates, rows.Err()
}

// OldestUnprocessed returns the enqueue time of the oldest pending insertion
func (r *IdentityRepository) OldestUnprocessed(ctx context.Context) (time.Time, bool, error) {
	var oldest time.Time
	err := r.client.QueryRowContext(ctx, `
		SELECT created_at FROM unprocessed_identities
		ORDER BY created_at ASC LIMIT 1`).Scan(&oldest)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query oldest unprocessed: %w", err)
	}
	return oldest, true, nil
}

// TakeDeletionCandidates returns up to maxN queued deletions, FIFO by created_at
func (r *IdentityRepository) TakeDeletionCandidates(ctx context.Context, maxN int) ([]*DeletionRequest, error) {
	rows, err := r.client.QueryContext(ctx, `
		SELECT commitment, leaf_index, created_at
		FROM deletions
		ORDER BY created_at ASC
		LIMIT $1`, maxN)
	if err != nil {
		return nil, fmt.Errorf("failed to query deletion candidates: %w", err)
	}
	defer rows.Close()

	var candidates []*DeletionRequest
	for rows.Next() {
		var raw []byte
		candidate := &DeletionRequest{}
		if err := rows.Scan(&raw, &candidate.LeafIndex, &candidate.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan deletion candidate: %w", err)
		}
		candidate.Commitment = common.BytesToHash(raw)
		candidates = append(candidates, candidate)
	}
	return candidates, rows.Err()
}

// OldestDeletionRequest returns the enqueue time of the oldest queued deletion
func (r *IdentityRepository) OldestDeletionRequest(ctx context.Context) (time.Time, bool, error) {
	var oldest time.Time
	err := r.client.QueryRowContext(ctx, `
		SELECT created_at FROM deletions
		ORDER BY created_at ASC LIMIT 1`).Scan(&oldest)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query oldest deletion: %w", err)
	}
	return oldest, true, nil
}

// RemoveUnprocessed deletes consumed insertions from the queue within tx
func (r *IdentityRepository) RemoveUnprocessed(ctx context.Context, tx *sql.Tx, commitments []common.Hash) error {
	if len(commitments) == 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		DELETE FROM unprocessed_identities WHERE commitment = ANY($1)`,
		hashArray(commitments))
	if err != nil {
		return fmt.Errorf("failed to remove unprocessed identities: %w", err)
	}
	return nil
}

// RemoveDeletionRequests deletes consumed deletion requests within tx
func (r *IdentityRepository) RemoveDeletionRequests(ctx context.Context, tx *sql.Tx, commitments []common.Hash) error {
	if len(commitments) == 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		DELETE FROM deletions WHERE commitment = ANY($1)`,
		hashArray(commitments))
	if err != nil {
		return fmt.Errorf("failed to remove deletion requests: %w", err)
	}
	return nil
}

// ============================================================================
// IDENTITIES LOG
// ============================================================================

// AppendProcessedIdentity appends one row to the identities log within tx.
// The pre_root_chain trigger rejects the insert unless preRoot equals the
// last row's root; that rejection is surfaced as ErrChainBroken.
func (r *IdentityRepository) AppendProcessedIdentity(ctx context.Context, tx *sql.Tx, preRoot *common.Hash, root common.Hash, leafIndex uint64, commitment common.Hash) error {
	var pre any
	if preRoot != nil {
		pre = preRoot[:]
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO identities (leaf_index, commitment, pre_root, root, status)
		VALUES ($1, $2, $3, $4, 'processed')`,
		leafIndex, commitment[:], pre, root[:])
	if err != nil {
		if strings.Contains(err.Error(), "pre_root_chain") {
			return fmt.Errorf("%w: %v", ErrChainBroken, err)
		}
		return fmt.Errorf("failed to append identity: %w", err)
	}
	return nil
}

// IdentityByCommitment returns the insertion row for a non-zero commitment
func (r *IdentityRepository) IdentityByCommitment(ctx context.Context, commitment common.Hash) (*Identity, error) {
	row := r.client.QueryRowContext(ctx, `
		SELECT id, leaf_index, commitment, pre_root, root, status, created_at, mined_at
		FROM identities
		WHERE commitment = $1`, commitment[:])
	return scanIdentity(row)
}

// LeafDeleted reports whether the given leaf has a deletion row in the log
func (r *IdentityRepository) LeafDeleted(ctx context.Context, leafIndex uint64) (bool, error) {
	zero := common.Hash{}
	var exists bool
	err := r.client.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM identities WHERE leaf_index = $1 AND commitment = $2)`,
		leafIndex, zero[:]).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check leaf deletion: %w", err)
	}
	return exists, nil
}

// DeletionQueuedForCommitment reports whether a deletion request is pending
func (r *IdentityRepository) DeletionQueuedForCommitment(ctx context.Context, commitment common.Hash) (bool, error) {
	var exists bool
	err := r.client.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM deletions WHERE commitment = $1)`,
		commitment[:]).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check deletion queue: %w", err)
	}
	return exists, nil
}

// IsUnprocessed reports whether a commitment is waiting in the insertion queue
func (r *IdentityRepository) IsUnprocessed(ctx context.Context, commitment common.Hash) (bool, error) {
	var exists bool
	err := r.client.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM unprocessed_identities WHERE commitment = $1)`,
		commitment[:]).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check unprocessed queue: %w", err)
	}
	return exists, nil
}

// NextFreeLeafIndex returns 1 + the highest index ever written by an insertion.
// Deleted leaves are never reused.
func (r *IdentityRepository) NextFreeLeafIndex(ctx context.Context) (uint64, error) {
	zero := common.Hash{}
	var next uint64
	err := r.client.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(leaf_index) + 1, 0)
		FROM identities
		WHERE commitment <> $1`, zero[:]).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("failed to compute next free leaf index: %w", err)
	}
	return next, nil
}

// LatestRoot returns the root of the newest log row, or ok=false on an empty log
func (r *IdentityRepository) LatestRoot(ctx context.Context) (common.Hash, bool, error) {
	var raw []byte
	err := r.client.QueryRowContext(ctx, `
		SELECT root FROM identities ORDER BY id DESC LIMIT 1`).Scan(&raw)
	if err == sql.ErrNoRows {
		return common.Hash{}, false, nil
	}
	if err != nil {
		return common.Hash{}, false, fmt.Errorf("failed to query latest root: %w", err)
	}
	return common.BytesToHash(raw), true, nil
}

// MarkMinedUpTo marks every row up to (and including) the row producing root
// as mined. Returns the number of rows updated.
func (r *IdentityRepository) MarkMinedUpTo(ctx context.Context, root common.Hash) (int64, error) {
	result, err := r.client.ExecContext(ctx, `
		UPDATE identities
		SET status = 'mined', mined_at = now()
		WHERE status = 'processed'
		  AND id <= (SELECT MAX(id) FROM identities WHERE root = $1)`, root[:])
	if err != nil {
		return 0, fmt.Errorf("failed to mark identities mined: %w", err)
	}
	return result.RowsAffected()
}

// UnmineFrom reverts rows after the row producing root back to processed.
// If root has no row (rewinding to the empty tree), every row is reverted.
func (r *IdentityRepository) UnmineFrom(ctx context.Context, root common.Hash) (int64, error) {
	result, err := r.client.ExecContext(ctx, `
		UPDATE identities
		SET status = 'processed', mined_at = NULL
		WHERE status = 'mined'
		  AND id > COALESCE((SELECT MAX(id) FROM identities WHERE root = $1), 0)`, root[:])
	if err != nil {
		return 0, fmt.Errorf("failed to unmine identities: %w", err)
	}
	return result.RowsAffected()
}

// RootsSince returns every root the log produced at or after cutoff, oldest first
func (r *IdentityRepository) RootsSince(ctx context.Context, cutoff time.Time) ([]*RootEntry, error) {
	rows, err := r.client.QueryContext(ctx, `
		SELECT root, status, created_at, mined_at
		FROM identities
		WHERE created_at >= $1
		ORDER BY id ASC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query roots: %w", err)
	}
	defer rows.Close()

	var entries []*RootEntry
	for rows.Next() {
		var raw []byte
		var minedAt sql.NullTime
		entry := &RootEntry{}
		if err := rows.Scan(&raw, &entry.Status, &entry.CreatedAt, &minedAt); err != nil {
			return nil, fmt.Errorf("failed to scan root entry: %w", err)
		}
		entry.Root = common.BytesToHash(raw)
		if minedAt.Valid {
			t := minedAt.Time
			entry.MinedAt = &t
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// ReplayIdentities scans the full log in id order, calling fn for each row.
// Used to rebuild the in-memory tree on startup.
func (r *IdentityRepository) ReplayIdentities(ctx context.Context, fn func(*Identity) error) error {
	rows, err := r.client.QueryContext(ctx, `
		SELECT id, leaf_index, commitment, pre_root, root, status, created_at, mined_at
		FROM identities
		ORDER BY id ASC`)
	if err != nil {
		return fmt.Errorf("failed to scan identities log: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		identity, err := scanIdentityRows(rows)
		if err != nil {
			return err
		}
		if err := fn(identity); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ============================================================================
// SINGLETON TIMESTAMPS
// ============================================================================

// SetLatestInsertionTimestamp records the last insertion-batch event time within tx
func (r *IdentityRepository) SetLatestInsertionTimestamp(ctx context.Context, tx *sql.Tx, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO latest_insertion_timestamp (onerow, inserted_at)
		VALUES (TRUE, $1)
		ON CONFLICT (onerow) DO UPDATE SET inserted_at = EXCLUDED.inserted_at`, at)
	if err != nil {
		return fmt.Errorf("failed to set latest insertion timestamp: %w", err)
	}
	return nil
}

// LatestInsertionTimestamp returns the last insertion-batch event time
func (r *IdentityRepository) LatestInsertionTimestamp(ctx context.Context) (time.Time, bool, error) {
	var at time.Time
	err := r.client.QueryRowContext(ctx,
		`SELECT inserted_at FROM latest_insertion_timestamp`).Scan(&at)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query latest insertion timestamp: %w", err)
	}
	return at, true, nil
}

// SetLatestDeletionTimestamp records the last deletion-batch event time within tx
func (r *IdentityRepository) SetLatestDeletionTimestamp(ctx context.Context, tx *sql.Tx, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO latest_deletion_timestamp (onerow, deleted_at)
		VALUES (TRUE, $1)
		ON CONFLICT (onerow) DO UPDATE SET deleted_at = EXCLUDED.deleted_at`, at)
	if err != nil {
		return fmt.Errorf("failed to set latest deletion timestamp: %w", err)
	}
	return nil
}

// LatestDeletionTimestamp returns the last deletion-batch event time
func (r *IdentityRepository) LatestDeletionTimestamp(ctx context.Context) (time.Time, bool, error) {
	var at time.Time
	err := r.client.QueryRowContext(ctx,
		`SELECT deleted_at FROM latest_deletion_timestamp`).Scan(&at)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query latest deletion timestamp: %w", err)
	}
	return at, true, nil
}

// ============================================================================
// SCAN HELPERS
// ============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row *sql.Row) (*Identity, error) {
	identity, err := scanIdentityFrom(row)
	if err == sql.ErrNoRows {
		return nil, ErrIdentityNotFound
	}
	return identity, err
}

func scanIdentityRows(rows *sql.Rows) (*Identity, error) {
	return scanIdentityFrom(rows)
}

func scanIdentityFrom(s rowScanner) (*Identity, error) {
	var rawCommitment, rawRoot []byte
	var rawPreRoot []byte
	identity := &Identity{}
	err := s.Scan(&identity.ID, &identity.LeafIndex, &rawCommitment,
		&rawPreRoot, &rawRoot, &identity.Status, &identity.CreatedAt, &identity.MinedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan identity: %w", err)
	}
	identity.Commitment = common.BytesToHash(rawCommitment)
	identity.Root = common.BytesToHash(rawRoot)
	if rawPreRoot != nil {
		pre := common.BytesToHash(rawPreRoot)
		identity.PreRoot = &pre
	}
	return identity, nil
}

// hashArray converts commitments to a pq bytea array parameter
func hashArray(hashes []common.Hash) pq.ByteaArray {
	arr := make(pq.ByteaArray, len(hashes))
	for i, h := range hashes {
		b := make([]byte, 32)
		copy(b, h[:])
		arr[i] = b
	}
	return arr
}
