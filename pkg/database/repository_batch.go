// Copyright 2025 Signal ID
//
// Batch Repository - operations on the batch chain and relayer transactions.
//
// Batches form a single linear chain keyed by root: next_root is the primary
// key, prev_root is UNIQUE and references another batch's next_root, and a
// partial unique index admits exactly one genesis link with NULL prev_root.

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"
)

// BatchRepository handles batch chain operations
type BatchRepository struct {
	client *Client
}

// NewBatchRepository creates a new batch repository
func NewBatchRepository(client *Client) *BatchRepository {
	return &BatchRepository{client: client}
}

// ============================================================================
// BATCH CHAIN
// ============================================================================

// InsertBatch appends one link to the batch chain within tx.
// The chain constraints reject a prev_root that does not match an existing
// next_root, and a second genesis link.
func (r *BatchRepository) InsertBatch(ctx context.Context, tx *sql.Tx, batch *Batch) error {
	var prev any
	if batch.PrevRoot != nil {
		prev = batch.PrevRoot[:]
	}

	indexes := make(pq.Int64Array, len(batch.LeafIndexes))
	for i, idx := range batch.LeafIndexes {
		indexes[i] = int64(idx)
	}

	err := tx.QueryRowContext(ctx, `
		INSERT INTO batches (next_root, prev_root, kind, commitments, leaf_indexes, proof)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		batch.NextRoot[:], prev, batch.Kind,
		hashArray(batch.Commitments), indexes, []byte(batch.Proof),
	).Scan(&batch.ID, &batch.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert batch: %w", err)
	}
	return nil
}

// OldestUnsubmittedBatch returns the oldest batch without a transactions row.
// The chain shape guarantees at most one such frontier exists at a time, but
// several may accumulate while the relayer is down; ordering by id picks the
// next link to submit.
func (r *BatchRepository) OldestUnsubmittedBatch(ctx context.Context) (*Batch, error) {
	row := r.client.QueryRowContext(ctx, `
		SELECT b.id, b.next_root, b.prev_root, b.kind, b.commitments, b.leaf_indexes, b.proof, b.created_at
		FROM batches b
		LEFT JOIN transactions t ON t.batch_next_root = b.next_root
		WHERE t.transaction_id IS NULL
		ORDER BY b.id ASC
		LIMIT 1`)
	batch, err := scanBatch(row)
	if err == sql.ErrNoRows {
		return nil, ErrBatchNotFound
	}
	return batch, err
}

// BatchByNextRoot returns the batch producing the given root
func (r *BatchRepository) BatchByNextRoot(ctx context.Context, nextRoot common.Hash) (*Batch, error) {
	row := r.client.QueryRowContext(ctx, `
		SELECT id, next_root, prev_root, kind, commitments, leaf_indexes, proof, created_at
		FROM batches
		WHERE next_root = $1`, nextRoot[:])
	batch, err := scanBatch(row)
	if err == sql.ErrNoRows {
		return nil, ErrBatchNotFound
	}
	return batch, err
}

// HeadBatch returns the newest link of the chain
func (r *BatchRepository) HeadBatch(ctx context.Context) (*Batch, error) {
	row := r.client.QueryRowContext(ctx, `
		SELECT id, next_root, prev_root, kind, commitments, leaf_indexes, proof, created_at
		FROM batches
		ORDER BY id DESC
		LIMIT 1`)
	batch, err := scanBatch(row)
	if err == sql.ErrNoRows {
		return nil, ErrBatchNotFound
	}
	return batch, err
}

// DeleteBatchesUpTo prunes every chain link strictly older than the batch
// producing nextRoot, then promotes that batch to the new genesis link.
// The whole rewrite happens in one transaction with the chain FK deferred.
func (r *BatchRepository) DeleteBatchesUpTo(ctx context.Context, nextRoot common.Hash) (int64, error) {
	tx, err := r.client.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "SET CONSTRAINTS ALL DEFERRED"); err != nil {
		return 0, fmt.Errorf("failed to defer constraints: %w", err)
	}

	var frontierID int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM batches WHERE next_root = $1`, nextRoot[:]).Scan(&frontierID)
	if err == sql.ErrNoRows {
		return 0, ErrBatchNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to find frontier batch: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM transactions
		WHERE batch_next_root IN (SELECT next_root FROM batches WHERE id < $1)`,
		frontierID); err != nil {
		return 0, fmt.Errorf("failed to prune transactions: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`DELETE FROM batches WHERE id < $1`, frontierID)
	if err != nil {
		return 0, fmt.Errorf("failed to prune batches: %w", err)
	}
	pruned, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE batches SET prev_root = NULL WHERE id = $1`, frontierID); err != nil {
		return 0, fmt.Errorf("failed to promote frontier batch: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit batch pruning: %w", err)
	}
	return pruned, nil
}

// ============================================================================
// RELAYER TRANSACTIONS
// ============================================================================

// RecordTransaction associates a relayer transaction id with a batch.
// The UNIQUE constraint on batch_next_root makes resubmission idempotent:
// a second record for the same batch fails instead of duplicating.
func (r *BatchRepository) RecordTransaction(ctx context.Context, nextRoot common.Hash, transactionID string) error {
	_, err := r.client.ExecContext(ctx, `
		INSERT INTO transactions (transaction_id, batch_next_root)
		VALUES ($1, $2)`, transactionID, nextRoot[:])
	if err != nil {
		return fmt.Errorf("failed to record transaction: %w", err)
	}
	return nil
}

// TransactionForBatch returns the transaction record for a batch, if any
func (r *BatchRepository) TransactionForBatch(ctx context.Context, nextRoot common.Hash) (*TransactionRecord, error) {
	record := &TransactionRecord{}
	var raw []byte
	err := r.client.QueryRowContext(ctx, `
		SELECT transaction_id, batch_next_root, created_at, mined_at, confirmed_at
		FROM transactions
		WHERE batch_next_root = $1`, nextRoot[:]).Scan(
		&record.TransactionID, &raw, &record.CreatedAt, &record.MinedAt, &record.ConfirmedAt)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query transaction: %w", err)
	}
	record.BatchNextRoot = common.BytesToHash(raw)
	return record, nil
}

// PendingTransactions returns every transaction that has not reached the
// confirmation depth yet, oldest first. Mined-but-unconfirmed transactions
// stay in this set so the finalizer keeps observing them until finality.
func (r *BatchRepository) PendingTransactions(ctx context.Context) ([]*TransactionRecord, error) {
	rows, err := r.client.QueryContext(ctx, `
		SELECT t.transaction_id, t.batch_next_root, t.created_at, t.mined_at, t.confirmed_at
		FROM transactions t
		JOIN batches b ON b.next_root = t.batch_next_root
		WHERE t.confirmed_at IS NULL
		ORDER BY b.id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending transactions: %w", err)
	}
	defer rows.Close()

	var records []*TransactionRecord
	for rows.Next() {
		record := &TransactionRecord{}
		var raw []byte
		if err := rows.Scan(&record.TransactionID, &raw, &record.CreatedAt,
			&record.MinedAt, &record.ConfirmedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		record.BatchNextRoot = common.BytesToHash(raw)
		records = append(records, record)
	}
	return records, rows.Err()
}

// MarkTransactionMined stamps the first mined observation on a transaction.
// A reorg clears the stamp implicitly by deleting the record.
func (r *BatchRepository) MarkTransactionMined(ctx context.Context, transactionID string) error {
	result, err := r.client.ExecContext(ctx, `
		UPDATE transactions SET mined_at = now()
		WHERE transaction_id = $1`, transactionID)
	if err != nil {
		return fmt.Errorf("failed to mark transaction mined: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// MarkTransactionConfirmed stamps finality on a mined transaction, removing
// it from the finalizer's polling set
func (r *BatchRepository) MarkTransactionConfirmed(ctx context.Context, transactionID string) error {
	result, err := r.client.ExecContext(ctx, `
		UPDATE transactions SET confirmed_at = now()
		WHERE transaction_id = $1 AND mined_at IS NOT NULL`, transactionID)
	if err != nil {
		return fmt.Errorf("failed to mark transaction confirmed: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// DeleteTransactionsFrom removes every transaction record for the batch
// producing nextRoot and every later chain link, so the submitter replays
// them in order after a reorg
func (r *BatchRepository) DeleteTransactionsFrom(ctx context.Context, nextRoot common.Hash) (int64, error) {
	result, err := r.client.ExecContext(ctx, `
		DELETE FROM transactions
		WHERE batch_next_root IN (
			SELECT next_root FROM batches
			WHERE id >= (SELECT id FROM batches WHERE next_root = $1)
		)`, nextRoot[:])
	if err != nil {
		return 0, fmt.Errorf("failed to delete transactions from batch: %w", err)
	}
	return result.RowsAffected()
}

// DeleteTransaction removes a transaction record so the batch can be resubmitted
func (r *BatchRepository) DeleteTransaction(ctx context.Context, transactionID string) error {
	_, err := r.client.ExecContext(ctx, `
		DELETE FROM transactions WHERE transaction_id = $1`, transactionID)
	if err != nil {
		return fmt.Errorf("failed to delete transaction: %w", err)
	}
	return nil
}

// ============================================================================
// SCAN HELPERS
// ============================================================================

func scanBatch(row *sql.Row) (*Batch, error) {
	batch := &Batch{}
	var rawNext, rawPrev []byte
	var commitments pq.ByteaArray
	var indexes pq.Int64Array
	var proof []byte

	err := row.Scan(&batch.ID, &rawNext, &rawPrev, &batch.Kind,
		&commitments, &indexes, &proof, &batch.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan batch: %w", err)
	}

	batch.NextRoot = common.BytesToHash(rawNext)
	if rawPrev != nil {
		prev := common.BytesToHash(rawPrev)
		batch.PrevRoot = &prev
	}
	batch.Commitments = make([]common.Hash, len(commitments))
	for i, c := range commitments {
		batch.Commitments[i] = common.BytesToHash(c)
	}
	batch.LeafIndexes = make([]uint64, len(indexes))
	for i, idx := range indexes {
		batch.LeafIndexes[i] = uint64(idx)
	}
	batch.Proof = json.RawMessage(proof)
	return batch, nil
}
