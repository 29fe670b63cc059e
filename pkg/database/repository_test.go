// Copyright 2025 Signal ID
//
// Repository tests against a real PostgreSQL instance.
// Set SEQUENCER_TEST_DB to a connection URL to run them; they are skipped
// otherwise. Each run recreates the schema from the embedded migrations.

package database

import (
	"context"
	"errors"
	"log"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/signalid/signup-sequencer/pkg/config"
)

var testClient *Client

func TestMain(m *testing.M) {
	connStr := os.Getenv("SEQUENCER_TEST_DB")
	if connStr == "" {
		os.Exit(0)
	}

	cfg := config.Default()
	cfg.DatabaseURL = connStr

	var err error
	testClient, err = NewClient(cfg, WithLogger(log.New(os.Stderr, "[TestDB] ", log.LstdFlags)))
	if err != nil {
		panic("failed to connect to test database: " + err.Error())
	}

	ctx := context.Background()
	resetSchema(ctx)
	if err := testClient.Migrate(ctx); err != nil {
		panic("failed to migrate test database: " + err.Error())
	}

	code := m.Run()
	testClient.Close()
	os.Exit(code)
}

func resetSchema(ctx context.Context) {
	statements := []string{
		"DROP TABLE IF EXISTS transactions",
		"DROP TABLE IF EXISTS batches",
		"DROP TABLE IF EXISTS deletions",
		"DROP TABLE IF EXISTS unprocessed_identities",
		"DROP TABLE IF EXISTS identities",
		"DROP TABLE IF EXISTS latest_insertion_timestamp",
		"DROP TABLE IF EXISTS latest_deletion_timestamp",
		"DROP TABLE IF EXISTS schema_migrations",
	}
	for _, stmt := range statements {
		if _, err := testClient.ExecContext(ctx, stmt); err != nil {
			panic("failed to reset schema: " + err.Error())
		}
	}
}

func truncateAll(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for _, stmt := range []string{
		"TRUNCATE transactions, batches, deletions, unprocessed_identities, identities, latest_insertion_timestamp, latest_deletion_timestamp",
		"ALTER SEQUENCE identities_id_seq RESTART",
		"ALTER SEQUENCE batches_id_seq RESTART",
	} {
		if _, err := testClient.ExecContext(ctx, stmt); err != nil {
			t.Fatalf("failed to truncate: %v", err)
		}
	}
}

func hash(v int64) common.Hash {
	return common.BigToHash(big.NewInt(v))
}

// appendRow appends one identities row in its own transaction
func appendRow(t *testing.T, repo *IdentityRepository, pre *common.Hash, root common.Hash, leaf uint64, commitment common.Hash) error {
	t.Helper()
	ctx := context.Background()
	tx, err := testClient.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if err := repo.AppendProcessedIdentity(ctx, tx, pre, root, leaf, commitment); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ============================================================================
// INTAKE QUEUES
// ============================================================================

func TestEnqueueInsertion_Idempotent(t *testing.T) {
	if testClient == nil {
		t.Skip("test database not configured")
	}
	truncateAll(t)
	repo := NewIdentityRepository(testClient)
	ctx := context.Background()

	outcome, err := repo.EnqueueInsertion(ctx, hash(1))
	if err != nil || outcome != InsertionQueued {
		t.Fatalf("first enqueue: got (%v, %v)", outcome, err)
	}

	outcome, err = repo.EnqueueInsertion(ctx, hash(1))
	if err != nil || outcome != InsertionAlreadyPresent {
		t.Fatalf("second enqueue: got (%v, %v)", outcome, err)
	}

	candidates, err := repo.TakeInsertionCandidates(ctx, 10, time.Now())
	if err != nil {
		t.Fatalf("take failed: %v", err)
	}
	if len(candidates) != 1 {
		t.Errorf("queue grew by %d, want 1", len(candidates))
	}
}

func TestEnqueueInsertion_PreviouslyDeleted(t *testing.T) {
	if testClient == nil {
		t.Skip("test database not configured")
	}
	truncateAll(t)
	repo := NewIdentityRepository(testClient)
	ctx := context.Background()

	// insertion then deletion of leaf 0 in the log
	if err := appendRow(t, repo, nil, hash(100), 0, hash(1)); err != nil {
		t.Fatalf("insert row failed: %v", err)
	}
	pre := hash(100)
	if err := appendRow(t, repo, &pre, hash(200), 0, common.Hash{}); err != nil {
		t.Fatalf("delete row failed: %v", err)
	}

	outcome, err := repo.EnqueueInsertion(ctx, hash(1))
	if err != nil || outcome != InsertionPreviouslyDeleted {
		t.Errorf("got (%v, %v), want PreviouslyDeleted", outcome, err)
	}
}

func TestEnqueueDeletion_Outcomes(t *testing.T) {
	if testClient == nil {
		t.Skip("test database not configured")
	}
	truncateAll(t)
	repo := NewIdentityRepository(testClient)
	ctx := context.Background()

	// unknown commitment
	outcome, err := repo.EnqueueDeletion(ctx, hash(9))
	if err != nil || outcome != DeletionNotFound {
		t.Errorf("unknown: got (%v, %v)", outcome, err)
	}

	// queued but unprocessed commitment
	if _, err := repo.EnqueueInsertion(ctx, hash(9)); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	outcome, err = repo.EnqueueDeletion(ctx, hash(9))
	if err != nil || outcome != DeletionNotYetProcessed {
		t.Errorf("unprocessed: got (%v, %v)", outcome, err)
	}

	// processed commitment
	if err := appendRow(t, repo, nil, hash(100), 0, hash(1)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	outcome, err = repo.EnqueueDeletion(ctx, hash(1))
	if err != nil || outcome != DeletionQueued {
		t.Errorf("processed: got (%v, %v)", outcome, err)
	}

	// duplicate deletion request
	outcome, err = repo.EnqueueDeletion(ctx, hash(1))
	if err != nil || outcome != DeletionAlreadyDeleted {
		t.Errorf("duplicate: got (%v, %v)", outcome, err)
	}

	candidates, err := repo.TakeDeletionCandidates(ctx, 10)
	if err != nil || len(candidates) != 1 {
		t.Fatalf("take: got (%d, %v)", len(candidates), err)
	}
	if candidates[0].LeafIndex != 0 || candidates[0].Commitment != hash(1) {
		t.Errorf("candidate mismatch: %+v", candidates[0])
	}
}

// ============================================================================
// PRE-ROOT CHAIN
// ============================================================================

func TestPreRootChain_Enforced(t *testing.T) {
	if testClient == nil {
		t.Skip("test database not configured")
	}
	truncateAll(t)
	repo := NewIdentityRepository(testClient)

	// the first row must carry a NULL pre root
	pre := hash(0xbad)
	if err := appendRow(t, repo, &pre, hash(100), 0, hash(1)); err == nil {
		t.Error("first row with non-NULL pre_root accepted")
	}

	if err := appendRow(t, repo, nil, hash(100), 0, hash(1)); err != nil {
		t.Fatalf("genesis row rejected: %v", err)
	}

	// a row not extending the last root is refused with ErrChainBroken
	wrong := hash(0xbad)
	err := appendRow(t, repo, &wrong, hash(200), 1, hash(2))
	if err == nil {
		t.Fatal("chain-breaking row accepted")
	}
	if !errors.Is(err, ErrChainBroken) {
		t.Errorf("expected ErrChainBroken, got %v", err)
	}

	// the correct continuation is accepted
	good := hash(100)
	if err := appendRow(t, repo, &good, hash(200), 1, hash(2)); err != nil {
		t.Errorf("valid continuation rejected: %v", err)
	}
}

func TestNextFreeLeafIndex_SkipsDeletedLeaves(t *testing.T) {
	if testClient == nil {
		t.Skip("test database not configured")
	}
	truncateAll(t)
	repo := NewIdentityRepository(testClient)
	ctx := context.Background()

	next, err := repo.NextFreeLeafIndex(ctx)
	if err != nil || next != 0 {
		t.Fatalf("empty log: got (%d, %v)", next, err)
	}

	if err := appendRow(t, repo, nil, hash(100), 0, hash(1)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	pre := hash(100)
	if err := appendRow(t, repo, &pre, hash(200), 0, common.Hash{}); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	// the deleted leaf is never reused
	next, err = repo.NextFreeLeafIndex(ctx)
	if err != nil || next != 1 {
		t.Errorf("after deletion: got (%d, %v), want 1", next, err)
	}
}

// ============================================================================
// BATCH CHAIN
// ============================================================================

func insertBatch(t *testing.T, repo *BatchRepository, batch *Batch) error {
	t.Helper()
	ctx := context.Background()
	tx, err := testClient.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if err := repo.InsertBatch(ctx, tx, batch); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func TestBatchChain_Linearity(t *testing.T) {
	if testClient == nil {
		t.Skip("test database not configured")
	}
	truncateAll(t)
	repo := NewBatchRepository(testClient)
	ctx := context.Background()

	genesis := &Batch{
		NextRoot:    hash(100),
		Kind:        BatchKindInsertion,
		Commitments: []common.Hash{hash(1)},
		LeafIndexes: []uint64{0},
		Proof:       []byte(`[]`),
	}
	if err := insertBatch(t, repo, genesis); err != nil {
		t.Fatalf("genesis insert failed: %v", err)
	}

	// a second genesis link is rejected by the partial unique index
	second := &Batch{
		NextRoot:    hash(999),
		Kind:        BatchKindInsertion,
		Commitments: []common.Hash{hash(2)},
		LeafIndexes: []uint64{1},
		Proof:       []byte(`[]`),
	}
	if err := insertBatch(t, repo, second); err == nil {
		t.Error("second NULL-prev batch accepted")
	}

	// a prev_root that matches no next_root is rejected by the FK
	bogus := hash(0xbad)
	dangling := &Batch{
		NextRoot:    hash(300),
		PrevRoot:    &bogus,
		Kind:        BatchKindInsertion,
		Commitments: []common.Hash{hash(3)},
		LeafIndexes: []uint64{2},
		Proof:       []byte(`[]`),
	}
	if err := insertBatch(t, repo, dangling); err == nil {
		t.Error("dangling prev_root accepted")
	}

	// the valid continuation is accepted
	prev := hash(100)
	link := &Batch{
		NextRoot:    hash(200),
		PrevRoot:    &prev,
		Kind:        BatchKindDeletion,
		Commitments: []common.Hash{{}},
		LeafIndexes: []uint64{0},
		Proof:       []byte(`[]`),
	}
	if err := insertBatch(t, repo, link); err != nil {
		t.Fatalf("valid continuation rejected: %v", err)
	}

	oldest, err := repo.OldestUnsubmittedBatch(ctx)
	if err != nil {
		t.Fatalf("oldest unsubmitted failed: %v", err)
	}
	if oldest.NextRoot != hash(100) {
		t.Errorf("oldest unsubmitted: got %s, want %s", oldest.NextRoot.Hex(), hash(100).Hex())
	}
}

func TestBatchLifecycle_SubmitMinePrune(t *testing.T) {
	if testClient == nil {
		t.Skip("test database not configured")
	}
	truncateAll(t)
	batches := NewBatchRepository(testClient)
	identities := NewIdentityRepository(testClient)
	ctx := context.Background()

	if err := appendRow(t, identities, nil, hash(100), 0, hash(1)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	pre := hash(100)
	if err := appendRow(t, identities, &pre, hash(200), 1, hash(2)); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	first := &Batch{NextRoot: hash(100), Kind: BatchKindInsertion,
		Commitments: []common.Hash{hash(1)}, LeafIndexes: []uint64{0}, Proof: []byte(`[]`)}
	if err := insertBatch(t, batches, first); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	prevRoot := hash(100)
	secondBatch := &Batch{NextRoot: hash(200), PrevRoot: &prevRoot, Kind: BatchKindInsertion,
		Commitments: []common.Hash{hash(2)}, LeafIndexes: []uint64{1}, Proof: []byte(`[]`)}
	if err := insertBatch(t, batches, secondBatch); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	// submit both
	if err := batches.RecordTransaction(ctx, hash(100), "tx-1"); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if err := batches.RecordTransaction(ctx, hash(200), "tx-2"); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if _, err := batches.OldestUnsubmittedBatch(ctx); err != ErrBatchNotFound {
		t.Errorf("expected no unsubmitted batch, got %v", err)
	}

	// double-recording a batch is refused
	if err := batches.RecordTransaction(ctx, hash(100), "tx-duplicate"); err == nil {
		t.Error("second transaction for one batch accepted")
	}

	// mine the first and prune up to it
	mined, err := identities.MarkMinedUpTo(ctx, hash(100))
	if err != nil || mined != 1 {
		t.Fatalf("mark mined: got (%d, %v)", mined, err)
	}
	if err := batches.MarkTransactionMined(ctx, "tx-1"); err != nil {
		t.Fatalf("mark tx mined failed: %v", err)
	}
	pruned, err := batches.DeleteBatchesUpTo(ctx, hash(100))
	if err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if pruned != 0 {
		t.Errorf("pruned %d batches before the frontier, want 0", pruned)
	}

	// mine the second; pruning removes the first and promotes the second
	if _, err := identities.MarkMinedUpTo(ctx, hash(200)); err != nil {
		t.Fatalf("mark mined failed: %v", err)
	}
	if err := batches.MarkTransactionMined(ctx, "tx-2"); err != nil {
		t.Fatalf("mark tx mined failed: %v", err)
	}
	pruned, err = batches.DeleteBatchesUpTo(ctx, hash(200))
	if err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned %d batches, want 1", pruned)
	}
	head, err := batches.HeadBatch(ctx)
	if err != nil {
		t.Fatalf("head failed: %v", err)
	}
	if head.NextRoot != hash(200) || head.PrevRoot != nil {
		t.Errorf("frontier not promoted to genesis: %+v", head)
	}
}

func TestStoreStatus_ReportsQueueDepths(t *testing.T) {
	if testClient == nil {
		t.Skip("test database not configured")
	}
	truncateAll(t)
	repo := NewIdentityRepository(testClient)
	ctx := context.Background()

	if _, err := repo.EnqueueInsertion(ctx, hash(1)); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := appendRow(t, repo, nil, hash(100), 0, hash(2)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if _, err := repo.MarkMinedUpTo(ctx, hash(100)); err != nil {
		t.Fatalf("mark mined failed: %v", err)
	}

	status := testClient.Status(ctx)
	if !status.Healthy {
		t.Fatalf("store unhealthy: %s", status.Error)
	}
	if status.QueuedInsertions != 1 {
		t.Errorf("queued insertions: got %d, want 1", status.QueuedInsertions)
	}
	if status.LogRows != 1 || status.MinedRows != 1 {
		t.Errorf("log rows: got (%d, %d mined), want (1, 1)", status.LogRows, status.MinedRows)
	}
	if status.QueuedDeletions != 0 || status.ChainLinks != 0 {
		t.Errorf("unexpected depths: %+v", status)
	}
}

func TestUnmineFrom_Reorg(t *testing.T) {
	if testClient == nil {
		t.Skip("test database not configured")
	}
	truncateAll(t)
	repo := NewIdentityRepository(testClient)
	ctx := context.Background()

	if err := appendRow(t, repo, nil, hash(100), 0, hash(1)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	pre := hash(100)
	if err := appendRow(t, repo, &pre, hash(200), 1, hash(2)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if _, err := repo.MarkMinedUpTo(ctx, hash(200)); err != nil {
		t.Fatalf("mark mined failed: %v", err)
	}

	// rewind the second row
	reverted, err := repo.UnmineFrom(ctx, hash(100))
	if err != nil || reverted != 1 {
		t.Fatalf("unmine: got (%d, %v), want (1, nil)", reverted, err)
	}

	entries, err := repo.RootsSince(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("roots failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("roots count: got %d", len(entries))
	}
	if entries[0].Status != StatusMined || entries[1].Status != StatusProcessed {
		t.Errorf("statuses after rewind: %s, %s", entries[0].Status, entries[1].Status)
	}
}
