// Copyright 2025 Signal ID
//
// Finalizer tests. The confirmation-window test needs a real PostgreSQL
// instance (set SEQUENCER_TEST_DB) and drives a mine, a reorg inside the
// confirmation window, and a re-mine to finality through the mock relayer.

package batcher

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/signalid/signup-sequencer/pkg/config"
	"github.com/signalid/signup-sequencer/pkg/database"
	"github.com/signalid/signup-sequencer/pkg/relayer"
	"github.com/signalid/signup-sequencer/pkg/tree"
)

type fakeBlocks struct {
	head uint64
}

func (f *fakeBlocks) BlockNumber(context.Context) (uint64, error) {
	return f.head, nil
}

func TestHasFinality_DepthMath(t *testing.T) {
	blocks := &fakeBlocks{}
	f, err := NewFinalizer(database.NewRepositories(&database.Client{}), mustState(t),
		tree.NewRootHistory(10), relayer.NewMock(), &FinalizerConfig{
			RequiredConfirmations: 12,
			Blocks:                blocks,
		})
	if err != nil {
		t.Fatalf("failed to create finalizer: %v", err)
	}
	ctx := context.Background()

	cases := []struct {
		head, mined uint64
		want        bool
	}{
		{100, 100, false}, // 1 confirmation
		{110, 100, false}, // 11 confirmations
		{111, 100, true},  // exactly 12
		{200, 100, true},
		{99, 100, false}, // head behind the reported mine
	}
	for _, tc := range cases {
		blocks.head = tc.head
		final, err := f.hasFinality(ctx, tc.mined)
		if err != nil {
			t.Fatalf("head=%d mined=%d: %v", tc.head, tc.mined, err)
		}
		if final != tc.want {
			t.Errorf("head=%d mined=%d: got %v, want %v", tc.head, tc.mined, final, tc.want)
		}
	}

	// without a block source the first mined observation is final
	f.blocks = nil
	if final, _ := f.hasFinality(ctx, 100); !final {
		t.Error("nil block source must treat a mine as final")
	}
}

func mustState(t *testing.T) *tree.State {
	t.Helper()
	state, err := tree.NewState(6)
	if err != nil {
		t.Fatalf("failed to create state: %v", err)
	}
	return state
}

// testStore connects to the test database, recreates the schema, and
// truncates every table. Skips when SEQUENCER_TEST_DB is unset.
func testStore(t *testing.T) (*database.Client, *database.Repositories) {
	t.Helper()
	connStr := os.Getenv("SEQUENCER_TEST_DB")
	if connStr == "" {
		t.Skip("test database not configured")
	}

	cfg := config.Default()
	cfg.DatabaseURL = connStr
	client, err := database.NewClient(cfg)
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	ctx := context.Background()
	if err := client.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	for _, stmt := range []string{
		"TRUNCATE transactions, batches, deletions, unprocessed_identities, identities, latest_insertion_timestamp, latest_deletion_timestamp",
		"ALTER SEQUENCE identities_id_seq RESTART",
		"ALTER SEQUENCE batches_id_seq RESTART",
	} {
		if _, err := client.ExecContext(ctx, stmt); err != nil {
			t.Fatalf("failed to truncate: %v", err)
		}
	}
	return client, database.NewRepositories(client)
}

func TestFinalizer_MineReorgRemine(t *testing.T) {
	client, repos := testStore(t)
	ctx := context.Background()

	state := mustState(t)
	emptyRoot := tree.EmptyRoot(6)
	roots := tree.NewRootHistory(10)

	// persist one single-insertion batch the way the former does
	staged, err := state.StageBatch([]tree.LeafUpdate{{LeafIndex: 0, Commitment: hashOf(42)}})
	if err != nil {
		t.Fatalf("stage failed: %v", err)
	}
	batchRoot := staged[0].PostRoot

	tx, err := client.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if err := repos.Identities.AppendProcessedIdentity(ctx, tx, nil, batchRoot, 0, hashOf(42)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := repos.Batches.InsertBatch(ctx, tx, &database.Batch{
		NextRoot:    batchRoot,
		Kind:        database.BatchKindInsertion,
		Commitments: []common.Hash{hashOf(42)},
		LeafIndexes: []uint64{0},
		Proof:       []byte(`[]`),
	}); err != nil {
		t.Fatalf("insert batch failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if err := state.CommitStaged(); err != nil {
		t.Fatalf("commit staged failed: %v", err)
	}
	roots.Add(batchRoot, tree.RootPending, time.Now())

	rel := relayer.NewMock()
	txID, err := rel.Submit(ctx, &relayer.SubmitRequest{
		Kind:     "insertion",
		PreRoot:  emptyRoot,
		PostRoot: batchRoot,
		Proof:    []byte(`[]`),
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if err := repos.Batches.RecordTransaction(ctx, batchRoot, txID); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	blocks := &fakeBlocks{head: 100}
	finalizer, err := NewFinalizer(repos, state, roots, rel, &FinalizerConfig{
		EmptyRoot:             emptyRoot,
		RequiredConfirmations: 12,
		Blocks:                blocks,
	})
	if err != nil {
		t.Fatalf("failed to create finalizer: %v", err)
	}

	// pending: nothing moves
	if err := finalizer.Poll(ctx); err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if state.MinedRoot() != emptyRoot {
		t.Fatal("mined pointer moved for a pending transaction")
	}

	// mined but shallow: pointer advances, batch is NOT finalized, and the
	// transaction stays in the polling set
	rel.Mine(txID, 100)
	if err := finalizer.Poll(ctx); err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if state.MinedRoot() != batchRoot {
		t.Fatal("mined pointer did not advance on the mined observation")
	}
	record, err := repos.Batches.TransactionForBatch(ctx, batchRoot)
	if err != nil {
		t.Fatalf("transaction lookup failed: %v", err)
	}
	if !record.MinedAt.Valid || record.ConfirmedAt.Valid {
		t.Fatalf("expected mined-but-unconfirmed, got %+v", record)
	}

	// reorg inside the confirmation window: the mined frontier rewinds and
	// the transaction is dropped for resubmission
	rel.Reorg(txID)
	if err := finalizer.Poll(ctx); err != nil {
		t.Fatalf("reorg poll failed: %v", err)
	}
	if state.MinedRoot() != emptyRoot {
		t.Fatal("mined pointer did not rewind after the reorg")
	}
	if _, err := repos.Batches.TransactionForBatch(ctx, batchRoot); !errors.Is(err, database.ErrTransactionNotFound) {
		t.Fatalf("reorged transaction still recorded: %v", err)
	}
	entries, err := repos.Identities.RootsSince(ctx, time.Now().Add(-time.Hour))
	if err != nil || len(entries) != 1 {
		t.Fatalf("roots lookup failed: (%d, %v)", len(entries), err)
	}
	if entries[0].Status != database.StatusProcessed {
		t.Errorf("identity row not unmined: %s", entries[0].Status)
	}
	if rootRecord, _ := roots.Get(batchRoot); rootRecord.Status != tree.RootPending {
		t.Error("root window still shows the reorged root as mined")
	}

	// resubmit (fresh id after the reorg) and mine deep enough to finalize
	newID, err := rel.Submit(ctx, &relayer.SubmitRequest{
		Kind:     "insertion",
		PreRoot:  emptyRoot,
		PostRoot: batchRoot,
		Proof:    []byte(`[]`),
	})
	if err != nil {
		t.Fatalf("resubmit failed: %v", err)
	}
	if newID == txID {
		t.Fatal("resubmission reused the reorged transaction id")
	}
	if err := repos.Batches.RecordTransaction(ctx, batchRoot, newID); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	rel.Mine(newID, 110)
	blocks.head = 130

	if err := finalizer.Poll(ctx); err != nil {
		t.Fatalf("finality poll failed: %v", err)
	}
	if state.MinedRoot() != batchRoot {
		t.Fatal("mined pointer did not return after the re-mine")
	}
	record, err = repos.Batches.TransactionForBatch(ctx, batchRoot)
	if err != nil {
		t.Fatalf("transaction lookup failed: %v", err)
	}
	if !record.ConfirmedAt.Valid {
		t.Fatal("transaction not confirmed despite sufficient depth")
	}

	// a confirmed transaction leaves the polling set
	pending, err := repos.Batches.PendingTransactions(ctx)
	if err != nil {
		t.Fatalf("pending lookup failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("confirmed transaction still pending: %d", len(pending))
	}
}
