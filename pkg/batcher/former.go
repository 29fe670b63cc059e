// Copyright 2025 Signal ID
//
// Batch former - assembles insertion and deletion batches, drives the
// prover, and persists the resulting chain link atomically with the
// identities log rows it implies.
//
// Exactly one former runs at a time, guarded by a Postgres advisory lock.
// Its unit of work is idempotent keyed by the batching root: a crash between
// the prover call and the database commit leaves no trace, and a crash after
// the commit leaves a formed batch the submitter adopts on restart.

package batcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/signalid/signup-sequencer/pkg/database"
	"github.com/signalid/signup-sequencer/pkg/metrics"
	"github.com/signalid/signup-sequencer/pkg/prover"
	"github.com/signalid/signup-sequencer/pkg/tree"
)

// Former assembles and persists batches
type Former struct {
	mu sync.Mutex

	client *database.Client
	repos  *database.Repositories
	state  *tree.State
	roots  *tree.RootHistory

	insertionProver prover.Prover
	deletionProver  prover.Prover

	pollPeriod       time.Duration
	insertionTimeout time.Duration
	deletionTimeout  time.Duration

	wake          <-chan struct{}
	onBatchFormed func()
	onFatal       func(error)

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	logger  *log.Logger
	metrics *metrics.Metrics
}

// FormerConfig holds former configuration
type FormerConfig struct {
	PollPeriod       time.Duration
	InsertionTimeout time.Duration
	DeletionTimeout  time.Duration
	Wake             <-chan struct{} // intake wake events, optional
	OnBatchFormed    func()          // called after a batch is persisted, optional
	OnFatal          func(error)     // called on invariant violations
	Logger           *log.Logger
	Metrics          *metrics.Metrics
}

// NewFormer creates a batch former
func NewFormer(
	client *database.Client,
	repos *database.Repositories,
	state *tree.State,
	roots *tree.RootHistory,
	insertionProver prover.Prover,
	deletionProver prover.Prover,
	cfg *FormerConfig,
) (*Former, error) {
	if repos == nil {
		return nil, ErrNilRepositories
	}
	if state == nil {
		return nil, ErrNilState
	}
	if insertionProver == nil || deletionProver == nil {
		return nil, ErrNilProver
	}
	if cfg == nil {
		cfg = &FormerConfig{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[BatchFormer] ", log.LstdFlags)
	}
	pollPeriod := cfg.PollPeriod
	if pollPeriod <= 0 {
		pollPeriod = 5 * time.Second
	}

	return &Former{
		client:           client,
		repos:            repos,
		state:            state,
		roots:            roots,
		insertionProver:  insertionProver,
		deletionProver:   deletionProver,
		pollPeriod:       pollPeriod,
		insertionTimeout: cfg.InsertionTimeout,
		deletionTimeout:  cfg.DeletionTimeout,
		wake:             cfg.Wake,
		onBatchFormed:    cfg.OnBatchFormed,
		onFatal:          cfg.OnFatal,
		logger:           logger,
		metrics:          cfg.Metrics,
	}, nil
}

// Start begins the forming loop
func (f *Former) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return ErrAlreadyRunning
	}
	f.running = true
	f.stopCh = make(chan struct{})
	f.doneCh = make(chan struct{})
	go f.run(ctx)
	f.logger.Printf("Former started (poll=%s, insertion_timeout=%s, deletion_timeout=%s)",
		f.pollPeriod, f.insertionTimeout, f.deletionTimeout)
	return nil
}

// Stop halts the forming loop and waits for it to exit
func (f *Former) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	close(f.stopCh)
	done := f.doneCh
	f.mu.Unlock()
	<-done
}

func (f *Former) run(ctx context.Context) {
	defer close(f.doneCh)

	lock := f.acquireLeaderLock(ctx)
	if lock == nil {
		return // stopped while waiting for the lock
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil {
			f.logger.Printf("Failed to release leader lock: %v", err)
		}
	}()

	ticker := time.NewTicker(f.pollPeriod)
	defer ticker.Stop()
	retry := newBackoff(time.Second, time.Minute)

	for {
		select {
		case <-f.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-f.wakeChan():
		}

		for {
			formed, err := f.FormBatch(ctx)
			if err != nil {
				if errors.Is(err, database.ErrChainBroken) || errors.Is(err, tree.ErrRootMismatch) {
					f.logger.Printf("FATAL: %v", err)
					if f.onFatal != nil {
						f.onFatal(err)
					}
					return
				}
				delay := retry.Next()
				f.logger.Printf("Batch formation failed, retrying in %s: %v", delay.Round(time.Millisecond), err)
				select {
				case <-time.After(delay):
				case <-f.stopCh:
					return
				case <-ctx.Done():
					return
				}
				continue
			}
			retry.Reset()
			if !formed {
				break // queues drained, wait for next tick
			}
		}
	}
}

// acquireLeaderLock blocks until the advisory lock is held or the former stops
func (f *Former) acquireLeaderLock(ctx context.Context) *database.AdvisoryLock {
	for {
		lock, err := database.AcquireAdvisoryLock(ctx, f.client, database.BatchFormerLockKey)
		if err == nil {
			f.logger.Println("Acquired batch-former leader lock")
			return lock
		}
		if !errors.Is(err, database.ErrLockHeld) {
			f.logger.Printf("Failed to acquire leader lock: %v", err)
		}
		select {
		case <-time.After(f.pollPeriod):
		case <-f.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func (f *Former) wakeChan() <-chan struct{} {
	if f.wake != nil {
		return f.wake
	}
	return nil
}

// FormBatch runs one formation attempt. When both an insertion and a
// deletion batch are ready, deletion wins; kinds are never mixed.
// Returns whether a batch was formed.
func (f *Former) FormBatch(ctx context.Context) (bool, error) {
	formed, err := f.tryDeletionBatch(ctx)
	if err != nil || formed {
		return formed, err
	}
	return f.tryInsertionBatch(ctx)
}

// ============================================================================
// INSERTION PATH
// ============================================================================

func (f *Former) tryInsertionBatch(ctx context.Context) (bool, error) {
	now := time.Now()
	sizes := f.insertionProver.SupportedSizes()
	if len(sizes) == 0 {
		return false, ErrNilProver
	}
	maxSize := sizes[len(sizes)-1]

	candidates, err := f.repos.Identities.TakeInsertionCandidates(ctx, maxSize, now)
	if err != nil {
		return false, err
	}
	if len(candidates) == 0 {
		return false, nil
	}

	size, pad, ready := selectBatchSize(sizes, len(candidates), candidates[0].CreatedAt, f.insertionTimeout, now)
	if !ready {
		return false, nil
	}

	for {
		candidateCount := size - pad
		taken := candidates[:candidateCount]

		startIndex := f.state.NextFreeLeaf()
		updates := make([]tree.LeafUpdate, size)
		for i, candidate := range taken {
			updates[i] = tree.LeafUpdate{LeafIndex: startIndex + uint64(i), Commitment: candidate.Commitment}
		}
		for i := candidateCount; i < size; i++ {
			// zero-commitment padding: writing zero to an empty leaf leaves
			// the root unchanged
			updates[i] = tree.LeafUpdate{LeafIndex: startIndex + uint64(i)}
		}

		preRoot := f.state.BatchingRoot()
		staged, err := f.state.StageBatch(updates)
		if err != nil {
			return false, err
		}

		job := insertionJob(preRoot, startIndex, staged)
		proofStart := time.Now()
		proof, err := f.insertionProver.Prove(ctx, job)
		if err != nil {
			f.state.RollbackStaged()
			var proverErr *prover.Error
			if errors.As(err, &proverErr) && proverErr.IsCapacityMismatch() {
				smaller, ok := nextSmallerSize(sizes, size)
				if ok {
					f.logger.Printf("Prover rejected size %d, downgrading to %d", size, smaller)
					size = smaller
					pad = 0
					if size > len(candidates) {
						pad = size - len(candidates)
					}
					continue
				}
			}
			return false, fmt.Errorf("insertion prover failed: %w", err)
		}
		f.metrics.ObserveProverLatency("insertion", time.Since(proofStart).Seconds())

		if err := f.persistInsertionBatch(ctx, preRoot, staged, taken, proof, now); err != nil {
			f.state.RollbackStaged()
			return false, err
		}

		if err := f.state.CommitStaged(); err != nil {
			return false, err
		}
		f.state.AdvanceNextFreeLeaf(staged[candidateCount-1].LeafIndex)
		f.recordRoots(staged, now)

		nextRoot := staged[len(staged)-1].PostRoot
		f.logger.Printf("Formed insertion batch of %d (%d padded) %s -> %s",
			size, pad, preRoot.Hex(), nextRoot.Hex())
		f.metrics.CountBatchFormed(string(database.BatchKindInsertion))
		f.notifyBatchFormed()
		return true, nil
	}
}

func insertionJob(preRoot common.Hash, startIndex uint64, staged []tree.StagedUpdate) *prover.Job {
	job := &prover.Job{
		Kind:         prover.KindInsertion,
		StartIndex:   startIndex,
		PreRoot:      preRoot,
		PostRoot:     staged[len(staged)-1].PostRoot,
		Commitments:  make([]common.Hash, len(staged)),
		MerkleProofs: make([][]common.Hash, len(staged)),
	}
	for i, update := range staged {
		job.Commitments[i] = update.Commitment
		job.MerkleProofs[i] = siblings(update.PreProof)
	}
	return job
}

// persistInsertionBatch writes the log rows, the batch link, and the queue
// cleanup in one transaction
func (f *Former) persistInsertionBatch(
	ctx context.Context,
	preRoot common.Hash,
	staged []tree.StagedUpdate,
	taken []*database.UnprocessedIdentity,
	proof *prover.Proof,
	now time.Time,
) error {
	prevBatchRoot, err := f.prevBatchRoot(ctx, preRoot)
	if err != nil {
		return err
	}
	_, logHasRows, err := f.repos.Identities.LatestRoot(ctx)
	if err != nil {
		return err
	}

	encodedProof, err := json.Marshal(proof)
	if err != nil {
		return fmt.Errorf("failed to encode proof: %w", err)
	}

	tx, err := f.client.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Log rows cover only real commitments; padded slots do not move the
	// root and never appear in the log.
	rowPre := &preRoot
	if !logHasRows {
		rowPre = nil
	}
	consumed := make([]common.Hash, len(taken))
	for i, candidate := range taken {
		update := staged[i]
		if err := f.repos.Identities.AppendProcessedIdentity(ctx, tx,
			rowPre, update.PostRoot, update.LeafIndex, update.Commitment); err != nil {
			return err
		}
		root := update.PostRoot
		rowPre = &root
		consumed[i] = candidate.Commitment
	}

	batch := &database.Batch{
		NextRoot:    staged[len(staged)-1].PostRoot,
		PrevRoot:    prevBatchRoot,
		Kind:        database.BatchKindInsertion,
		Commitments: commitmentsOf(staged),
		LeafIndexes: indexesOf(staged),
		Proof:       encodedProof,
	}
	if err := f.repos.Batches.InsertBatch(ctx, tx, batch); err != nil {
		return err
	}

	if err := f.repos.Identities.RemoveUnprocessed(ctx, tx, consumed); err != nil {
		return err
	}
	if err := f.repos.Identities.SetLatestInsertionTimestamp(ctx, tx, now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit insertion batch: %w", err)
	}
	return nil
}

// ============================================================================
// DELETION PATH
// ============================================================================

func (f *Former) tryDeletionBatch(ctx context.Context) (bool, error) {
	now := time.Now()
	sizes := f.deletionProver.SupportedSizes()
	if len(sizes) == 0 {
		return false, nil
	}
	maxSize := sizes[len(sizes)-1]

	candidates, err := f.repos.Identities.TakeDeletionCandidates(ctx, maxSize)
	if err != nil {
		return false, err
	}
	if len(candidates) == 0 {
		return false, nil
	}

	size, pad, ready := selectBatchSize(sizes, len(candidates), candidates[0].CreatedAt, f.deletionTimeout, now)
	if !ready {
		return false, nil
	}

	for {
		candidateCount := size - pad
		taken := candidates[:candidateCount]

		updates := make([]tree.LeafUpdate, size)
		deletionIndexes := make([]uint64, size)
		oldCommitments := make([]common.Hash, size)
		for i, candidate := range taken {
			updates[i] = tree.LeafUpdate{LeafIndex: candidate.LeafIndex}
			deletionIndexes[i] = candidate.LeafIndex
			oldCommitments[i] = candidate.Commitment
		}
		// Padding targets empty leaves past the insertion frontier, so the
		// extra writes are no-ops on the root.
		padBase := f.state.NextFreeLeaf()
		for i := candidateCount; i < size; i++ {
			padIndex := padBase + uint64(i-candidateCount)
			updates[i] = tree.LeafUpdate{LeafIndex: padIndex}
			deletionIndexes[i] = padIndex
		}

		preRoot := f.state.BatchingRoot()
		staged, err := f.state.StageBatch(updates)
		if err != nil {
			return false, err
		}

		job := &prover.Job{
			Kind:            prover.KindDeletion,
			PreRoot:         preRoot,
			PostRoot:        staged[len(staged)-1].PostRoot,
			Commitments:     oldCommitments,
			DeletionIndices: deletionIndexes,
			MerkleProofs:    make([][]common.Hash, len(staged)),
		}
		for i, update := range staged {
			job.MerkleProofs[i] = siblings(update.PreProof)
		}

		proofStart := time.Now()
		proof, err := f.deletionProver.Prove(ctx, job)
		if err != nil {
			f.state.RollbackStaged()
			var proverErr *prover.Error
			if errors.As(err, &proverErr) && proverErr.IsCapacityMismatch() {
				smaller, ok := nextSmallerSize(sizes, size)
				if ok {
					f.logger.Printf("Prover rejected size %d, downgrading to %d", size, smaller)
					size = smaller
					pad = 0
					if size > len(candidates) {
						pad = size - len(candidates)
					}
					continue
				}
			}
			return false, fmt.Errorf("deletion prover failed: %w", err)
		}
		f.metrics.ObserveProverLatency("deletion", time.Since(proofStart).Seconds())

		if err := f.persistDeletionBatch(ctx, preRoot, staged, taken, proof, now); err != nil {
			f.state.RollbackStaged()
			return false, err
		}

		if err := f.state.CommitStaged(); err != nil {
			return false, err
		}
		f.recordRoots(staged, now)

		nextRoot := staged[len(staged)-1].PostRoot
		f.logger.Printf("Formed deletion batch of %d (%d padded) %s -> %s",
			size, pad, preRoot.Hex(), nextRoot.Hex())
		f.metrics.CountBatchFormed(string(database.BatchKindDeletion))
		f.notifyBatchFormed()
		return true, nil
	}
}

// persistDeletionBatch mirrors the insertion persist: zero-commitment log
// rows for real deletions, the batch link, and queue cleanup
func (f *Former) persistDeletionBatch(
	ctx context.Context,
	preRoot common.Hash,
	staged []tree.StagedUpdate,
	taken []*database.DeletionRequest,
	proof *prover.Proof,
	now time.Time,
) error {
	prevBatchRoot, err := f.prevBatchRoot(ctx, preRoot)
	if err != nil {
		return err
	}
	_, logHasRows, err := f.repos.Identities.LatestRoot(ctx)
	if err != nil {
		return err
	}

	encodedProof, err := json.Marshal(proof)
	if err != nil {
		return fmt.Errorf("failed to encode proof: %w", err)
	}

	tx, err := f.client.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rowPre := &preRoot
	if !logHasRows {
		rowPre = nil
	}
	consumed := make([]common.Hash, len(taken))
	for i, request := range taken {
		update := staged[i]
		if err := f.repos.Identities.AppendProcessedIdentity(ctx, tx,
			rowPre, update.PostRoot, update.LeafIndex, common.Hash{}); err != nil {
			return err
		}
		root := update.PostRoot
		rowPre = &root
		consumed[i] = request.Commitment
	}

	batch := &database.Batch{
		NextRoot:    staged[len(staged)-1].PostRoot,
		PrevRoot:    prevBatchRoot,
		Kind:        database.BatchKindDeletion,
		Commitments: commitmentsOf(staged),
		LeafIndexes: indexesOf(staged),
		Proof:       encodedProof,
	}
	if err := f.repos.Batches.InsertBatch(ctx, tx, batch); err != nil {
		return err
	}

	if err := f.repos.Identities.RemoveDeletionRequests(ctx, tx, consumed); err != nil {
		return err
	}
	if err := f.repos.Identities.SetLatestDeletionTimestamp(ctx, tx, now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit deletion batch: %w", err)
	}
	return nil
}

// ============================================================================
// SHARED HELPERS
// ============================================================================

// prevBatchRoot resolves the chain link for a new batch and checks that the
// chain head agrees with the batching root
func (f *Former) prevBatchRoot(ctx context.Context, preRoot common.Hash) (*common.Hash, error) {
	head, err := f.repos.Batches.HeadBatch(ctx)
	if errors.Is(err, database.ErrBatchNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if head.NextRoot != preRoot {
		return nil, fmt.Errorf("%w: chain head %s, batching root %s",
			database.ErrChainBroken, head.NextRoot.Hex(), preRoot.Hex())
	}
	root := head.NextRoot
	return &root, nil
}

func (f *Former) recordRoots(staged []tree.StagedUpdate, now time.Time) {
	if f.roots == nil {
		return
	}
	for _, update := range staged {
		f.roots.Add(update.PostRoot, tree.RootPending, now)
	}
}

func (f *Former) notifyBatchFormed() {
	if f.onBatchFormed != nil {
		f.onBatchFormed()
	}
}

// selectBatchSize picks the largest supported size the available backlog
// fills. When nothing fits, the timeout path pads the backlog up to the
// smallest supported size. Returns ok=false when no batch should form yet.
func selectBatchSize(sizes []int, available int, oldest time.Time, timeout time.Duration, now time.Time) (size, pad int, ok bool) {
	for i := len(sizes) - 1; i >= 0; i-- {
		if available >= sizes[i] {
			return sizes[i], 0, true
		}
	}
	if timeout > 0 && now.Sub(oldest) >= timeout {
		smallest := sizes[0]
		return smallest, smallest - available, true
	}
	return 0, 0, false
}

// nextSmallerSize returns the largest supported size strictly below current
func nextSmallerSize(sizes []int, current int) (int, bool) {
	for i := len(sizes) - 1; i >= 0; i-- {
		if sizes[i] < current {
			return sizes[i], true
		}
	}
	return 0, false
}

func siblings(steps []tree.BranchStep) []common.Hash {
	out := make([]common.Hash, len(steps))
	for i, step := range steps {
		out[i] = step.Sibling
	}
	return out
}

func commitmentsOf(staged []tree.StagedUpdate) []common.Hash {
	out := make([]common.Hash, len(staged))
	for i, update := range staged {
		out[i] = update.Commitment
	}
	return out
}

func indexesOf(staged []tree.StagedUpdate) []uint64 {
	out := make([]uint64, len(staged))
	for i, update := range staged {
		out[i] = update.LeafIndex
	}
	return out
}
