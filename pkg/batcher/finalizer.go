// Copyright 2025 Signal ID
//
// Finalizer - polls the relayer for each outstanding transaction and
// reconciles the durable log and the in-memory tree with what the chain
// actually confirmed.
//
// A mined batch is not final: the mined tree pointer advances on the first
// mined observation, but the transaction stays in the polling set until the
// mine has a configurable number of confirmations behind it. Only then is
// the transaction stamped confirmed and the consumed chain tail pruned.
// Within that window a reorg rewinds the mined pointer, drops the affected
// transactions, and the submitter replays the chain from the rewound link.
// The processed log is never rolled back; it remains the speculative record.

package batcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/signalid/signup-sequencer/pkg/database"
	"github.com/signalid/signup-sequencer/pkg/metrics"
	"github.com/signalid/signup-sequencer/pkg/relayer"
	"github.com/signalid/signup-sequencer/pkg/tree"
)

// BlockNumberProvider reports the chain head, used to measure confirmation
// depth behind a mined transaction
type BlockNumberProvider interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// Finalizer confirms mining and reconciles state
type Finalizer struct {
	mu sync.Mutex

	repos   *database.Repositories
	state   *tree.State
	roots   *tree.RootHistory
	relayer relayer.Relayer
	blocks  BlockNumberProvider

	emptyRoot             common.Hash
	pollInterval          time.Duration
	requiredConfirmations int
	onFatal               func(error)

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	logger  *log.Logger
	metrics *metrics.Metrics
}

// FinalizerConfig holds finalizer configuration
type FinalizerConfig struct {
	PollInterval          time.Duration
	EmptyRoot             common.Hash
	RequiredConfirmations int // confirmation depth for finality (default: 12)
	Blocks                BlockNumberProvider
	OnFatal               func(error)
	Logger                *log.Logger
	Metrics               *metrics.Metrics
}

// NewFinalizer creates a finalizer
func NewFinalizer(
	repos *database.Repositories,
	state *tree.State,
	roots *tree.RootHistory,
	rel relayer.Relayer,
	cfg *FinalizerConfig,
) (*Finalizer, error) {
	if repos == nil {
		return nil, ErrNilRepositories
	}
	if state == nil {
		return nil, ErrNilState
	}
	if rel == nil {
		return nil, ErrNilRelayer
	}
	if cfg == nil {
		cfg = &FinalizerConfig{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[Finalizer] ", log.LstdFlags)
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 15 * time.Second
	}
	confirmations := cfg.RequiredConfirmations
	if confirmations <= 0 {
		confirmations = 12
	}

	return &Finalizer{
		repos:                 repos,
		state:                 state,
		roots:                 roots,
		relayer:               rel,
		blocks:                cfg.Blocks,
		emptyRoot:             cfg.EmptyRoot,
		pollInterval:          pollInterval,
		requiredConfirmations: confirmations,
		onFatal:               cfg.OnFatal,
		logger:                logger,
		metrics:               cfg.Metrics,
	}, nil
}

// Start begins the confirmation loop
func (f *Finalizer) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return ErrAlreadyRunning
	}
	f.running = true
	f.stopCh = make(chan struct{})
	f.doneCh = make(chan struct{})
	go f.run(ctx)
	f.logger.Printf("Finalizer started (poll=%s, confirmations=%d)",
		f.pollInterval, f.requiredConfirmations)
	return nil
}

// Stop halts the confirmation loop and waits for it to exit
func (f *Finalizer) Stop() {
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

func (f *Finalizer) run(ctx context.Context) {
	defer close(f.doneCh)

	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := f.Poll(ctx); err != nil {
			if errors.Is(err, tree.ErrUnknownRoot) {
				f.logger.Printf("FATAL: %v", err)
				if f.onFatal != nil {
					f.onFatal(err)
				}
				return
			}
			f.logger.Printf("Confirmation poll failed: %v", err)
		}
	}
}

// Poll checks every unconfirmed transaction in chain order: unmined ones for
// a first mined observation, mined ones for finality or a reorg. A pending
// transaction stops the walk because later links cannot mine first.
func (f *Finalizer) Poll(ctx context.Context) error {
	records, err := f.repos.Batches.PendingTransactions(ctx)
	if err != nil {
		return err
	}

	for _, record := range records {
		status, err := f.relayer.Status(ctx, record.TransactionID)
		if err != nil {
			return fmt.Errorf("failed to query transaction %s: %w", record.TransactionID, err)
		}

		switch status.State {
		case relayer.TxMined:
			if !record.MinedAt.Valid {
				if err := f.confirmMined(ctx, record, status.Block); err != nil {
					return err
				}
			}
			final, err := f.hasFinality(ctx, status.Block)
			if err != nil {
				return err
			}
			if final {
				if err := f.finalize(ctx, record); err != nil {
					return err
				}
			}
		case relayer.TxPending:
			return nil
		case relayer.TxReorged, relayer.TxFailed:
			return f.handleReorg(ctx, record, status.State)
		default:
			return fmt.Errorf("relayer reported unknown state %q for %s", status.State, record.TransactionID)
		}
	}
	return nil
}

// hasFinality reports whether a mine at minedBlock has the required number
// of confirmations behind it. Without a block source the first mined
// observation counts as final.
func (f *Finalizer) hasFinality(ctx context.Context, minedBlock uint64) (bool, error) {
	if f.blocks == nil {
		return true, nil
	}
	head, err := f.blocks.BlockNumber(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to read chain head: %w", err)
	}
	if head < minedBlock {
		return false, nil
	}
	return head-minedBlock+1 >= uint64(f.requiredConfirmations), nil
}

// confirmMined advances the durable log, the tree pointers, and the root
// window on the first mined observation. The chain tail is NOT pruned here:
// pruning waits for finality so a shallow reorg can still rewind.
func (f *Finalizer) confirmMined(ctx context.Context, record *database.TransactionRecord, block uint64) error {
	root := record.BatchNextRoot

	if _, err := f.repos.Identities.MarkMinedUpTo(ctx, root); err != nil {
		return err
	}
	if err := f.repos.Batches.MarkTransactionMined(ctx, record.TransactionID); err != nil {
		return err
	}
	record.MinedAt.Valid = true
	record.MinedAt.Time = time.Now()
	if err := f.state.AdvanceMined(root); err != nil {
		return fmt.Errorf("mined root %s: %w", root.Hex(), err)
	}
	if f.roots != nil {
		f.roots.MarkMined(root)
	}

	f.logger.Printf("Batch %s mined in block %d, awaiting %d confirmations",
		root.Hex(), block, f.requiredConfirmations)
	f.metrics.CountBatchMined()
	return nil
}

// finalize stamps finality on a mined transaction and prunes the consumed
// chain tail up to its batch
func (f *Finalizer) finalize(ctx context.Context, record *database.TransactionRecord) error {
	if err := f.repos.Batches.MarkTransactionConfirmed(ctx, record.TransactionID); err != nil {
		return err
	}
	if _, err := f.repos.Batches.DeleteBatchesUpTo(ctx, record.BatchNextRoot); err != nil {
		return err
	}
	f.logger.Printf("Batch %s finalized", record.BatchNextRoot.Hex())
	return nil
}

// handleReorg rewinds the mined frontier to the link before the affected
// batch and requeues it (and everything after it) for resubmission. Reaches
// both never-mined failures and mined batches still inside the
// confirmation window.
func (f *Finalizer) handleReorg(ctx context.Context, record *database.TransactionRecord, state relayer.TxState) error {
	batch, err := f.repos.Batches.BatchByNextRoot(ctx, record.BatchNextRoot)
	if err != nil {
		return err
	}

	rewindTo := f.emptyRoot
	if batch.PrevRoot != nil {
		rewindTo = *batch.PrevRoot
	}

	if _, err := f.repos.Identities.UnmineFrom(ctx, rewindTo); err != nil {
		return err
	}
	if err := f.state.RewindMined(rewindTo); err != nil {
		return fmt.Errorf("rewind to %s: %w", rewindTo.Hex(), err)
	}
	if f.roots != nil {
		f.roots.MarkPending(record.BatchNextRoot)
	}
	if _, err := f.repos.Batches.DeleteTransactionsFrom(ctx, record.BatchNextRoot); err != nil {
		return err
	}

	f.logger.Printf("Transaction %s %s; rewound mined frontier to %s and requeued batch %s",
		record.TransactionID, state, rewindTo.Hex(), record.BatchNextRoot.Hex())
	f.metrics.CountReorg()
	return nil
}
