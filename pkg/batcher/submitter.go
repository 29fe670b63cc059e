// Copyright 2025 Signal ID
//
// Transaction submitter - walks the batch chain in order, handing each
// unsubmitted link to the relayer once its pre root lines up with the
// contract, and records the resulting transaction id.
//
// Submission is idempotent keyed by the batch's next root: the relayer
// deduplicates, and the UNIQUE transactions row prevents double-recording.
// A batch row without a transactions row is exactly the resumable state a
// crash leaves behind, so restart recovery is the normal loop.

package batcher

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/signalid/signup-sequencer/pkg/chain"
	"github.com/signalid/signup-sequencer/pkg/database"
	"github.com/signalid/signup-sequencer/pkg/metrics"
	"github.com/signalid/signup-sequencer/pkg/relayer"
	"github.com/signalid/signup-sequencer/pkg/tree"
)

// Submitter hands formed batches to the relayer in chain order
type Submitter struct {
	mu sync.Mutex

	repos     *database.Repositories
	relayer   relayer.Relayer
	rootRead  chain.RootReader
	roots     *tree.RootHistory
	emptyRoot common.Hash

	pollInterval time.Duration
	wake         chan struct{}
	onFatal      func(error)

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	logger  *log.Logger
	metrics *metrics.Metrics
}

// SubmitterConfig holds submitter configuration
type SubmitterConfig struct {
	PollInterval time.Duration
	EmptyRoot    common.Hash // root of the empty tree, the chain's genesis state
	OnFatal      func(error)
	Logger       *log.Logger
	Metrics      *metrics.Metrics
}

// NewSubmitter creates a transaction submitter
func NewSubmitter(
	repos *database.Repositories,
	rel relayer.Relayer,
	rootRead chain.RootReader,
	roots *tree.RootHistory,
	cfg *SubmitterConfig,
) (*Submitter, error) {
	if repos == nil {
		return nil, ErrNilRepositories
	}
	if rel == nil {
		return nil, ErrNilRelayer
	}
	if cfg == nil {
		cfg = &SubmitterConfig{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[Submitter] ", log.LstdFlags)
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}

	return &Submitter{
		repos:        repos,
		relayer:      rel,
		rootRead:     rootRead,
		roots:        roots,
		emptyRoot:    cfg.EmptyRoot,
		pollInterval: pollInterval,
		wake:         make(chan struct{}, 1),
		onFatal:      cfg.OnFatal,
		logger:       logger,
		metrics:      cfg.Metrics,
	}, nil
}

// Notify wakes the submitter after a batch is formed
func (s *Submitter) Notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start begins the submission loop
func (s *Submitter) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.run(ctx)
	s.logger.Printf("Submitter started (poll=%s)", s.pollInterval)
	return nil
}

// Stop halts the submission loop and waits for it to exit
func (s *Submitter) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()
	<-done
}

func (s *Submitter) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	retry := newBackoff(time.Second, time.Minute)

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.wake:
		}

		for {
			submitted, err := s.SubmitNext(ctx)
			if err != nil {
				if errors.Is(err, ErrRootDivergence) {
					s.logger.Printf("FATAL: %v", err)
					if s.onFatal != nil {
						s.onFatal(err)
					}
					return
				}
				delay := retry.Next()
				s.logger.Printf("Submission failed, retrying in %s: %v", delay.Round(time.Millisecond), err)
				select {
				case <-time.After(delay):
				case <-s.stopCh:
					return
				case <-ctx.Done():
					return
				}
				continue
			}
			retry.Reset()
			if !submitted {
				break
			}
		}
	}
}

// SubmitNext submits the oldest unsubmitted batch if its turn has come.
// Returns whether a batch was submitted.
func (s *Submitter) SubmitNext(ctx context.Context) (bool, error) {
	batch, err := s.repos.Batches.OldestUnsubmittedBatch(ctx)
	if errors.Is(err, database.ErrBatchNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	ready, err := s.readyToSubmit(ctx, batch)
	if err != nil || !ready {
		return false, err
	}

	req := s.relayerRequest(batch)

	transactionID, err := s.relayer.Submit(ctx, req)
	if err != nil {
		return false, err
	}

	if err := s.repos.Batches.RecordTransaction(ctx, batch.NextRoot, transactionID); err != nil {
		return false, err
	}

	s.logger.Printf("Submitted %s batch %s (tx=%s)", batch.Kind, batch.NextRoot.Hex(), transactionID)
	s.metrics.CountBatchSubmitted()
	return true, nil
}

// readyToSubmit checks the batch's pre root against the contract. Earlier
// links still mining make the contract lag behind; that is normal and the
// batch simply waits. A contract root the sequencer never produced is fatal.
func (s *Submitter) readyToSubmit(ctx context.Context, batch *database.Batch) (bool, error) {
	if s.rootRead == nil {
		return true, nil
	}

	chainRoot, err := s.rootRead.LatestRoot(ctx)
	if err != nil {
		return false, err
	}

	expected := s.emptyRoot
	if batch.PrevRoot != nil {
		expected = *batch.PrevRoot
	}
	if chainRoot == expected {
		return true, nil
	}

	if chainRoot != s.emptyRoot && s.roots != nil {
		if _, known := s.roots.Get(chainRoot); !known {
			return false, errorRootDivergence(chainRoot)
		}
	}

	// earlier submissions are still in flight; wait for the contract to
	// catch up to this link's pre root
	return false, nil
}

func errorRootDivergence(root common.Hash) error {
	return errors.Join(ErrRootDivergence, errors.New("contract root "+root.Hex()))
}

// relayerRequest packs a batch row into the relayer wire format. The
// genesis link's pre root is the empty-tree root the contract started from.
func (s *Submitter) relayerRequest(batch *database.Batch) *relayer.SubmitRequest {
	preRoot := s.emptyRoot
	if batch.PrevRoot != nil {
		preRoot = *batch.PrevRoot
	}
	return &relayer.SubmitRequest{
		Kind:        string(batch.Kind),
		PreRoot:     preRoot,
		PostRoot:    batch.NextRoot,
		StartIndex:  batch.StartIndex(),
		Commitments: batch.Commitments,
		Proof:       batch.Proof,
	}
}
