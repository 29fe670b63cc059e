// Copyright 2025 Signal ID
//
// Intake - accepts insertion and deletion requests from clients, queues them
// durably, and wakes the batch former so a fresh request does not wait for
// the next poll tick.

package identity

import (
	"context"
	"log"

	"github.com/ethereum/go-ethereum/common"

	"github.com/signalid/signup-sequencer/pkg/database"
)

// Intake validates and queues identity operations
type Intake struct {
	repos  *database.Repositories
	wake   chan struct{}
	logger *log.Logger
}

// NewIntake creates an intake service
func NewIntake(repos *database.Repositories, logger *log.Logger) *Intake {
	if logger == nil {
		logger = log.New(log.Writer(), "[Intake] ", log.LstdFlags)
	}
	return &Intake{
		repos:  repos,
		wake:   make(chan struct{}, 1),
		logger: logger,
	}
}

// Wake returns the channel the batch former selects on
func (i *Intake) Wake() <-chan struct{} {
	return i.wake
}

// QueueInsertion queues a commitment for insertion
func (i *Intake) QueueInsertion(ctx context.Context, commitment common.Hash) (database.InsertionOutcome, error) {
	outcome, err := i.repos.Identities.EnqueueInsertion(ctx, commitment)
	if err != nil {
		return 0, err
	}
	if outcome == database.InsertionQueued {
		i.logger.Printf("Queued insertion %s", commitment.Hex())
		i.notify()
	}
	return outcome, nil
}

// QueueDeletion queues a deletion request for a previously inserted commitment
func (i *Intake) QueueDeletion(ctx context.Context, commitment common.Hash) (database.DeletionOutcome, error) {
	outcome, err := i.repos.Identities.EnqueueDeletion(ctx, commitment)
	if err != nil {
		return 0, err
	}
	if outcome == database.DeletionQueued {
		i.logger.Printf("Queued deletion %s", commitment.Hex())
		i.notify()
	}
	return outcome, nil
}

// notify wakes the former without blocking; a full buffer means a wake-up
// is already pending
func (i *Intake) notify() {
	select {
	case i.wake <- struct{}{}:
	default:
	}
}
