// Copyright 2025 Signal ID
//
// In-process relayer for tests: dedupes by post root, mines on demand,
// and can script reorgs.

package relayer

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Mock is an in-process Relayer for tests
type Mock struct {
	mu sync.Mutex

	// NextSubmitError, when set, is returned by the next Submit and cleared
	NextSubmitError error

	byRoot   map[common.Hash]string
	statuses map[string]*TxStatus
	requests []*SubmitRequest
}

// NewMock creates a mock relayer
func NewMock() *Mock {
	return &Mock{
		byRoot:   make(map[common.Hash]string),
		statuses: make(map[string]*TxStatus),
	}
}

// Submit records the request and returns a transaction id, deduplicating by
// post root the way a production relayer does
func (m *Mock) Submit(_ context.Context, req *SubmitRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.NextSubmitError != nil {
		err := m.NextSubmitError
		m.NextSubmitError = nil
		return "", err
	}

	if id, ok := m.byRoot[req.PostRoot]; ok {
		return id, nil
	}

	id := uuid.New().String()
	m.byRoot[req.PostRoot] = id
	m.statuses[id] = &TxStatus{State: TxPending}
	m.requests = append(m.requests, req)
	return id, nil
}

// Status reports the scripted state of a transaction
func (m *Mock) Status(_ context.Context, transactionID string) (*TxStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status, ok := m.statuses[transactionID]
	if !ok {
		return nil, ErrTransactionUnknown
	}
	copied := *status
	return &copied, nil
}

// Mine marks a transaction as mined at the given block
func (m *Mock) Mine(transactionID string, block uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if status, ok := m.statuses[transactionID]; ok {
		status.State = TxMined
		status.Block = block
	}
}

// Reorg marks a previously mined transaction as reorged
func (m *Mock) Reorg(transactionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if status, ok := m.statuses[transactionID]; ok {
		status.State = TxReorged
		status.Block = 0
	}
	// a reorged submission may be resubmitted under a fresh id
	for root, id := range m.byRoot {
		if id == transactionID {
			delete(m.byRoot, root)
		}
	}
}

// Requests returns every accepted submission in order
func (m *Mock) Requests() []*SubmitRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*SubmitRequest(nil), m.requests...)
}

// TransactionFor returns the transaction id recorded for a post root
func (m *Mock) TransactionFor(root common.Hash) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byRoot[root]
	return id, ok
}
