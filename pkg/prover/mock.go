// Copyright 2025 Signal ID
//
// In-process prover for tests: deterministic fake proofs, scriptable errors.

package prover

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Mock is an in-process Prover for tests
type Mock struct {
	mu sync.Mutex

	sizes []int
	// NextError, when set, is returned by the next Prove call and cleared
	NextError error
	// Jobs records every job received
	Jobs []*Job
}

// NewMock creates a mock prover supporting the given batch sizes
func NewMock(sizes ...int) *Mock {
	sorted := append([]int(nil), sizes...)
	sort.Ints(sorted)
	return &Mock{sizes: sorted}
}

// SupportedSizes returns the configured sizes
func (m *Mock) SupportedSizes() []int {
	return append([]int(nil), m.sizes...)
}

// Prove records the job and returns a deterministic proof derived from the
// job's input hash
func (m *Mock) Prove(_ context.Context, job *Job) (*Proof, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job.Size() == 0 {
		return nil, ErrEmptyBatch
	}
	supported := false
	for _, size := range m.sizes {
		if size == job.Size() {
			supported = true
			break
		}
	}
	if !supported {
		return nil, &Error{Code: "batch_size_mismatch", Message: "unsupported batch size"}
	}

	if m.NextError != nil {
		err := m.NextError
		m.NextError = nil
		return nil, err
	}

	m.Jobs = append(m.Jobs, job)

	seed := new(big.Int).SetBytes(job.InputHash().Bytes())
	var proof Proof
	for i := range proof {
		element := new(big.Int).Add(seed, big.NewInt(int64(i)))
		proof[i] = hexutil.Big(*element)
	}
	return &proof, nil
}

// CallCount returns the number of successful Prove calls
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Jobs)
}
