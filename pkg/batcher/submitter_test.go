// Copyright 2025 Signal ID
//
// Submitter ordering tests with a scripted chain reader

package batcher

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/signalid/signup-sequencer/pkg/database"
	"github.com/signalid/signup-sequencer/pkg/relayer"
	"github.com/signalid/signup-sequencer/pkg/tree"
)

type fakeRootReader struct {
	root common.Hash
	err  error
}

func (f *fakeRootReader) LatestRoot(context.Context) (common.Hash, error) {
	return f.root, f.err
}

func hashOf(v int64) common.Hash {
	return common.BigToHash(big.NewInt(v))
}

func newTestSubmitter(t *testing.T, reader *fakeRootReader, roots *tree.RootHistory, emptyRoot common.Hash) *Submitter {
	t.Helper()
	s, err := NewSubmitter(database.NewRepositories(&database.Client{}), relayer.NewMock(), reader, roots, &SubmitterConfig{
		EmptyRoot: emptyRoot,
	})
	if err != nil {
		t.Fatalf("failed to create submitter: %v", err)
	}
	return s
}

func TestReadyToSubmit_GenesisProceedsOnEmptyChain(t *testing.T) {
	emptyRoot := hashOf(0xe)
	reader := &fakeRootReader{root: emptyRoot}
	s := newTestSubmitter(t, reader, tree.NewRootHistory(10), emptyRoot)

	genesis := &database.Batch{NextRoot: hashOf(1)}
	ready, err := s.readyToSubmit(context.Background(), genesis)
	if err != nil || !ready {
		t.Errorf("genesis batch against an empty chain: got (ready=%v, err=%v)", ready, err)
	}
}

func TestReadyToSubmit_WaitsWhileEarlierLinksMine(t *testing.T) {
	emptyRoot := hashOf(0xe)
	roots := tree.NewRootHistory(10)
	roots.Add(hashOf(1), tree.RootPending, time.Now())
	roots.Add(hashOf(2), tree.RootPending, time.Now())

	// the contract still shows the first link's root while the second waits
	reader := &fakeRootReader{root: hashOf(1)}
	s := newTestSubmitter(t, reader, roots, emptyRoot)

	prev := hashOf(2)
	third := &database.Batch{NextRoot: hashOf(3), PrevRoot: &prev}
	ready, err := s.readyToSubmit(context.Background(), third)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ready {
		t.Error("batch submitted before the contract caught up to its pre root")
	}
}

func TestReadyToSubmit_MatchingPrevRootProceeds(t *testing.T) {
	emptyRoot := hashOf(0xe)
	roots := tree.NewRootHistory(10)
	roots.Add(hashOf(1), tree.RootMined, time.Now())

	reader := &fakeRootReader{root: hashOf(1)}
	s := newTestSubmitter(t, reader, roots, emptyRoot)

	prev := hashOf(1)
	batch := &database.Batch{NextRoot: hashOf(2), PrevRoot: &prev}
	ready, err := s.readyToSubmit(context.Background(), batch)
	if err != nil || !ready {
		t.Errorf("got (ready=%v, err=%v), want (true, nil)", ready, err)
	}
}

func TestReadyToSubmit_UnknownChainRootIsFatal(t *testing.T) {
	emptyRoot := hashOf(0xe)
	roots := tree.NewRootHistory(10)
	roots.Add(hashOf(1), tree.RootPending, time.Now())

	// the contract reports a root this sequencer never produced
	reader := &fakeRootReader{root: hashOf(0xbad)}
	s := newTestSubmitter(t, reader, roots, emptyRoot)

	prev := hashOf(1)
	batch := &database.Batch{NextRoot: hashOf(2), PrevRoot: &prev}
	_, err := s.readyToSubmit(context.Background(), batch)
	if !errors.Is(err, ErrRootDivergence) {
		t.Errorf("expected ErrRootDivergence, got %v", err)
	}
}

func TestRelayerRequest_GenesisUsesEmptyRoot(t *testing.T) {
	emptyRoot := hashOf(0xe)
	s := newTestSubmitter(t, &fakeRootReader{root: emptyRoot}, tree.NewRootHistory(10), emptyRoot)

	batch := &database.Batch{
		NextRoot:    hashOf(1),
		Kind:        database.BatchKindInsertion,
		Commitments: []common.Hash{hashOf(9)},
		LeafIndexes: []uint64{0},
		Proof:       []byte(`[]`),
	}
	req := s.relayerRequest(batch)
	if req.PreRoot != emptyRoot {
		t.Errorf("genesis pre root: got %s, want %s", req.PreRoot.Hex(), emptyRoot.Hex())
	}
	if req.StartIndex != 0 || req.Kind != "insertion" {
		t.Errorf("request fields mismatch: %+v", req)
	}
}
