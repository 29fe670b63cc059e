// Copyright 2025 Signal ID
//
// Layered tree state: four snapshots over the identities log.
//
//	mined     - rows the chain has confirmed
//	processed - every row in the log
//	batching  - processed plus batches persisted but not yet reflected back
//	latest    - batching plus the former's in-flight, unpersisted writes
//
// The state is single-writer: the batch former stages and commits overlays,
// the finalizer moves the mined pointer, and readers take consistent
// snapshots under the read lock. Because Versions are immutable, a snapshot
// handed to a reader stays valid after the pointers move.

package tree

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// maxRetainedVersions bounds the root -> Version history used for mined
// pointer moves and reorg rewinds
const maxRetainedVersions = 4096

// LeafUpdate is one leaf write inside a staged batch
type LeafUpdate struct {
	LeafIndex  uint64
	Commitment common.Hash
}

// StagedUpdate is the result of staging one leaf write: the pre-write proof
// and the root after the write
type StagedUpdate struct {
	LeafIndex  uint64
	Commitment common.Hash
	PreProof   []BranchStep
	PostRoot   common.Hash
}

// State holds the layered snapshots
type State struct {
	mu sync.RWMutex

	depth     int
	mined     *Version
	processed *Version
	batching  *Version
	latest    *Version
	staged    bool
	// snapshots produced by the in-flight overlay, one per staged update
	stagedVersions []rootVersion

	nextFreeLeaf uint64

	// root -> snapshot history for pointer moves and reorg rewinds
	versions map[common.Hash]*Version
	order    []common.Hash
}

type rootVersion struct {
	root    common.Hash
	version *Version
}

// NewState creates an empty layered state of the given depth
func NewState(depth int) (*State, error) {
	empty, err := NewVersion(depth)
	if err != nil {
		return nil, err
	}
	s := &State{
		depth:     depth,
		mined:     empty,
		processed: empty,
		batching:  empty,
		latest:    empty,
		versions:  make(map[common.Hash]*Version),
	}
	s.retain(empty.Root(), empty)
	return s, nil
}

// Depth returns the tree depth
func (s *State) Depth() int {
	return s.depth
}

// ============================================================================
// REBUILD
// ============================================================================

// ApplyLogRow replays one identities row during startup rebuild. The
// recomputed root must match the logged root; a mismatch means the database
// and the tree algorithm disagree and is fatal.
func (s *State) ApplyLogRow(leafIndex uint64, commitment, root common.Hash, mined bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := s.processed.Apply(leafIndex, commitment)
	if err != nil {
		return err
	}
	if next.Root() != root {
		return ErrRootMismatch
	}

	s.processed = next
	s.batching = next
	s.latest = next
	if mined {
		s.mined = next
	}
	if commitment != (common.Hash{}) && leafIndex >= s.nextFreeLeaf {
		s.nextFreeLeaf = leafIndex + 1
	}
	s.retain(root, next)
	return nil
}

// ============================================================================
// SNAPSHOT ACCESS
// ============================================================================

// MinedRoot returns the root of the mined snapshot
func (s *State) MinedRoot() common.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mined.Root()
}

// ProcessedRoot returns the root of the processed snapshot
func (s *State) ProcessedRoot() common.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.processed.Root()
}

// BatchingRoot returns the root of the batching snapshot
func (s *State) BatchingRoot() common.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.batching.Root()
}

// LatestRoot returns the root including in-flight writes
func (s *State) LatestRoot() common.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest.Root()
}

// ProcessedSnapshot returns the processed Version for reads. The returned
// snapshot is immutable and stays consistent after the pointer advances.
func (s *State) ProcessedSnapshot() *Version {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.processed
}

// MinedSnapshot returns the mined Version for reads
func (s *State) MinedSnapshot() *Version {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mined
}

// NextFreeLeaf returns the next insertion index. Zeroed leaves are not reused.
func (s *State) NextFreeLeaf() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextFreeLeaf
}

// ============================================================================
// STAGED OVERLAY (batch former)
// ============================================================================

// StageBatch applies updates speculatively on top of batching, recording the
// pre-write proof and post-write root of every update. The writes live only
// in the latest layer until CommitStaged or RollbackStaged.
func (s *State) StageBatch(updates []LeafUpdate) ([]StagedUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.staged {
		return nil, ErrOverlayInFlight
	}

	work := s.batching
	staged := make([]StagedUpdate, len(updates))
	s.stagedVersions = s.stagedVersions[:0]
	for i, update := range updates {
		proof, err := work.Proof(update.LeafIndex)
		if err != nil {
			return nil, err
		}
		next, err := work.Apply(update.LeafIndex, update.Commitment)
		if err != nil {
			return nil, err
		}
		staged[i] = StagedUpdate{
			LeafIndex:  update.LeafIndex,
			Commitment: update.Commitment,
			PreProof:   proof,
			PostRoot:   next.Root(),
		}
		s.stagedVersions = append(s.stagedVersions, rootVersion{root: next.Root(), version: next})
		work = next
	}

	s.latest = work
	s.staged = true
	return staged, nil
}

// CommitStaged promotes the staged overlay into batching and processed after
// the batch and its log rows are durably persisted. Every per-update root is
// retained in the version history so the finalizer can move the mined
// pointer to any batch boundary.
func (s *State) CommitStaged() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.staged {
		return ErrNoStagedOverlay
	}

	s.batching = s.latest
	s.processed = s.latest
	s.staged = false

	for _, rv := range s.stagedVersions {
		s.retain(rv.root, rv.version)
	}
	s.stagedVersions = nil
	return nil
}

// AdvanceNextFreeLeaf bumps the insertion cursor past index
func (s *State) AdvanceNextFreeLeaf(index uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index+1 > s.nextFreeLeaf {
		s.nextFreeLeaf = index + 1
	}
}

// RollbackStaged discards the staged overlay
func (s *State) RollbackStaged() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = s.batching
	s.staged = false
	s.stagedVersions = nil
}

// ============================================================================
// MINED POINTER (finalizer)
// ============================================================================

// AdvanceMined moves the mined pointer to a known root
func (s *State) AdvanceMined(root common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	version, ok := s.versions[root]
	if !ok {
		return ErrUnknownRoot
	}
	s.mined = version
	return nil
}

// RewindMined moves the mined pointer back to a known root after a reorg
func (s *State) RewindMined(root common.Hash) error {
	return s.AdvanceMined(root)
}

// ============================================================================
// VERSION HISTORY
// ============================================================================

// retain records a root -> Version mapping, evicting the oldest entries
// beyond the retention bound. Callers hold the write lock.
func (s *State) retain(root common.Hash, version *Version) {
	if _, ok := s.versions[root]; ok {
		return
	}
	s.versions[root] = version
	s.order = append(s.order, root)
	for len(s.order) > maxRetainedVersions {
		evicted := s.order[0]
		s.order = s.order[1:]
		delete(s.versions, evicted)
	}
}

// HasVersion reports whether a snapshot is retained for root
func (s *State) HasVersion(root common.Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.versions[root]
	return ok
}

// ============================================================================
// ROOT HISTORY (query window)
// ============================================================================

// RootStatus is the mining status of a root in the query window
type RootStatus string

const (
	RootPending RootStatus = "pending"
	RootMined   RootStatus = "mined"
)

// RootRecord tracks one root the sequencer has produced
type RootRecord struct {
	Root         common.Hash
	Status       RootStatus
	SeenAt       time.Time
	SupersededAt *time.Time // nil while this is the newest root
}

// Age returns how long ago the root was superseded; the newest root has age 0
func (r *RootRecord) Age(now time.Time) time.Duration {
	if r.SupersededAt == nil {
		return 0
	}
	return now.Sub(*r.SupersededAt)
}

// RootHistory is a bounded window of recent roots for proof verification
type RootHistory struct {
	mu      sync.RWMutex
	records map[common.Hash]*RootRecord
	order   []common.Hash
	bound   int
}

// NewRootHistory creates a window retaining up to bound roots
func NewRootHistory(bound int) *RootHistory {
	if bound <= 0 {
		bound = maxRetainedVersions
	}
	return &RootHistory{
		records: make(map[common.Hash]*RootRecord),
		bound:   bound,
	}
}

// Add appends a new root to the window, superseding the previous newest
func (h *RootHistory) Add(root common.Hash, status RootStatus, seenAt time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.records[root]; ok {
		existing.Status = status
		return
	}
	if n := len(h.order); n > 0 {
		if prev, ok := h.records[h.order[n-1]]; ok && prev.SupersededAt == nil {
			at := seenAt
			prev.SupersededAt = &at
		}
	}
	h.records[root] = &RootRecord{Root: root, Status: status, SeenAt: seenAt}
	h.order = append(h.order, root)
	for len(h.order) > h.bound {
		evicted := h.order[0]
		h.order = h.order[1:]
		delete(h.records, evicted)
	}
}

// MarkMined flags a root as mined on chain
func (h *RootHistory) MarkMined(root common.Hash) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if record, ok := h.records[root]; ok {
		record.Status = RootMined
	}
}

// MarkPending reverts a root to pending after a reorg
func (h *RootHistory) MarkPending(root common.Hash) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if record, ok := h.records[root]; ok {
		record.Status = RootPending
	}
}

// Get returns the record for a root
func (h *RootHistory) Get(root common.Hash) (*RootRecord, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	record, ok := h.records[root]
	if !ok {
		return nil, false
	}
	copied := *record
	return &copied, true
}

// Len returns the number of retained roots
func (h *RootHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.order)
}
