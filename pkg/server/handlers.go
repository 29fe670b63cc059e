// Copyright 2025 Signal ID
//
// v2 HTTP API handlers - the thin adapter over the identity pipeline.

package server

import (
	"encoding/json"
	"errors"
	"log"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/signalid/signup-sequencer/pkg/database"
	"github.com/signalid/signup-sequencer/pkg/identity"
	"github.com/signalid/signup-sequencer/pkg/metrics"
	"github.com/signalid/signup-sequencer/pkg/semaphore"
	"github.com/signalid/signup-sequencer/pkg/tree"
)

// HealthProvider reports component statuses for the health endpoint
type HealthProvider func(r *http.Request) (status int, body any)

// Handlers provides the v2 HTTP API
type Handlers struct {
	intake     *identity.Intake
	repos      *database.Repositories
	state      *tree.State
	roots      *tree.RootHistory
	verifier   *semaphore.Verifier
	maxRootAge time.Duration
	health     HealthProvider
	metrics    *metrics.Metrics
	logger     *log.Logger
}

// HandlersConfig holds handler dependencies
type HandlersConfig struct {
	Intake     *identity.Intake
	Repos      *database.Repositories
	State      *tree.State
	Roots      *tree.RootHistory
	Verifier   *semaphore.Verifier
	MaxRootAge time.Duration
	Health     HealthProvider
	Metrics    *metrics.Metrics
	Logger     *log.Logger
}

// NewHandlers creates the v2 API handlers
func NewHandlers(cfg *HandlersConfig) *Handlers {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[API] ", log.LstdFlags)
	}
	return &Handlers{
		intake:     cfg.Intake,
		repos:      cfg.Repos,
		state:      cfg.State,
		roots:      cfg.Roots,
		verifier:   cfg.Verifier,
		maxRootAge: cfg.MaxRootAge,
		health:     cfg.Health,
		metrics:    cfg.Metrics,
		logger:     logger,
	}
}

// Register attaches every v2 route to the mux
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v2/identities/{commitment}", h.InsertIdentity)
	mux.HandleFunc("DELETE /v2/identities/{commitment}", h.DeleteIdentity)
	mux.HandleFunc("GET /v2/identities/{commitment}/inclusion-proof", h.InclusionProof)
	mux.HandleFunc("POST /v2/semaphore-proof/verify", h.VerifySemaphoreProof)
	mux.HandleFunc("GET /v2/health", h.Health)
	mux.Handle("GET /v2/metrics", h.metrics.Handler())
}

// ========================================
// Identity intake
// ========================================

// InsertIdentity queues a commitment for insertion
func (h *Handlers) InsertIdentity(w http.ResponseWriter, r *http.Request) {
	commitment, ok := h.parseCommitment(w, r)
	if !ok {
		return
	}

	outcome, err := h.intake.QueueInsertion(r.Context(), commitment)
	if err != nil {
		h.internalError(w, "queue insertion", err)
		return
	}

	switch outcome {
	case database.InsertionQueued:
		h.metrics.CountIdentityQueued()
		w.WriteHeader(http.StatusAccepted)
	case database.InsertionAlreadyPresent:
		writeError(w, http.StatusConflict, ErrIDDuplicateCommitment,
			"commitment is already queued or present in the tree")
	case database.InsertionPreviouslyDeleted:
		writeError(w, http.StatusGone, ErrIDCommitmentDeleted,
			"commitment was deleted and cannot be reinserted")
	}
}

// DeleteIdentity queues a deletion request
func (h *Handlers) DeleteIdentity(w http.ResponseWriter, r *http.Request) {
	commitment, ok := h.parseCommitment(w, r)
	if !ok {
		return
	}

	outcome, err := h.intake.QueueDeletion(r.Context(), commitment)
	if err != nil {
		h.internalError(w, "queue deletion", err)
		return
	}

	switch outcome {
	case database.DeletionQueued:
		h.metrics.CountDeletionQueued()
		w.WriteHeader(http.StatusAccepted)
	case database.DeletionNotFound:
		writeError(w, http.StatusNotFound, ErrIDUnknownCommitment,
			"commitment is not present in the tree")
	case database.DeletionNotYetProcessed:
		writeError(w, http.StatusConflict, ErrIDCommitmentPending,
			"commitment is queued but not yet processed")
	case database.DeletionAlreadyDeleted:
		writeError(w, http.StatusGone, ErrIDCommitmentDeleted,
			"commitment was already deleted")
	}
}

// ========================================
// Inclusion proofs
// ========================================

// inclusionProofResponse is the wire format of an inclusion proof
type inclusionProofResponse struct {
	Root   common.Hash       `json:"root"`
	Proof  []tree.BranchStep `json:"proof"`
	Status string            `json:"status"` // "pending" or "mined"
}

// InclusionProof serves the Merkle inclusion proof for a commitment
func (h *Handlers) InclusionProof(w http.ResponseWriter, r *http.Request) {
	commitment, ok := h.parseCommitment(w, r)
	if !ok {
		return
	}

	record, err := h.repos.Identities.IdentityByCommitment(r.Context(), commitment)
	if errors.Is(err, database.ErrIdentityNotFound) {
		queued, qerr := h.repos.Identities.IsUnprocessed(r.Context(), commitment)
		if qerr != nil {
			h.internalError(w, "check unprocessed queue", qerr)
			return
		}
		if queued {
			writeError(w, http.StatusConflict, ErrIDCommitmentPending,
				"commitment is queued but not yet included in the tree")
			return
		}
		writeError(w, http.StatusNotFound, ErrIDUnknownCommitment,
			"commitment is not present in the tree")
		return
	}
	if err != nil {
		h.internalError(w, "look up identity", err)
		return
	}

	deleted, err := h.repos.Identities.LeafDeleted(r.Context(), record.LeafIndex)
	if err != nil {
		h.internalError(w, "check leaf deletion", err)
		return
	}
	if deleted {
		writeError(w, http.StatusGone, ErrIDCommitmentDeleted,
			"commitment was deleted from the tree")
		return
	}

	snapshot := h.state.ProcessedSnapshot()
	proof, err := snapshot.Proof(record.LeafIndex)
	if err != nil {
		h.internalError(w, "build inclusion proof", err)
		return
	}

	status := "pending"
	if record.Status == database.StatusMined {
		status = "mined"
	}

	h.metrics.CountInclusionProof()
	writeJSON(w, http.StatusOK, inclusionProofResponse{
		Root:   snapshot.Root(),
		Proof:  proof,
		Status: status,
	})
}

// ========================================
// Semaphore proof verification
// ========================================

// verifyRequest is the wire format of POST /v2/semaphore-proof/verify
type verifyRequest struct {
	Root                  common.Hash       `json:"root"`
	SignalHash            common.Hash       `json:"signalHash"`
	NullifierHash         common.Hash       `json:"nullifierHash"`
	ExternalNullifierHash common.Hash       `json:"externalNullifierHash"`
	Proof                 [8]*hexutil.Big   `json:"proof"`
	MaxRootAgeSeconds     int64             `json:"maxRootAgeSeconds,omitempty"`
}

type verifyResponse struct {
	Valid bool `json:"valid"`
}

// VerifySemaphoreProof verifies a Semaphore proof against a recent root
func (h *Handlers) VerifySemaphoreProof(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrIDMalformedRequest,
			"request body is not valid JSON")
		return
	}

	record, known := h.roots.Get(req.Root)
	if !known {
		h.metrics.CountProofVerified("invalid_root")
		writeError(w, http.StatusBadRequest, ErrIDInvalidRoot,
			"root was never produced by this sequencer")
		return
	}

	maxAge := h.maxRootAge
	if req.MaxRootAgeSeconds > 0 {
		if requested := time.Duration(req.MaxRootAgeSeconds) * time.Second; requested < maxAge {
			maxAge = requested
		}
	}
	if record.Age(time.Now()) > maxAge {
		h.metrics.CountProofVerified("root_too_old")
		writeError(w, http.StatusBadRequest, ErrIDRootTooOld,
			"root is older than the accepted window")
		return
	}

	var proof [8]*big.Int
	for i, element := range req.Proof {
		if element == nil {
			writeError(w, http.StatusBadRequest, ErrIDMalformedRequest,
				"proof must contain eight field elements")
			return
		}
		proof[i] = (*big.Int)(element)
	}

	valid, err := h.verifier.Verify(req.Root, req.SignalHash, req.NullifierHash,
		req.ExternalNullifierHash, proof)
	if errors.Is(err, semaphore.ErrMalformedProof) {
		writeError(w, http.StatusBadRequest, ErrIDMalformedRequest,
			"proof points are not valid curve points")
		return
	}
	if err != nil {
		h.internalError(w, "verify proof", err)
		return
	}

	if valid {
		h.metrics.CountProofVerified("valid")
	} else {
		h.metrics.CountProofVerified("invalid")
	}
	writeJSON(w, http.StatusOK, verifyResponse{Valid: valid})
}

// ========================================
// Health
// ========================================

// Health reports component statuses
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	if h.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	status, body := h.health(r)
	writeJSON(w, status, body)
}

// ========================================
// Helpers
// ========================================

func (h *Handlers) parseCommitment(w http.ResponseWriter, r *http.Request) (common.Hash, bool) {
	commitment, err := identity.ParseCommitment(r.PathValue("commitment"))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrIDMalformedCommitment, err.Error())
		return common.Hash{}, false
	}
	return commitment, true
}

func (h *Handlers) internalError(w http.ResponseWriter, op string, err error) {
	h.logger.Printf("Internal error during %s: %v", op, err)
	writeError(w, http.StatusInternalServerError, ErrIDInternal, "internal error")
}
