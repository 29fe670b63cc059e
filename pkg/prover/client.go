// Copyright 2025 Signal ID
//
// HTTP prover client - one endpoint per supported batch size.
// The prover is an external service; its contract is POST /prove with the
// packed job and a Groth16 proof (eight field elements) in response.

package prover

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"time"
)

// Prover produces Groth16 proofs for identity batches
type Prover interface {
	// Prove generates a proof for the job; the job size must be supported
	Prove(ctx context.Context, job *Job) (*Proof, error)
	// SupportedSizes returns the batch sizes this prover accepts, ascending
	SupportedSizes() []int
}

// HTTPProver talks to per-size prover endpoints over HTTP JSON
type HTTPProver struct {
	kind      Kind
	endpoints map[int]string
	client    *http.Client
	logger    *log.Logger
}

// HTTPProverConfig holds prover client configuration
type HTTPProverConfig struct {
	Kind      Kind
	Endpoints map[int]string // batch size -> URL
	Timeout   time.Duration
	Logger    *log.Logger
}

// NewHTTPProver creates a prover client
func NewHTTPProver(cfg *HTTPProverConfig) (*HTTPProver, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("prover endpoints cannot be empty")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[Prover] ", log.LstdFlags)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	endpoints := make(map[int]string, len(cfg.Endpoints))
	for size, url := range cfg.Endpoints {
		if size < 1 {
			return nil, fmt.Errorf("invalid prover batch size %d", size)
		}
		endpoints[size] = url
	}

	return &HTTPProver{
		kind:      cfg.Kind,
		endpoints: endpoints,
		client:    &http.Client{Timeout: timeout},
		logger:    logger,
	}, nil
}

// SupportedSizes returns the configured batch sizes, ascending
func (p *HTTPProver) SupportedSizes() []int {
	sizes := make([]int, 0, len(p.endpoints))
	for size := range p.endpoints {
		sizes = append(sizes, size)
	}
	sort.Ints(sizes)
	return sizes
}

// Prove submits the job to the endpoint matching its size
func (p *HTTPProver) Prove(ctx context.Context, job *Job) (*Proof, error) {
	if job.Size() == 0 {
		return nil, ErrEmptyBatch
	}
	endpoint, ok := p.endpoints[job.Size()]
	if !ok {
		return nil, fmt.Errorf("%w: size %d", ErrUnsupportedBatchSize, job.Size())
	}

	request := proveRequest{
		InputHash:           job.InputHash(),
		StartIndex:          job.StartIndex,
		PreRoot:             job.PreRoot,
		PostRoot:            job.PostRoot,
		IdentityCommitments: job.Commitments,
		DeletionIndices:     job.DeletionIndices,
		MerkleProofs:        job.MerkleProofs,
	}
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to encode prove request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build prove request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("prover request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read prover response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		proverErr := &Error{}
		if jsonErr := json.Unmarshal(payload, proverErr); jsonErr != nil || proverErr.Code == "" {
			return nil, fmt.Errorf("prover returned status %d: %s", resp.StatusCode, string(payload))
		}
		return nil, proverErr
	}

	var result proveResponse
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("failed to decode prover response: %w", err)
	}

	p.logger.Printf("Proved %s batch of %d (start_index=%d) in %s",
		p.kind, job.Size(), job.StartIndex, time.Since(started).Round(time.Millisecond))
	return &result.Proof, nil
}
