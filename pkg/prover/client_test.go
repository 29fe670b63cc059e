// Copyright 2025 Signal ID
//
// Prover client tests against an in-process HTTP server

package prover

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func testJob(size int) *Job {
	job := &Job{
		Kind:        KindInsertion,
		StartIndex:  0,
		PreRoot:     common.BigToHash(big.NewInt(1)),
		PostRoot:    common.BigToHash(big.NewInt(2)),
		Commitments: make([]common.Hash, size),
	}
	job.MerkleProofs = make([][]common.Hash, size)
	for i := 0; i < size; i++ {
		job.Commitments[i] = common.BigToHash(big.NewInt(int64(i + 100)))
		job.MerkleProofs[i] = make([]common.Hash, 4)
	}
	return job
}

func TestInputHash_Deterministic(t *testing.T) {
	a := testJob(3).InputHash()
	b := testJob(3).InputHash()
	if a != b {
		t.Error("input hash is not deterministic")
	}

	different := testJob(3)
	different.StartIndex = 7
	if different.InputHash() == a {
		t.Error("input hash ignores the start index")
	}
}

func TestHTTPProver_Prove(t *testing.T) {
	var received proveRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"proof": []string{"0x1", "0x2", "0x3", "0x4", "0x5", "0x6", "0x7", "0x8"},
		})
	}))
	defer srv.Close()

	p, err := NewHTTPProver(&HTTPProverConfig{
		Kind:      KindInsertion,
		Endpoints: map[int]string{3: srv.URL},
	})
	if err != nil {
		t.Fatalf("failed to create prover: %v", err)
	}

	job := testJob(3)
	proof, err := p.Prove(context.Background(), job)
	if err != nil {
		t.Fatalf("prove failed: %v", err)
	}
	if (*big.Int)(&proof[7]).Int64() != 8 {
		t.Errorf("proof element mismatch: got %v", proof[7])
	}

	if received.InputHash != job.InputHash() {
		t.Error("request did not carry the input hash")
	}
	if len(received.IdentityCommitments) != 3 {
		t.Errorf("request commitment count mismatch: got %d", len(received.IdentityCommitments))
	}
}

func TestHTTPProver_TypedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{
			"code":    "batch_size_mismatch",
			"message": "circuit compiled for a different size",
		})
	}))
	defer srv.Close()

	p, _ := NewHTTPProver(&HTTPProverConfig{
		Kind:      KindInsertion,
		Endpoints: map[int]string{3: srv.URL},
	})

	_, err := p.Prove(context.Background(), testJob(3))
	proverErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if !proverErr.IsCapacityMismatch() {
		t.Error("capacity mismatch not recognized")
	}
}

func TestHTTPProver_UnsupportedSize(t *testing.T) {
	p, _ := NewHTTPProver(&HTTPProverConfig{
		Kind:      KindInsertion,
		Endpoints: map[int]string{10: "http://localhost:1"},
	})
	if _, err := p.Prove(context.Background(), testJob(3)); err == nil {
		t.Error("expected an error for an unsupported size")
	}

	sizes := p.SupportedSizes()
	if len(sizes) != 1 || sizes[0] != 10 {
		t.Errorf("supported sizes mismatch: %v", sizes)
	}
}

func TestMock_RecordsJobsAndScriptsErrors(t *testing.T) {
	m := NewMock(3, 10)

	if _, err := m.Prove(context.Background(), testJob(5)); err == nil {
		t.Error("mock accepted an unsupported size")
	}

	proof, err := m.Prove(context.Background(), testJob(3))
	if err != nil {
		t.Fatalf("mock prove failed: %v", err)
	}
	if proof == nil || m.CallCount() != 1 {
		t.Error("mock did not record the job")
	}

	m.NextError = &Error{Code: "boom", Message: "scripted"}
	if _, err := m.Prove(context.Background(), testJob(3)); err == nil {
		t.Error("scripted error not returned")
	}
	if _, err := m.Prove(context.Background(), testJob(3)); err != nil {
		t.Errorf("scripted error not cleared: %v", err)
	}
}
