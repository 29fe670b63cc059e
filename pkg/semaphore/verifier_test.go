// Copyright 2025 Signal ID
//
// Verifier tests - runs a real Groth16 setup over a small stand-in circuit
// with the same public-input layout as the Semaphore circuit, then checks
// the calldata unpacking and verification paths end to end.

package semaphore

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/consensys/gnark-crypto/ecc"
	groth16_bn254 "github.com/consensys/gnark/backend/groth16/bn254"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	"github.com/ethereum/go-ethereum/common"
)

// membershipCircuit mirrors the Semaphore public-input layout: root,
// nullifier hash, signal hash, external nullifier hash
type membershipCircuit struct {
	Root                  frontend.Variable `gnark:",public"`
	NullifierHash         frontend.Variable `gnark:",public"`
	SignalHash            frontend.Variable `gnark:",public"`
	ExternalNullifierHash frontend.Variable `gnark:",public"`
	Secret                frontend.Variable
}

func (c *membershipCircuit) Define(api frontend.API) error {
	sum := api.Add(api.Mul(c.Secret, c.Secret), c.NullifierHash, c.SignalHash, c.ExternalNullifierHash)
	api.AssertIsEqual(c.Root, sum)
	return nil
}

// setupVerifier compiles the circuit, runs the trusted setup, produces one
// proof, and returns a Verifier loaded with the exported verifying key
func setupVerifier(t *testing.T) (*Verifier, [8]*big.Int) {
	t.Helper()

	cs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, &membershipCircuit{})
	if err != nil {
		t.Fatalf("failed to compile circuit: %v", err)
	}
	pk, vk, err := groth16.Setup(cs)
	if err != nil {
		t.Fatalf("failed to run setup: %v", err)
	}

	// secret=2, nullifier=1, signal=2, external=3 -> root = 4+1+2+3 = 10
	assignment := &membershipCircuit{
		Root:                  10,
		NullifierHash:         1,
		SignalHash:            2,
		ExternalNullifierHash: 3,
		Secret:                2,
	}
	witness, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField())
	if err != nil {
		t.Fatalf("failed to build witness: %v", err)
	}
	proof, err := groth16.Prove(cs, pk, witness)
	if err != nil {
		t.Fatalf("failed to prove: %v", err)
	}

	vkPath := filepath.Join(t.TempDir(), "verifying.key")
	vkFile, err := os.Create(vkPath)
	if err != nil {
		t.Fatalf("failed to create vk file: %v", err)
	}
	if _, err := vk.WriteTo(vkFile); err != nil {
		t.Fatalf("failed to write vk: %v", err)
	}
	vkFile.Close()

	verifier, err := NewVerifier(vkPath, nil)
	if err != nil {
		t.Fatalf("failed to load verifier: %v", err)
	}

	bn254Proof, ok := proof.(*groth16_bn254.Proof)
	if !ok {
		t.Fatalf("unexpected proof type %T", proof)
	}
	var elements [8]*big.Int
	elements[0] = bn254Proof.Ar.X.BigInt(new(big.Int))
	elements[1] = bn254Proof.Ar.Y.BigInt(new(big.Int))
	elements[2] = bn254Proof.Bs.X.A1.BigInt(new(big.Int))
	elements[3] = bn254Proof.Bs.X.A0.BigInt(new(big.Int))
	elements[4] = bn254Proof.Bs.Y.A1.BigInt(new(big.Int))
	elements[5] = bn254Proof.Bs.Y.A0.BigInt(new(big.Int))
	elements[6] = bn254Proof.Krs.X.BigInt(new(big.Int))
	elements[7] = bn254Proof.Krs.Y.BigInt(new(big.Int))
	return verifier, elements
}

func TestVerify_ValidProof(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping trusted setup in short mode")
	}
	verifier, proof := setupVerifier(t)

	valid, err := verifier.Verify(
		common.BigToHash(big.NewInt(10)),
		common.BigToHash(big.NewInt(2)),
		common.BigToHash(big.NewInt(1)),
		common.BigToHash(big.NewInt(3)),
		proof,
	)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if !valid {
		t.Error("valid proof rejected")
	}
}

func TestVerify_WrongPublicInputIsInvalidNotError(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping trusted setup in short mode")
	}
	verifier, proof := setupVerifier(t)

	valid, err := verifier.Verify(
		common.BigToHash(big.NewInt(10)),
		common.BigToHash(big.NewInt(99)), // wrong signal
		common.BigToHash(big.NewInt(1)),
		common.BigToHash(big.NewInt(3)),
		proof,
	)
	if err != nil {
		t.Fatalf("verify returned an error for a merely-invalid proof: %v", err)
	}
	if valid {
		t.Error("proof verified against the wrong public inputs")
	}
}

func TestVerify_MalformedPoints(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping trusted setup in short mode")
	}
	verifier, proof := setupVerifier(t)

	// (1, 1) is not on the curve
	proof[0] = big.NewInt(1)
	proof[1] = big.NewInt(1)
	if _, err := verifier.Verify(
		common.BigToHash(big.NewInt(10)),
		common.BigToHash(big.NewInt(2)),
		common.BigToHash(big.NewInt(1)),
		common.BigToHash(big.NewInt(3)),
		proof,
	); err != ErrMalformedProof {
		t.Errorf("expected ErrMalformedProof, got %v", err)
	}
}

func TestVerify_NilElement(t *testing.T) {
	verifier := &Verifier{vk: &groth16_bn254.VerifyingKey{}}
	var proof [8]*big.Int
	if _, err := verifier.Verify(common.Hash{}, common.Hash{}, common.Hash{}, common.Hash{}, proof); err == nil {
		t.Error("nil proof elements accepted")
	}
}

func TestVerify_NoKeyLoaded(t *testing.T) {
	verifier, err := NewVerifier("", nil)
	if err != nil {
		t.Fatalf("keyless construction failed: %v", err)
	}
	var proof [8]*big.Int
	for i := range proof {
		proof[i] = big.NewInt(1)
	}
	if _, err := verifier.Verify(common.Hash{}, common.Hash{}, common.Hash{}, common.Hash{}, proof); err != ErrNoVerifyingKey {
		t.Errorf("expected ErrNoVerifyingKey, got %v", err)
	}
}
