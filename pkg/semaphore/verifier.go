// Copyright 2025 Signal ID
//
// Semaphore proof verification.
//
// Verifies Groth16 proofs for the Semaphore circuit against roots the
// sequencer has produced. The verifying key is the one exported from the
// circuit's trusted setup; public inputs are bound in circuit order:
// root, nullifier hash, signal hash, external nullifier hash.

package semaphore

import (
	"errors"
	"fmt"
	"log"
	"math/big"
	"os"
	"sync"

	curve "github.com/consensys/gnark-crypto/ecc/bn254"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	groth16_bn254 "github.com/consensys/gnark/backend/groth16/bn254"
	"github.com/ethereum/go-ethereum/common"
)

// Common errors for the semaphore package
var (
	ErrMalformedProof = errors.New("proof points are not valid curve points")
	ErrNoVerifyingKey = errors.New("verifying key not loaded")
)

// Verifier verifies Semaphore membership proofs
type Verifier struct {
	mu     sync.RWMutex
	vk     *groth16_bn254.VerifyingKey
	logger *log.Logger
}

// NewVerifier loads the Groth16 verifying key from the given path
func NewVerifier(vkPath string, logger *log.Logger) (*Verifier, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[Semaphore] ", log.LstdFlags)
	}

	verifier := &Verifier{logger: logger}

	if vkPath != "" {
		file, err := os.Open(vkPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open verifying key: %w", err)
		}
		defer file.Close()

		vk := &groth16_bn254.VerifyingKey{}
		if _, err := vk.ReadFrom(file); err != nil {
			return nil, fmt.Errorf("failed to read verifying key: %w", err)
		}
		verifier.vk = vk
		logger.Printf("Loaded Semaphore verifying key from %s", vkPath)
	}

	return verifier, nil
}

// Verify checks a Semaphore proof against the given public inputs.
// Returns false (with nil error) when the proof simply does not verify;
// errors are reserved for malformed inputs and missing setup.
func (v *Verifier) Verify(root, signalHash, nullifierHash, externalNullifierHash common.Hash, proof [8]*big.Int) (bool, error) {
	v.mu.RLock()
	vk := v.vk
	v.mu.RUnlock()
	if vk == nil {
		return false, ErrNoVerifyingKey
	}

	groth16Proof, err := unpackProof(proof)
	if err != nil {
		return false, err
	}

	publicInputs := make(fr.Vector, 4)
	publicInputs[0].SetBigInt(new(big.Int).SetBytes(root[:]))
	publicInputs[1].SetBigInt(new(big.Int).SetBytes(nullifierHash[:]))
	publicInputs[2].SetBigInt(new(big.Int).SetBytes(signalHash[:]))
	publicInputs[3].SetBigInt(new(big.Int).SetBytes(externalNullifierHash[:]))

	if err := groth16_bn254.Verify(groth16Proof, vk, publicInputs); err != nil {
		return false, nil
	}
	return true, nil
}

// unpackProof converts the contract calldata layout (A, B, C as eight field
// elements, G2 coordinates imaginary-first) into a gnark proof
func unpackProof(elements [8]*big.Int) (*groth16_bn254.Proof, error) {
	for i, element := range elements {
		if element == nil {
			return nil, fmt.Errorf("%w: element %d is nil", ErrMalformedProof, i)
		}
	}

	proof := &groth16_bn254.Proof{}
	proof.Ar.X.SetBigInt(elements[0])
	proof.Ar.Y.SetBigInt(elements[1])
	proof.Bs.X.A1.SetBigInt(elements[2])
	proof.Bs.X.A0.SetBigInt(elements[3])
	proof.Bs.Y.A1.SetBigInt(elements[4])
	proof.Bs.Y.A0.SetBigInt(elements[5])
	proof.Krs.X.SetBigInt(elements[6])
	proof.Krs.Y.SetBigInt(elements[7])

	if !validG1(&proof.Ar) || !validG1(&proof.Krs) || !validG2(&proof.Bs) {
		return nil, ErrMalformedProof
	}
	return proof, nil
}

func validG1(p *curve.G1Affine) bool {
	return p.IsOnCurve() && p.IsInSubGroup()
}

func validG2(p *curve.G2Affine) bool {
	return p.IsOnCurve() && p.IsInSubGroup()
}
