// Copyright 2025 Signal ID
//
// Commitment parsing and validation.
// A commitment is a 32-byte value that must be a reduced element of the
// BN254 scalar field; zero is reserved for empty leaves and never accepted
// from clients.

package identity

import (
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
)

// Validation errors
var (
	ErrMalformedCommitment = errors.New("commitment must be a 0x-prefixed 64-hex-digit value")
	ErrUnreducedCommitment = errors.New("commitment is not a reduced field element")
	ErrZeroCommitment      = errors.New("commitment must be non-zero")
)

var fieldModulus = fr.Modulus()

// ParseCommitment validates and decodes a client-supplied commitment
func ParseCommitment(raw string) (common.Hash, error) {
	if !strings.HasPrefix(raw, "0x") && !strings.HasPrefix(raw, "0X") {
		return common.Hash{}, ErrMalformedCommitment
	}
	digits := raw[2:]
	if len(digits) != 64 {
		return common.Hash{}, ErrMalformedCommitment
	}
	value, ok := new(big.Int).SetString(digits, 16)
	if !ok {
		return common.Hash{}, ErrMalformedCommitment
	}
	if value.Sign() == 0 {
		return common.Hash{}, ErrZeroCommitment
	}
	if value.Cmp(fieldModulus) >= 0 {
		return common.Hash{}, ErrUnreducedCommitment
	}
	return common.BigToHash(value), nil
}

// InField reports whether a 32-byte value is a reduced field element
func InField(h common.Hash) bool {
	return new(big.Int).SetBytes(h[:]).Cmp(fieldModulus) < 0
}
