// Copyright 2025 Signal ID
//
// Identity-manager contract reader.
// The contract is the source of truth for the committed root; the submitter
// checks a batch's pre root against it before handing the batch to the
// relayer, and startup uses it to detect divergence between the local log
// and the chain.

package chain

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// identityManagerABI covers the read surface the sequencer needs
const identityManagerABI = `[
	{"inputs":[],"name":"latestRoot","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

// IdentityManager reads the on-chain identity-manager contract
type IdentityManager struct {
	client   *ethclient.Client
	address  common.Address
	contract abi.ABI
	logger   *log.Logger
}

// NewIdentityManager connects to an Ethereum node and binds the contract
func NewIdentityManager(url string, address string, logger *log.Logger) (*IdentityManager, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[Chain] ", log.LstdFlags)
	}
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid identity manager address: %s", address)
	}

	client, err := ethclient.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Ethereum: %w", err)
	}

	contract, err := abi.JSON(strings.NewReader(identityManagerABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse contract ABI: %w", err)
	}

	return &IdentityManager{
		client:   client,
		address:  common.HexToAddress(address),
		contract: contract,
		logger:   logger,
	}, nil
}

// LatestRoot returns the contract's current committed root
func (m *IdentityManager) LatestRoot(ctx context.Context) (common.Hash, error) {
	input, err := m.contract.Pack("latestRoot")
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to pack latestRoot call: %w", err)
	}

	output, err := m.client.CallContract(ctx, ethereum.CallMsg{
		To:   &m.address,
		Data: input,
	}, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("latestRoot call failed: %w", err)
	}

	values, err := m.contract.Unpack("latestRoot", output)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to unpack latestRoot: %w", err)
	}
	root, ok := values[0].(*big.Int)
	if !ok {
		return common.Hash{}, fmt.Errorf("latestRoot returned unexpected type %T", values[0])
	}
	return common.BigToHash(root), nil
}

// BlockNumber returns the node's current head block
func (m *IdentityManager) BlockNumber(ctx context.Context) (uint64, error) {
	number, err := m.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get block number: %w", err)
	}
	return number, nil
}

// Close releases the RPC connection
func (m *IdentityManager) Close() {
	m.client.Close()
}

// RootReader is the capability the submitter needs from the chain
type RootReader interface {
	LatestRoot(ctx context.Context) (common.Hash, error)
}
