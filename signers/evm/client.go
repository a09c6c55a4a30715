package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	bridgeevm "github.com/agentpay/usdcx-x402/go/mechanisms/evm"
)

// Backend is the subset of *ethclient.Client the bridge signer uses.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// BridgeSigner implements bridgeevm.BridgeEvmSigner using an ECDSA private key
// and a JSON-RPC backend.
type BridgeSigner struct {
	privateKey   *ecdsa.PrivateKey
	address      common.Address
	backend      Backend
	pollInterval time.Duration
}

var _ bridgeevm.BridgeEvmSigner = (*BridgeSigner)(nil)

// Dial connects to rpcURL and creates a bridge signer from a hex-encoded
// private key (with or without "0x" prefix).
func Dial(ctx context.Context, rpcURL, privateKeyHex string) (*BridgeSigner, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", rpcURL, err)
	}
	return NewBridgeSigner(privateKeyHex, client)
}

// NewBridgeSigner creates a bridge signer over an existing backend.
func NewBridgeSigner(privateKeyHex string, backend Backend) (*BridgeSigner, error) {
	if backend == nil {
		return nil, errors.New("backend is required")
	}
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	return &BridgeSigner{
		privateKey:   privateKey,
		address:      crypto.PubkeyToAddress(privateKey.PublicKey),
		backend:      backend,
		pollInterval: 3 * time.Second,
	}, nil
}

// WithPollInterval sets how often receipts are polled.
func (s *BridgeSigner) WithPollInterval(d time.Duration) *BridgeSigner {
	s.pollInterval = d
	return s
}

// Address returns the Ethereum address of the signer.
func (s *BridgeSigner) Address() string {
	return s.address.Hex()
}

// ReadContract reads data from a smart contract.
func (s *BridgeSigner) ReadContract(
	ctx context.Context,
	contractAddress string,
	abiBytes []byte,
	functionName string,
	args ...interface{},
) (interface{}, error) {
	contractABI, err := abi.JSON(strings.NewReader(string(abiBytes)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}

	data, err := contractABI.Pack(functionName, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack method call: %w", err)
	}

	addr := common.HexToAddress(contractAddress)
	result, err := s.backend.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("contract call failed: %w", err)
	}

	outputs, err := contractABI.Unpack(functionName, result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack result: %w", err)
	}

	if len(outputs) == 0 {
		return nil, nil
	}
	if len(outputs) == 1 {
		return outputs[0], nil
	}
	return outputs, nil
}

// WriteContract signs and sends a legacy transaction calling functionName,
// returning its hash without waiting for inclusion.
func (s *BridgeSigner) WriteContract(
	ctx context.Context,
	contractAddress string,
	abiBytes []byte,
	functionName string,
	args ...interface{},
) (string, error) {
	contractABI, err := abi.JSON(strings.NewReader(string(abiBytes)))
	if err != nil {
		return "", fmt.Errorf("failed to parse ABI: %w", err)
	}
	data, err := contractABI.Pack(functionName, args...)
	if err != nil {
		return "", fmt.Errorf("failed to pack method call: %w", err)
	}

	to := common.HexToAddress(contractAddress)
	chainID, err := s.backend.ChainID(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get chain id: %w", err)
	}
	nonce, err := s.backend.PendingNonceAt(ctx, s.address)
	if err != nil {
		return "", fmt.Errorf("failed to get nonce: %w", err)
	}
	gasPrice, err := s.backend.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get gas price: %w", err)
	}
	gas, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{From: s.address, To: &to, Data: data})
	if err != nil {
		return "", fmt.Errorf("failed to estimate gas: %w", err)
	}

	tx := types.NewTransaction(nonce, to, big.NewInt(0), gas, gasPrice, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), s.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign: %w", err)
	}
	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}
	return signed.Hash().Hex(), nil
}

// WaitForTransactionReceipt polls until the transaction is mined or ctx ends.
func (s *BridgeSigner) WaitForTransactionReceipt(ctx context.Context, txHash string) (*bridgeevm.TransactionReceipt, error) {
	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := s.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return &bridgeevm.TransactionReceipt{
				Status:      receipt.Status,
				BlockNumber: receipt.BlockNumber.Uint64(),
				TxHash:      txHash,
			}, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("failed to get receipt: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// GetBalance returns the ERC20 balance of address.
func (s *BridgeSigner) GetBalance(ctx context.Context, address string, tokenAddress string) (*big.Int, error) {
	out, err := s.ReadContract(ctx, tokenAddress, bridgeevm.ERC20BalanceOfABI, bridgeevm.FunctionBalanceOf, common.HexToAddress(address))
	if err != nil {
		return nil, err
	}
	balance, ok := out.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result %T", out)
	}
	return balance, nil
}

// GetChainID returns the chain ID of the connected network.
func (s *BridgeSigner) GetChainID(ctx context.Context) (*big.Int, error) {
	return s.backend.ChainID(ctx)
}
