package stacks

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	x402 "github.com/agentpay/usdcx-x402/go"
	"github.com/agentpay/usdcx-x402/go/logger"
	"github.com/agentpay/usdcx-x402/go/metrics"
)

// Node is the part of the Stacks API a signer needs.
type Node interface {
	GetNonce(ctx context.Context, address string) (uint64, error)
	Broadcast(ctx context.Context, tx []byte) (string, error)
}

// TransferSigner signs and broadcasts SIP-010 transfers from one key.
// Each Transfer makes exactly one broadcast attempt.
type TransferSigner struct {
	key     *PrivateKey
	network NetworkConfig
	token   TokenContract
	fee     uint64
	node    Node
	logger  logger.Logger
	metrics metrics.Recorder
}

// SignerOption configures a TransferSigner
type SignerOption func(*TransferSigner)

// WithNetwork selects the network (defaults to testnet).
func WithNetwork(network NetworkConfig) SignerOption {
	return func(s *TransferSigner) { s.network = network }
}

// WithToken selects the token contract (defaults to USDCx).
func WithToken(token TokenContract) SignerOption {
	return func(s *TransferSigner) { s.token = token }
}

// WithFee overrides the flat fee in microSTX.
func WithFee(fee uint64) SignerOption {
	return func(s *TransferSigner) { s.fee = fee }
}

func WithSignerLogger(l logger.Logger) SignerOption {
	return func(s *TransferSigner) { s.logger = logger.OrNoop(l) }
}

func WithSignerMetrics(r metrics.Recorder) SignerOption {
	return func(s *TransferSigner) { s.metrics = metrics.OrNoop(r) }
}

// NewTransferSigner loads privateKey (64 hex chars, or 66 with the 01 suffix).
func NewTransferSigner(privateKey string, node Node, opts ...SignerOption) (*TransferSigner, error) {
	if node == nil {
		return nil, errors.New("stacks: node is required")
	}
	key, err := ParsePrivateKey(privateKey)
	if err != nil {
		return nil, err
	}

	s := &TransferSigner{
		key:     key,
		network: Testnet,
		token:   USDCx(),
		fee:     DefaultTransferFee,
		node:    node,
		logger:  logger.NoopLogger{},
		metrics: metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Sender returns the address derived from the key.
func (s *TransferSigner) Sender() string {
	return s.key.Address(s.network).String()
}

// Transfer moves amount base units to recipient. The result is always non-nil
// and describes the outcome; err is non-nil exactly when Success is false.
func (s *TransferSigner) Transfer(ctx context.Context, recipient string, amount *big.Int) (*x402.TransferResult, error) {
	sender := s.key.Address(s.network)
	result := &x402.TransferResult{
		Sender:    sender.String(),
		Recipient: recipient,
	}
	if amount != nil {
		result.Amount = amount.String()
	}

	to, err := ParseAddress(recipient)
	if err != nil {
		return fail(result, ErrorCode(err), fmt.Errorf("invalid recipient: %w", err))
	}

	nonce, err := s.node.GetNonce(ctx, result.Sender)
	if err != nil {
		return fail(result, x402.ErrCodeSubmissionFailed, err)
	}

	tx, err := NewTransferTransaction(TransferParams{
		Network:   s.network,
		Token:     s.token,
		Signer:    s.key.Hash160(),
		Sender:    sender,
		Recipient: to,
		Amount:    amount,
		Nonce:     nonce,
		Fee:       s.fee,
	})
	if err != nil {
		return fail(result, x402.ErrCodeSubmissionFailed, err)
	}
	if err := tx.Sign(s.key); err != nil {
		return fail(result, x402.ErrCodeSubmissionFailed, err)
	}
	raw, err := tx.Serialize()
	if err != nil {
		return fail(result, x402.ErrCodeSubmissionFailed, err)
	}
	localID, _ := tx.TxID()

	s.logger.Info("broadcasting transfer", map[string]any{
		"sender":    result.Sender,
		"recipient": recipient,
		"amount":    result.Amount,
		"nonce":     nonce,
		"fee":       s.fee,
		"txid":      localID,
	})

	txid, err := s.node.Broadcast(ctx, raw)
	if err != nil {
		s.metrics.IncCounter(metrics.EventTransferRejected, map[string]string{"network": string(s.network.Name)})
		var rejection *BroadcastError
		if errors.As(err, &rejection) {
			result.Reason = rejection.Reason
			return fail(result, x402.ErrCodeBroadcastRejected, err)
		}
		return fail(result, x402.ErrCodeSubmissionFailed, err)
	}

	s.metrics.IncCounter(metrics.EventTransferBroadcast, map[string]string{"network": string(s.network.Name)})
	result.Success = true
	result.TxID = txid
	return result, nil
}

func fail(result *x402.TransferResult, code string, err error) (*x402.TransferResult, error) {
	result.Success = false
	result.Error = err.Error()
	var rejection *BroadcastError
	if errors.As(err, &rejection) {
		result.Error = rejection.Message
	}
	return result, x402.WrapPaymentError(code, err, map[string]interface{}{"sender": result.Sender})
}
