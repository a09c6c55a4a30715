package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/agentpay/usdcx-x402/go"
	"github.com/agentpay/usdcx-x402/go/logger"
	"github.com/agentpay/usdcx-x402/go/mechanisms/stacks"
	"github.com/agentpay/usdcx-x402/go/metrics"
)

var (
	ErrInsufficientBalance   = errors.New("bridge: insufficient token balance")
	ErrSubmissionFailed      = errors.New("bridge: transaction submission failed")
	ErrTransactionReverted   = errors.New("bridge: transaction reverted")
	ErrConfirmationTimeout   = errors.New("bridge: confirmation timed out")
	ErrInvalidDepositRequest = errors.New("bridge: invalid deposit request")
)

// DepositState is a step of the approve then deposit flow.
type DepositState string

const (
	StateInit       DepositState = "init"
	StateApproving  DepositState = "approving"
	StateApproved   DepositState = "approved"
	StateDepositing DepositState = "depositing"
	StateDeposited  DepositState = "deposited"
	StateFailed     DepositState = "failed"

	// StateApprovedButNotDeposited is terminal: the allowance is granted on
	// chain and the deposit was either never submitted or reverted. Retry
	// with SkipApproval.
	StateApprovedButNotDeposited DepositState = "approved_but_not_deposited"

	// StateDepositPending is terminal: the deposit was broadcast but its
	// receipt was not seen. The transaction may still land; look up
	// DepositTxHash before submitting another deposit.
	StateDepositPending DepositState = "deposit_pending"
)

// Terminal reports whether no further transition follows s.
func (s DepositState) Terminal() bool {
	switch s {
	case StateDeposited, StateFailed, StateApprovedButNotDeposited, StateDepositPending:
		return true
	}
	return false
}

// DepositRequest describes one bridge deposit towards a Stacks recipient.
type DepositRequest struct {
	// Token is the ERC20 being bridged
	Token string
	// Bridge is the xReserve contract, also the approve spender
	Bridge       string
	RemoteDomain uint32
	// Recipient is a Stacks address, encoded with stacks.RemoteRecipientBytes32
	Recipient string
	Amount    *big.Int
	// MaxFee of zero accepts no bridge fee
	MaxFee *big.Int
	// SkipApproval starts at Approved, for retries after StateApprovedButNotDeposited
	SkipApproval bool
}

// DepositRequestForNetwork fills Token, Bridge and RemoteDomain from a known deployment.
func DepositRequestForNetwork(network, recipient string, amount *big.Int) (DepositRequest, error) {
	cfg, ok := GetNetworkConfig(network)
	if !ok {
		return DepositRequest{}, fmt.Errorf("%w: unknown network %q", ErrInvalidDepositRequest, network)
	}
	return DepositRequest{
		Token:        cfg.DefaultAsset.Address,
		Bridge:       cfg.Bridge,
		RemoteDomain: cfg.RemoteDomain,
		Recipient:    recipient,
		Amount:       amount,
		MaxFee:       big.NewInt(0),
	}, nil
}

// ConfirmationState is what is known on chain about one submitted transaction.
type ConfirmationState string

const (
	// ConfirmationPending covers a transaction not yet submitted and one whose
	// receipt wait ended without an answer.
	ConfirmationPending   ConfirmationState = "pending"
	ConfirmationConfirmed ConfirmationState = "confirmed"
	ConfirmationFailed    ConfirmationState = "failed"
)

// SettlementPhase is one transaction of the settlement.
type SettlementPhase struct {
	Hash  string            `json:"hash,omitempty"`
	State ConfirmationState `json:"state"`
}

// Submitted reports whether the phase reached the chain.
func (p SettlementPhase) Submitted() bool {
	return p.Hash != ""
}

// SettlementTransaction is the two ordered phases of a deposit. Deposit is
// never submitted unless Approval is confirmed or skipped.
type SettlementTransaction struct {
	Approval SettlementPhase `json:"approval"`
	Deposit  SettlementPhase `json:"deposit"`
}

// DepositResult is the outcome of a flow, successful or not.
type DepositResult struct {
	State           DepositState          `json:"state"`
	Settlement      SettlementTransaction `json:"settlement"`
	ApproveTxHash   string                `json:"approveTxHash,omitempty"`
	DepositTxHash   string                `json:"depositTxHash,omitempty"`
	RemoteRecipient string                `json:"remoteRecipient,omitempty"`
	Error           string                `json:"error,omitempty"`
}

// StateObserver is told about every transition.
type StateObserver func(from, to DepositState)

// DepositFlow runs approve then depositToRemote over a BridgeEvmSigner.
// It never retries on its own.
type DepositFlow struct {
	signer              BridgeEvmSigner
	confirmationTimeout time.Duration
	observer            StateObserver
	logger              logger.Logger
	metrics             metrics.Recorder
}

// DepositOption configures a DepositFlow
type DepositOption func(*DepositFlow)

// WithConfirmationTimeout bounds each receipt wait. Zero waits until ctx ends.
func WithConfirmationTimeout(d time.Duration) DepositOption {
	return func(f *DepositFlow) { f.confirmationTimeout = d }
}

func WithStateObserver(o StateObserver) DepositOption {
	return func(f *DepositFlow) { f.observer = o }
}

func WithDepositLogger(l logger.Logger) DepositOption {
	return func(f *DepositFlow) { f.logger = logger.OrNoop(l) }
}

func WithDepositMetrics(r metrics.Recorder) DepositOption {
	return func(f *DepositFlow) { f.metrics = metrics.OrNoop(r) }
}

func NewDepositFlow(signer BridgeEvmSigner, opts ...DepositOption) *DepositFlow {
	f := &DepositFlow{
		signer:  signer,
		logger:  logger.NoopLogger{},
		metrics: metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Deposit runs the flow to a terminal state. The result is always non-nil;
// err is non-nil unless the state is StateDeposited.
func (f *DepositFlow) Deposit(ctx context.Context, req DepositRequest) (*DepositResult, error) {
	run := &depositRun{flow: f, result: &DepositResult{
		State: StateInit,
		Settlement: SettlementTransaction{
			Approval: SettlementPhase{State: ConfirmationPending},
			Deposit:  SettlementPhase{State: ConfirmationPending},
		},
	}}

	recipient, err := validateDepositRequest(req)
	if err != nil {
		code := stacks.ErrorCode(err)
		if code == "" {
			code = x402.ErrCodeMalformedBody
		}
		return run.fail(StateFailed, code, err)
	}
	run.result.RemoteRecipient = common.Hash(recipient).Hex()

	// Balance is checked before anything is submitted.
	balance, err := f.signer.GetBalance(ctx, f.signer.Address(), req.Token)
	if err != nil {
		return run.fail(StateFailed, x402.ErrCodeSubmissionFailed, fmt.Errorf("%w: balance check: %v", ErrSubmissionFailed, err))
	}
	if balance.Cmp(req.Amount) < 0 {
		return run.fail(StateFailed, x402.ErrCodeInsufficientBalance,
			fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, balance, req.Amount))
	}

	if req.SkipApproval {
		run.result.Settlement.Approval.State = ConfirmationConfirmed
		run.transition(StateApproved)
	} else {
		run.transition(StateApproving)
		err := f.submitAndWait(ctx, &run.result.Settlement.Approval, req.Token, ERC20ApproveABI, FunctionApprove,
			common.HexToAddress(req.Bridge), req.Amount)
		run.result.ApproveTxHash = run.result.Settlement.Approval.Hash
		if err != nil {
			return run.fail(StateFailed, codeFor(err), err)
		}
		run.transition(StateApproved)
	}

	maxFee := req.MaxFee
	if maxFee == nil {
		maxFee = big.NewInt(0)
	}

	run.transition(StateDepositing)
	deposit := &run.result.Settlement.Deposit
	err = f.submitAndWait(ctx, deposit, req.Bridge, XReserveDepositABI, FunctionDepositToRemote,
		req.Amount,
		req.RemoteDomain,
		recipient,
		common.HexToAddress(req.Token),
		maxFee,
		[]byte{},
	)
	run.result.DepositTxHash = deposit.Hash
	if err != nil {
		if deposit.Submitted() && deposit.State == ConfirmationPending {
			return run.fail(StateDepositPending, codeFor(err), err)
		}
		return run.fail(StateApprovedButNotDeposited, codeFor(err), err)
	}

	run.transition(StateDeposited)
	return run.result, nil
}

func validateDepositRequest(req DepositRequest) ([32]byte, error) {
	switch {
	case req.Amount == nil || req.Amount.Sign() <= 0:
		return [32]byte{}, fmt.Errorf("%w: amount must be positive", ErrInvalidDepositRequest)
	case req.MaxFee != nil && req.MaxFee.Sign() < 0:
		return [32]byte{}, fmt.Errorf("%w: maxFee must not be negative", ErrInvalidDepositRequest)
	case !common.IsHexAddress(req.Token):
		return [32]byte{}, fmt.Errorf("%w: token %q", ErrInvalidDepositRequest, req.Token)
	case !common.IsHexAddress(req.Bridge):
		return [32]byte{}, fmt.Errorf("%w: bridge %q", ErrInvalidDepositRequest, req.Bridge)
	}
	return stacks.RemoteRecipientBytes32(req.Recipient)
}

// submitAndWait writes one transaction and blocks until its receipt,
// recording the hash and what the receipt said in phase. A wait that ends
// without a receipt leaves the phase pending.
func (f *DepositFlow) submitAndWait(ctx context.Context, phase *SettlementPhase, contract string, abi []byte, function string, args ...interface{}) error {
	start := time.Now()
	hash, err := f.signer.WriteContract(ctx, contract, abi, function, args...)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSubmissionFailed, function, err)
	}
	phase.Hash = hash
	f.logger.Info("bridge transaction submitted", map[string]any{"function": function, "txHash": hash})

	waitCtx := ctx
	if f.confirmationTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, f.confirmationTimeout)
		defer cancel()
	}

	receipt, err := f.signer.WaitForTransactionReceipt(waitCtx, hash)
	f.metrics.ObserveLatency(metrics.EventBridgeStep, time.Since(start), map[string]string{"step": function})
	if err != nil {
		if ctx.Err() == nil && errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s after %s", ErrConfirmationTimeout, hash, f.confirmationTimeout)
		}
		return fmt.Errorf("%w: waiting for %s: %w", ErrSubmissionFailed, hash, err)
	}
	if receipt.Status != TxStatusSuccess {
		phase.State = ConfirmationFailed
		return fmt.Errorf("%w: %s", ErrTransactionReverted, hash)
	}
	phase.State = ConfirmationConfirmed
	return nil
}

func codeFor(err error) string {
	switch {
	case errors.Is(err, ErrConfirmationTimeout):
		return x402.ErrCodeConfirmationTimeout
	case errors.Is(err, ErrInsufficientBalance):
		return x402.ErrCodeInsufficientBalance
	}
	return x402.ErrCodeSubmissionFailed
}

type depositRun struct {
	flow   *DepositFlow
	result *DepositResult
}

func (r *depositRun) transition(to DepositState) {
	from := r.result.State
	r.result.State = to
	r.flow.logger.Info("bridge state", map[string]any{"from": string(from), "to": string(to)})
	r.flow.metrics.IncCounter(metrics.EventBridgeStep, map[string]string{"outcome": string(to)})
	if r.flow.observer != nil {
		r.flow.observer(from, to)
	}
}

func (r *depositRun) fail(to DepositState, code string, err error) (*DepositResult, error) {
	r.result.Error = err.Error()
	r.transition(to)
	return r.result, x402.WrapPaymentError(code, err, map[string]interface{}{"state": string(to)})
}
