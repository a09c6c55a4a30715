package stacks

import (
	"context"
	"errors"
	"math/big"
	"strings"

	x402 "github.com/agentpay/usdcx-x402/go"
	"github.com/agentpay/usdcx-x402/go/logger"
)

// Verification failure reasons
const (
	ReasonInvalidTxIDFormat  = "invalid_txid_format"
	ReasonTxNotFound         = "tx_not_found"
	ReasonTxNotConfirmed     = "tx_not_confirmed"
	ReasonTxFailed           = "tx_failed"
	ReasonNotContractCall    = "not_contract_call"
	ReasonWrongContract      = "wrong_contract"
	ReasonWrongFunction      = "wrong_function"
	ReasonWrongRecipient     = "wrong_recipient"
	ReasonInsufficientAmount = "insufficient_amount"
	ReasonSelfPayment        = "self_payment"
	ReasonAPIError           = "api_error"
)

var reasonMessages = map[string]string{
	ReasonInvalidTxIDFormat:  "Invalid transaction ID format",
	ReasonTxNotFound:         "Transaction not found on chain",
	ReasonTxNotConfirmed:     "Transaction not yet confirmed (wait for anchor block)",
	ReasonTxFailed:           "Transaction failed on chain",
	ReasonNotContractCall:    "Transaction is not a contract call",
	ReasonWrongContract:      "Payment must be in USDCx",
	ReasonWrongFunction:      "Transaction is not a transfer",
	ReasonWrongRecipient:     "Payment sent to wrong recipient",
	ReasonInsufficientAmount: "Payment amount insufficient",
	ReasonSelfPayment:        "Sender and recipient must differ",
	ReasonAPIError:           "Error verifying transaction",
}

func failure(reason string) *x402.VerificationFailure {
	return &x402.VerificationFailure{Reason: reason, Message: reasonMessages[reason]}
}

// VerifyTransfer checks the facts of a decoded transfer against the expected
// terms: sender and recipient differ, the recipient is expected and the
// amount covers required.
func VerifyTransfer(sender, recipient string, amount, required *big.Int, expectedRecipient string) error {
	if sender == recipient {
		return failure(ReasonSelfPayment)
	}
	if recipient != expectedRecipient {
		return failure(ReasonWrongRecipient)
	}
	if amount == nil || required == nil || amount.Cmp(required) < 0 {
		return failure(ReasonInsufficientAmount)
	}
	return nil
}

// TransactionLookup fetches a transaction by id.
type TransactionLookup interface {
	GetTransaction(ctx context.Context, txID string) (*TransactionInfo, error)
}

// TransactionVerifier verifies proofs by reading the transaction from chain.
// It implements x402.PaymentVerifier.
type TransactionVerifier struct {
	lookup TransactionLookup
	logger logger.Logger
}

func NewTransactionVerifier(lookup TransactionLookup, log logger.Logger) *TransactionVerifier {
	return &TransactionVerifier{lookup: lookup, logger: logger.OrNoop(log)}
}

// Verify accepts the proof only when it names an anchored, successful call of
// transfer on the requirement's asset contract (USDCx when unset) paying at
// least the required amount to the required recipient.
func (v *TransactionVerifier) Verify(ctx context.Context, proof x402.PaymentProof, requirement x402.PaymentRequirement) (*x402.VerifiedPayment, error) {
	if !proof.WellFormed() {
		return nil, failure(ReasonInvalidTxIDFormat)
	}
	txID := proof.Normalize()

	info, err := v.lookup.GetTransaction(ctx, txID)
	if errors.Is(err, ErrTransactionNotFound) {
		return nil, failure(ReasonTxNotFound)
	}
	if err != nil {
		v.logger.Warn("transaction lookup failed", map[string]any{"txid": txID, "error": err.Error()})
		return nil, failure(ReasonAPIError)
	}

	switch {
	case info.TxStatus == TxStatusPending:
		return nil, failure(ReasonTxNotConfirmed)
	case info.TxStatus != TxStatusSuccess:
		return nil, failure(ReasonTxFailed)
	case info.BlockHeight < 1:
		return nil, failure(ReasonTxNotConfirmed)
	case info.TxType != TxTypeContractCall || info.ContractCall == nil:
		return nil, failure(ReasonNotContractCall)
	}

	contractID := requirement.Asset()
	if contractID == "" {
		contractID = USDCxContractID
	}
	if info.ContractCall.ContractID != contractID {
		return nil, failure(ReasonWrongContract)
	}
	if info.ContractCall.FunctionName != FunctionTransfer {
		return nil, failure(ReasonWrongFunction)
	}

	amount, sender, recipient, ok := transferArgs(info.ContractCall.FunctionArgs)
	if !ok {
		return nil, failure(ReasonAPIError)
	}
	if err := VerifyTransfer(sender, recipient, amount, requirement.Amount(), requirement.Recipient()); err != nil {
		return nil, err
	}

	return &x402.VerifiedPayment{
		TxID:        txID,
		Sender:      sender,
		Recipient:   recipient,
		Amount:      amount.String(),
		BlockHeight: info.BlockHeight,
	}, nil
}

// transferArgs extracts (amount, sender, recipient) from the decoded
// arguments of a SIP-010 transfer.
func transferArgs(args []FunctionArg) (*big.Int, string, string, bool) {
	var (
		amount            *big.Int
		sender, recipient string
	)
	for _, arg := range args {
		switch arg.Name {
		case "amount":
			v, ok := new(big.Int).SetString(strings.TrimPrefix(arg.Repr, "u"), 10)
			if !ok {
				return nil, "", "", false
			}
			amount = v
		case "sender":
			sender = strings.Trim(arg.Repr, "'")
		case "recipient":
			recipient = strings.Trim(arg.Repr, "'")
		}
	}
	if amount == nil || sender == "" || recipient == "" {
		return nil, "", "", false
	}
	return amount, sender, recipient, true
}

// FailureReason extracts the reason of a verification failure, or "".
func FailureReason(err error) string {
	var f *x402.VerificationFailure
	if errors.As(err, &f) {
		return f.Reason
	}
	return ""
}
