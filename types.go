package x402

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

// Network is the network label carried in X-Payment-Network (e.g. "stacks-testnet").
type Network string

const (
	NetworkStacksTestnet Network = "stacks-testnet"
	NetworkStacksMainnet Network = "stacks-mainnet"
)

// CurrencyUSDCx is the currency label rendered in 402 bodies.
const CurrencyUSDCx = "USDCx"

// PaymentRequirement is the set of terms the gateway demands before forwarding.
// It is immutable once constructed.
type PaymentRequirement struct {
	amount    *big.Int
	recipient string
	network   Network
	asset     string
}

// NewPaymentRequirement validates and copies the terms. Amount is in token base units.
func NewPaymentRequirement(amount *big.Int, recipient string, network Network, asset string) (PaymentRequirement, error) {
	if amount == nil || amount.Sign() <= 0 {
		return PaymentRequirement{}, fmt.Errorf("%w: amount must be positive", ErrInvalidRequirement)
	}
	if strings.TrimSpace(recipient) == "" {
		return PaymentRequirement{}, fmt.Errorf("%w: recipient is required", ErrInvalidRequirement)
	}
	if network == "" {
		return PaymentRequirement{}, fmt.Errorf("%w: network is required", ErrInvalidRequirement)
	}
	return PaymentRequirement{
		amount:    new(big.Int).Set(amount),
		recipient: recipient,
		network:   network,
		asset:     asset,
	}, nil
}

// MustPaymentRequirement is NewPaymentRequirement for static configuration; it panics on invalid terms.
func MustPaymentRequirement(amount *big.Int, recipient string, network Network, asset string) PaymentRequirement {
	r, err := NewPaymentRequirement(amount, recipient, network, asset)
	if err != nil {
		panic(err)
	}
	return r
}

func (r PaymentRequirement) Amount() *big.Int {
	if r.amount == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(r.amount)
}

func (r PaymentRequirement) AmountString() string { return r.Amount().String() }
func (r PaymentRequirement) Recipient() string    { return r.recipient }
func (r PaymentRequirement) Network() Network     { return r.network }
func (r PaymentRequirement) Asset() string        { return r.asset }

// PaymentTerms is the wire view of a requirement as it appears in a 402 body.
type PaymentTerms struct {
	Amount    string  `json:"amount"`
	Recipient string  `json:"recipient"`
	Network   Network `json:"network"`
	Asset     string  `json:"asset,omitempty"`
	Currency  string  `json:"currency"`
}

// Terms renders the requirement for a 402 response body.
func (r PaymentRequirement) Terms() PaymentTerms {
	return PaymentTerms{
		Amount:    r.AmountString(),
		Recipient: r.recipient,
		Network:   r.network,
		Asset:     r.asset,
		Currency:  CurrencyUSDCx,
	}
}

// PaymentRequiredResponse is the JSON body of a 402 response.
type PaymentRequiredResponse struct {
	Error   string       `json:"error"`
	Message string       `json:"message"`
	Reason  string       `json:"reason,omitempty"`
	Payment PaymentTerms `json:"payment"`
}

// PaymentProof is the opaque transaction id a client presents in X-Payment-TxId.
type PaymentProof string

var txIDPattern = regexp.MustCompile(`^(0x)?[a-fA-F0-9]{64}$`)

// WellFormed reports whether the proof looks like a 32-byte hex transaction id.
func (p PaymentProof) WellFormed() bool {
	return txIDPattern.MatchString(strings.TrimSpace(string(p)))
}

// Normalize returns the canonical form used for deduplication: trimmed,
// lower-cased and 0x-prefixed.
func (p PaymentProof) Normalize() string {
	s := strings.ToLower(strings.TrimSpace(string(p)))
	if !strings.HasPrefix(s, "0x") {
		s = "0x" + s
	}
	return s
}

// TransferResult is the terminal outcome of one signer invocation. It is the
// exact JSON line the signer process prints.
type TransferResult struct {
	Success   bool   `json:"success"`
	TxID      string `json:"txid,omitempty"`
	Sender    string `json:"sender,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	Amount    string `json:"amount,omitempty"`
	Error     string `json:"error,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// VerifiedPayment describes a proof that passed on-chain verification.
type VerifiedPayment struct {
	TxID        string `json:"txid"`
	Sender      string `json:"sender"`
	Recipient   string `json:"recipient"`
	Amount      string `json:"amount"`
	BlockHeight int64  `json:"block_height"`
}

// VerificationFailure explains why a proof was refused.
type VerificationFailure struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

func (f *VerificationFailure) Error() string {
	return fmt.Sprintf("%s: %s", f.Reason, f.Message)
}
