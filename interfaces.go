package x402

import (
	"context"
	"math/big"
)

// ============================================================================
// Gateway-side interfaces
// ============================================================================

// PaymentVerifier validates a presented proof against the gateway's terms.
//
// The core gateway does not require one: without a verifier the presence of a
// non-empty proof is enough to forward. Injecting a verifier turns the
// presence check into a real settlement check.
//
// Implementations return a *VerificationFailure (wrapped or bare) when the
// proof is well understood but not acceptable, and any other error when the
// verification itself could not be carried out.
type PaymentVerifier interface {
	Verify(ctx context.Context, proof PaymentProof, requirement PaymentRequirement) (*VerifiedPayment, error)
}

// PaymentVerifierFunc adapts a function to PaymentVerifier.
type PaymentVerifierFunc func(ctx context.Context, proof PaymentProof, requirement PaymentRequirement) (*VerifiedPayment, error)

func (f PaymentVerifierFunc) Verify(ctx context.Context, proof PaymentProof, requirement PaymentRequirement) (*VerifiedPayment, error) {
	return f(ctx, proof, requirement)
}

// ProofStore records proofs that have already bought a response.
//
// Reserve must be atomic: for a given normalized proof exactly one caller can
// obtain a reservation until it is released. Commit marks the reservation as
// consumed forever; Release drops it so the proof can be presented again.
type ProofStore interface {
	Reserve(ctx context.Context, proof PaymentProof) (Reservation, error)
	IsConsumed(ctx context.Context, proof PaymentProof) (bool, error)
	Count(ctx context.Context) (int, error)
}

// Reservation is a held claim on one proof.
type Reservation interface {
	Commit(ctx context.Context) error
	Release(ctx context.Context) error
}

// ============================================================================
// Client-side interfaces
// ============================================================================

// SettlementTrigger performs payment out of band after a 402. It returns the
// proof produced by the settlement when one is known, or "" when the trigger
// only reports success.
type SettlementTrigger interface {
	Trigger(ctx context.Context) (PaymentProof, error)
}

// Transferer moves amount base units of the payment token to recipient and
// reports the terminal outcome. It makes exactly one attempt.
type Transferer interface {
	Transfer(ctx context.Context, recipient string, amount *big.Int) (*TransferResult, error)
}

// ConfirmationWaiter blocks until a transaction is anchored or fails.
type ConfirmationWaiter interface {
	WaitForConfirmation(ctx context.Context, txID string) error
}

// BalanceReader returns the payment-token balance of an address in base units.
type BalanceReader interface {
	TokenBalance(ctx context.Context, address string) (*big.Int, error)
}
