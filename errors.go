package x402

import (
	"errors"
	"fmt"
)

// PaymentError represents a payment-specific error
type PaymentError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Err     error                  `json:"-"`
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause so errors.Is works across the taxonomy.
func (e *PaymentError) Unwrap() error {
	return e.Err
}

// Error codes shared by every component.
const (
	ErrCodeInvalidCharacter       = "invalid_character"
	ErrCodeUnknownAddressPrefix   = "unknown_address_prefix"
	ErrCodeMalformedBody          = "malformed_body"
	ErrCodeInputTooLong           = "input_too_long"
	ErrCodeInsufficientBalance    = "insufficient_balance"
	ErrCodeSubmissionFailed       = "submission_failed"
	ErrCodeConfirmationTimeout    = "confirmation_timeout"
	ErrCodeBroadcastRejected      = "broadcast_rejected"
	ErrCodePaymentExecutionFailed = "payment_execution_failed"
	ErrCodePaymentRequired        = "payment_required"
	ErrCodeTxIDAlreadyUsed        = "txid_already_used"
	ErrCodeVerificationFailed     = "verification_failed"
)

var (
	ErrPaymentExecutionFailed = errors.New("x402: payment execution failed")
	ErrProofConsumed          = errors.New("x402: payment proof already consumed")
	ErrProofInFlight          = errors.New("x402: payment proof is being redeemed")
	ErrInvalidRequirement     = errors.New("x402: invalid payment requirement")
)

// NewPaymentError creates a new payment error
func NewPaymentError(code, message string, details map[string]interface{}) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// WrapPaymentError creates a payment error that unwraps to cause.
func WrapPaymentError(code string, cause error, details map[string]interface{}) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: cause.Error(),
		Details: details,
		Err:     cause,
	}
}

// ErrorCode extracts the taxonomy code from err, or "" when err carries none.
func ErrorCode(err error) string {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}
