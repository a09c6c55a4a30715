package stacks

import (
	"errors"

	x402 "github.com/agentpay/usdcx-x402/go"
)

// ErrorCode maps errors from this package onto the shared taxonomy codes.
// Errors it does not recognise fall back to x402.ErrorCode.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidCharacter):
		return x402.ErrCodeInvalidCharacter
	case errors.Is(err, ErrUnknownAddressPrefix):
		return x402.ErrCodeUnknownAddressPrefix
	case errors.Is(err, ErrMalformedBody):
		return x402.ErrCodeMalformedBody
	case errors.Is(err, ErrInputTooLong):
		return x402.ErrCodeInputTooLong
	case errors.Is(err, ErrBroadcastRejected):
		return x402.ErrCodeBroadcastRejected
	case errors.Is(err, ErrConfirmationTimeout):
		return x402.ErrCodeConfirmationTimeout
	}
	return x402.ErrorCode(err)
}
