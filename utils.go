package x402

import (
	"fmt"
	"math/big"
	"strings"
)

// ParseAmount parses a base-unit integer string, as carried by X-Payment-Amount
// and the signer command line.
func ParseAmount(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("amount is required")
	}
	amount, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount: %q", s)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative: %s", s)
	}
	return amount, nil
}
