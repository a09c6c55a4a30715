package stacks

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// Clarity value type prefixes
const (
	ClarityTypeInt               = byte(0x00)
	ClarityTypeUint              = byte(0x01)
	ClarityTypeBuffer            = byte(0x02)
	ClarityTypeBoolTrue          = byte(0x03)
	ClarityTypeBoolFalse         = byte(0x04)
	ClarityTypePrincipalStandard = byte(0x05)
	ClarityTypePrincipalContract = byte(0x06)
	ClarityTypeResponseOk        = byte(0x07)
	ClarityTypeResponseErr       = byte(0x08)
	ClarityTypeOptionalNone      = byte(0x09)
	ClarityTypeOptionalSome      = byte(0x0a)
)

// maxNameLength bounds contract, function and asset names (one length byte)
const maxNameLength = 128

var ErrClarityValue = errors.New("clarity: invalid value")

var maxUint128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// SerializeUint encodes a u128.
func SerializeUint(v *big.Int) ([]byte, error) {
	if v == nil || v.Sign() < 0 || v.Cmp(maxUint128) > 0 {
		return nil, fmt.Errorf("%w: uint out of range", ErrClarityValue)
	}
	out := make([]byte, 17)
	out[0] = ClarityTypeUint
	v.FillBytes(out[1:])
	return out, nil
}

func SerializeStandardPrincipal(a Address) []byte {
	out := make([]byte, 0, 2+Hash160Length)
	out = append(out, ClarityTypePrincipalStandard, a.Version)
	return append(out, a.Hash160[:]...)
}

func SerializeContractPrincipal(a Address, contractName string) ([]byte, error) {
	name, err := lengthPrefixedName(contractName)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 2+Hash160Length+len(name))
	out = append(out, ClarityTypePrincipalContract, a.Version)
	out = append(out, a.Hash160[:]...)
	return append(out, name...), nil
}

func SerializeNone() []byte {
	return []byte{ClarityTypeOptionalNone}
}

func SerializeSome(inner []byte) []byte {
	return append([]byte{ClarityTypeOptionalSome}, inner...)
}

func SerializeBuffer(b []byte) []byte {
	out := make([]byte, 5, 5+len(b))
	out[0] = ClarityTypeBuffer
	binary.BigEndian.PutUint32(out[1:], uint32(len(b)))
	return append(out, b...)
}

// HexValue renders a serialized value the way the read-only call API expects.
func HexValue(v []byte) string {
	return "0x" + hex.EncodeToString(v)
}

// ParseOkUint reads a (ok uN) response as returned by get-balance.
func ParseOkUint(result string) (*big.Int, error) {
	data, err := hex.DecodeString(strings.TrimPrefix(result, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClarityValue, err)
	}
	if len(data) < 18 || data[0] != ClarityTypeResponseOk || data[1] != ClarityTypeUint {
		return nil, fmt.Errorf("%w: expected (ok uint)", ErrClarityValue)
	}
	return new(big.Int).SetBytes(data[2:18]), nil
}

func lengthPrefixedName(name string) ([]byte, error) {
	if name == "" || len(name) > maxNameLength {
		return nil, fmt.Errorf("%w: name %q must be 1-%d bytes", ErrClarityValue, name, maxNameLength)
	}
	out := make([]byte, 0, 1+len(name))
	out = append(out, byte(len(name)))
	return append(out, name...), nil
}
