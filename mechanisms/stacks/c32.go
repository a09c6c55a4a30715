package stacks

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

var (
	ErrInvalidCharacter     = errors.New("c32: invalid character")
	ErrUnknownAddressPrefix = errors.New("c32: unknown address prefix")
	ErrMalformedBody        = errors.New("c32: malformed address body")
	ErrInputTooLong         = errors.New("c32: input longer than target width")
	ErrInvalidVersion       = errors.New("c32: version out of range")
)

// C32Decode converts a c32 string into bytes.
//
// Each symbol contributes five bits. Leading zero bits are dropped until the
// bit string is byte aligned or a one bit is reached; whatever remains is then
// left-padded with zero bits to the next byte boundary. Non-zero high bits are
// never truncated. Decoding is case-insensitive.
func C32Decode(s string) ([]byte, error) {
	bits := make([]byte, 0, len(s)*5)
	for i, r := range s {
		idx := strings.IndexRune(C32Alphabet, toUpperASCII(r))
		if idx < 0 {
			return nil, fmt.Errorf("%w: %q at offset %d", ErrInvalidCharacter, r, i)
		}
		for shift := 4; shift >= 0; shift-- {
			bits = append(bits, byte(idx>>shift)&1)
		}
	}

	for len(bits)%8 != 0 && bits[0] == 0 {
		bits = bits[1:]
	}
	if rem := len(bits) % 8; rem != 0 {
		bits = append(make([]byte, 8-rem), bits...)
	}

	out := make([]byte, len(bits)/8)
	for i, b := range bits {
		out[i/8] |= b << (7 - uint(i%8))
	}
	return out, nil
}

// C32Encode converts bytes into a c32 string. Every leading zero byte is
// rendered as one '0' symbol.
func C32Encode(data []byte) string {
	n := new(big.Int).SetBytes(data)
	base := big.NewInt(32)
	mod := new(big.Int)

	var out []byte
	for n.Sign() > 0 {
		n.DivMod(n, base, mod)
		out = append(out, C32Alphabet[mod.Int64()])
	}
	for _, b := range data {
		if b != 0 {
			break
		}
		out = append(out, '0')
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}

// C32CheckEncode renders version and payload with the four-byte double-SHA256
// checksum, without the leading "S" of an address.
func C32CheckEncode(version byte, payload []byte) (string, error) {
	if int(version) >= len(C32Alphabet) {
		return "", fmt.Errorf("%w: %d", ErrInvalidVersion, version)
	}
	sum := c32Checksum(version, payload)
	body := make([]byte, 0, len(payload)+ChecksumLength)
	body = append(body, payload...)
	body = append(body, sum...)
	return string(C32Alphabet[version]) + C32Encode(body), nil
}

func c32Checksum(version byte, payload []byte) []byte {
	first := sha256.Sum256(append([]byte{version}, payload...))
	second := sha256.Sum256(first[:])
	return second[:ChecksumLength]
}

func toUpperASCII(r rune) rune {
	if r >= 'a' && r <= 'z' {
		return r - 'a' + 'A'
	}
	return r
}
