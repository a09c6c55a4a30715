package stacks

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
)

// Address is a parsed single-sig Stacks address.
type Address struct {
	Version byte
	Hash160 [Hash160Length]byte
}

// ParseAddress splits a ChainAddress into its version byte and hash160.
//
// The prefix selects the version (ST -> 26, SP -> 22). The body must decode to
// exactly 24 bytes; the trailing four checksum bytes are discarded without
// being verified.
func ParseAddress(address string) (Address, error) {
	if len(address) < 2 {
		return Address{}, fmt.Errorf("%w: %q", ErrUnknownAddressPrefix, address)
	}

	var version byte
	switch prefix := strings.ToUpper(address[:2]); prefix {
	case PrefixTestnet:
		version = AddressVersionTestnetSingleSig
	case PrefixMainnet:
		version = AddressVersionMainnetSingleSig
	default:
		return Address{}, fmt.Errorf("%w: %q", ErrUnknownAddressPrefix, prefix)
	}

	body, err := C32Decode(address[2:])
	if err != nil {
		return Address{}, err
	}
	if len(body) != Hash160Length+ChecksumLength {
		return Address{}, fmt.Errorf("%w: decoded %d bytes, want %d", ErrMalformedBody, len(body), Hash160Length+ChecksumLength)
	}

	a := Address{Version: version}
	copy(a.Hash160[:], body[:Hash160Length])
	return a, nil
}

// AddressFromHash160 builds an address from raw parts.
func AddressFromHash160(version byte, hash160 []byte) (Address, error) {
	if len(hash160) != Hash160Length {
		return Address{}, fmt.Errorf("hash160 must be %d bytes, got %d", Hash160Length, len(hash160))
	}
	if int(version) >= len(C32Alphabet) {
		return Address{}, fmt.Errorf("%w: %d", ErrInvalidVersion, version)
	}
	a := Address{Version: version}
	copy(a.Hash160[:], hash160)
	return a, nil
}

// String renders the c32check form, e.g. ST3Q6YCK0E2SDAA1KS7X546NY02F12D88RZHAH2P3.
func (a Address) String() string {
	body, err := C32CheckEncode(a.Version, a.Hash160[:])
	if err != nil {
		return ""
	}
	return "S" + body
}

// Equal compares version and hash.
func (a Address) Equal(b Address) bool {
	return a.Version == b.Version && bytes.Equal(a.Hash160[:], b.Hash160[:])
}

// RemoteRecipient returns version || hash160.
func (a Address) RemoteRecipient() []byte {
	out := make([]byte, 0, RemoteRecipientLength)
	out = append(out, a.Version)
	return append(out, a.Hash160[:]...)
}

// EncodeRemoteRecipient turns a ChainAddress into the 21-byte remote
// recipient expected by the bridge.
func EncodeRemoteRecipient(address string) ([]byte, error) {
	a, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	return a.RemoteRecipient(), nil
}

// ToFixedWidth left-pads b with zero bytes to width and renders it as 0x-hex.
// A width of zero or less means DefaultFixedWidth.
func ToFixedWidth(b []byte, width int) (string, error) {
	padded, err := leftPad(b, width)
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(padded), nil
}

// RemoteRecipientBytes32 returns the remote recipient of address embedded in
// a bytes32 ABI argument.
func RemoteRecipientBytes32(address string) ([32]byte, error) {
	var out [32]byte
	recipient, err := EncodeRemoteRecipient(address)
	if err != nil {
		return out, err
	}
	padded, err := leftPad(recipient, len(out))
	if err != nil {
		return out, err
	}
	copy(out[:], padded)
	return out, nil
}

func leftPad(b []byte, width int) ([]byte, error) {
	if width <= 0 {
		width = DefaultFixedWidth
	}
	if len(b) > width {
		return nil, fmt.Errorf("%w: %d bytes exceeds width %d", ErrInputTooLong, len(b), width)
	}
	out := make([]byte, width)
	copy(out[width-len(b):], b)
	return out, nil
}
