package stacks

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/ripemd160"
)

var ErrInvalidPrivateKey = errors.New("stacks: invalid private key")

// compressedKeySuffix marks a private key whose public key is used in
// compressed form.
const compressedKeySuffix = "01"

// NormalizePrivateKey returns the 66-character compressed form of a hex
// private key. A 64-character key gets the 01 suffix appended; a 66-character
// key must already carry it.
func NormalizePrivateKey(key string) (string, error) {
	k := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(key), "0x"))

	switch {
	case len(k) == 64:
		k += compressedKeySuffix
	case len(k) == 66 && strings.HasSuffix(k, compressedKeySuffix):
	default:
		return "", fmt.Errorf("%w: expected 64 hex characters, got %d", ErrInvalidPrivateKey, len(k))
	}

	if _, err := hex.DecodeString(k); err != nil {
		return "", fmt.Errorf("%w: not hex", ErrInvalidPrivateKey)
	}
	return k, nil
}

// PrivateKey is a secp256k1 key used with a compressed public key.
type PrivateKey struct {
	key *ecdsa.PrivateKey
}

// ParsePrivateKey normalizes and loads a hex private key.
func ParsePrivateKey(key string) (*PrivateKey, error) {
	normalized, err := NormalizePrivateKey(key)
	if err != nil {
		return nil, err
	}
	priv, err := crypto.HexToECDSA(normalized[:64])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return &PrivateKey{key: priv}, nil
}

// GeneratePrivateKey creates a fresh random key.
func GeneratePrivateKey() (*PrivateKey, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return &PrivateKey{key: priv}, nil
}

// Hex returns the normalized key, suffix included.
func (k *PrivateKey) Hex() string {
	return hex.EncodeToString(crypto.FromECDSA(k.key)) + compressedKeySuffix
}

// String never renders key material.
func (k *PrivateKey) String() string {
	return "stacks.PrivateKey(redacted)"
}

// PublicKey returns the 33-byte compressed public key.
func (k *PrivateKey) PublicKey() []byte {
	return crypto.CompressPubkey(&k.key.PublicKey)
}

// Hash160 returns ripemd160(sha256(compressed public key)).
func (k *PrivateKey) Hash160() [Hash160Length]byte {
	var out [Hash160Length]byte
	copy(out[:], Hash160(k.PublicKey()))
	return out
}

// Address derives the single-sig address of the key on network.
func (k *PrivateKey) Address(network NetworkConfig) Address {
	return Address{Version: network.AddressVersion, Hash160: k.Hash160()}
}

// SignRecoverable signs a 32-byte digest and returns the 65-byte signature in
// recovery-id || r || s order.
func (k *PrivateKey) SignRecoverable(digest []byte) ([]byte, error) {
	sig, err := crypto.Sign(digest, k.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	out := make([]byte, 0, len(sig))
	out = append(out, sig[64])
	return append(out, sig[:64]...), nil
}

// RecoverPublicKey recovers the compressed public key from a signature
// produced by SignRecoverable.
func RecoverPublicKey(digest, vrs []byte) ([]byte, error) {
	if len(vrs) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(vrs))
	}
	rsv := make([]byte, 0, 65)
	rsv = append(rsv, vrs[1:]...)
	rsv = append(rsv, vrs[0])
	pub, err := crypto.SigToPub(digest, rsv)
	if err != nil {
		return nil, err
	}
	return crypto.CompressPubkey(pub), nil
}

// Hash160 is ripemd160(sha256(data)).
func Hash160(data []byte) []byte {
	sum := sha256.Sum256(data)
	h := ripemd160.New()
	h.Write(sum[:])
	return h.Sum(nil)
}
