package stacks

import (
	x402 "github.com/agentpay/usdcx-x402/go"
)

const (
	// C32Alphabet is the Crockford-derived base32 alphabet used by Stacks addresses.
	C32Alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

	// Address prefixes and their single-sig version bytes
	PrefixTestnet                  = "ST"
	PrefixMainnet                  = "SP"
	AddressVersionTestnetSingleSig = byte(26)
	AddressVersionMainnetSingleSig = byte(22)

	// Hash160Length is the length of the hash in a standard principal
	Hash160Length = 20
	// ChecksumLength is the c32check checksum carried in the address body
	ChecksumLength = 4
	// RemoteRecipientLength is version byte + hash160
	RemoteRecipientLength = 1 + Hash160Length
	// DefaultFixedWidth is the width of an ABI bytes32 argument
	DefaultFixedWidth = 32

	// USDCx SIP-010 token on testnet
	USDCxContractAddress = "ST1PQHQKV0RJXZFY1DGX8MNSNYVE3VGZJSRTPGZGM"
	USDCxContractName    = "usdcx"
	USDCxAssetName       = "usdcx-token"
	USDCxDecimals        = 6

	// SIP-010 function names
	FunctionTransfer   = "transfer"
	FunctionGetBalance = "get-balance"

	// DefaultTransferFee is the flat fee in microSTX attached to every transfer
	DefaultTransferFee = uint64(2000)
	// MinSTXForGas is the smallest STX balance (microSTX) worth attempting a transfer with
	MinSTXForGas = uint64(10000)
	// DefaultPaymentAmount is 0.1 USDCx in base units
	DefaultPaymentAmount = int64(100000)

	// Hiro API endpoints
	TestnetAPIURL = "https://api.testnet.hiro.so"
	MainnetAPIURL = "https://api.hiro.so"

	// Transaction statuses reported by the API
	TxStatusSuccess              = "success"
	TxStatusPending              = "pending"
	TxStatusAbortByResponse      = "abort_by_response"
	TxStatusAbortByPostCondition = "abort_by_post_condition"
	TxTypeContractCall           = "contract_call"
)

// USDCxContractID is the fully qualified contract identifier.
const USDCxContractID = USDCxContractAddress + "." + USDCxContractName

// USDCxAssetID is the fungible token identifier used by the balances endpoint.
const USDCxAssetID = USDCxContractID + "::" + USDCxAssetName

// NetworkConfig holds the per-network parameters used when building and
// broadcasting transactions.
type NetworkConfig struct {
	Name           x402.Network
	AddressVersion byte
	TxVersion      byte
	ChainID        uint32
	APIURL         string
}

var (
	Testnet = NetworkConfig{
		Name:           x402.NetworkStacksTestnet,
		AddressVersion: AddressVersionTestnetSingleSig,
		TxVersion:      0x80,
		ChainID:        0x80000000,
		APIURL:         TestnetAPIURL,
	}
	Mainnet = NetworkConfig{
		Name:           x402.NetworkStacksMainnet,
		AddressVersion: AddressVersionMainnetSingleSig,
		TxVersion:      0x00,
		ChainID:        0x00000001,
		APIURL:         MainnetAPIURL,
	}
)

// NetworkByName resolves a network label.
func NetworkByName(name x402.Network) (NetworkConfig, bool) {
	switch name {
	case Testnet.Name:
		return Testnet, true
	case Mainnet.Name:
		return Mainnet, true
	}
	return NetworkConfig{}, false
}
