package evm

import (
	"math/big"
)

const (
	// Default token decimals for USDC
	DefaultDecimals = 6

	// Function names
	FunctionApprove         = "approve"
	FunctionBalanceOf       = "balanceOf"
	FunctionDepositToRemote = "depositToRemote"

	// Transaction status
	TxStatusSuccess = 1
	TxStatusFailed  = 0

	// SepoliaXReserveAddress is the Circle xReserve bridge on Ethereum Sepolia.
	SepoliaXReserveAddress = "0x008888878f94C0d87defdf0B07f46B93C1934442"

	// SepoliaUSDCAddress is USDC on Ethereum Sepolia.
	SepoliaUSDCAddress = "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238"

	// StacksDomain is the xReserve domain identifier of Stacks.
	StacksDomain uint32 = 10003
)

var (
	ChainIDSepolia = big.NewInt(11155111)

	// NetworkConfigs maps a network name to its bridge deployment.
	NetworkConfigs = map[string]NetworkConfig{
		"sepolia": {
			ChainID:      ChainIDSepolia,
			Bridge:       SepoliaXReserveAddress,
			RemoteDomain: StacksDomain,
			DefaultAsset: AssetInfo{
				Address:  SepoliaUSDCAddress,
				Name:     "USDC",
				Decimals: DefaultDecimals,
			},
		},
		"eip155:11155111": {
			ChainID:      ChainIDSepolia,
			Bridge:       SepoliaXReserveAddress,
			RemoteDomain: StacksDomain,
			DefaultAsset: AssetInfo{
				Address:  SepoliaUSDCAddress,
				Name:     "USDC",
				Decimals: DefaultDecimals,
			},
		},
	}

	// ERC20ApproveABI for granting the bridge an allowance
	ERC20ApproveABI = []byte(`[
		{
			"inputs": [
				{"name": "spender", "type": "address"},
				{"name": "amount", "type": "uint256"}
			],
			"name": "approve",
			"outputs": [{"name": "", "type": "bool"}],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)

	// ERC20BalanceOfABI for checking token balance
	ERC20BalanceOfABI = []byte(`[
		{
			"inputs": [
				{"name": "account", "type": "address"}
			],
			"name": "balanceOf",
			"outputs": [{"name": "", "type": "uint256"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// XReserveDepositABI for calling depositToRemote on the xReserve bridge
	XReserveDepositABI = []byte(`[
		{
			"inputs": [
				{"name": "value", "type": "uint256"},
				{"name": "remoteDomain", "type": "uint32"},
				{"name": "remoteRecipient", "type": "bytes32"},
				{"name": "localToken", "type": "address"},
				{"name": "maxFee", "type": "uint256"},
				{"name": "hookData", "type": "bytes"}
			],
			"name": "depositToRemote",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)
)

// GetNetworkConfig returns the bridge deployment for a network name.
func GetNetworkConfig(network string) (NetworkConfig, bool) {
	cfg, ok := NetworkConfigs[network]
	return cfg, ok
}
