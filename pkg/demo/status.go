package demo

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/agentpay/usdcx-x402/go/config"
	"github.com/agentpay/usdcx-x402/go/mechanisms/stacks"
)

// Status is the /demo/status body.
type Status struct {
	Ready         bool     `json:"ready"`
	Issues        []string `json:"issues,omitempty"`
	AgentAddress  string   `json:"agent_address,omitempty"`
	ServerAddress string   `json:"server_address,omitempty"`
}

// Status reports whether the demo is configured well enough to run.
func (r *Runner) Status() Status {
	var issues []string
	if r.agent == nil {
		issues = append(issues, r.agentErr.Error())
	}
	if issue := r.serverWalletIssue(); issue != "" {
		issues = append(issues, issue)
	}
	if len(issues) > 0 {
		return Status{Ready: false, Issues: issues}
	}
	return Status{Ready: true, AgentAddress: r.agent.Address, ServerAddress: r.serverWallet}
}

func (r *Runner) serverWalletIssue() string {
	if r.serverWallet == "" {
		return config.EnvServerWallet + " not set"
	}
	want := stacks.PrefixTestnet
	label := "testnet"
	if r.network.AddressVersion == stacks.AddressVersionMainnetSingleSig {
		want, label = stacks.PrefixMainnet, "mainnet"
	}
	if !strings.HasPrefix(r.serverWallet, want) {
		return fmt.Sprintf("%s must be a %s address (%s...)", config.EnvServerWallet, label, want)
	}
	return ""
}

// NotConfiguredError reports which wallet /demo/wallets cannot show.
type NotConfiguredError struct {
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *NotConfiguredError) Error() string {
	return e.Code + ": " + e.Message
}

// WalletBalance is one wallet of the /demo/wallets body. Balances are raw
// base units.
type WalletBalance struct {
	Address    string   `json:"address"`
	BalanceRaw *big.Int `json:"balance_raw"`
}

type Wallets struct {
	Agent  WalletBalance `json:"agent_wallet"`
	Server WalletBalance `json:"server_wallet"`
}

// Wallets reads the USDCx balances of the agent and server wallets. A missing
// wallet yields a *NotConfiguredError.
func (r *Runner) Wallets(ctx context.Context) (*Wallets, error) {
	if r.agent == nil {
		return nil, &NotConfiguredError{Code: "agent_not_configured", Message: r.agentErr.Error()}
	}
	if issue := r.serverWalletIssue(); issue != "" {
		return nil, &NotConfiguredError{Code: "server_not_configured", Message: issue}
	}

	agentBalance, err := r.chain.TokenBalance(ctx, r.agent.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent balance: %w", err)
	}
	serverBalance, err := r.chain.TokenBalance(ctx, r.serverWallet)
	if err != nil {
		return nil, fmt.Errorf("failed to read server balance: %w", err)
	}
	return &Wallets{
		Agent:  WalletBalance{Address: r.agent.Address, BalanceRaw: agentBalance},
		Server: WalletBalance{Address: r.serverWallet, BalanceRaw: serverBalance},
	}, nil
}
