// Command bridge-deposit funds a Stacks wallet with USDCx by depositing USDC
// into the xReserve bridge on Ethereum:
//
//	bridge-deposit -amount 1.5 [-recipient ST...] [-skip-approval]
//
// The EVM key and RPC endpoint come from BRIDGE_PRIVATE_KEY and
// BRIDGE_RPC_URL; the recipient defaults to AGENTPAY_AGENT_WALLET. The
// result is printed as JSON on stdout.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agentpay/usdcx-x402/go/config"
	"github.com/agentpay/usdcx-x402/go/logger"
	bridgeevm "github.com/agentpay/usdcx-x402/go/mechanisms/evm"
	evmsigner "github.com/agentpay/usdcx-x402/go/signers/evm"
)

// dialer opens the signer the flow submits through.
type dialer func(ctx context.Context, rpcURL, privateKey string) (bridgeevm.BridgeEvmSigner, error)

func dialRPC(ctx context.Context, rpcURL, privateKey string) (bridgeevm.BridgeEvmSigner, error) {
	return evmsigner.Dial(ctx, rpcURL, privateKey)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr, os.Getenv, dialRPC)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer, getenv func(string) string, dial dialer) int {
	cfg, err := config.LoadFrom(getenv)
	if err != nil {
		fmt.Fprintln(stderr, "bridge-deposit:", err)
		return 2
	}

	fs := flag.NewFlagSet("bridge-deposit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	amountFlag := fs.String("amount", "", "USDC to deposit, e.g. 1.5")
	recipient := fs.String("recipient", cfg.AgentWallet, "Stacks address credited with USDCx")
	skipApproval := fs.Bool("skip-approval", false, "reuse an existing allowance")
	timeout := fs.Duration("timeout", 10*time.Minute, "confirmation timeout per transaction")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	amount, err := parseUSDC(*amountFlag)
	if err != nil {
		fmt.Fprintln(stderr, "bridge-deposit:", err)
		return 2
	}
	if *recipient == "" {
		fmt.Fprintf(stderr, "bridge-deposit: -recipient or %s is required\n", config.EnvAgentWallet)
		return 2
	}
	if cfg.Bridge.RPCURL == "" || cfg.Bridge.PrivateKey == "" {
		fmt.Fprintf(stderr, "bridge-deposit: %s and %s are required\n", config.EnvBridgeRPCURL, config.EnvBridgePrivateKey)
		return 2
	}

	req, err := bridgeevm.DepositRequestForNetwork(cfg.Bridge.Network, *recipient, amount)
	if err != nil {
		fmt.Fprintln(stderr, "bridge-deposit:", err)
		return 2
	}
	req.SkipApproval = *skipApproval

	log := logger.NewZapLogger(cfg.LogLevel)
	signer, err := dial(ctx, cfg.Bridge.RPCURL, cfg.Bridge.PrivateKey)
	if err != nil {
		fmt.Fprintln(stderr, "bridge-deposit:", err)
		return 1
	}
	log.Info("depositing", map[string]any{
		"from":      signer.Address(),
		"recipient": *recipient,
		"amount":    amount.String(),
		"network":   cfg.Bridge.Network,
	})

	flow := bridgeevm.NewDepositFlow(signer,
		bridgeevm.WithConfirmationTimeout(*timeout),
		bridgeevm.WithDepositLogger(log),
	)
	result, depositErr := flow.Deposit(ctx, req)

	out, err := json.Marshal(result)
	if err != nil {
		fmt.Fprintln(stderr, "bridge-deposit:", err)
		return 1
	}
	fmt.Fprintln(stdout, string(out))
	if depositErr != nil {
		switch result.State {
		case bridgeevm.StateApprovedButNotDeposited:
			fmt.Fprintln(stderr, "bridge-deposit: approval confirmed and no deposit landed, rerun with -skip-approval")
		case bridgeevm.StateDepositPending:
			fmt.Fprintf(stderr, "bridge-deposit: deposit %s was broadcast but not confirmed; check it on chain, do not rerun
",
				result.DepositTxHash)
		}
		return 1
	}
	return 0
}

// parseUSDC converts a decimal USDC amount to base units.
func parseUSDC(s string) (*big.Int, error) {
	if s == "" {
		return nil, errors.New("-amount is required")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid -amount %q: %w", s, err)
	}
	units := d.Shift(bridgeevm.DefaultDecimals)
	if !units.IsPositive() || !units.Equal(units.Truncate(0)) {
		return nil, fmt.Errorf("invalid -amount %q: must be positive with at most %d decimals", s, bridgeevm.DefaultDecimals)
	}
	return units.BigInt(), nil
}
