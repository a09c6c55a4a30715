// Command agent buys one response from a paid API with its own wallet:
//
//	agent [-url http://localhost:8000] [-path /v1/analysis]
//
// It reads the wallet from AGENTPAY_AGENT_PRIVATE_KEY and prints the result
// as JSON on stdout. Exit status is 1 when the request was not paid for and
// served, 2 on bad flags or configuration.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentpay/usdcx-x402/go/config"
	"github.com/agentpay/usdcx-x402/go/logger"
	"github.com/agentpay/usdcx-x402/go/mechanisms/stacks"
	"github.com/agentpay/usdcx-x402/go/metrics"
	"github.com/agentpay/usdcx-x402/go/pkg/agent"
	"github.com/agentpay/usdcx-x402/go/pkg/demo"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr, os.Getenv)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer, getenv func(string) string) int {
	cfg, err := config.LoadFrom(getenv)
	if err != nil {
		fmt.Fprintln(stderr, "agent:", err)
		return 2
	}

	fs := flag.NewFlagSet("agent", flag.ContinueOnError)
	fs.SetOutput(stderr)
	baseURL := fs.String("url", cfg.APIHost, "API base URL")
	path := fs.String("path", demo.AnalysisPath, "paid resource path")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	log := logger.NewZapLogger(cfg.LogLevel)
	hiro := stacks.NewHiroClient(&stacks.HiroConfig{
		BaseURL:             cfg.StacksAPIURL,
		ConfirmationTimeout: cfg.ConfirmationTimeout,
		Logger:              log,
	})

	wallet, err := demo.LoadAgent(cfg, hiro, log, metrics.NoopRecorder{})
	if err != nil {
		fmt.Fprintln(stderr, "agent:", err)
		return 2
	}

	if stx, err := hiro.STXBalance(ctx, wallet.Address); err != nil {
		log.Warn("could not read STX balance", map[string]any{"address": wallet.Address, "error": err.Error()})
	} else if stx.Cmp(new(big.Int).SetUint64(stacks.MinSTXForGas)) < 0 {
		log.Warn("low STX balance, transfer fees may fail", map[string]any{
			"address": wallet.Address,
			"balance": stx.String(),
		})
	}

	a := agent.New(*baseURL, wallet.Address, wallet.Transferer, hiro,
		agent.WithNetwork(cfg.Network),
		agent.WithLogger(log),
	)
	result := a.Request(ctx, *path)

	out, err := json.Marshal(result)
	if err != nil {
		fmt.Fprintln(stderr, "agent:", err)
		return 1
	}
	fmt.Fprintln(stdout, string(out))
	if !result.Success {
		return 1
	}
	return 0
}
