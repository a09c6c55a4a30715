// Command stacks-signer makes one USDCx transfer and prints its outcome as a
// single JSON line on stdout:
//
//	stacks-signer <private-key> <recipient> <amount>
//
// The key is 64 hex characters (the compressed-key 01 suffix is appended) and
// amount is in base units. Exit status is 0 on success, 1 on any transfer
// failure and 2 on a usage error. Logs go to stderr.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	x402 "github.com/agentpay/usdcx-x402/go"
	"github.com/agentpay/usdcx-x402/go/config"
	"github.com/agentpay/usdcx-x402/go/logger"
	"github.com/agentpay/usdcx-x402/go/mechanisms/stacks"
)

const usage = "usage: stacks-signer <private-key> <recipient> <amount>"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Getenv)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout io.Writer, getenv func(string) string) int {
	if len(args) < 3 {
		emit(stdout, &x402.TransferResult{Error: usage})
		return 2
	}
	privateKey, recipient := args[0], args[1]

	amount, err := x402.ParseAmount(args[2])
	if err != nil {
		emit(stdout, &x402.TransferResult{Recipient: recipient, Error: err.Error()})
		return 1
	}

	cfg, err := config.LoadSigner(getenv)
	if err != nil {
		emit(stdout, &x402.TransferResult{Recipient: recipient, Amount: amount.String(), Error: err.Error()})
		return 1
	}
	log := logger.NewZapLogger(cfg.LogLevel)

	node := stacks.NewHiroClient(&stacks.HiroConfig{BaseURL: cfg.StacksAPIURL, Logger: log})
	signer, err := stacks.NewTransferSigner(privateKey, node,
		stacks.WithNetwork(cfg.StacksNetwork()),
		stacks.WithSignerLogger(log),
	)
	if err != nil {
		emit(stdout, &x402.TransferResult{Recipient: recipient, Amount: amount.String(), Error: err.Error()})
		return 1
	}

	result, err := signer.Transfer(ctx, recipient, amount)
	emit(stdout, result)
	if err != nil {
		return 1
	}
	return 0
}

func emit(w io.Writer, result *x402.TransferResult) {
	line, err := json.Marshal(result)
	if err != nil {
		line = []byte(`{"success":false,"error":"failed to encode result"}`)
	}
	fmt.Fprintln(w, string(line))
}
