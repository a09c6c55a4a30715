package stacks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os/exec"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	x402 "github.com/agentpay/usdcx-x402/go"
	"github.com/agentpay/usdcx-x402/go/logger"
)

// TransferResultSchema is the contract of the single JSON line a signer
// process prints on stdout.
const TransferResultSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["success"],
	"properties": {
		"success": {"type": "boolean"},
		"txid": {"type": "string", "minLength": 1},
		"sender": {"type": "string"},
		"recipient": {"type": "string"},
		"amount": {"type": "string", "pattern": "^[0-9]+$"},
		"error": {"type": "string"},
		"reason": {"type": "string"}
	},
	"oneOf": [
		{
			"properties": {"success": {"enum": [true]}},
			"required": ["txid", "sender", "recipient", "amount"]
		},
		{
			"properties": {"success": {"enum": [false]}},
			"required": ["error"]
		}
	]
}`

var (
	ErrSignerProcess = errors.New("stacks: signer process failed")
	ErrSignerOutput  = errors.New("stacks: signer output invalid")
)

var transferResultSchema = gojsonschema.NewStringLoader(TransferResultSchema)

// ProcessTransferer runs an external signer process per transfer:
//
//	<path> [args...] <private-key> <recipient> <amount>
//
// and reads its one-line JSON result.
type ProcessTransferer struct {
	path       string
	args       []string
	env        []string
	privateKey string
	timeout    time.Duration
	logger     logger.Logger
}

// ProcessOption configures a ProcessTransferer
type ProcessOption func(*ProcessTransferer)

// WithProcessArgs inserts fixed arguments before the positional ones.
func WithProcessArgs(args ...string) ProcessOption {
	return func(p *ProcessTransferer) { p.args = append([]string(nil), args...) }
}

// WithProcessEnv sets extra environment entries (KEY=VALUE).
func WithProcessEnv(env ...string) ProcessOption {
	return func(p *ProcessTransferer) { p.env = append([]string(nil), env...) }
}

// WithProcessTimeout bounds each run (defaults to 60s).
func WithProcessTimeout(d time.Duration) ProcessOption {
	return func(p *ProcessTransferer) { p.timeout = d }
}

func WithProcessLogger(l logger.Logger) ProcessOption {
	return func(p *ProcessTransferer) { p.logger = logger.OrNoop(l) }
}

func NewProcessTransferer(path, privateKey string, opts ...ProcessOption) *ProcessTransferer {
	p := &ProcessTransferer{
		path:       path,
		privateKey: privateKey,
		timeout:    60 * time.Second,
		logger:     logger.NoopLogger{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Transfer implements x402.Transferer.
func (p *ProcessTransferer) Transfer(ctx context.Context, recipient string, amount *big.Int) (*x402.TransferResult, error) {
	if amount == nil {
		return nil, fmt.Errorf("%w: amount is required", ErrSignerProcess)
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	args := append(append([]string(nil), p.args...), p.privateKey, recipient, amount.String())
	cmd := exec.CommandContext(ctx, p.path, args...)
	if len(p.env) > 0 {
		cmd.Env = append(cmd.Environ(), p.env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %w", ErrSignerProcess, ctx.Err())
	}

	result, err := ParseTransferResult(lastLine(stdout.String()))
	if err != nil {
		p.logger.Error("signer output rejected", map[string]any{
			"error":  err.Error(),
			"stderr": strings.TrimSpace(stderr.String()),
		})
		if runErr != nil {
			return nil, fmt.Errorf("%w: %v: %v", ErrSignerProcess, runErr, err)
		}
		return nil, err
	}

	if !result.Success {
		code := x402.ErrCodeSubmissionFailed
		cause := fmt.Errorf("%w: %s", ErrSignerProcess, result.Error)
		if result.Reason != "" {
			code = x402.ErrCodeBroadcastRejected
			cause = &BroadcastError{Message: result.Error, Reason: result.Reason}
		}
		return result, x402.WrapPaymentError(code, cause, nil)
	}
	if runErr != nil {
		return nil, fmt.Errorf("%w: reported success but exited with %v", ErrSignerProcess, runErr)
	}
	return result, nil
}

// ParseTransferResult validates line against TransferResultSchema and decodes it.
func ParseTransferResult(line string) (*x402.TransferResult, error) {
	if line == "" {
		return nil, fmt.Errorf("%w: empty output", ErrSignerOutput)
	}

	validation, err := gojsonschema.Validate(transferResultSchema, gojsonschema.NewStringLoader(line))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignerOutput, err)
	}
	if !validation.Valid() {
		msgs := make([]string, 0, len(validation.Errors()))
		for _, e := range validation.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrSignerOutput, strings.Join(msgs, "; "))
	}

	var result x402.TransferResult
	if err := json.Unmarshal([]byte(line), &result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignerOutput, err)
	}
	return &result, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
