// Package demo runs the end-to-end payment on behalf of a browser: the agent
// wallet calls the gated endpoint, pays the 402 and retries with the proof.
// Runs are serialized; a second caller is refused while one is in flight.
package demo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	x402 "github.com/agentpay/usdcx-x402/go"
	"github.com/agentpay/usdcx-x402/go/config"
	x402http "github.com/agentpay/usdcx-x402/go/http"
	"github.com/agentpay/usdcx-x402/go/logger"
	"github.com/agentpay/usdcx-x402/go/mechanisms/stacks"
	"github.com/agentpay/usdcx-x402/go/metrics"
)

// AnalysisPath is the gated endpoint the demo pays for.
const AnalysisPath = "/v1/analysis"

var ErrDemoInProgress = errors.New("demo: already in progress")

// EventType colours an event line in the UI.
type EventType string

const (
	EventInfo    EventType = "info"
	EventPurple  EventType = "purple"
	EventBlue    EventType = "blue"
	EventSuccess EventType = "success"
)

type Event struct {
	Text string    `json:"text"`
	Type EventType `json:"type"`
}

// Result is the outcome of one run, rendered as the /demo/run body.
type Result struct {
	RunID   string  `json:"run_id"`
	Success bool    `json:"success"`
	Events  []Event `json:"events"`
	TxID    string  `json:"txid,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// Chain is what a run reads from and waits on.
type Chain interface {
	x402.BalanceReader
	x402.ConfirmationWaiter
	STXBalance(ctx context.Context, address string) (*big.Int, error)
}

// Runner executes demo runs, at most one at a time.
type Runner struct {
	apiHost      string
	chain        Chain
	agent        *AgentWallet
	agentErr     error
	serverWallet string
	network      stacks.NetworkConfig
	minBalance   *big.Int
	minSTX       *big.Int
	timeout      time.Duration
	httpClient   *http.Client
	logger       logger.Logger
	metrics      metrics.Recorder

	mu      sync.Mutex
	running bool
	// gen changes on every Reset so a run released late cannot clear the
	// flag held by a newer run.
	gen uint64
}

// Option configures a Runner
type Option func(*Runner)

// WithAgent sets the paying wallet. err records why no wallet could be
// loaded; it is reported by Status and fails every run.
func WithAgent(agent *AgentWallet, err error) Option {
	return func(r *Runner) {
		r.agent = agent
		r.agentErr = err
	}
}

func WithServerWallet(address string) Option {
	return func(r *Runner) { r.serverWallet = address }
}

func WithNetwork(network stacks.NetworkConfig) Option {
	return func(r *Runner) { r.network = network }
}

// WithMinBalance sets the USDCx balance below which a run does not start.
func WithMinBalance(amount *big.Int) Option {
	return func(r *Runner) {
		if amount != nil {
			r.minBalance = new(big.Int).Set(amount)
		}
	}
}

// WithTimeout bounds a whole run.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(r *Runner) {
		if c != nil {
			r.httpClient = c
		}
	}
}

func WithLogger(l logger.Logger) Option {
	return func(r *Runner) { r.logger = logger.OrNoop(l) }
}

func WithMetrics(m metrics.Recorder) Option {
	return func(r *Runner) { r.metrics = metrics.OrNoop(m) }
}

// NewRunner creates a runner that calls the API at apiHost.
func NewRunner(apiHost string, chain Chain, opts ...Option) *Runner {
	r := &Runner{
		apiHost:    strings.TrimRight(apiHost, "/"),
		chain:      chain,
		agentErr:   ErrAgentKeyNotSet,
		network:    stacks.Testnet,
		minBalance: big.NewInt(stacks.DefaultPaymentAmount),
		minSTX:     new(big.Int).SetUint64(stacks.MinSTXForGas),
		timeout:    config.DefaultDemoTimeout,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.NoopLogger{},
		metrics:    metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.agent != nil {
		r.agentErr = nil
	}
	return r
}

// Run executes one demo. It returns ErrDemoInProgress without doing anything
// when another run holds the lock. Every other failure is reported in the
// Result.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil, ErrDemoInProgress
	}
	r.running = true
	gen := r.gen
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		if r.gen == gen {
			r.running = false
		}
		r.mu.Unlock()
	}()

	run := &run{Runner: r, result: &Result{RunID: uuid.NewString(), Events: []Event{}}}
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	r.logger.Info("demo run started", map[string]any{"run_id": run.result.RunID})
	run.execute(runCtx)

	if !run.result.Success && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		run.log(EventInfo, "ERROR: Demo timed out")
		run.result.Error = fmt.Sprintf("Demo timed out after %s", r.timeout)
	}

	outcome := "succeeded"
	if !run.result.Success {
		outcome = "failed"
	}
	r.metrics.IncCounter(metrics.EventDemoRun, map[string]string{"network": string(r.network.Name), "outcome": outcome})
	r.metrics.ObserveLatency(metrics.EventDemoRun, time.Since(start), map[string]string{"network": string(r.network.Name)})
	r.logger.Info("demo run finished", map[string]any{
		"run_id":  run.result.RunID,
		"success": run.result.Success,
		"txid":    run.result.TxID,
		"error":   run.result.Error,
	})
	return run.result, nil
}

// Reset clears the in-progress flag and reports whether it was set. It is
// meant for a run that crashed without releasing it. A run abandoned this way
// no longer owns the flag when it eventually finishes.
func (r *Runner) Reset() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	was := r.running
	r.running = false
	r.gen++
	return was
}

// Running reports whether a run holds the lock.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

type run struct {
	*Runner
	result *Result
}

func (r *run) log(t EventType, format string, args ...any) {
	r.result.Events = append(r.result.Events, Event{Text: "> " + fmt.Sprintf(format, args...), Type: t})
}

func (r *run) fail(format string, args ...any) {
	r.result.Success = false
	r.result.Error = fmt.Sprintf(format, args...)
}

func (r *run) execute(ctx context.Context) {
	r.log(EventInfo, "Initializing agent...")
	if r.agent == nil {
		r.log(EventInfo, "ERROR: %v", r.agentErr)
		r.fail("%v", r.agentErr)
		return
	}

	balance, err := r.chain.TokenBalance(ctx, r.agent.Address)
	if err != nil {
		r.log(EventInfo, "ERROR: Balance check failed - %v", err)
		r.fail("Balance check failed: %v", err)
		return
	}
	r.log(EventInfo, "Agent balance: %s USDCx", formatUnits(balance, stacks.USDCxDecimals, 2))
	if balance.Cmp(r.minBalance) < 0 {
		r.log(EventInfo, "ERROR: Insufficient agent USDCx balance")
		r.fail("Insufficient agent USDCx balance")
		return
	}

	stx, err := r.chain.STXBalance(ctx, r.agent.Address)
	if err != nil {
		r.log(EventInfo, "ERROR: Balance check failed - %v", err)
		r.fail("Balance check failed: %v", err)
		return
	}
	r.log(EventInfo, "Agent STX balance: %s STX", formatUnits(stx, 6, 6))
	if stx.Cmp(r.minSTX) < 0 {
		r.log(EventInfo, "ERROR: Insufficient STX for transaction fees")
		r.fail("Insufficient STX for transaction fees")
		return
	}

	r.log(EventInfo, "Calling %s", AnalysisPath)
	status, header, err := r.get(ctx, "")
	if err != nil {
		r.log(EventInfo, "ERROR: %v", err)
		r.fail("%v", err)
		return
	}
	if status == http.StatusOK {
		r.log(EventSuccess, "200 OK (no payment required)")
		r.result.Success = true
		return
	}
	if status != http.StatusPaymentRequired {
		r.log(EventInfo, "ERROR: Unexpected status %d", status)
		r.fail("Unexpected response: %d", status)
		return
	}
	r.log(EventPurple, "402 Payment Required")

	terms := x402http.TermsFromHeaders(header)
	amount, err := x402.ParseAmount(terms.Amount)
	if err != nil || amount.Sign() == 0 || terms.Recipient == "" {
		r.log(EventInfo, "ERROR: Invalid payment requirements")
		r.fail("Could not parse payment requirements")
		return
	}
	r.log(EventPurple, "Payment: %s USDCx to %s...", formatUnits(amount, stacks.USDCxDecimals, 2), prefix(terms.Recipient, 10))

	r.log(EventBlue, "Signing USDCx transfer")
	transfer, err := r.agent.Transferer.Transfer(ctx, terms.Recipient, amount)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			r.log(EventInfo, "ERROR: Transfer timeout")
			r.fail("Transfer timed out")
			return
		}
		r.log(EventInfo, "ERROR: Transfer failed - %v", err)
		r.fail("Transfer failed: %v", err)
		return
	}
	txid := transfer.TxID
	r.result.TxID = txid
	r.log(EventBlue, "Broadcasting transaction")
	r.log(EventBlue, "TXID: %s...", prefix(txid, 12))

	r.log(EventBlue, "Waiting for confirmation")
	if err := r.chain.WaitForConfirmation(ctx, txid); err != nil {
		if errors.Is(err, stacks.ErrConfirmationTimeout) {
			r.log(EventInfo, "ERROR: Confirmation timeout")
			r.fail("Transaction not confirmed in time")
			return
		}
		r.log(EventInfo, "ERROR: Transaction failed - %v", err)
		r.fail("%v", err)
		return
	}
	r.log(EventSuccess, "Verified on Stacks ✓")

	r.log(EventInfo, "Retrying API request")
	status, _, err = r.get(ctx, txid)
	if err != nil {
		r.log(EventInfo, "ERROR: %v", err)
		r.fail("%v", err)
		return
	}
	if status != http.StatusOK {
		r.log(EventInfo, "ERROR: Retry failed with %d", status)
		r.fail("Retry failed: %d", status)
		return
	}
	r.log(EventSuccess, "200 OK, payload delivered")
	r.result.Success = true
}

// get calls the gated endpoint, presenting txid when it is set.
func (r *run) get(ctx context.Context, txid string) (int, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.apiHost+AnalysisPath, nil)
	if err != nil {
		return 0, nil, err
	}
	if txid != "" {
		req.Header.Set(x402http.HeaderPaymentTxID, txid)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request to %s failed: %w", AnalysisPath, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, resp.Header, nil
}

func formatUnits(v *big.Int, decimals int32, places int32) string {
	return decimal.NewFromBigInt(v, -decimals).StringFixed(places)
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
