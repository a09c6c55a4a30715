// Package agent is a client that pays for itself: on a 402 it transfers the
// demanded amount from its own wallet, waits for the transfer to anchor and
// retries with the transaction id as proof.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	x402 "github.com/agentpay/usdcx-x402/go"
	x402http "github.com/agentpay/usdcx-x402/go/http"
	"github.com/agentpay/usdcx-x402/go/logger"
)

// Result is the outcome of one paid request.
type Result struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	TxID    string          `json:"txid,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type Agent struct {
	baseURL    string
	address    string
	transferer x402.Transferer
	waiter     x402.ConfirmationWaiter
	network    x402.Network
	httpClient *http.Client
	logger     logger.Logger
}

// Option configures an Agent
type Option func(*Agent)

// WithNetwork sets the only network the agent will pay on (defaults to
// stacks-testnet).
func WithNetwork(n x402.Network) Option {
	return func(a *Agent) { a.network = n }
}

func WithHTTPClient(c *http.Client) Option {
	return func(a *Agent) {
		if c != nil {
			a.httpClient = c
		}
	}
}

func WithLogger(l logger.Logger) Option {
	return func(a *Agent) { a.logger = logger.OrNoop(l) }
}

// New creates an agent paying from address through transferer.
func New(baseURL, address string, transferer x402.Transferer, waiter x402.ConfirmationWaiter, opts ...Option) *Agent {
	a := &Agent{
		baseURL:    strings.TrimRight(baseURL, "/"),
		address:    address,
		transferer: transferer,
		waiter:     waiter,
		network:    x402.NetworkStacksTestnet,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.NoopLogger{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Address returns the paying wallet.
func (a *Agent) Address() string {
	return a.address
}

// Request GETs path, paying once if the server answers 402. Failures are
// reported in the Result; the request is never retried more than once.
func (a *Agent) Request(ctx context.Context, path string) *Result {
	endpoint := a.baseURL + path
	a.logger.Info("requesting", map[string]any{"url": endpoint})

	status, header, body, err := a.get(ctx, endpoint, "")
	if err != nil {
		return &Result{Error: err.Error()}
	}
	if status == http.StatusOK {
		return &Result{Success: true, Data: jsonOrNil(body)}
	}
	if status != http.StatusPaymentRequired {
		return &Result{Error: fmt.Sprintf("Unexpected status: %d", status)}
	}

	terms := x402http.TermsFromHeaders(header)
	amount, err := x402.ParseAmount(terms.Amount)
	if err != nil || amount.Sign() == 0 || terms.Recipient == "" {
		return &Result{Error: "Could not parse payment requirements"}
	}
	a.logger.Info("payment required", map[string]any{
		"amount":    terms.Amount,
		"asset":     terms.Asset,
		"recipient": terms.Recipient,
		"network":   string(terms.Network),
	})
	if terms.Network != a.network {
		return &Result{Error: fmt.Sprintf("Wrong network: %s", terms.Network)}
	}

	transfer, err := a.transferer.Transfer(ctx, terms.Recipient, amount)
	if err != nil {
		return &Result{Error: fmt.Sprintf("Payment failed: %v", err)}
	}
	txid := transfer.TxID
	a.logger.Info("transaction broadcast", map[string]any{"txid": txid, "sender": a.address})

	if err := a.waiter.WaitForConfirmation(ctx, txid); err != nil {
		return &Result{TxID: txid, Error: err.Error()}
	}
	a.logger.Info("transaction confirmed", map[string]any{"txid": txid})

	status, _, body, err = a.get(ctx, endpoint, txid)
	if err != nil {
		return &Result{TxID: txid, Error: err.Error()}
	}
	if status != http.StatusOK {
		return &Result{TxID: txid, Error: fmt.Sprintf("Retry failed: %d - %s", status, strings.TrimSpace(string(body)))}
	}
	return &Result{Success: true, Data: jsonOrNil(body), TxID: txid}
}

func (a *Agent) get(ctx context.Context, url, txid string) (int, http.Header, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, nil, err
	}
	if txid != "" {
		req.Header.Set(x402http.HeaderPaymentTxID, txid)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, resp.Header, body, nil
}

func jsonOrNil(b []byte) json.RawMessage {
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	return nil
}
