package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	x402 "github.com/agentpay/usdcx-x402/go"
	"github.com/agentpay/usdcx-x402/go/logger"
	"github.com/agentpay/usdcx-x402/go/metrics"
)

// ============================================================================
// PaymentClient - HTTP client that settles 402 responses out of band
// ============================================================================

// PaymentClient issues requests and, on a 402, asks a SettlementTrigger to pay
// before reissuing the original request exactly once.
type PaymentClient struct {
	httpClient  *http.Client
	trigger     x402.SettlementTrigger
	proofHeader bool
	logger      logger.Logger
	metrics     metrics.Recorder
}

// ClientOption configures a PaymentClient
type ClientOption func(*PaymentClient)

// WithHTTPClient sets the client used for the gated requests.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(p *PaymentClient) {
		if c != nil {
			p.httpClient = c
		}
	}
}

// WithProofHeader attaches the proof returned by the trigger as
// X-Payment-TxId on the retry.
func WithProofHeader() ClientOption {
	return func(p *PaymentClient) { p.proofHeader = true }
}

func WithClientLogger(l logger.Logger) ClientOption {
	return func(p *PaymentClient) { p.logger = logger.OrNoop(l) }
}

func WithClientMetrics(r metrics.Recorder) ClientOption {
	return func(p *PaymentClient) { p.metrics = metrics.OrNoop(r) }
}

// NewPaymentClient creates a client that pays through trigger.
func NewPaymentClient(trigger x402.SettlementTrigger, opts ...ClientOption) *PaymentClient {
	c := &PaymentClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		trigger:    trigger,
		logger:     logger.NoopLogger{},
		metrics:    metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewClient creates a client whose settlement trigger is POST {baseURL}/demo/run.
func NewClient(baseURL string, opts ...ClientOption) *PaymentClient {
	c := NewPaymentClient(nil, opts...)
	c.trigger = NewHTTPSettlementTrigger(baseURL, &http.Client{
		Transport: c.httpClient.Transport,
		Timeout:   SettlementTimeout,
	})
	return c
}

// Do performs req. A non-402 response is returned as is. On 402 the trigger
// runs once; if it fails the call fails with x402.ErrPaymentExecutionFailed
// and the request is not retried, otherwise the original request is sent one
// more time and that response is returned whatever its status.
func (c *PaymentClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := rewindable(req); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	terms := TermsFromHeaders(resp.Header)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	c.logger.Info("payment required", map[string]any{
		"url":       req.URL.String(),
		"amount":    terms.Amount,
		"recipient": terms.Recipient,
		"network":   string(terms.Network),
	})

	start := time.Now()
	proof, err := c.trigger.Trigger(ctx)
	c.metrics.ObserveLatency(metrics.EventSettlementTrigger, time.Since(start), map[string]string{"network": string(terms.Network)})
	if err != nil {
		c.metrics.IncCounter(metrics.EventSettlementTrigger, map[string]string{"outcome": "failed"})
		c.logger.Warn("settlement failed", map[string]any{"error": err.Error()})
		return nil, executionFailed(err, terms)
	}
	c.metrics.IncCounter(metrics.EventSettlementTrigger, map[string]string{"outcome": "succeeded"})

	retry, err := cloneRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	if c.proofHeader && proof != "" {
		retry.Header.Set(HeaderPaymentTxID, string(proof))
	}
	return c.httpClient.Do(retry)
}

// Get performs a GET request with automatic payment handling
func (c *PaymentClient) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, req)
}

// Post performs a POST request with automatic payment handling
func (c *PaymentClient) Post(ctx context.Context, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, req)
}

// TermsFromHeaders reads the payment terms a gateway put on a 402 response.
func TermsFromHeaders(h http.Header) x402.PaymentTerms {
	return x402.PaymentTerms{
		Amount:    h.Get(HeaderPaymentAmount),
		Recipient: h.Get(HeaderPaymentRecipient),
		Network:   x402.Network(h.Get(HeaderPaymentNetwork)),
		Asset:     h.Get(HeaderPaymentAsset),
		Currency:  x402.CurrencyUSDCx,
	}
}

// rewindable makes sure the body of req can be replayed for the retry.
func rewindable(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}
	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return fmt.Errorf("failed to buffer request body: %w", err)
	}
	req.Body = io.NopCloser(bytes.NewReader(data))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	return nil
}

func cloneRequest(ctx context.Context, req *http.Request) (*http.Request, error) {
	retry := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("failed to rewind request body: %w", err)
		}
		retry.Body = body
	}
	return retry, nil
}

func executionFailed(cause error, terms x402.PaymentTerms) error {
	return x402.WrapPaymentError(
		x402.ErrCodePaymentExecutionFailed,
		fmt.Errorf("%w: %w", x402.ErrPaymentExecutionFailed, cause),
		map[string]interface{}{
			"amount":    terms.Amount,
			"recipient": terms.Recipient,
			"network":   string(terms.Network),
		},
	)
}

// ============================================================================
// HTTPSettlementTrigger - POST {base}/demo/run
// ============================================================================

// SettlementResponse is the part of the trigger's JSON body the client reads.
type SettlementResponse struct {
	Success *bool  `json:"success,omitempty"`
	TxID    string `json:"txid,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SettlementTimeout bounds a settlement call, which waits for on-chain confirmation.
const SettlementTimeout = 6 * time.Minute

// HTTPSettlementTrigger asks a backend to execute the payment.
type HTTPSettlementTrigger struct {
	url        string
	httpClient *http.Client
}

func NewHTTPSettlementTrigger(baseURL string, httpClient *http.Client) *HTTPSettlementTrigger {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPSettlementTrigger{
		url:        strings.TrimRight(baseURL, "/") + SettlementPath,
		httpClient: httpClient,
	}
}

// Trigger posts with no body. Non-2xx fails; so does a JSON body reporting
// "success": false. A txid in the body is returned as the proof.
func (t *HTTPSettlementTrigger) Trigger(ctx context.Context) (x402.PaymentProof, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, nil)
	if err != nil {
		return "", err
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("settlement request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read settlement response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("settlement returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var settlement SettlementResponse
	if len(bytes.TrimSpace(body)) == 0 || json.Unmarshal(body, &settlement) != nil {
		return "", nil
	}
	if settlement.Success != nil && !*settlement.Success {
		msg := settlement.Error
		if msg == "" {
			msg = "settlement reported failure"
		}
		return "", errors.New(msg)
	}
	return x402.PaymentProof(settlement.TxID), nil
}
