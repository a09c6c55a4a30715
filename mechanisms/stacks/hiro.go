package stacks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/agentpay/usdcx-x402/go/logger"
)

var (
	ErrTransactionNotFound = errors.New("stacks: transaction not found")
	ErrTransactionFailed   = errors.New("stacks: transaction failed")
	ErrConfirmationTimeout = errors.New("stacks: confirmation timeout")
	ErrBroadcastRejected   = errors.New("stacks: broadcast rejected")
	ErrUnexpectedResponse  = errors.New("stacks: unexpected api response")
)

// APIError is a non-200 answer from the API. It matches ErrUnexpectedResponse.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %d %s", ErrUnexpectedResponse, e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error {
	return ErrUnexpectedResponse
}

// ============================================================================
// Hiro API Client
// ============================================================================

// HiroClient talks to a Stacks node through the Hiro HTTP API.
type HiroClient struct {
	baseURL             string
	httpClient          *http.Client
	pollInterval        time.Duration
	confirmationTimeout time.Duration
	token               TokenContract
	logger              logger.Logger
}

// HiroConfig configures the API client
type HiroConfig struct {
	// BaseURL of the API (optional, defaults to the testnet endpoint)
	BaseURL string

	// HTTPClient is the HTTP client to use (optional)
	HTTPClient *http.Client

	// Timeout for individual requests (optional, defaults to 30s)
	Timeout time.Duration

	// PollInterval between confirmation checks (optional, defaults to 5s)
	PollInterval time.Duration

	// ConfirmationTimeout bounds WaitForConfirmation (optional, zero waits
	// until the context ends)
	ConfirmationTimeout time.Duration

	// Token whose balances TokenBalance reads (optional, defaults to USDCx)
	Token *TokenContract

	Logger logger.Logger
}

// NewHiroClient creates a new API client
func NewHiroClient(config *HiroConfig) *HiroClient {
	if config == nil {
		config = &HiroConfig{}
	}

	baseURL := strings.TrimRight(config.BaseURL, "/")
	if baseURL == "" {
		baseURL = TestnetAPIURL
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	pollInterval := config.PollInterval
	if pollInterval == 0 {
		pollInterval = 5 * time.Second
	}

	token := USDCx()
	if config.Token != nil {
		token = *config.Token
	}

	return &HiroClient{
		baseURL:             baseURL,
		httpClient:          httpClient,
		pollInterval:        pollInterval,
		confirmationTimeout: config.ConfirmationTimeout,
		token:               token,
		logger:              logger.OrNoop(config.Logger),
	}
}

// BaseURL returns the API root.
func (c *HiroClient) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Response types
// ============================================================================

type nonceResponse struct {
	PossibleNextNonce uint64 `json:"possible_next_nonce"`
}

// FunctionArg is one decoded contract-call argument.
type FunctionArg struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Repr string `json:"repr"`
	Hex  string `json:"hex"`
}

// ContractCallInfo describes the contract call of a transaction.
type ContractCallInfo struct {
	ContractID   string        `json:"contract_id"`
	FunctionName string        `json:"function_name"`
	FunctionArgs []FunctionArg `json:"function_args"`
}

// TransactionInfo is the subset of /extended/v1/tx/{txid} used here.
type TransactionInfo struct {
	TxID          string            `json:"tx_id"`
	TxStatus      string            `json:"tx_status"`
	TxType        string            `json:"tx_type"`
	SenderAddress string            `json:"sender_address"`
	BlockHeight   int64             `json:"block_height"`
	ContractCall  *ContractCallInfo `json:"contract_call,omitempty"`
}

// AccountBalances is the subset of /extended/v1/address/{addr}/balances used here.
type AccountBalances struct {
	STX struct {
		Balance string `json:"balance"`
	} `json:"stx"`
	FungibleTokens map[string]struct {
		Balance string `json:"balance"`
	} `json:"fungible_tokens"`
}

// ReadOnlyResult is the response of a read-only contract call.
type ReadOnlyResult struct {
	Okay   bool   `json:"okay"`
	Result string `json:"result"`
	Cause  string `json:"cause,omitempty"`
}

// BroadcastError carries the node's rejection of a transaction.
type BroadcastError struct {
	StatusCode int             `json:"-"`
	Message    string          `json:"error"`
	Reason     string          `json:"reason,omitempty"`
	ReasonData json.RawMessage `json:"reason_data,omitempty"`
	TxID       string          `json:"txid,omitempty"`
}

func (e *BroadcastError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("broadcast rejected (%d): %s: %s", e.StatusCode, e.Message, e.Reason)
	}
	return fmt.Sprintf("broadcast rejected (%d): %s", e.StatusCode, e.Message)
}

func (e *BroadcastError) Unwrap() error {
	return ErrBroadcastRejected
}

// ============================================================================
// Calls
// ============================================================================

// GetNonce returns the next nonce the node expects from address.
func (c *HiroClient) GetNonce(ctx context.Context, address string) (uint64, error) {
	var resp nonceResponse
	if err := c.getJSON(ctx, "/extended/v1/address/"+address+"/nonces", &resp); err != nil {
		return 0, fmt.Errorf("failed to fetch nonce: %w", err)
	}
	return resp.PossibleNextNonce, nil
}

// Broadcast submits a serialized transaction and returns the txid the node
// reports. A rejection is returned as *BroadcastError.
func (c *HiroClient) Broadcast(ctx context.Context, tx []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/transactions", bytes.NewReader(tx))
	if err != nil {
		return "", fmt.Errorf("failed to create broadcast request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("broadcast request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read broadcast response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		rejection := &BroadcastError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(body, rejection); err != nil || rejection.Message == "" {
			rejection.Message = strings.TrimSpace(string(body))
		}
		c.logger.Warn("transaction rejected", map[string]any{
			"status": resp.StatusCode,
			"error":  rejection.Message,
			"reason": rejection.Reason,
		})
		return "", rejection
	}

	var txid string
	if err := json.Unmarshal(body, &txid); err != nil {
		txid = strings.Trim(strings.TrimSpace(string(body)), `"`)
	}
	if txid == "" {
		return "", fmt.Errorf("%w: empty txid", ErrUnexpectedResponse)
	}
	return txid, nil
}

// GetTransaction looks a transaction up. ErrTransactionNotFound is returned
// for unknown ids.
func (c *HiroClient) GetTransaction(ctx context.Context, txID string) (*TransactionInfo, error) {
	var info TransactionInfo
	if err := c.getJSON(ctx, "/extended/v1/tx/"+normalizeTxID(txID), &info); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &info, nil
}

// GetBalances returns the STX and fungible token balances of address.
func (c *HiroClient) GetBalances(ctx context.Context, address string) (*AccountBalances, error) {
	var balances AccountBalances
	if err := c.getJSON(ctx, "/extended/v1/address/"+address+"/balances", &balances); err != nil {
		return nil, fmt.Errorf("failed to fetch balances: %w", err)
	}
	return &balances, nil
}

// STXBalance returns the STX balance of address in microSTX.
func (c *HiroClient) STXBalance(ctx context.Context, address string) (*big.Int, error) {
	balances, err := c.GetBalances(ctx, address)
	if err != nil {
		return nil, err
	}
	return parseBalance(balances.STX.Balance)
}

// CallReadOnly evaluates a read-only function. args are serialized Clarity values.
func (c *HiroClient) CallReadOnly(ctx context.Context, contract Address, contractName, function, sender string, args ...[]byte) (*ReadOnlyResult, error) {
	hexArgs := make([]string, len(args))
	for i, arg := range args {
		hexArgs[i] = HexValue(arg)
	}
	payload, err := json.Marshal(map[string]any{
		"sender":    sender,
		"arguments": hexArgs,
	})
	if err != nil {
		return nil, err
	}

	path := fmt.Sprintf("/v2/contracts/call-read/%s/%s/%s", contract.String(), contractName, function)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create read-only request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var result ReadOnlyResult
	if err := c.doJSON(req, &result); err != nil {
		return nil, fmt.Errorf("read-only call failed: %w", err)
	}
	return &result, nil
}

// TokenBalance reads the token balance of address via get-balance, falling
// back to the balances endpoint when the read-only call fails.
func (c *HiroClient) TokenBalance(ctx context.Context, address string) (*big.Int, error) {
	owner, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}

	result, err := c.CallReadOnly(ctx, c.token.Address, c.token.Name, FunctionGetBalance, address, SerializeStandardPrincipal(owner))
	if err == nil && result.Okay {
		if balance, perr := ParseOkUint(result.Result); perr == nil {
			return balance, nil
		}
	}
	c.logger.Debug("read-only balance unavailable, using balances endpoint", map[string]any{"address": address})

	balances, err := c.GetBalances(ctx, address)
	if err != nil {
		return nil, err
	}
	ft, ok := balances.FungibleTokens[c.token.ContractID()+"::"+c.token.AssetName]
	if !ok {
		return new(big.Int), nil
	}
	return parseBalance(ft.Balance)
}

// WaitForConfirmation polls until txID is anchored with status success.
// Abort statuses return ErrTransactionFailed. Lookups that fail or miss are
// retried at the poll interval.
func (c *HiroClient) WaitForConfirmation(ctx context.Context, txID string) error {
	if c.confirmationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.confirmationTimeout)
		defer cancel()
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		info, err := c.GetTransaction(ctx, txID)
		switch {
		case err == nil && info.TxStatus == TxStatusSuccess && info.BlockHeight > 0:
			c.logger.Info("transaction confirmed", map[string]any{"txid": txID, "block_height": info.BlockHeight})
			return nil
		case err == nil && info.TxStatus != "" && info.TxStatus != TxStatusPending && info.TxStatus != TxStatusSuccess:
			return fmt.Errorf("%w: %s", ErrTransactionFailed, info.TxStatus)
		case err != nil && ctx.Err() == nil:
			c.logger.Debug("transaction lookup failed, retrying", map[string]any{"txid": txID, "error": err.Error()})
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && c.confirmationTimeout > 0 {
				return fmt.Errorf("%w: %s after %s", ErrConfirmationTimeout, txID, c.confirmationTimeout)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ============================================================================
// Helpers
// ============================================================================

func (c *HiroClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.doJSON(req, out)
}

func (c *HiroClient) doJSON(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func parseBalance(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: balance %q", ErrUnexpectedResponse, s)
	}
	return v, nil
}

func normalizeTxID(txID string) string {
	txID = strings.ToLower(strings.TrimSpace(txID))
	if !strings.HasPrefix(txID, "0x") {
		txID = "0x" + txID
	}
	return txID
}
