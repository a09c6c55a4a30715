package server

import (
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/agentpay/usdcx-x402/go"
	x402http "github.com/agentpay/usdcx-x402/go/http"
	"github.com/agentpay/usdcx-x402/go/logger"
	"github.com/agentpay/usdcx-x402/go/mechanisms/stacks"
	"github.com/agentpay/usdcx-x402/go/metrics"
	"github.com/agentpay/usdcx-x402/go/pkg/demo"
)

const (
	testAgent  = "ST2ZD731ANQZT6J4K3F5N8A40ZXWXC1XFXH4HF6PF"
	testServer = "ST3Q6YCK0E2SDAA1KS7X546NY02F12D88RZHAH2P3"
	testTxID   = "0x0f7a12ab0f7a12ab0f7a12ab0f7a12ab0f7a12ab0f7a12ab0f7a12ab0f7a12ab"
)

var testRequirement = x402.MustPaymentRequirement(big.NewInt(100000), testServer, x402.NetworkStacksTestnet, stacks.USDCxContractID)

type fakeChain struct{}

func (fakeChain) TokenBalance(context.Context, string) (*big.Int, error) {
	return big.NewInt(5_000_000), nil
}
func (fakeChain) STXBalance(context.Context, string) (*big.Int, error) {
	return big.NewInt(1_000_000), nil
}
func (fakeChain) WaitForConfirmation(context.Context, string) error { return nil }

type fakeTransferer struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeTransferer) Transfer(_ context.Context, recipient string, amount *big.Int) (*x402.TransferResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return &x402.TransferResult{Success: true, TxID: testTxID, Recipient: recipient, Amount: amount.String()}, nil
}

// verifier accepts testTxID only.
var verifier = x402.PaymentVerifierFunc(func(_ context.Context, proof x402.PaymentProof, r x402.PaymentRequirement) (*x402.VerifiedPayment, error) {
	if proof.Normalize() != testTxID {
		return nil, &x402.VerificationFailure{Reason: "tx_not_found", Message: "Transaction not found"}
	}
	return &x402.VerifiedPayment{TxID: testTxID, Sender: testAgent, Recipient: r.Recipient(), Amount: r.AmountString(), BlockHeight: 42}, nil
})

// startAPI serves a Server whose demo runner calls back into it.
func startAPI(t *testing.T, transferer x402.Transferer, opts ...Option) *httptest.Server {
	t.Helper()
	var handler http.Handler
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	runner := demo.NewRunner(ts.URL, fakeChain{},
		demo.WithAgent(&demo.AgentWallet{Address: testAgent, Transferer: transferer}, nil),
		demo.WithServerWallet(testServer),
	)
	handler = New(testRequirement, append([]Option{WithDemo(runner)}, opts...)...).Handler()
	return ts
}

func getJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func do(t *testing.T, method, url string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	for k, vs := range header {
		req.Header[k] = vs
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestHealth(t *testing.T) {
	ts := startAPI(t, &fakeTransferer{})
	body := getJSON(t, do(t, http.MethodGet, ts.URL+"/", nil))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, ServiceName, body["service"])
}

func TestAnalysis_PaymentRequired(t *testing.T) {
	ts := startAPI(t, &fakeTransferer{})
	resp := do(t, http.MethodGet, ts.URL+"/v1/analysis", nil)

	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, "100000", resp.Header.Get(x402http.HeaderPaymentAmount))
	assert.Equal(t, testServer, resp.Header.Get(x402http.HeaderPaymentRecipient))
	assert.Equal(t, "stacks-testnet", resp.Header.Get(x402http.HeaderPaymentNetwork))
	assert.Equal(t, stacks.USDCxContractID, resp.Header.Get(x402http.HeaderPaymentAsset))

	body := getJSON(t, resp)
	assert.Equal(t, "payment_required", body["error"])
	assert.Equal(t, "USDCx", body["payment"].(map[string]any)["currency"])
}

func TestAnalysis_ForwardsUnverifiedProof(t *testing.T) {
	ts := startAPI(t, &fakeTransferer{})
	resp := do(t, http.MethodGet, ts.URL+"/v1/analysis", http.Header{x402http.HeaderPaymentTxID: {"anything"}})

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := getJSON(t, resp)
	assert.Equal(t, "paid", body["status"])
	assert.Equal(t, AnalysisPayload, body["data"])
	assert.Equal(t, "anything", body["payment"].(map[string]any)["txid"])
}

func TestAnalysis_VerifiedAndConsumedOnce(t *testing.T) {
	store := x402.NewProofCache(0)
	ts := startAPI(t, &fakeTransferer{}, WithGatewayOptions(x402http.WithVerifier(verifier)), WithProofStore(store))

	resp := do(t, http.MethodGet, ts.URL+"/v1/analysis", http.Header{x402http.HeaderPaymentTxID: {testTxID}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	payment := getJSON(t, resp)["payment"].(map[string]any)
	assert.Equal(t, testAgent, payment["sender"])
	assert.Equal(t, "100000", payment["amount"])
	assert.Equal(t, float64(42), payment["block_height"])

	resp = do(t, http.MethodGet, ts.URL+"/v1/analysis", http.Header{x402http.HeaderPaymentTxID: {strings.TrimPrefix(testTxID, "0x")}})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "txid_already_used", getJSON(t, resp)["error"])

	resp = do(t, http.MethodGet, ts.URL+"/v1/analysis", http.Header{x402http.HeaderPaymentTxID: {"0xdead"}})
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, "Transaction not found", getJSON(t, resp)["message"])

	status := getJSON(t, do(t, http.MethodGet, ts.URL+"/v1/status", nil))
	assert.Equal(t, float64(1), status["consumed_txids"])
	assert.Equal(t, "100000", status["payment"].(map[string]any)["amount"])
	assert.Equal(t, stacks.USDCxContractID, status["payment"].(map[string]any)["asset"])
}

func TestDemoRun_PaysThroughGateway(t *testing.T) {
	store := x402.NewProofCache(0)
	transferer := &fakeTransferer{}
	ts := startAPI(t, transferer, WithGatewayOptions(x402http.WithVerifier(verifier)), WithProofStore(store))

	resp := do(t, http.MethodPost, ts.URL+"/demo/run", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := getJSON(t, resp)
	assert.Equal(t, true, body["success"], body["error"])
	assert.Equal(t, testTxID, body["txid"])
	assert.NotEmpty(t, body["run_id"])
	assert.NotEmpty(t, body["events"])
	assert.Equal(t, 1, transferer.calls)

	consumed, err := store.IsConsumed(context.Background(), testTxID)
	require.NoError(t, err)
	assert.True(t, consumed)
}

func TestPaymentClient_EndToEnd(t *testing.T) {
	transferer := &fakeTransferer{}
	ts := startAPI(t, transferer)

	client := x402http.NewClient(ts.URL, x402http.WithProofHeader())
	resp, err := client.Get(context.Background(), ts.URL+"/v1/analysis")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := getJSON(t, resp)
	assert.Equal(t, testTxID, body["payment"].(map[string]any)["txid"])
	assert.Equal(t, 1, transferer.calls)
}

func TestDemoRoutes(t *testing.T) {
	ts := startAPI(t, &fakeTransferer{})

	status := getJSON(t, do(t, http.MethodGet, ts.URL+"/demo/status", nil))
	assert.Equal(t, true, status["ready"])
	assert.Equal(t, testAgent, status["agent_address"])
	assert.Equal(t, testServer, status["server_address"])

	wallets := getJSON(t, do(t, http.MethodGet, ts.URL+"/demo/wallets", nil))
	agent := wallets["agent_wallet"].(map[string]any)
	assert.Equal(t, testAgent, agent["address"])
	assert.Equal(t, float64(5_000_000), agent["balance_raw"])

	reset := getJSON(t, do(t, http.MethodPost, ts.URL+"/demo/reset", nil))
	assert.Equal(t, true, reset["reset"])
	assert.Equal(t, false, reset["was_locked"])
}

type blockingTransferer struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingTransferer) Transfer(_ context.Context, recipient string, amount *big.Int) (*x402.TransferResult, error) {
	close(b.started)
	<-b.release
	return &x402.TransferResult{Success: true, TxID: testTxID}, nil
}

func TestDemoRun_Locked(t *testing.T) {
	transferer := &blockingTransferer{started: make(chan struct{}), release: make(chan struct{})}
	ts := startAPI(t, transferer)

	done := make(chan struct{})
	go func() {
		defer close(done)
		resp, err := http.Post(ts.URL+"/demo/run", "", nil)
		if err == nil {
			resp.Body.Close()
		}
	}()
	<-transferer.started

	resp := do(t, http.MethodPost, ts.URL+"/demo/run", nil)
	assert.Equal(t, http.StatusLocked, resp.StatusCode)
	body := getJSON(t, resp)
	assert.Equal(t, "demo_in_progress", body["error"])
	assert.Equal(t, "Demo already in progress. Please wait.", body["message"])

	close(transferer.release)
	<-done
}

func TestCORS(t *testing.T) {
	ts := startAPI(t, &fakeTransferer{}, WithCORSOrigins([]string{"http://localhost:3000"}))

	resp := do(t, http.MethodGet, ts.URL+"/v1/analysis", http.Header{"Origin": {"http://localhost:3000"}})
	resp.Body.Close()
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Expose-Headers"), http.CanonicalHeaderKey(x402http.HeaderPaymentAmount))

	resp = do(t, http.MethodOptions, ts.URL+"/v1/analysis", http.Header{
		"Origin":                        {"http://localhost:3000"},
		"Access-Control-Request-Method": {"GET"},
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Contains(t, strings.ToLower(resp.Header.Get("Access-Control-Allow-Headers")), strings.ToLower(x402http.HeaderPaymentTxID))
	assert.Equal(t, "true", resp.Header.Get("Access-Control-Allow-Credentials"))

	resp = do(t, http.MethodGet, ts.URL+"/", http.Header{"Origin": {"https://evil.example"}})
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestCORS_SkipsOriginsWithoutScheme(t *testing.T) {
	assert.Nil(t, corsMiddleware([]string{"localhost:3000", ""}, logger.NoopLogger{}))
	assert.NotNil(t, corsMiddleware([]string{"localhost:3000", "https://app.example.com/"}, logger.NoopLogger{}))

	ts := startAPI(t, &fakeTransferer{})
	resp := do(t, http.MethodGet, ts.URL+"/", http.Header{"Origin": {"http://localhost:3000"}})
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestMetricsRoute(t *testing.T) {
	reg := prometheus.NewRegistry()
	recorder := metrics.NewPrometheusRecorder(reg)
	ts := startAPI(t, &fakeTransferer{},
		WithMetrics(reg),
		WithGatewayOptions(x402http.WithMetrics(recorder)),
	)

	do(t, http.MethodGet, ts.URL+"/v1/analysis", nil).Body.Close()

	resp := do(t, http.MethodGet, ts.URL+"/metrics", nil)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `agentpay_events_total{network="stacks-testnet",outcome="",type="payment_required"} 1`)
}
