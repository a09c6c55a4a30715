package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentpay/usdcx-x402/go/config"
	"github.com/agentpay/usdcx-x402/go/mechanisms/stacks"
)

const (
	testKey       = "0000000000000000000000000000000000000000000000000000000000000001"
	testRecipient = "ST3Q6YCK0E2SDAA1KS7X546NY02F12D88RZHAH2P3"
	testTxID      = "0x0f7a12ab0f7a12ab0f7a12ab0f7a12ab0f7a12ab0f7a12ab0f7a12ab0f7a12ab"
)

func node(t *testing.T, broadcast http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/nonces"):
			_, _ = io.WriteString(w, `{"possible_next_nonce":3}`)
		case r.URL.Path == "/v2/transactions":
			broadcast(w, r)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func envFor(apiURL string) func(string) string {
	return func(k string) string {
		if k == config.EnvStacksAPIURL {
			return apiURL
		}
		return ""
	}
}

func runSigner(t *testing.T, args []string, getenv func(string) string) (int, string) {
	t.Helper()
	var out bytes.Buffer
	code := run(context.Background(), args, &out, getenv)
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 1, "exactly one line on stdout")
	return code, lines[0]
}

func TestRun_Success(t *testing.T) {
	srv := node(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `"`+testTxID+`"`)
	})

	code, line := runSigner(t, []string{testKey, testRecipient, "100000"}, envFor(srv.URL))
	assert.Equal(t, 0, code)

	result, err := stacks.ParseTransferResult(line)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, testTxID, result.TxID)
	assert.Equal(t, testRecipient, result.Recipient)
	assert.Equal(t, "100000", result.Amount)
	assert.True(t, strings.HasPrefix(result.Sender, "ST"))
}

func TestRun_Rejected(t *testing.T) {
	srv := node(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"transaction rejected","reason":"NotEnoughFunds"}`)
	})

	code, line := runSigner(t, []string{testKey, testRecipient, "100000"}, envFor(srv.URL))
	assert.Equal(t, 1, code)

	result, err := stacks.ParseTransferResult(line)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "NotEnoughFunds", result.Reason)
}

func TestRun_Usage(t *testing.T) {
	code, line := runSigner(t, []string{testKey, testRecipient}, func(string) string {
		t.Fatal("environment read before argument check")
		return ""
	})
	assert.Equal(t, 2, code)
	assert.Contains(t, line, "usage:")
	assert.Contains(t, line, `"success":false`)
}

func TestRun_InvalidInput(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"bad amount", []string{testKey, testRecipient, "ten"}},
		{"bad key", []string{"xyz", testRecipient, "100"}},
		{"bad recipient", []string{testKey, "SX3Q6YCK0E2SDAA1KS7X546NY02F12D88RZHAH2P3", "100"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := node(t, func(w http.ResponseWriter, r *http.Request) {
				t.Error("nothing should be broadcast")
			})
			code, line := runSigner(t, tt.args, envFor(srv.URL))
			assert.Equal(t, 1, code)
			result, err := stacks.ParseTransferResult(line)
			require.NoError(t, err)
			assert.False(t, result.Success)
		})
	}
}

func TestRun_IgnoresServerSettings(t *testing.T) {
	srv := node(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `"`+testTxID+`"`)
	})
	vars := map[string]string{
		config.EnvStacksAPIURL:        srv.URL,
		config.EnvPrice:               "ten",
		config.EnvServerWallet:        "not-an-address",
		config.EnvConfirmationTimeout: "soon",
		config.EnvDatabaseDSN:         "postgres://localhost/x",
	}

	code, line := runSigner(t, []string{testKey, testRecipient, "100000"}, func(k string) string { return vars[k] })
	assert.Equal(t, 0, code)

	result, err := stacks.ParseTransferResult(line)
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestRun_BadNetwork(t *testing.T) {
	code, line := runSigner(t, []string{testKey, testRecipient, "100000"}, func(k string) string {
		if k == config.EnvNetwork {
			return "base-sepolia"
		}
		return ""
	})
	assert.Equal(t, 1, code)
	assert.Contains(t, line, "invalid configuration")
}
