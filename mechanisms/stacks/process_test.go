package stacks

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/agentpay/usdcx-x402/go"
)

// TestHelperSignerProcess is not a real test: it stands in for the signer
// binary when re-executed by the tests below.
func TestHelperSignerProcess(t *testing.T) {
	mode := os.Getenv("SIGNER_HELPER_MODE")
	if mode == "" {
		return
	}
	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}

	switch mode {
	case "success":
		fmt.Printf(`{"success":true,"txid":"0xabc","sender":"%s","recipient":"%s","amount":"%s"}`+"\n", testSenderTestnet, args[1], args[2])
		os.Exit(0)
	case "rejected":
		fmt.Println(`{"success":false,"error":"transaction rejected","reason":"NotEnoughFunds"}`)
		os.Exit(1)
	case "garbage":
		fmt.Println("not json")
		os.Exit(1)
	case "sleep":
		time.Sleep(5 * time.Second)
		os.Exit(0)
	}
	os.Exit(3)
}

func helperTransferer(mode string, opts ...ProcessOption) *ProcessTransferer {
	base := []ProcessOption{
		WithProcessArgs("-test.run=^TestHelperSignerProcess$", "--"),
		WithProcessEnv("SIGNER_HELPER_MODE=" + mode),
	}
	return NewProcessTransferer(os.Args[0], testPrivateKey, append(base, opts...)...)
}

func TestProcessTransferer_Success(t *testing.T) {
	result, err := helperTransferer("success").Transfer(context.Background(), testRecipient, big.NewInt(100000))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "0xabc", result.TxID)
	assert.Equal(t, testRecipient, result.Recipient)
	assert.Equal(t, "100000", result.Amount)
}

func TestProcessTransferer_Rejected(t *testing.T) {
	result, err := helperTransferer("rejected").Transfer(context.Background(), testRecipient, big.NewInt(100000))
	require.Error(t, err)
	assert.Equal(t, x402.ErrCodeBroadcastRejected, x402.ErrorCode(err))
	assert.True(t, errors.Is(err, ErrBroadcastRejected))
	require.NotNil(t, result)
	assert.Equal(t, "NotEnoughFunds", result.Reason)
}

func TestProcessTransferer_InvalidOutput(t *testing.T) {
	_, err := helperTransferer("garbage").Transfer(context.Background(), testRecipient, big.NewInt(1))
	assert.ErrorIs(t, err, ErrSignerProcess)
}

func TestProcessTransferer_Timeout(t *testing.T) {
	_, err := helperTransferer("sleep", WithProcessTimeout(100*time.Millisecond)).Transfer(context.Background(), testRecipient, big.NewInt(1))
	assert.ErrorIs(t, err, ErrSignerProcess)
}

func TestParseTransferResult(t *testing.T) {
	tests := []struct {
		name  string
		line  string
		valid bool
	}{
		{"success", `{"success":true,"txid":"0x1","sender":"ST1","recipient":"ST2","amount":"5"}`, true},
		{"failure", `{"success":false,"error":"boom"}`, true},
		{"failure with reason", `{"success":false,"error":"boom","reason":"BadNonce"}`, true},
		{"success without txid", `{"success":true,"sender":"ST1","recipient":"ST2","amount":"5"}`, false},
		{"failure without error", `{"success":false}`, false},
		{"numeric amount", `{"success":true,"txid":"0x1","sender":"ST1","recipient":"ST2","amount":5}`, false},
		{"not an object", `[]`, false},
		{"empty", ``, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTransferResult(tt.line)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrSignerOutput)
			}
		})
	}
}
