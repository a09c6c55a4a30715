package gin

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	x402 "github.com/agentpay/usdcx-x402/go"
	x402http "github.com/agentpay/usdcx-x402/go/http"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(opts ...x402http.GatewayOption) *gin.Engine {
	requirement := x402.MustPaymentRequirement(big.NewInt(100000), "ST3Q6YCK0E2SDAA1KS7X546NY02F12D88RZHAH2P3", x402.NetworkStacksTestnet, "")
	r := gin.New()
	r.GET("/v1/analysis", PaymentMiddleware(requirement, opts...), func(c *gin.Context) {
		sender := ""
		if p := Payment(c); p != nil {
			sender = p.Sender
		}
		c.JSON(http.StatusOK, gin.H{"status": "paid", "sender": sender})
	})
	return r
}

func get(r http.Handler, txid string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/v1/analysis", nil)
	if txid != "" {
		req.Header.Set(x402http.HeaderPaymentTxID, txid)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestPaymentMiddleware_RequiresPayment(t *testing.T) {
	rec := get(newRouter(), "")
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "100000", rec.Header().Get(x402http.HeaderPaymentAmount))
	assert.Equal(t, "ST3Q6YCK0E2SDAA1KS7X546NY02F12D88RZHAH2P3", rec.Header().Get(x402http.HeaderPaymentRecipient))
	assert.Equal(t, "stacks-testnet", rec.Header().Get(x402http.HeaderPaymentNetwork))
	assert.Contains(t, rec.Body.String(), `"currency":"USDCx"`)
}

func TestPaymentMiddleware_Forwards(t *testing.T) {
	rec := get(newRouter(), "0xabc")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"paid"`)
}

func TestPaymentMiddleware_ExposesVerifiedPayment(t *testing.T) {
	verifier := x402.PaymentVerifierFunc(func(context.Context, x402.PaymentProof, x402.PaymentRequirement) (*x402.VerifiedPayment, error) {
		return &x402.VerifiedPayment{Sender: "ST2ZD731ANQZT6J4K3F5N8A40ZXWXC1XFXH4HF6PF"}, nil
	})
	rec := get(newRouter(x402http.WithVerifier(verifier)), "0xabc")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ST2ZD731ANQZT6J4K3F5N8A40ZXWXC1XFXH4HF6PF")
	assert.Equal(t, "ST2ZD731ANQZT6J4K3F5N8A40ZXWXC1XFXH4HF6PF", rec.Header().Get(x402http.HeaderPaymentPayer))
}
