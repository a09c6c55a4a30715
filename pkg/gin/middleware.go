package gin

import (
	"github.com/gin-gonic/gin"

	x402 "github.com/agentpay/usdcx-x402/go"
	x402http "github.com/agentpay/usdcx-x402/go/http"
)

// PaymentKey is the gin context key holding the *x402.VerifiedPayment of a
// request the gateway verified.
const PaymentKey = "x402_payment"

// PaymentMiddleware is the gin form of the x402 gateway.
func PaymentMiddleware(requirement x402.PaymentRequirement, opts ...x402http.GatewayOption) gin.HandlerFunc {
	return GatewayMiddleware(x402http.NewGateway(requirement, opts...))
}

// GatewayMiddleware adapts an existing gateway.
func GatewayMiddleware(gateway *x402http.Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		d := gateway.Evaluate(c.Request.Context(), c.GetHeader(x402http.HeaderPaymentTxID))
		for k, vs := range d.Header {
			for _, v := range vs {
				c.Writer.Header().Add(k, v)
			}
		}
		if !d.Forward {
			c.AbortWithStatusJSON(d.Status, d.Body)
			return
		}
		if d.Payment != nil {
			c.Set(PaymentKey, d.Payment)
			c.Request = c.Request.WithContext(x402http.WithPayment(c.Request.Context(), d.Payment))
		}
		c.Next()
	}
}

// Payment returns the verified payment of this request, or nil.
func Payment(c *gin.Context) *x402.VerifiedPayment {
	if v, ok := c.Get(PaymentKey); ok {
		p, _ := v.(*x402.VerifiedPayment)
		return p
	}
	return nil
}
