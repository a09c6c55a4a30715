package echo

import (
	"github.com/labstack/echo/v4"

	x402 "github.com/agentpay/usdcx-x402/go"
	x402http "github.com/agentpay/usdcx-x402/go/http"
)

// PaymentKey is the echo context key holding the *x402.VerifiedPayment of a
// request the gateway verified.
const PaymentKey = "x402_payment"

// PaymentMiddleware is the echo form of the x402 gateway.
func PaymentMiddleware(requirement x402.PaymentRequirement, opts ...x402http.GatewayOption) echo.MiddlewareFunc {
	return GatewayMiddleware(x402http.NewGateway(requirement, opts...))
}

// GatewayMiddleware adapts an existing gateway.
func GatewayMiddleware(gateway *x402http.Gateway) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			d := gateway.Evaluate(req.Context(), req.Header.Get(x402http.HeaderPaymentTxID))
			for k, vs := range d.Header {
				for _, v := range vs {
					c.Response().Header().Add(k, v)
				}
			}
			if !d.Forward {
				return c.JSON(d.Status, d.Body)
			}
			if d.Payment != nil {
				c.Set(PaymentKey, d.Payment)
				c.SetRequest(req.WithContext(x402http.WithPayment(req.Context(), d.Payment)))
			}
			return next(c)
		}
	}
}

// Payment returns the verified payment of this request, or nil.
func Payment(c echo.Context) *x402.VerifiedPayment {
	p, _ := c.Get(PaymentKey).(*x402.VerifiedPayment)
	return p
}
