package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	x402 "github.com/agentpay/usdcx-x402/go"
	"github.com/agentpay/usdcx-x402/go/logger"
	"github.com/agentpay/usdcx-x402/go/metrics"
)

// DefaultPaymentMessage is the 402 message when no verification reason applies.
const DefaultPaymentMessage = "Payment required to access this resource"

// ErrorResponse is the JSON body of non-402 gateway refusals.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Gateway decides, per request, whether a presented proof buys access.
//
// With no verifier a non-empty X-Payment-TxId is forwarded unchecked: the
// caller trusts whatever sits behind the gateway to validate it. WithVerifier
// moves that check into the gateway and WithProofStore makes each proof
// redeemable once.
type Gateway struct {
	requirement x402.PaymentRequirement
	verifier    x402.PaymentVerifier
	store       x402.ProofStore
	logger      logger.Logger
	metrics     metrics.Recorder
}

// GatewayOption configures a Gateway
type GatewayOption func(*Gateway)

func WithVerifier(v x402.PaymentVerifier) GatewayOption {
	return func(g *Gateway) { g.verifier = v }
}

func WithProofStore(s x402.ProofStore) GatewayOption {
	return func(g *Gateway) { g.store = s }
}

func WithLogger(l logger.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = logger.OrNoop(l) }
}

func WithMetrics(r metrics.Recorder) GatewayOption {
	return func(g *Gateway) { g.metrics = metrics.OrNoop(r) }
}

func NewGateway(requirement x402.PaymentRequirement, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		requirement: requirement,
		logger:      logger.NoopLogger{},
		metrics:     metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Requirement returns the terms this gateway enforces.
func (g *Gateway) Requirement() x402.PaymentRequirement {
	return g.requirement
}

// Decision is the outcome of Evaluate. When Forward is false the adapter
// writes Status, Header and Body and stops.
type Decision struct {
	Forward bool
	Status  int
	Header  http.Header
	Body    interface{}
	// Payment is set when a verifier accepted the proof
	Payment *x402.VerifiedPayment
}

// Evaluate inspects the proof header value. It keeps no state between calls
// other than what the ProofStore records.
func (g *Gateway) Evaluate(ctx context.Context, proofHeader string) Decision {
	labels := map[string]string{"network": string(g.requirement.Network())}
	proof := x402.PaymentProof(strings.TrimSpace(proofHeader))

	if proof == "" {
		g.metrics.IncCounter(metrics.EventPaymentRequired, labels)
		return g.paymentRequired(DefaultPaymentMessage, "")
	}

	if g.verifier == nil && g.store == nil {
		g.metrics.IncCounter(metrics.EventPaymentForwarded, labels)
		return Decision{Forward: true}
	}

	var reservation x402.Reservation
	if g.store != nil {
		r, err := g.store.Reserve(ctx, proof)
		switch {
		case errors.Is(err, x402.ErrProofConsumed), errors.Is(err, x402.ErrProofInFlight):
			g.metrics.IncCounter(metrics.EventProofReused, labels)
			g.logger.Info("proof reused", map[string]any{"txid": proof.Normalize()})
			return conflict(proof)
		case err != nil:
			g.logger.Error("proof store unavailable", map[string]any{"error": err.Error()})
			return g.paymentRequired("Error verifying transaction", "api_error")
		}
		reservation = r
	}

	var payment *x402.VerifiedPayment
	if g.verifier != nil {
		p, err := g.verifier.Verify(ctx, proof, g.requirement)
		if err != nil {
			if reservation != nil {
				_ = reservation.Release(ctx)
			}
			g.metrics.IncCounter(metrics.EventProofRejected, labels)
			return g.rejected(proof, err)
		}
		payment = p
	}

	if reservation != nil {
		if err := reservation.Commit(ctx); err != nil {
			g.logger.Error("failed to record proof", map[string]any{"txid": proof.Normalize(), "error": err.Error()})
			_ = reservation.Release(ctx)
			return g.paymentRequired("Error verifying transaction", "api_error")
		}
	}

	g.metrics.IncCounter(metrics.EventPaymentForwarded, labels)
	d := Decision{Forward: true, Payment: payment}
	if payment != nil {
		d.Header = http.Header{}
		d.Header.Set(HeaderPaymentPayer, payment.Sender)
		g.logger.Info("payment accepted", map[string]any{
			"txid":   payment.TxID,
			"sender": payment.Sender,
			"amount": payment.Amount,
		})
	}
	return d
}

func (g *Gateway) rejected(proof x402.PaymentProof, err error) Decision {
	var failure *x402.VerificationFailure
	if errors.As(err, &failure) {
		g.logger.Info("proof rejected", map[string]any{"txid": string(proof), "reason": failure.Reason})
		return g.paymentRequired(failure.Message, failure.Reason)
	}
	g.logger.Error("verification failed", map[string]any{"txid": string(proof), "error": err.Error()})
	return g.paymentRequired("Error verifying transaction", "api_error")
}

// paymentRequired always carries the complete term headers.
func (g *Gateway) paymentRequired(message, reason string) Decision {
	terms := g.requirement.Terms()
	h := http.Header{}
	h.Set(HeaderPaymentAmount, terms.Amount)
	h.Set(HeaderPaymentRecipient, terms.Recipient)
	h.Set(HeaderPaymentNetwork, string(terms.Network))
	if terms.Asset != "" {
		h.Set(HeaderPaymentAsset, terms.Asset)
	}
	return Decision{
		Status: http.StatusPaymentRequired,
		Header: h,
		Body: x402.PaymentRequiredResponse{
			Error:   x402.ErrCodePaymentRequired,
			Message: message,
			Reason:  reason,
			Payment: terms,
		},
	}
}

func conflict(proof x402.PaymentProof) Decision {
	return Decision{
		Status: http.StatusConflict,
		Header: http.Header{},
		Body: ErrorResponse{
			Error:   x402.ErrCodeTxIDAlreadyUsed,
			Message: fmt.Sprintf("Transaction %s has already been consumed", proof.Normalize()),
		},
	}
}

// ============================================================================
// net/http middleware
// ============================================================================

type paymentContextKey struct{}

// WithPayment returns ctx carrying a verified payment.
func WithPayment(ctx context.Context, p *x402.VerifiedPayment) context.Context {
	return context.WithValue(ctx, paymentContextKey{}, p)
}

// PaymentFromContext returns the payment the gateway verified for this
// request, or nil when none was verified.
func PaymentFromContext(ctx context.Context) *x402.VerifiedPayment {
	p, _ := ctx.Value(paymentContextKey{}).(*x402.VerifiedPayment)
	return p
}

// PaymentMiddleware gates next behind requirement.
func PaymentMiddleware(requirement x402.PaymentRequirement, opts ...GatewayOption) func(http.Handler) http.Handler {
	return NewGateway(requirement, opts...).Middleware
}

// Middleware is the net/http form of the gateway.
func (g *Gateway) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := g.Evaluate(r.Context(), r.Header.Get(HeaderPaymentTxID))
		for k, vs := range d.Header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		if !d.Forward {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(d.Status)
			_ = json.NewEncoder(w).Encode(d.Body)
			return
		}
		if d.Payment != nil {
			r = r.WithContext(WithPayment(r.Context(), d.Payment))
		}
		next.ServeHTTP(w, r)
	})
}
