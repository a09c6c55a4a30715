// Package server is the paid API: a gin engine with the gated analysis
// endpoint, its status, the demo routes and prometheus metrics.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	x402 "github.com/agentpay/usdcx-x402/go"
	x402http "github.com/agentpay/usdcx-x402/go/http"
	"github.com/agentpay/usdcx-x402/go/logger"
	ginmw "github.com/agentpay/usdcx-x402/go/pkg/gin"
	"github.com/agentpay/usdcx-x402/go/pkg/demo"
)

// ServiceName is reported by the health route.
const ServiceName = "AgentPay-USDCx"

// AnalysisPayload is the resource sold by /v1/analysis.
const AnalysisPayload = "mock analysis payload"

type Server struct {
	requirement x402.PaymentRequirement
	gatewayOpts []x402http.GatewayOption
	store       x402.ProofStore
	runner      *demo.Runner
	gatherer    prometheus.Gatherer
	corsOrigins []string
	logger      logger.Logger

	engine *gin.Engine
}

// Option configures a Server
type Option func(*Server)

// WithGatewayOptions passes options through to the payment gateway.
func WithGatewayOptions(opts ...x402http.GatewayOption) Option {
	return func(s *Server) { s.gatewayOpts = append(s.gatewayOpts, opts...) }
}

// WithProofStore sets the consumed-proof store. It is handed to the gateway
// and reported by /v1/status.
func WithProofStore(store x402.ProofStore) Option {
	return func(s *Server) { s.store = store }
}

// WithDemo mounts the /demo routes over runner.
func WithDemo(runner *demo.Runner) Option {
	return func(s *Server) { s.runner = runner }
}

// WithMetrics serves g on /metrics.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

func WithLogger(l logger.Logger) Option {
	return func(s *Server) { s.logger = logger.OrNoop(l) }
}

// New builds the engine. Requests to /v1/analysis are gated behind requirement.
func New(requirement x402.PaymentRequirement, opts ...Option) *Server {
	s := &Server{
		requirement: requirement,
		logger:      logger.NoopLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}

	gatewayOpts := append([]x402http.GatewayOption{x402http.WithLogger(s.logger)}, s.gatewayOpts...)
	if s.store != nil {
		gatewayOpts = append(gatewayOpts, x402http.WithProofStore(s.store))
	}
	gateway := x402http.NewGateway(requirement, gatewayOpts...)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.logger))
	if mw := corsMiddleware(s.corsOrigins, s.logger); mw != nil {
		r.Use(mw)
	}

	r.GET("/", s.health)
	r.GET("/v1/analysis", ginmw.GatewayMiddleware(gateway), s.analysis)
	r.GET("/v1/status", s.status)

	if s.runner != nil {
		d := r.Group("/demo")
		d.GET("/status", s.demoStatus)
		d.GET("/wallets", s.demoWallets)
		d.POST("/run", s.demoRun)
		d.POST("/reset", s.demoReset)
	}
	if s.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	s.engine = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": ServiceName})
}

// PaymentReceipt echoes what bought the response. Without a verifier only
// the presented txid is known.
type PaymentReceipt struct {
	TxID        string `json:"txid"`
	Amount      string `json:"amount,omitempty"`
	Sender      string `json:"sender,omitempty"`
	BlockHeight int64  `json:"block_height,omitempty"`
}

func (s *Server) analysis(c *gin.Context) {
	receipt := PaymentReceipt{TxID: strings.TrimSpace(c.GetHeader(x402http.HeaderPaymentTxID))}
	if p := ginmw.Payment(c); p != nil {
		receipt = PaymentReceipt{TxID: p.TxID, Amount: p.Amount, Sender: p.Sender, BlockHeight: p.BlockHeight}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "paid",
		"data":    AnalysisPayload,
		"payment": receipt,
	})
}

func (s *Server) status(c *gin.Context) {
	consumed := 0
	if s.store != nil {
		n, err := s.store.Count(c.Request.Context())
		if err != nil {
			s.logger.Error("failed to count consumed proofs", map[string]any{"error": err.Error()})
			c.JSON(http.StatusServiceUnavailable, x402http.ErrorResponse{Error: "store_unavailable", Message: err.Error()})
			return
		}
		consumed = n
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"payment": gin.H{
			"amount":  s.requirement.AmountString(),
			"asset":   s.requirement.Asset(),
			"network": s.requirement.Network(),
		},
		"consumed_txids": consumed,
	})
}

func (s *Server) demoStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.runner.Status())
}

func (s *Server) demoWallets(c *gin.Context) {
	wallets, err := s.runner.Wallets(c.Request.Context())
	var notConfigured *demo.NotConfiguredError
	switch {
	case errors.As(err, &notConfigured):
		c.JSON(http.StatusOK, notConfigured)
	case err != nil:
		c.JSON(http.StatusBadGateway, x402http.ErrorResponse{Error: "balance_unavailable", Message: err.Error()})
	default:
		c.JSON(http.StatusOK, wallets)
	}
}

// demoRun detaches from the request context so a closed browser tab does not
// abandon a payment half way; the runner's own timeout still applies.
func (s *Server) demoRun(c *gin.Context) {
	result, err := s.runner.Run(context.WithoutCancel(c.Request.Context()))
	if errors.Is(err, demo.ErrDemoInProgress) {
		c.JSON(http.StatusLocked, x402http.ErrorResponse{
			Error:   "demo_in_progress",
			Message: "Demo already in progress. Please wait.",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) demoReset(c *gin.Context) {
	was := s.runner.Reset()
	s.logger.Info("demo lock reset", map[string]any{"was_locked": was})
	c.JSON(http.StatusOK, gin.H{"reset": true, "was_locked": was})
}

func requestLogger(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("request", map[string]any{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		})
	}
}
