// Command agentpay-server runs the paid API: GET /v1/analysis behind the
// x402 gateway, the demo settlement routes and /metrics. Configuration comes
// from AGENTPAY_* environment variables (see package config).
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	x402 "github.com/agentpay/usdcx-x402/go"
	"github.com/agentpay/usdcx-x402/go/config"
	"github.com/agentpay/usdcx-x402/go/extensions/txidstore"
	x402http "github.com/agentpay/usdcx-x402/go/http"
	"github.com/agentpay/usdcx-x402/go/logger"
	"github.com/agentpay/usdcx-x402/go/mechanisms/stacks"
	"github.com/agentpay/usdcx-x402/go/metrics"
	"github.com/agentpay/usdcx-x402/go/pkg/demo"
	"github.com/agentpay/usdcx-x402/go/pkg/server"
)

const (
	// in-flight rows older than this were left by a process that died mid-request
	staleReservation = 10 * time.Minute
	// consumed txids are kept for the life of an in-memory cache
	proofCacheTTL   = 24 * time.Hour
	shutdownTimeout = 10 * time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "agentpay-server:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.NewZapLogger(cfg.LogLevel)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	app, err := build(ctx, cfg, log, reg)
	if err != nil {
		return err
	}
	defer app.Close()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           app.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", map[string]any{
			"addr":    cfg.ListenAddr,
			"network": string(cfg.Network),
			"api":     cfg.StacksAPIURL,
			"verify":  cfg.Verify,
		})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type app struct {
	handler http.Handler
	runner  *demo.Runner
	db      *sql.DB
}

func (a *app) Close() error {
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

// build wires the server from cfg in dependency order: proof store, chain
// client, verifier, agent wallet, demo runner, HTTP routes.
func build(ctx context.Context, cfg *config.Config, log logger.Logger, reg *prometheus.Registry) (*app, error) {
	requirement, err := cfg.Requirement()
	if err != nil {
		return nil, err
	}
	rec := metrics.NewPrometheusRecorder(reg)
	a := &app{}

	var store x402.ProofStore
	if cfg.Database.Enabled() {
		db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s database: %w", cfg.Database.Driver, err)
		}
		a.db = db
		sqlStore := txidstore.New(db)
		if err := sqlStore.Migrate(ctx); err != nil {
			a.Close()
			return nil, err
		}
		reaped, err := sqlStore.ReapInFlight(ctx, staleReservation)
		if err != nil {
			a.Close()
			return nil, err
		}
		log.Info("txid store ready", map[string]any{"driver": cfg.Database.Driver, "reaped": reaped})
		store = sqlStore
	} else {
		store = x402.NewProofCache(proofCacheTTL)
	}

	hiro := stacks.NewHiroClient(&stacks.HiroConfig{
		BaseURL:             cfg.StacksAPIURL,
		ConfirmationTimeout: cfg.ConfirmationTimeout,
		Logger:              log,
	})

	gatewayOpts := []x402http.GatewayOption{x402http.WithMetrics(rec)}
	if cfg.Verify {
		gatewayOpts = append(gatewayOpts, x402http.WithVerifier(stacks.NewTransactionVerifier(hiro, log)))
	}

	agent, agentErr := demo.LoadAgent(cfg, hiro, log, rec)
	if agentErr != nil {
		log.Warn("demo agent unavailable", map[string]any{"error": agentErr.Error()})
	}
	a.runner = demo.NewRunner(cfg.APIHost, hiro,
		demo.WithAgent(agent, agentErr),
		demo.WithServerWallet(cfg.ServerWallet),
		demo.WithNetwork(cfg.StacksNetwork()),
		demo.WithMinBalance(requirement.Amount()),
		demo.WithTimeout(cfg.DemoTimeout),
		demo.WithLogger(log),
		demo.WithMetrics(rec),
	)

	a.handler = server.New(requirement,
		server.WithGatewayOptions(gatewayOpts...),
		server.WithProofStore(store),
		server.WithDemo(a.runner),
		server.WithMetrics(reg),
		server.WithCORSOrigins(cfg.CORSOrigins),
		server.WithLogger(log),
	).Handler()
	return a, nil
}
