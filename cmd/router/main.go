// Command router runs the broker process from spec.md §2: node registry,
// scheduler, payment ledger, and the HTTP pipeline for /quote, /infer,
// /payment-receipt, plus the federation control plane. Bootstrap follows
// services/escrow-gateway/main.go's config-load -> wire-collaborators ->
// serve-with-graceful-shutdown shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"infermesh/internal/config"
	"infermesh/internal/federation"
	"infermesh/internal/httpmw"
	"infermesh/internal/keys"
	"infermesh/internal/ledger"
	"infermesh/internal/noncestore"
	"infermesh/internal/registry"
	"infermesh/internal/router"
	"infermesh/internal/scheduler"
	"infermesh/observability/logging"
	"infermesh/observability/metrics"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("INFERMESH_ROUTER_CONFIG"), "path to router YAML config")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("INFERMESH_ENV"))
	log := logging.Setup("infermesh-router", env)

	cfg, err := config.LoadRouter(*configPath)
	if err != nil {
		fatal(log, "load config", err)
	}

	keyPair, err := loadOrGenerateKeyPair(log, cfg.PrivateKey, "router")
	if err != nil {
		fatal(log, "load router key", err)
	}

	nonces, err := openNonceStore(cfg.NonceStorePath, cfg.NonceStoreURL)
	if err != nil {
		fatal(log, "open nonce store", err)
	}

	reg := registry.New(nil, nil)
	sched := scheduler.New(reg)
	clientLedger := ledger.New(ledger.ScopeClient)
	federationLedger := ledger.New(ledger.ScopeFederation)

	var invoiceOracle, verifyOracle *ledger.OracleClient
	oracleTimeout := time.Duration(cfg.OracleTimeoutMs) * time.Millisecond
	if cfg.InvoiceOracleURL != "" {
		invoiceOracle = ledger.NewOracleClient(cfg.InvoiceOracleURL, oracleTimeout, ledger.DefaultRetryPolicy)
	}
	if cfg.VerifyOracleURL != "" {
		verifyOracle = ledger.NewOracleClient(cfg.VerifyOracleURL, oracleTimeout, ledger.DefaultRetryPolicy)
	}

	obs := httpmw.NewObservability(httpmw.ObservabilityConfig{
		ServiceName:   cfg.Observability.ServiceName,
		MetricsPrefix: cfg.Observability.MetricsPrefix,
		LogRequests:   cfg.Observability.LogRequests,
		Enabled:       cfg.Observability.Metrics || cfg.Observability.Tracing,
	}, log)
	metrics.RegisterRouter(obs.Registry(), cfg.Observability.MetricsPrefix)

	var fed *federation.Federation
	if cfg.Federation.Enabled {
		fed = federation.New(cfg.Federation, log, keyPair, federationLedger)
	}

	rt := router.New(router.Deps{
		Config:           cfg,
		Logger:           log,
		KeyPair:          keyPair,
		Registry:         reg,
		Scheduler:        sched,
		Nonces:           nonces,
		ClientLedger:     clientLedger,
		FederationLedger: federationLedger,
		InvoiceOracle:    invoiceOracle,
		VerifyOracle:     verifyOracle,
		Observability:    obs,
		Federation:       fed,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runReplayCleanup(ctx, log, nonces)
	go runRetention(ctx, reg, clientLedger, federationLedger, cfg.Retention)
	reconciler := ledger.NewReconciler(log, time.Minute, cfg.Retention.PaymentReconcileGraceMs, clientLedger, federationLedger)
	go reconciler.Run(ctx)
	if fed != nil {
		go fed.RunLoop(ctx)
	}

	srv := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      rt.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		log.Info("router listening", "addr", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal(log, "listen", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	cancel()

	log.Info("shutting down router")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "graceful shutdown failed: %v\n", err)
	}
}

func loadOrGenerateKeyPair(log *slog.Logger, secret, role string) (*keys.KeyPair, error) {
	if secret == "" {
		kp, err := keys.Generate()
		if err != nil {
			return nil, err
		}
		log.Warn(role+" private key not configured, generated an ephemeral one", "keyId", kp.KeyID())
		return kp, nil
	}
	priv, err := keys.ParsePrivateKey(secret)
	if err != nil {
		return nil, err
	}
	return &keys.KeyPair{Private: priv, Public: priv.PubKey()}, nil
}

func openNonceStore(path, url string) (noncestore.Store, error) {
	switch {
	case url != "":
		return noncestore.NewLevelDB(url)
	case path != "":
		return noncestore.NewFile(path)
	default:
		return noncestore.NewMemory(0), nil
	}
}

func runReplayCleanup(ctx context.Context, log *slog.Logger, store noncestore.Store) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.Cleanup(time.Now().Add(-5 * time.Minute)); err != nil {
				log.Warn("nonce store cleanup failed", "error", err)
			}
		}
	}
}

func runRetention(ctx context.Context, reg *registry.Registry, clientLedger, federationLedger *ledger.Ledger, retention config.Retention) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reg.PruneStale(retention.NodeMs, retention.NodeHealthMs, retention.NodeCooldownMs)
			clientLedger.PruneExpired(retention.PaymentRequestMs)
			federationLedger.PruneExpired(retention.PaymentRequestMs)
		}
	}
}

func fatal(log *slog.Logger, msg string, err error) {
	log.Error(msg, "error", err)
	os.Exit(1)
}
