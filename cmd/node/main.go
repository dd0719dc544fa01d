// Command node runs the worker process from spec.md §2: the admission
// pipeline for /infer, a pluggable inference runner, and signed
// response/metering emission. Bootstrap follows
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
	"infermesh/internal/httpmw"
	"infermesh/internal/keys"
	"infermesh/internal/ledger"
	"infermesh/internal/node"
	"infermesh/internal/noncestore"
	"infermesh/internal/runner"
	"infermesh/observability/logging"
	"infermesh/observability/metrics"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("INFERMESH_NODE_CONFIG"), "path to node YAML config")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("INFERMESH_ENV"))
	log := logging.Setup("infermesh-node", env)

	cfg, err := config.LoadNode(*configPath)
	if err != nil {
		fatal(log, "load config", err)
	}

	keyPair, err := loadOrGenerateKeyPair(log, cfg.PrivateKey)
	if err != nil {
		fatal(log, "load node key", err)
	}
	if cfg.NodeID == "" {
		cfg.NodeID = keyPair.KeyID()
	}

	nonces, err := openNonceStore(cfg.NonceStorePath, cfg.NonceStoreURL)
	if err != nil {
		fatal(log, "open nonce store", err)
	}

	rnr := selectRunner(cfg)

	var verifyOracle *ledger.OracleClient
	if cfg.PaymentVerification.URL != "" {
		timeout := time.Duration(cfg.PaymentVerification.TimeoutMs) * time.Millisecond
		retry := ledger.DefaultRetryPolicy
		if cfg.PaymentVerification.RetryMaxAttempts > 0 {
			retry.MaxAttempts = cfg.PaymentVerification.RetryMaxAttempts
		}
		verifyOracle = ledger.NewOracleClient(cfg.PaymentVerification.URL, timeout, retry)
	}

	obs := httpmw.NewObservability(httpmw.ObservabilityConfig{
		ServiceName:   cfg.Observability.ServiceName,
		MetricsPrefix: cfg.Observability.MetricsPrefix,
		LogRequests:   cfg.Observability.LogRequests,
		Enabled:       cfg.Observability.Metrics || cfg.Observability.Tracing,
	}, log)
	nodeMetrics := metrics.RegisterNode(obs.Registry(), cfg.Observability.MetricsPrefix)

	nd := node.New(node.Deps{
		Config:        cfg,
		Logger:        log,
		KeyPair:       keyPair,
		Runner:        rnr,
		Nonces:        nonces,
		VerifyOracle:  verifyOracle,
		Observability: obs,
		Metrics:       nodeMetrics,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runReplayCleanup(ctx, log, nonces)

	srv := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      nd.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		log.Info("node listening", "addr", cfg.ListenAddress, "nodeId", cfg.NodeID)
		var err error
		if cfg.TLS.CertPath != "" && cfg.TLS.KeyPath != "" {
			err = srv.ListenAndServeTLS(cfg.TLS.CertPath, cfg.TLS.KeyPath)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			fatal(log, "listen", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	cancel()

	log.Info("shutting down node")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "graceful shutdown failed: %v\n", err)
	}
}

// selectRunner returns a generic HTTP runner for the first non-empty entry
// of cfg.SandboxAllowedEndpoints, and the mock runner when there is none;
// cfg.SandboxAllowedRunners is not consulted. Only the mock and generic
// HTTP variants ship in this core; concrete model backends (llama.cpp,
// vLLM, OpenAI/Anthropic-shaped) are external collaborators per spec.md §1.
func selectRunner(cfg config.NodeConfig) runner.Runner {
	for _, endpoint := range cfg.SandboxAllowedEndpoints {
		if endpoint == "" {
			continue
		}
		return runner.NewHTTP(endpoint, "", 60*time.Second, nil)
	}
	return runner.NewMock("mock")
}

func loadOrGenerateKeyPair(log *slog.Logger, secret string) (*keys.KeyPair, error) {
	if secret == "" {
		kp, err := keys.Generate()
		if err != nil {
			return nil, err
		}
		log.Warn("node private key not configured, generated an ephemeral one", "keyId", kp.KeyID())
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

func fatal(log *slog.Logger, msg string, err error) {
	log.Error(msg, "error", err)
	os.Exit(1)
}
