// Package node implements the inference node process's HTTP pipeline:
// health/status reporting and the admission-gated /infer path from
// spec.md §4.7. Route assembly mirrors internal/router's chi-based
// composition of CORS and observability middleware.
package node

import (
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"infermesh/internal/config"
	"infermesh/internal/httpmw"
	"infermesh/internal/keys"
	"infermesh/internal/ledger"
	"infermesh/internal/noncestore"
	"infermesh/internal/ratelimit"
	"infermesh/internal/runner"
	"infermesh/observability/metrics"
)

// Node holds every collaborator the node process's HTTP handlers need.
type Node struct {
	cfg          config.NodeConfig
	log          *slog.Logger
	keyPair      *keys.KeyPair
	runner       runner.Runner
	nonces       noncestore.Store
	admission    httpmw.AdmissionLists
	limiter      *ratelimit.Limiter
	verifyOracle *ledger.OracleClient
	obs          *httpmw.Observability
	metrics      *metrics.NodeMetrics

	inFlight int64

	nowFn func() time.Time
}

// Deps bundles the constructor arguments for New.
type Deps struct {
	Config        config.NodeConfig
	Logger        *slog.Logger
	KeyPair       *keys.KeyPair
	Runner        runner.Runner
	Nonces        noncestore.Store
	VerifyOracle  *ledger.OracleClient
	Observability *httpmw.Observability
	Metrics       *metrics.NodeMetrics
}

// New builds a Node from deps, applying the configured router admission
// lists and rate limiter.
func New(deps Deps) *Node {
	limiter := ratelimit.New(deps.Config.RateLimitMax, deps.Config.RateLimitWindowMs)
	return &Node{
		cfg:     deps.Config,
		log:     deps.Logger,
		keyPair: deps.KeyPair,
		runner:  deps.Runner,
		nonces:  deps.Nonces,
		admission: httpmw.NewAdmissionLists(
			deps.Config.RouterBlockList,
			deps.Config.RouterMuteList,
			deps.Config.RouterAllowList,
			deps.Config.RouterFollowList,
		),
		limiter:      limiter,
		verifyOracle: deps.VerifyOracle,
		obs:          deps.Observability,
		metrics:      deps.Metrics,
		nowFn:        time.Now,
	}
}

// SetClock overrides the node's clock; intended for tests.
func (n *Node) SetClock(fn func() time.Time) {
	n.nowFn = fn
}

func (n *Node) now() time.Time {
	if n.nowFn != nil {
		return n.nowFn()
	}
	return time.Now()
}

// Handler assembles the full chi mux for the node process.
func (n *Node) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(httpmw.CORS(httpmw.CORSConfig{}))
	if n.obs != nil {
		r.Use(n.obs.Middleware("node"))
		r.Handle("/metrics", n.obs.MetricsHandler())
	}

	r.Get("/health", n.handleHealth)
	r.Get("/status", n.handleStatus)
	r.Post("/infer", n.handleInfer)

	return r
}

func (n *Node) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := n.runner.Health(r.Context())
	status := http.StatusOK
	if !health.OK {
		status = http.StatusServiceUnavailable
	}
	httpmw.WriteJSON(w, status, map[string]any{"ok": health.OK, "detail": health.Detail})
}

func (n *Node) handleStatus(w http.ResponseWriter, r *http.Request) {
	httpmw.WriteJSON(w, http.StatusOK, map[string]any{
		"capacityMaxConcurrent": n.cfg.CapacityMaxConcurrent,
		"capacityCurrentLoad":   n.cfg.CapacityCurrentLoad,
		"inFlight":              atomic.LoadInt64(&n.inFlight),
	})
}
