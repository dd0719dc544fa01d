// Package router implements the router process's HTTP pipeline: node
// registry admission, quoting, payment-receipt handling, and inference
// forwarding (spec.md §4.6). Route assembly follows
// gateway/routes/router.go's chi-based composition of CORS, observability,
// and per-route-group middleware.
package router

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"infermesh/internal/config"
	"infermesh/internal/federation"
	"infermesh/internal/httpmw"
	"infermesh/internal/keys"
	"infermesh/internal/ledger"
	"infermesh/internal/noncestore"
	"infermesh/internal/ratelimit"
	"infermesh/internal/registry"
	"infermesh/internal/scheduler"
)

// Router holds every collaborator the HTTP handlers need.
type Router struct {
	cfg       config.RouterConfig
	log       *slog.Logger
	keyPair   *keys.KeyPair
	registry  *registry.Registry
	scheduler *scheduler.Scheduler
	nonces    noncestore.Store
	clients   *ledger.Ledger // scoped ledger.ScopeClient
	federation *ledger.Ledger // scoped ledger.ScopeFederation
	invoiceOracle *ledger.OracleClient
	verifyOracle  *ledger.OracleClient
	admission httpmw.AdmissionLists
	limiter   *ratelimit.Limiter
	obs       *httpmw.Observability
	forward   *http.Client
	nowFn     func() time.Time
	receipts  *receiptEnvelopes
	fed       *federation.Federation
}

// Deps bundles the constructor arguments for New.
type Deps struct {
	Config        config.RouterConfig
	Logger        *slog.Logger
	KeyPair       *keys.KeyPair
	Registry      *registry.Registry
	Scheduler     *scheduler.Scheduler
	Nonces        noncestore.Store
	ClientLedger  *ledger.Ledger
	FederationLedger *ledger.Ledger
	InvoiceOracle *ledger.OracleClient
	VerifyOracle  *ledger.OracleClient
	Observability *httpmw.Observability
	Federation    *federation.Federation
}

// New builds a Router from deps, applying the configured admission lists
// and rate limiter.
func New(deps Deps) *Router {
	limiter := ratelimit.New(deps.Config.RateLimitMax, deps.Config.RateLimitWindowMs)
	return &Router{
		cfg:           deps.Config,
		log:           deps.Logger,
		keyPair:       deps.KeyPair,
		registry:      deps.Registry,
		scheduler:     deps.Scheduler,
		nonces:        deps.Nonces,
		clients:       deps.ClientLedger,
		federation:    deps.FederationLedger,
		invoiceOracle: deps.InvoiceOracle,
		verifyOracle:  deps.VerifyOracle,
		admission: httpmw.NewAdmissionLists(
			deps.Config.ClientBlockList,
			deps.Config.ClientMuteList,
			deps.Config.ClientAllowList,
			nil,
		),
		limiter:  limiter,
		obs:      deps.Observability,
		forward:  &http.Client{Timeout: 30 * time.Second},
		nowFn:    time.Now,
		receipts: newReceiptEnvelopes(),
		fed:      deps.Federation,
	}
}

// SetClock overrides the router's clock; intended for tests.
func (rt *Router) SetClock(fn func() time.Time) {
	rt.nowFn = fn
}

func (rt *Router) now() time.Time {
	if rt.nowFn != nil {
		return rt.nowFn()
	}
	return time.Now()
}

// Handler assembles the full chi mux for the router process.
func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(httpmw.CORS(httpmw.CORSConfig{}))
	if rt.obs != nil {
		r.Use(rt.obs.Middleware("router"))
		r.Handle("/metrics", rt.obs.MetricsHandler())
	}

	r.Get("/health", rt.handleHealth)
	r.Get("/nodes", rt.handleNodes)
	r.Post("/register-node", rt.handleRegisterNode)
	r.Post("/manifest", rt.handleManifest)
	r.Post("/stake/commit", rt.handleStakeCommit)
	r.Post("/stake/slash", rt.handleStakeSlash)
	r.Post("/quote", rt.handleQuote)
	r.Post("/payment-receipt", rt.handlePaymentReceipt)
	r.Post("/infer", rt.handleInfer)

	rt.mountFederation(r)

	return r
}

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpmw.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (rt *Router) handleNodes(w http.ResponseWriter, r *http.Request) {
	httpmw.WriteJSON(w, http.StatusOK, map[string]any{
		"nodes":  rt.registry.All(),
		"active": rt.registry.Active(),
	})
}
