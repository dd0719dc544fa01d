package httpmw

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"infermesh/observability/logging"
)

// ObservabilityConfig configures tracing/metrics middleware, adapted from
// gateway/middleware/observability.go's ObservabilityConfig.
type ObservabilityConfig struct {
	ServiceName   string
	MetricsPrefix string
	LogRequests   bool
	Enabled       bool
}

// Observability wraps routes with OpenTelemetry tracing and Prometheus
// request-count/duration metrics, grounded on
// gateway/middleware/observability.go, with the teacher's stdlib *log.Logger
// swapped for log/slog to match this module's structured logging stack.
type Observability struct {
	cfg       ObservabilityConfig
	logger    *slog.Logger
	tracer    trace.Tracer
	requests  *prometheus.CounterVec
	durations *prometheus.HistogramVec
	registry  *prometheus.Registry
}

// NewObservability builds an Observability instance registered against its
// own private prometheus.Registry.
func NewObservability(cfg ObservabilityConfig, logger *slog.Logger) *Observability {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "infermesh"
	}
	if cfg.MetricsPrefix == "" {
		cfg.MetricsPrefix = "infermesh"
	}
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.MetricsPrefix,
		Name:      "requests_total",
		Help:      "Total HTTP requests processed.",
	}, []string{"route", "method", "status"})
	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.MetricsPrefix,
		Name:      "request_duration_seconds",
		Help:      "Duration of HTTP requests in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method"})
	registry.MustRegister(requests, durations)
	tracer := otel.Tracer(cfg.ServiceName)
	return &Observability{
		cfg:       cfg,
		logger:    logger,
		tracer:    tracer,
		requests:  requests,
		durations: durations,
		registry:  registry,
	}
}

// Registry exposes the private prometheus.Registry so callers can register
// additional domain metric vectors (node_failures_total, missing_receipt_total,
// and so on) alongside the HTTP-layer ones.
func (o *Observability) Registry() *prometheus.Registry {
	return o.registry
}

// Middleware wraps next, recording a span and metrics labeled by route.
func (o *Observability) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !o.cfg.Enabled {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			ctx, span := o.tracer.Start(r.Context(), route, trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
			))
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r.WithContext(ctx))
			span.SetAttributes(attribute.Int("http.status_code", recorder.status))
			span.End()
			duration := time.Since(start).Seconds()
			o.requests.WithLabelValues(route, r.Method, http.StatusText(recorder.status)).Inc()
			o.durations.WithLabelValues(route, r.Method).Observe(duration)
			if o.cfg.LogRequests {
				o.logger.Info("request", "method", r.Method, "path", r.URL.Path, "status", recorder.status, "duration_ms", duration*1000)
			}
			if recorder.status >= http.StatusBadRequest {
				o.logErrorBody(route, recorder.status, recorder.body)
			}
		})
	}
}

// MetricsHandler serves the registry in Prometheus exposition format for
// GET /metrics.
func (o *Observability) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(o.registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	body   []byte
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Write captures a bounded prefix of the response body so the middleware can
// log the error kind on failure responses without holding arbitrarily large
// bodies in memory.
func (s *statusRecorder) Write(p []byte) (int, error) {
	const maxCaptured = 4 << 10
	if len(s.body) < maxCaptured {
		remaining := maxCaptured - len(s.body)
		if remaining > len(p) {
			remaining = len(p)
		}
		s.body = append(s.body, p[:remaining]...)
	}
	return s.ResponseWriter.Write(p)
}

// logErrorBody logs a non-2xx response's error kind, routing the
// caller-supplied "details" field through logging.MaskField so raw request
// fragments (prompts, invoices, signatures) surfaced in error details never
// reach the log verbatim.
func (o *Observability) logErrorBody(route string, status int, body []byte) {
	var parsed ErrorBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return
	}
	details := ""
	if parsed.Details != nil {
		if b, err := json.Marshal(parsed.Details); err == nil {
			details = string(b)
		}
	}
	o.logger.Warn("request failed", "route", route, "status", status,
		slog.String("error", string(parsed.Error)),
		logging.MaskField("details", details),
	)
}
