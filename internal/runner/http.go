package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"infermesh/internal/model"
)

// HTTP is a Runner that forwards to an external inference backend over
// plain JSON HTTP, adapted from services/payments-gateway/node_client.go's
// RPCNodeClient shape (fixed base URL, bearer auth, bounded timeout), with
// JSON-RPC envelope dropped in favor of the Runner's own request/response
// JSON contract since no RPC framing is specified for this collaborator.
type HTTP struct {
	baseURL   string
	authToken string
	http      *http.Client
	models    []ModelInfo
}

// NewHTTP builds an HTTP runner pointed at baseURL, which is expected to
// expose POST /infer, GET /models, and GET /health.
func NewHTTP(baseURL, authToken string, timeout time.Duration, models []ModelInfo) *HTTP {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTP{
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		http:      &http.Client{Timeout: timeout},
		models:    models,
	}
}

func (h *HTTP) ListModels(ctx context.Context) ([]ModelInfo, error) {
	if len(h.models) > 0 {
		return h.models, nil
	}
	var out []ModelInfo
	if err := h.call(ctx, http.MethodGet, "/models", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (h *HTTP) Infer(ctx context.Context, req model.InferenceRequest) (model.InferenceResponse, error) {
	var out model.InferenceResponse
	if err := h.call(ctx, http.MethodPost, "/infer", req, &out); err != nil {
		return model.InferenceResponse{}, err
	}
	return out, nil
}

func (h *HTTP) Estimate(ctx context.Context, req model.InferenceRequest) (Estimate, error) {
	var out struct {
		CostEstimate      *float64 `json:"costEstimate"`
		LatencyEstimateMs *int64   `json:"latencyEstimateMs"`
	}
	if err := h.call(ctx, http.MethodPost, "/estimate", req, &out); err != nil {
		return Estimate{}, err
	}
	return Estimate{CostEstimate: out.CostEstimate, LatencyEstimateMs: out.LatencyEstimateMs}, nil
}

func (h *HTTP) Health(ctx context.Context) Health {
	var out struct {
		OK     bool   `json:"ok"`
		Detail string `json:"detail"`
	}
	if err := h.call(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return Health{OK: false, Detail: err.Error()}
	}
	return Health{OK: out.OK, Detail: out.Detail}
}

func (h *HTTP) call(ctx context.Context, method, path string, payload, out interface{}) error {
	var body *bytes.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+h.authToken)
	}
	resp, err := h.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("runner %s %s failed: status=%d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
