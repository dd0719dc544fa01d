// Package runner defines the node's inference backend collaborator
// interface (spec.md §6's "Runner collaborator") and ships a mock
// implementation used by tests and local development.
package runner

import (
	"context"
	"time"

	"infermesh/internal/model"
)

// ModelInfo describes one model a Runner can serve.
type ModelInfo struct {
	ModelID       string `json:"modelId"`
	ContextWindow int    `json:"contextWindow"`
	MaxTokens     int    `json:"maxTokens"`
}

// Estimate is the Runner's best-effort pricing/latency guess for a request
// it has not yet executed.
type Estimate struct {
	CostEstimate      *float64
	LatencyEstimateMs *int64
}

// Health is the Runner's self-reported liveness.
type Health struct {
	OK     bool
	Detail string
}

// StreamDelta is one chunk of a streaming inference response.
type StreamDelta struct {
	Delta string
	Done  bool
}

// Runner is the node's inference backend, per spec.md §6:
// listModels/infer/estimate/health, with an optional inferStream.
type Runner interface {
	ListModels(ctx context.Context) ([]ModelInfo, error)
	Infer(ctx context.Context, req model.InferenceRequest) (model.InferenceResponse, error)
	Estimate(ctx context.Context, req model.InferenceRequest) (Estimate, error)
	Health(ctx context.Context) Health
}

// StreamingRunner is implemented by runners that can additionally stream
// partial output. Not every Runner supports it; callers type-assert.
type StreamingRunner interface {
	Runner
	InferStream(ctx context.Context, req model.InferenceRequest) (<-chan StreamDelta, error)
}

// Mock is a deterministic Runner for tests and local development: it
// echoes the prompt back as output (or OutputFn's result, when set),
// reports a quarter of the prompt and output lengths as token counts, and
// sleeps Latency, when set, to exercise timeout handling.
type Mock struct {
	Models  []ModelInfo
	Latency time.Duration
	OutputFn func(prompt string) string
}

// NewMock builds a Mock serving a single model with no artificial latency.
func NewMock(modelID string) *Mock {
	return &Mock{
		Models: []ModelInfo{{ModelID: modelID, ContextWindow: 8192, MaxTokens: 2048}},
	}
}

func (m *Mock) ListModels(ctx context.Context) ([]ModelInfo, error) {
	return m.Models, nil
}

func (m *Mock) Infer(ctx context.Context, req model.InferenceRequest) (model.InferenceResponse, error) {
	if m.Latency > 0 {
		select {
		case <-ctx.Done():
			return model.InferenceResponse{}, ctx.Err()
		case <-time.After(m.Latency):
		}
	}
	output := req.Prompt
	if m.OutputFn != nil {
		output = m.OutputFn(req.Prompt)
	}
	return model.InferenceResponse{
		RequestID: req.RequestID,
		ModelID:   req.ModelID,
		Output:    output,
		Usage: model.Usage{
			InputTokens:  len(req.Prompt) / 4,
			OutputTokens: len(output) / 4,
		},
	}, nil
}

func (m *Mock) Estimate(ctx context.Context, req model.InferenceRequest) (Estimate, error) {
	latency := int64(m.Latency / time.Millisecond)
	return Estimate{LatencyEstimateMs: &latency}, nil
}

func (m *Mock) Health(ctx context.Context) Health {
	return Health{OK: true}
}
