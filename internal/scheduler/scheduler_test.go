package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"infermesh/internal/model"
	"infermesh/internal/registry"
)

func descriptor(id string, maxConcurrent, currentLoad int, inputRate, outputRate float64) registry.NodeDescriptor {
	return registry.NodeDescriptor{
		NodeID:   id,
		Endpoint: "http://" + id,
		Capacity: registry.Capacity{MaxConcurrent: maxConcurrent, CurrentLoad: currentLoad},
		Capabilities: []registry.Capability{
			{
				ModelID:       "llama-70b",
				ContextWindow: 8192,
				MaxTokens:     2048,
				Pricing: registry.Pricing{
					Unit:       registry.PerToken,
					InputRate:  inputRate,
					OutputRate: outputRate,
					Currency:   "SAT",
				},
			},
		},
	}
}

func TestSelectPicksLowerCostNodeAllElseEqual(t *testing.T) {
	reg := registry.New(nil, nil)
	reg.Upsert(descriptor("cheap", 10, 0, 1, 1))
	reg.Upsert(descriptor("pricey", 10, 0, 5, 5))

	s := New(reg)
	result := s.Select(model.QuoteRequest{ModelID: "llama-70b", InputTokensEstimate: 100, OutputTokensEstimate: 100})

	require.NotNil(t, result.Selected)
	require.Equal(t, "cheap", result.Selected.Node.NodeID)
}

func TestSelectPrefersLessLoadedNode(t *testing.T) {
	reg := registry.New(nil, nil)
	reg.Upsert(descriptor("busy", 10, 9, 1, 1))
	reg.Upsert(descriptor("idle", 10, 0, 1, 1))

	s := New(reg)
	result := s.Select(model.QuoteRequest{ModelID: "llama-70b", InputTokensEstimate: 10, OutputTokensEstimate: 10})

	require.NotNil(t, result.Selected)
	require.Equal(t, "idle", result.Selected.Node.NodeID)
}

func TestSelectExcludesNodesWithoutMaxConcurrent(t *testing.T) {
	reg := registry.New(nil, nil)
	reg.Upsert(descriptor("zero-capacity", 0, 0, 1, 1))

	s := New(reg)
	result := s.Select(model.QuoteRequest{ModelID: "llama-70b", InputTokensEstimate: 10, OutputTokensEstimate: 10})

	require.Nil(t, result.Selected)
	require.Equal(t, ReasonNoCapableNodes, result.Reason)
}

func TestSelectReportsNoNodesWhenRegistryEmpty(t *testing.T) {
	reg := registry.New(nil, nil)
	s := New(reg)
	result := s.Select(model.QuoteRequest{ModelID: "llama-70b"})

	require.Nil(t, result.Selected)
	require.Equal(t, ReasonNoNodes, result.Reason)
}

func TestSelectReportsNoNodesAvailableWhenOnlyNodeIsStale(t *testing.T) {
	reg := registry.New(nil, nil)
	base := time.Now()
	reg.SetClock(func() time.Time { return base })
	reg.Upsert(descriptor("n1", 10, 0, 1, 1))

	reg.SetClock(func() time.Time { return base.Add(registry.HeartbeatWindow + time.Second) })

	s := New(reg)
	result := s.Select(model.QuoteRequest{ModelID: "llama-70b", InputTokensEstimate: 10, OutputTokensEstimate: 10})

	require.Nil(t, result.Selected)
	require.Equal(t, ReasonNoNodesAvailable, result.Reason)
}

func TestSelectReportsNoCapableNodesWhenModelUnmatched(t *testing.T) {
	reg := registry.New(nil, nil)
	reg.Upsert(descriptor("n1", 10, 0, 1, 1))

	s := New(reg)
	result := s.Select(model.QuoteRequest{ModelID: "mistral-7b"})

	require.Nil(t, result.Selected)
	require.Equal(t, ReasonNoCapableNodes, result.Reason)
}

func TestHigherTrustBreaksCostTie(t *testing.T) {
	reg := registry.New(nil, nil)
	reg.Upsert(descriptor("a", 10, 0, 1, 1))
	reg.Upsert(descriptor("b", 10, 0, 1, 1))
	reg.ApplyManifest("b", 80, 5000)

	s := New(reg)
	result := s.Select(model.QuoteRequest{ModelID: "llama-70b", InputTokensEstimate: 10, OutputTokensEstimate: 10})

	require.NotNil(t, result.Selected)
	require.Equal(t, "b", result.Selected.Node.NodeID)
}

func TestStructuralCacheServesWithinTTLWithoutRescan(t *testing.T) {
	reg := registry.New(nil, nil)
	reg.Upsert(descriptor("n1", 10, 0, 1, 1))

	s := New(reg)
	base := time.Now()
	s.SetClock(func() time.Time { return base })

	first := s.Select(model.QuoteRequest{ModelID: "llama-70b", InputTokensEstimate: 10, OutputTokensEstimate: 10})
	require.NotNil(t, first.Selected)

	// A node registered after the first call should not appear until the
	// cache entry expires, demonstrating the structural list was cached.
	reg.Upsert(descriptor("n2", 10, 0, 0, 0))
	s.SetClock(func() time.Time { return base.Add(500 * time.Millisecond) })

	second := s.structuralCandidates("llama-70b", "")
	require.Len(t, second, 1, "cached structural candidates should not include n2 yet")

	s.SetClock(func() time.Time { return base.Add(2 * time.Second) })
	third := s.structuralCandidates("llama-70b", "")
	require.Len(t, third, 2, "cache should refresh after TTL expiry")
}

func TestTopKPrefilterLimitsScoredCandidates(t *testing.T) {
	reg := registry.New(nil, nil)
	for i := 0; i < 5; i++ {
		reg.Upsert(descriptor(string(rune('a'+i)), 10, 0, float64(i+1), float64(i+1)))
	}
	s := New(reg).WithTopK(2)
	result := s.Select(model.QuoteRequest{ModelID: "llama-70b", InputTokensEstimate: 10, OutputTokensEstimate: 10})
	require.NotNil(t, result.Selected)
}

func TestSelectRejectsCapabilityWithInsufficientContextWindow(t *testing.T) {
	reg := registry.New(nil, nil)
	tiny := descriptor("tiny-context", 10, 0, 1, 1)
	tiny.Capabilities[0].ContextWindow = 8
	reg.Upsert(tiny)

	s := New(reg)
	result := s.Select(model.QuoteRequest{ModelID: "llama-70b", InputTokensEstimate: 2048, OutputTokensEstimate: 2048})

	require.Nil(t, result.Selected)
	require.Equal(t, ReasonNoCapableNodes, result.Reason)
}

func TestSelectAdmitsCapabilityAtExactContextWindow(t *testing.T) {
	reg := registry.New(nil, nil)
	exact := descriptor("exact-context", 10, 0, 1, 1)
	exact.Capabilities[0].ContextWindow = 100
	reg.Upsert(exact)

	s := New(reg)
	result := s.Select(model.QuoteRequest{ModelID: "llama-70b", InputTokensEstimate: 60, OutputTokensEstimate: 40})

	require.NotNil(t, result.Selected)
	require.Equal(t, "exact-context", result.Selected.Node.NodeID)
}

func TestAutoModelSelectsCheapestCapability(t *testing.T) {
	reg := registry.New(nil, nil)
	reg.Upsert(descriptor("n1", 10, 0, 2, 2))
	reg.Upsert(descriptor("n2", 10, 0, 1, 1))

	s := New(reg)
	result := s.Select(model.QuoteRequest{ModelID: "auto", InputTokensEstimate: 10, OutputTokensEstimate: 10})
	require.NotNil(t, result.Selected)
	require.Equal(t, "n2", result.Selected.Node.NodeID)
}
