// Package scheduler implements the router's weighted candidate selection
// (spec.md §4.4): pick the single best node for a QuoteRequest from the
// active set, scoring on cost, load, and trust.
package scheduler

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"infermesh/internal/model"
	"infermesh/internal/registry"
)

// Reason enumerates the "no selection possible" outcomes from spec.md §4.4.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonNoNodes          Reason = "no-nodes"
	ReasonNoNodesAvailable Reason = "no-nodes-available"
	ReasonNoCapableNodes   Reason = "no-capable-nodes"
)

// Candidate is a scored node considered for a request.
type Candidate struct {
	Node       registry.NodeDescriptor
	Capability registry.Capability
	CostTotal  float64
	Score      float64
}

// Result is the scheduler's decision for one QuoteRequest.
type Result struct {
	Selected  *Candidate
	Reason    Reason
}

// Scheduler selects nodes and memoizes the structural candidate list (nodes
// advertising a matching capability) for a short TTL so bursts of quote
// requests for the same (modelId, jobType) don't each re-walk the whole
// active set. Per-request cost/load/trust scoring is always recomputed
// live since it depends on the caller's token estimates and the node's
// current load and trust, neither of which the cache may serve stale.
type Scheduler struct {
	reg      *registry.Registry
	topK     int
	cacheTTL time.Duration
	nowFn    func() time.Time

	mu       sync.Mutex
	cache    map[string]structuralEntry
	inflight singleflight.Group
}

type structuralEntry struct {
	at    time.Time
	nodes []structuralCandidate
}

type structuralCandidate struct {
	node registry.NodeDescriptor
	caps []registry.Capability
}

const defaultCacheTTL = time.Second

// New builds a Scheduler backed by reg, with prefiltering disabled until
// WithTopK sets a positive width.
func New(reg *registry.Registry) *Scheduler {
	return &Scheduler{
		reg:      reg,
		topK:     0,
		cacheTTL: defaultCacheTTL,
		nowFn:    time.Now,
		cache:    make(map[string]structuralEntry),
	}
}

// WithTopK sets the prefilter width (0 disables it).
func (s *Scheduler) WithTopK(k int) *Scheduler {
	s.topK = k
	return s
}

// SetClock overrides the scheduler's clock; intended for tests.
func (s *Scheduler) SetClock(fn func() time.Time) {
	s.nowFn = fn
}

// Select picks the best-scoring node for req among the active set, per
// spec.md §4.4's cost/load/trust formula:
//
//	cost  = inputRate*inputTokensEstimate + outputRate*outputTokensEstimate
//	load  = currentLoad/maxConcurrent (node ineligible if maxConcurrent<=0)
//	score = -cost - load + trust*0.01
//
// Higher score wins; ties keep the first candidate encountered (insertion
// order of the active set).
func (s *Scheduler) Select(req model.QuoteRequest) Result {
	structural := s.structuralCandidates(req.ModelID, req.JobType)
	scored := s.score(structural, req)
	if len(scored) == 0 {
		return Result{Reason: s.noSelectionReason()}
	}
	best := scored[0]
	for _, c := range scored[1:] {
		if c.Score > best.Score {
			best = c
		}
	}
	return Result{Selected: &best}
}

// SelectExcluding behaves like Select but drops any candidate whose NodeID
// appears in exclude, letting the router's at-most-one-fallback policy
// (spec.md §4.6) retry against the next-highest-scoring node.
func (s *Scheduler) SelectExcluding(req model.QuoteRequest, exclude map[string]bool) Result {
	structural := s.structuralCandidates(req.ModelID, req.JobType)
	if len(exclude) > 0 {
		filtered := make([]structuralCandidate, 0, len(structural))
		for _, c := range structural {
			if exclude[c.node.NodeID] {
				continue
			}
			filtered = append(filtered, c)
		}
		structural = filtered
	}
	scored := s.score(structural, req)
	if len(scored) == 0 {
		return Result{Reason: s.noSelectionReason()}
	}
	best := scored[0]
	for _, c := range scored[1:] {
		if c.Score > best.Score {
			best = c
		}
	}
	return Result{Selected: &best}
}

// noSelectionReason distinguishes spec.md §7's three empty-selection kinds:
// no node was ever registered (no-nodes), nodes are registered but none is
// currently active — stale heartbeat or cooldown (no-nodes-available), or
// active nodes exist but none advertises an admissible capability
// (no-capable-nodes).
func (s *Scheduler) noSelectionReason() Reason {
	if len(s.reg.All()) == 0 {
		return ReasonNoNodes
	}
	if len(s.reg.Active()) == 0 {
		return ReasonNoNodesAvailable
	}
	return ReasonNoCapableNodes
}

func (s *Scheduler) structuralCandidates(modelID, jobType string) []structuralCandidate {
	key := modelID + "|" + jobType
	s.mu.Lock()
	if cached, ok := s.cache[key]; ok && s.nowFn().Sub(cached.at) < s.cacheTTL {
		s.mu.Unlock()
		return cached.nodes
	}
	s.mu.Unlock()

	computed, _, _ := s.inflight.Do(key, func() (interface{}, error) {
		nodes := s.computeStructural(modelID, jobType)
		s.mu.Lock()
		s.cache[key] = structuralEntry{at: s.nowFn(), nodes: nodes}
		s.mu.Unlock()
		return nodes, nil
	})
	return computed.([]structuralCandidate)
}

func (s *Scheduler) computeStructural(modelID, jobType string) []structuralCandidate {
	active := s.reg.Active()
	out := make([]structuralCandidate, 0, len(active))
	for _, node := range active {
		caps := matchingCapabilities(node.Capabilities, modelID, jobType)
		if len(caps) == 0 {
			continue
		}
		out = append(out, structuralCandidate{node: node, caps: caps})
	}
	return out
}

func (s *Scheduler) score(structural []structuralCandidate, req model.QuoteRequest) []Candidate {
	in := estimateOrDefault(req.InputTokensEstimate)
	out := estimateOrDefault(req.OutputTokensEstimate)

	scored := make([]Candidate, 0, len(structural))
	if s.topK > 0 && len(structural) > s.topK {
		structural = structural[:s.topK]
	}
	minContext := in + out
	for _, c := range structural {
		cap, ok := bestCapability(c.caps, req.ModelID, minContext)
		if !ok {
			continue
		}
		load := loadFactor(c.node.Capacity)
		if load < 0 {
			continue
		}
		cost := cap.Pricing.InputRate*float64(in) + cap.Pricing.OutputRate*float64(out)
		trust := s.reg.TrustScore(c.node.NodeID)
		score := -cost - load + trust*0.01
		scored = append(scored, Candidate{
			Node:       c.node,
			Capability: cap,
			CostTotal:  cost,
			Score:      score,
		})
	}
	return scored
}

func estimateOrDefault(v int) int {
	if v <= 0 {
		return 1
	}
	return v
}

func loadFactor(cap registry.Capacity) float64 {
	if cap.MaxConcurrent <= 0 {
		return -1
	}
	return float64(cap.CurrentLoad) / float64(cap.MaxConcurrent)
}

// matchingCapabilities returns every capability on node matching modelID
// (or any capability, if modelID is "auto") and jobType (if set), without
// regard to context window — the structural (cacheable) half of admission.
func matchingCapabilities(caps []registry.Capability, modelID, jobType string) []registry.Capability {
	var out []registry.Capability
	for _, c := range caps {
		if modelID != "" && modelID != "auto" && c.ModelID != modelID {
			continue
		}
		if jobType != "" && !containsString(c.JobTypes, jobType) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// bestCapability picks the cheapest capability in caps (or the first, if
// modelID isn't "auto") whose ContextWindow admits minContext =
// inputTokensEstimate+outputTokensEstimate (spec.md §4.4): a capability
// that can't fit the estimated prompt+completion is never admissible,
// regardless of price.
func bestCapability(caps []registry.Capability, modelID string, minContext int) (registry.Capability, bool) {
	var best registry.Capability
	found := false
	for _, c := range caps {
		if c.ContextWindow < minContext {
			continue
		}
		if !found {
			best, found = c, true
			continue
		}
		if modelID == "auto" && totalRate(c) < totalRate(best) {
			best = c
		}
	}
	return best, found
}

func totalRate(c registry.Capability) float64 {
	return c.Pricing.InputRate + c.Pricing.OutputRate
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
