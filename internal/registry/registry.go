package registry

import (
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// HeartbeatWindow is W_heartbeat from spec.md §4.3.
	HeartbeatWindow = 30 * time.Second
	// FailureThreshold is F_threshold from spec.md §3.
	FailureThreshold = 3
	// CooldownBase and CooldownCap parameterize the cooldown backoff formula.
	CooldownBase = 5 * time.Second
	CooldownCap  = 12

	// manifestDecaySamples is the tunable constant from the trust formula's
	// decay = max(0, 1 - total/20) term (spec.md §4.3, Open Question c).
	manifestDecaySamples = 20
)

// FailureGauge is the failure-count metric tagged by nodeId, per spec.md
// §4.3's "Emit a failure metric tagged by nodeId."
var FailureGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "infermesh",
	Subsystem: "router",
	Name:      "node_failures_total",
	Help:      "Consecutive and cumulative failure counters per node.",
}, []string{"node_id", "kind"})

// Registry owns the router's in-memory node maps. Per spec.md §3, the
// router process exclusively owns these; a single mutex serializes
// heartbeat arrival and selection reads so a newly arrived heartbeat is
// never observed partially-applied.
type Registry struct {
	mu      sync.RWMutex
	nodes   map[string]NodeDescriptor
	order   []string
	health  map[string]*NodeHealth
	blocked map[string]struct{}
	muted   map[string]struct{}
	nowFn   func() time.Time
}

// New builds an empty registry. blockList/muteList are the keys IsBlocked
// reports on; the /register-node handler does not consult them.
func New(blockList, muteList []string) *Registry {
	r := &Registry{
		nodes:   make(map[string]NodeDescriptor),
		health:  make(map[string]*NodeHealth),
		blocked: toSet(blockList),
		muted:   toSet(muteList),
		nowFn:   time.Now,
	}
	return r
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

// IsBlocked reports whether keyId is on the registry's block/mute list.
func (r *Registry) IsBlocked(keyID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, blocked := r.blocked[keyID]
	_, muted := r.muted[keyID]
	return blocked || muted
}

// Upsert records or updates a node descriptor: last writer wins for a given
// nodeId, and LastHeartbeatMs is always stamped to now on acceptance.
func (r *Registry) Upsert(desc NodeDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	desc.LastHeartbeatMs = r.now().UnixMilli()
	if _, exists := r.nodes[desc.NodeID]; !exists {
		r.order = append(r.order, desc.NodeID)
	}
	r.nodes[desc.NodeID] = desc
	if _, ok := r.health[desc.NodeID]; !ok {
		r.health[desc.NodeID] = &NodeHealth{}
	}
}

// ApplyManifest records self-reported capability-band inputs to the trust
// formula for nodeId (spec.md §4.3).
func (r *Registry) ApplyManifest(nodeID string, bandScore, committedUnits float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.healthLocked(nodeID)
	h.ManifestScore = bandScore
	h.CommittedUnits = committedUnits
}

// AdjustStake adds delta (positive for a commit, negative for a slash) to
// nodeId's committed-stake trust input, independent of the manifest
// band score /manifest sets. Used by /stake/commit and /stake/slash.
func (r *Registry) AdjustStake(nodeID string, delta float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.healthLocked(nodeID)
	h.CommittedUnits += delta
	if h.CommittedUnits < 0 {
		h.CommittedUnits = 0
	}
}

// Get returns a snapshot of the descriptor for nodeId.
func (r *Registry) Get(nodeID string) (NodeDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.nodes[nodeID]
	return d, ok
}

// Health returns a snapshot of the health record for nodeId.
func (r *Registry) Health(nodeID string) NodeHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.health[nodeID]
	if !ok {
		return NodeHealth{}
	}
	return *h
}

// All returns a snapshot of every registered node descriptor, in
// registration order.
func (r *Registry) All() []NodeDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]NodeDescriptor, 0, len(r.order))
	for _, id := range r.order {
		if d, ok := r.nodes[id]; ok {
			out = append(out, d)
		}
	}
	return out
}

// Active returns the subset of registered nodes that are heartbeat-fresh
// and not in cooldown, per spec.md §4.3's filterActive definition. Nodes
// are walked in registration order (r.order) rather than map iteration so
// the scheduler's documented "ties broken by insertion order" tie-break
// (spec.md §4.4) is actually deterministic.
func (r *Registry) Active() []NodeDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.now()
	cutoff := now.Add(-HeartbeatWindow).UnixMilli()
	out := make([]NodeDescriptor, 0, len(r.order))
	for _, id := range r.order {
		d, ok := r.nodes[id]
		if !ok {
			continue
		}
		if d.LastHeartbeatMs < cutoff {
			continue
		}
		h := r.health[d.NodeID]
		if h != nil && h.CooldownUntilMs > now.UnixMilli() {
			continue
		}
		out = append(out, d)
	}
	return out
}

// MarkFailure increments the failure counters for nodeId and, once the
// consecutive-failure threshold is crossed, sets a cooldown window whose
// length scales with how far past the threshold the streak has gone.
func (r *Registry) MarkFailure(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.healthLocked(nodeID)
	now := r.now()
	h.Failures++
	h.ConsecutiveFailures++
	h.LastFailureMs = now.UnixMilli()
	if h.ConsecutiveFailures >= FailureThreshold {
		over := h.ConsecutiveFailures - FailureThreshold + 1
		multiplier := over
		if multiplier > CooldownCap {
			multiplier = CooldownCap
		}
		h.CooldownUntilMs = now.Add(CooldownBase * time.Duration(multiplier)).UnixMilli()
	}
	FailureGauge.WithLabelValues(nodeID, "consecutive").Set(float64(h.ConsecutiveFailures))
	FailureGauge.WithLabelValues(nodeID, "total").Set(float64(h.Failures))
}

// RecordSuccess resets the consecutive-failure streak, clears cooldown, and
// increments the success counter.
func (r *Registry) RecordSuccess(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.healthLocked(nodeID)
	h.Successes++
	h.ConsecutiveFailures = 0
	h.CooldownUntilMs = 0
	h.LastSuccessMs = r.now().UnixMilli()
	FailureGauge.WithLabelValues(nodeID, "consecutive").Set(0)
}

func (r *Registry) healthLocked(nodeID string) *NodeHealth {
	h, ok := r.health[nodeID]
	if !ok {
		h = &NodeHealth{}
		r.health[nodeID] = h
	}
	return h
}

func (r *Registry) now() time.Time {
	if r.nowFn != nil {
		return r.nowFn()
	}
	return time.Now()
}

// SetClock overrides the registry's clock; intended for tests.
func (r *Registry) SetClock(fn func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nowFn = fn
}

// PruneStale removes node descriptors and health records that have been
// inactive for longer than retention, per the *RetentionMs configuration
// options in spec.md §6.
func (r *Registry) PruneStale(nodeRetention, healthRetention, cooldownRetention time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if nodeRetention > 0 {
		cutoff := now.Add(-nodeRetention).UnixMilli()
		for id, d := range r.nodes {
			if d.LastHeartbeatMs < cutoff {
				delete(r.nodes, id)
			}
		}
		if len(r.order) > 0 {
			kept := r.order[:0:0]
			for _, id := range r.order {
				if _, ok := r.nodes[id]; ok {
					kept = append(kept, id)
				}
			}
			r.order = kept
		}
	}
	if healthRetention > 0 {
		cutoff := now.Add(-healthRetention).UnixMilli()
		for id, h := range r.health {
			if _, stillRegistered := r.nodes[id]; stillRegistered {
				continue
			}
			if h.LastSuccessMs < cutoff && h.LastFailureMs < cutoff {
				delete(r.health, id)
			}
		}
	}
	_ = cooldownRetention // cooldown windows self-expire via CooldownUntilMs comparisons
}

// TrustScore computes spec.md §4.3's blended trust score for nodeId,
// clamped to [0, 100].
func (r *Registry) TrustScore(nodeID string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.health[nodeID]
	if !ok {
		return baseTrust
	}
	return trustScore(*h)
}

const baseTrust = 50.0

func trustScore(h NodeHealth) float64 {
	total := h.Total()
	decay := math.Max(0, 1-float64(total)/manifestDecaySamples)
	manifestContribution := h.ManifestScore * decay
	stakeScore := math.Min(20, h.CommittedUnits/100)

	var performanceBonus float64
	if total >= 10 {
		performanceBonus = clamp(math.Round((h.SuccessRate()-0.9)*100), -10, 10)
	}

	var reliabilityPenalty float64
	if total >= 5 {
		reliabilityPenalty = (1 - h.SuccessRate()) * 30
	}
	streakPenalty := float64(h.ConsecutiveFailures) * 5
	failurePenalty := math.Min(30, reliabilityPenalty+streakPenalty)

	raw := baseTrust + manifestContribution + stakeScore + performanceBonus - failurePenalty
	return clamp(raw, 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
