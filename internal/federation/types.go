// Package federation implements the router-to-router control plane from
// spec.md §4.8: capability/status/price announcement, a single-round
// reverse auction for job placement, job submission/result relay, and a
// federation-scoped payment ledger mirroring the client-facing one.
package federation

// NodeStatus enumerates a peer router's self-reported load posture.
type NodeStatus string

const (
	StatusIdle      NodeStatus = "IDLE"
	StatusNominal   NodeStatus = "NOMINAL"
	StatusSaturated NodeStatus = "SATURATED"
)

// PriceUnit mirrors registry.PricingUnit for federation price sheets.
type PriceUnit string

const (
	PerToken    PriceUnit = "PER_TOKEN"
	Per1KTokens PriceUnit = "PER_1K_TOKENS"
	PerMB       PriceUnit = "PER_MB"
	PerSecond   PriceUnit = "PER_SECOND"
	PerJob      PriceUnit = "PER_JOB"
)

// Capabilities is one router's advertised model/job-type surface.
type Capabilities struct {
	RouterID string   `json:"routerId"`
	ModelIDs []string `json:"modelIds"`
	JobTypes []string `json:"jobTypes"`
}

// Status is one router's current load posture.
type Status struct {
	RouterID string     `json:"routerId"`
	State    NodeStatus `json:"state"`
}

// PriceSheet is one router's per-job-type pricing.
type PriceSheet struct {
	RouterID       string    `json:"routerId"`
	JobType        string    `json:"jobType"`
	BasePriceMsat  int64     `json:"basePriceMsat"`
	Unit           PriceUnit `json:"unit"`
	SurgeMultiplier float64  `json:"surgeMultiplier"`
}

// RFB ("request for bid") solicits job placement bids from peers.
type RFB struct {
	JobID         string  `json:"jobId"`
	JobHash       string  `json:"jobHash"`
	JobType       string  `json:"jobType"`
	ModelID       string  `json:"modelId"`
	Units         float64 `json:"units"`
	MaxPriceMsat  int64   `json:"maxPriceMsat"`
	PrivacyLevel  int     `json:"privacyLevel"`
}

// Bid is a peer's response to an RFB.
type Bid struct {
	JobID      string `json:"jobId"`
	BidHash    string `json:"bidHash"`
	RouterID   string `json:"routerId"`
	PriceMsat  int64  `json:"priceMsat"`
}

// Award is the signed acceptance of the cheapest bid for a job.
type Award struct {
	JobID    string `json:"jobId"`
	RouterID string `json:"routerId"`
	BidHash  string `json:"bidHash"`
}

// JobSubmit records an inbound job placed with this router by a peer.
type JobSubmit struct {
	JobID    string `json:"jobId"`
	FromID   string `json:"fromId"`
	ModelID  string `json:"modelId"`
	JobType  string `json:"jobType"`
	Prompt   string `json:"prompt"`
	MaxTokens int   `json:"maxTokens"`
}

// WorkerReceipt is the nested proof-of-work a job result carries.
type WorkerReceipt struct {
	NodeID      string `json:"nodeId"`
	PromptHash  string `json:"promptHash"`
	InputTokens int    `json:"inputTokens"`
	OutputTokens int   `json:"outputTokens"`
}

// JobResult is the outcome of a previously submitted job.
type JobResult struct {
	JobID   string        `json:"jobId"`
	Output  string        `json:"output"`
	Receipt WorkerReceipt `json:"receipt"`
}

// JobState is a federation job's state machine position, per spec.md §4.8:
// SUBMITTED -> RESULTED -> PAYMENT_REQUESTED -> SETTLED | FAILED.
type JobState string

const (
	JobSubmitted        JobState = "SUBMITTED"
	JobResulted         JobState = "RESULTED"
	JobPaymentRequested JobState = "PAYMENT_REQUESTED"
	JobSettled          JobState = "SETTLED"
	JobFailed           JobState = "FAILED"
)

// Job is the router's tracked record for one federation job.
type Job struct {
	JobID     string
	State     JobState
	Submit    JobSubmit
	Result    *JobResult
	UpdatedAtMs int64
}
