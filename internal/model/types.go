// Package model holds the shared wire data shapes from spec.md §3: requests,
// responses, metering, quotes, and payment objects. These are plain structs
// with JSON tags; they are carried as envelope payloads by the router, node,
// and federation packages.
package model

// InferenceRequest is a client's request for a completion.
type InferenceRequest struct {
	RequestID       string                     `json:"requestId"`
	ModelID         string                     `json:"modelId"`
	Prompt          string                     `json:"prompt"`
	MaxTokens       int                        `json:"maxTokens"`
	Temperature     *float64                   `json:"temperature,omitempty"`
	TopP            *float64                   `json:"topP,omitempty"`
	JobType         string                     `json:"jobType,omitempty"`
	PaymentReceipts []SignedPaymentReceipt      `json:"paymentReceipts,omitempty"`
}

// Usage reports token counts for a completed inference call.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// InferenceResponse is a node's completed inference result.
type InferenceResponse struct {
	RequestID string `json:"requestId"`
	ModelID   string `json:"modelId"`
	Output    string `json:"output"`
	Usage     Usage  `json:"usage"`
	LatencyMs int64  `json:"latencyMs"`
}

// MeteringRecord is the node's signed accounting of one inference call.
type MeteringRecord struct {
	RequestID   string `json:"requestId"`
	NodeID      string `json:"nodeId"`
	ModelID     string `json:"modelId"`
	PromptHash  string `json:"promptHash"`
	InputTokens int    `json:"inputTokens"`
	OutputTokens int   `json:"outputTokens"`
	WallTimeMs  int64  `json:"wallTimeMs"`
	BytesIn     int    `json:"bytesIn"`
	BytesOut    int    `json:"bytesOut"`
	Ts          int64  `json:"ts"`
}

// QuoteRequest asks the router to price and select a node without
// committing to forwarding the request.
type QuoteRequest struct {
	RequestID   string   `json:"requestId"`
	ModelID     string   `json:"modelId"`
	JobType     string   `json:"jobType,omitempty"`
	MaxTokens   int      `json:"maxTokens"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"topP,omitempty"`
	// InputTokensEstimate/OutputTokensEstimate drive scheduler cost scoring
	// when the caller cannot supply a literal prompt (pure pricing query).
	InputTokensEstimate  int `json:"inputTokensEstimate,omitempty"`
	OutputTokensEstimate int `json:"outputTokensEstimate,omitempty"`
}

// Price is a total cost quote in a given currency.
type Price struct {
	Total    float64 `json:"total"`
	Currency string  `json:"currency"`
}

// QuoteResponse is the router's signed answer to a QuoteRequest.
type QuoteResponse struct {
	RequestID         string `json:"requestId"`
	NodeID            string `json:"nodeId"`
	Price             Price  `json:"price"`
	LatencyEstimateMs int64  `json:"latencyEstimateMs"`
	ExpiresAtMs       int64  `json:"expiresAtMs"`
}

// PaymentSplit describes one portion of a multi-payee settlement.
type PaymentSplit struct {
	PayeeType  string  `json:"payeeType"`
	PayeeID    string  `json:"payeeId"`
	AmountSats int64   `json:"amountSats"`
	Role       string  `json:"role,omitempty"`
}

// PaymentRequest is a payment challenge issued by the router or a peer
// router for a specific payee.
type PaymentRequest struct {
	RequestID   string         `json:"requestId"`
	PayeeType   string         `json:"payeeType"` // "node" | "router"
	PayeeID     string         `json:"payeeId"`
	AmountSats  int64          `json:"amountSats"`
	Invoice     string         `json:"invoice"`
	ExpiresAtMs int64          `json:"expiresAtMs"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Splits      []PaymentSplit `json:"splits,omitempty"`
}

// PaymentReceipt is a client's claim that a PaymentRequest was settled.
type PaymentReceipt struct {
	RequestID    string `json:"requestId"`
	PayeeType    string `json:"payeeType"`
	PayeeID      string `json:"payeeId"`
	AmountSats   int64  `json:"amountSats"`
	PaidAtMs     int64  `json:"paidAtMs"`
	Invoice      string `json:"invoice,omitempty"`
	PaymentHash  string `json:"paymentHash,omitempty"`
	Preimage     string `json:"preimage,omitempty"`
}

// SignedPaymentReceipt is the envelope-wrapped shape embedded inside an
// InferenceRequest's paymentReceipts list. It is declared as a concrete
// struct (rather than a generic Envelope[PaymentReceipt] field) so that
// InferenceRequest itself stays a plain JSON-serializable struct usable
// both as a bare payload and nested inside its own envelope.
type SignedPaymentReceipt struct {
	Payload PaymentReceipt `json:"payload"`
	Nonce   string         `json:"nonce"`
	Ts      int64          `json:"ts"`
	KeyID   string         `json:"keyId"`
	Sig     string         `json:"sig"`
}

// Manifest is a node's self-signed capability/trust manifest, admitted
// against the router's relay-discovery policy before it can influence
// TrustScore (spec.md §4.3/§4.6 "POST /manifest").
type Manifest struct {
	NodeID         string  `json:"nodeId"`
	BandScore      float64 `json:"bandScore"`
	CommittedUnits float64 `json:"committedUnits"`
	SnapshotAtMs   int64   `json:"snapshotAtMs"`
}

// StakeEntry is a signed accounting entry for /stake/commit or
// /stake/slash.
type StakeEntry struct {
	NodeID      string  `json:"nodeId"`
	AmountUnits float64 `json:"amountUnits"`
	Reason      string  `json:"reason,omitempty"`
}

// LedgerKey is the ledger map key from spec.md §4.5:
// "requestId|payeeType|payeeId".
func LedgerKey(requestID, payeeType, payeeID string) string {
	return requestID + "|" + payeeType + "|" + payeeID
}
