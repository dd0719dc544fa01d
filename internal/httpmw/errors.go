package httpmw

import (
	"encoding/json"
	"net/http"
)

// Kind is a stable error identifier from spec.md §7, returned verbatim in
// error response bodies.
type Kind string

const (
	KindEmptyBody       Kind = "empty-body"
	KindPayloadTooLarge Kind = "payload-too-large"
	KindInvalidJSON     Kind = "invalid-json"
	KindInvalidEnvelope Kind = "invalid-envelope"
	KindInvalidKeyID    Kind = "invalid-key-id"

	KindInvalidSignature   Kind = "invalid-signature"
	KindRouterKeyMismatch  Kind = "router-key-id-mismatch"
	KindActorKeyMismatch   Kind = "actor-key-mismatch"
	KindKeyIDMismatch      Kind = "key-id-mismatch"

	KindRouterBlocked    Kind = "router-blocked"
	KindRouterMuted      Kind = "router-muted"
	KindRouterNotFollowed Kind = "router-not-followed"
	KindRouterNotAllowed Kind = "router-not-allowed"
	KindClientBlocked    Kind = "client-blocked"
	KindClientMuted      Kind = "client-muted"
	KindClientNotAllowed Kind = "client-not-allowed"
	KindPromptTooLarge   Kind = "prompt-too-large"
	KindMaxTokensExceeded Kind = "max-tokens-exceeded"
	KindCapacityExhausted Kind = "capacity-exhausted"
	KindRateLimited      Kind = "rate-limited"

	KindNonceDuplicate Kind = "nonce-duplicate"
	KindTimestampSkew  Kind = "ts-skew"

	KindPaymentRequired             Kind = "payment-required"
	KindInvalidPaymentReceipt       Kind = "invalid-payment-receipt"
	KindInvalidPaymentReceiptSig    Kind = "invalid-payment-receipt-signature"
	KindPaymentAmountInvalid        Kind = "payment-amount-invalid"
	KindPaymentRequestMismatch      Kind = "payment-request-mismatch"
	KindPaymentRequestNotFound      Kind = "payment-request-not-found"
	KindPaymentAmountMismatch       Kind = "payment-amount-mismatch"
	KindInvoiceMismatch             Kind = "invoice-mismatch"
	KindPreimageRequired            Kind = "preimage-required"
	KindPaymentProofMissing         Kind = "payment-proof-missing"
	KindPaymentVerifyFailed         Kind = "payment-verify-failed"
	KindNotPaid                     Kind = "not-paid"
	KindPaymentReceiptReused        Kind = "payment-receipt-reused"
	KindInvoiceProviderNotConfigured Kind = "invoice-provider-not-configured"
	KindInvoiceProviderFailed       Kind = "invoice-provider-failed"
	KindInvoiceMissing             Kind = "invoice-missing"

	KindNoNodes          Kind = "no-nodes"
	KindNoNodesAvailable Kind = "no-nodes-available"
	KindNoCapableNodes   Kind = "no-capable-nodes"

	KindNodeError                    Kind = "node-error"
	KindInvalidNodeResponse          Kind = "invalid-node-response"
	KindInvalidMetering              Kind = "invalid-metering"
	KindNodeResponseSignatureInvalid Kind = "node-response-signature-invalid"
	KindNodeMeteringSignatureInvalid Kind = "node-metering-signature-invalid"
	KindRunnerTimeout                Kind = "runner-timeout"
	KindRouterPublicKeyMissing       Kind = "router-public-key-missing"
	KindWorkerError                  Kind = "worker-error"
)

// ErrorBody is the shape spec.md §6 mandates for every non-2xx body:
// {error: <kind>, details?: any}.
type ErrorBody struct {
	Error   Kind `json:"error"`
	Details any  `json:"details,omitempty"`
}

// WriteError writes status with body {error: kind, details}.
func WriteError(w http.ResponseWriter, status int, kind Kind, details any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorBody{Error: kind, Details: details})
}

// WriteJSON writes status with v JSON-encoded as the body.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
