// Package ledger implements the payment request/receipt map described in
// spec.md §4.5: issuance of a PaymentRequest per (requestId, payeeType,
// payeeId), single-use receipt acceptance, and expiry-driven
// reconciliation against missing receipts.
package ledger

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"infermesh/internal/model"
)

// entry is one outstanding or settled challenge, keyed by
// model.LedgerKey(requestId, payeeType, payeeId).
type entry struct {
	request   *model.PaymentRequest
	receipt   *model.PaymentReceipt
	createdAt time.Time
}

// ReconcileScope distinguishes the client-facing ledger from the
// cross-router federation ledger for the purposes of the reconciliation
// counter's label, per spec.md §4.5's "Federation variant".
type ReconcileScope string

const (
	ScopeClient     ReconcileScope = "client"
	ScopeFederation ReconcileScope = "federation"
)

// MissingReceiptCounter counts reconciliation passes that found an expired
// request with no matching receipt.
var MissingReceiptCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "infermesh",
	Subsystem: "ledger",
	Name:      "missing_receipt_total",
	Help:      "Expired payment requests observed during reconciliation with no receipt.",
}, []string{"scope"})

// Ledger is a single (requestId|payeeType|payeeId)-keyed map. The router
// holds one Ledger for client payments (ScopeClient) and a second,
// identically-shaped Ledger for cross-router settlement (ScopeFederation),
// per spec.md §4.5.
type Ledger struct {
	scope ReconcileScope
	nowFn func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	// usedReceipts tracks receipt identity (invoice+paymentHash) already
	// consumed for some requestId, enforcing "single-use per key; re-posting
	// the same receipt for a new requestId fails."
	usedReceipts map[string]string
}

// New builds an empty Ledger for the given scope.
func New(scope ReconcileScope) *Ledger {
	return &Ledger{
		scope:        scope,
		nowFn:        time.Now,
		entries:      make(map[string]*entry),
		usedReceipts: make(map[string]string),
	}
}

// SetClock overrides the ledger's clock; intended for tests.
func (l *Ledger) SetClock(fn func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nowFn = fn
}

// Outcome enumerates the result of an IssueOrGet call.
type Outcome int

const (
	OutcomeExisting Outcome = iota
	OutcomeIssued
)

// IssueOrGet returns the live PaymentRequest for key, synthesizing and
// storing a new one via build if none exists or the stored one has
// expired. build receives the current time so it can stamp expiresAtMs.
func (l *Ledger) IssueOrGet(key string, build func(now time.Time) model.PaymentRequest) (model.PaymentRequest, Outcome) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if e, ok := l.entries[key]; ok && e.request != nil && e.request.ExpiresAtMs > now.UnixMilli() {
		return *e.request, OutcomeExisting
	}
	req := build(now)
	l.entries[key] = &entry{request: &req, createdAt: now}
	return req, OutcomeIssued
}

// ReceiptError enumerates spec.md §4.5's receipt-acceptance failure modes.
type ReceiptError string

const (
	ErrRequestNotFound  ReceiptError = "payment-request-not-found"
	ErrAmountMismatch   ReceiptError = "payment-amount-mismatch"
	ErrInvoiceMismatch  ReceiptError = "invoice-mismatch"
	ErrReceiptReused    ReceiptError = "payment-receipt-reused"
)

// Error satisfies the error interface so callers can use errors.Is-style
// comparisons against the ReceiptError constants directly.
func (e ReceiptError) Error() string { return string(e) }

// AcceptReceipt validates and stores receipt under key, per spec.md §4.5:
// fails if no request exists, amountSats mismatches, or both sides carry
// an invoice that differs. Receipts are single-use: the same
// (invoice, paymentHash) pair cannot be accepted again for a different
// requestId.
func (l *Ledger) AcceptReceipt(key string, receipt model.PaymentReceipt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok || e.request == nil {
		return ErrRequestNotFound
	}
	if receipt.AmountSats != e.request.AmountSats {
		return ErrAmountMismatch
	}
	if receipt.Invoice != "" && e.request.Invoice != "" && receipt.Invoice != e.request.Invoice {
		return ErrInvoiceMismatch
	}
	identity := receipt.Invoice + "|" + receipt.PaymentHash
	if identity != "|" {
		if usedFor, seen := l.usedReceipts[identity]; seen && usedFor != receipt.RequestID {
			return ErrReceiptReused
		}
		l.usedReceipts[identity] = receipt.RequestID
	}
	e.receipt = &receipt
	return nil
}

// Receipt returns the stored receipt for key, if any.
func (l *Ledger) Receipt(key string) (model.PaymentReceipt, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok || e.receipt == nil {
		return model.PaymentReceipt{}, false
	}
	return *e.receipt, true
}

// Request returns the stored request for key, if any.
func (l *Ledger) Request(key string) (model.PaymentRequest, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok || e.request == nil {
		return model.PaymentRequest{}, false
	}
	return *e.request, true
}

func (l *Ledger) now() time.Time {
	if l.nowFn != nil {
		return l.nowFn()
	}
	return time.Now()
}

// Reconcile scans expired requests lacking a receipt (beyond grace) and
// bumps MissingReceiptCounter, returning the keys it flagged so the caller
// can log a warning per key. Matches spec.md §4.5's reconcilePayments.
func (l *Ledger) Reconcile(grace time.Duration) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	var flagged []string
	for key, e := range l.entries {
		if e.request == nil || e.receipt != nil {
			continue
		}
		if now.UnixMilli() < e.request.ExpiresAtMs+grace.Milliseconds() {
			continue
		}
		flagged = append(flagged, key)
		MissingReceiptCounter.WithLabelValues(string(l.scope)).Inc()
	}
	return flagged
}

// PruneExpired drops entries whose request expired more than retention ago,
// independent of whether a receipt was ever attached. Matches the
// paymentRequestRetentionMs / paymentReceiptRetentionMs configuration
// options in spec.md §6.
func (l *Ledger) PruneExpired(retention time.Duration) {
	if retention <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-retention).UnixMilli()
	for key, e := range l.entries {
		if e.request != nil && e.request.ExpiresAtMs < cutoff {
			delete(l.entries, key)
		}
	}
}
