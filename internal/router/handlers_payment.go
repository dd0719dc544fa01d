package router

import (
	"net/http"

	"infermesh/internal/envelope"
	"infermesh/internal/httpmw"
	"infermesh/internal/ledger"
	"infermesh/internal/model"
)

// handlePaymentReceipt records a client's claim that a previously-issued
// PaymentRequest was settled, per spec.md §4.5. The receipt itself must be
// envelope-signed and pass replay/signature checks like every other
// inbound message.
func (rt *Router) handlePaymentReceipt(w http.ResponseWriter, r *http.Request) {
	body, err := httpmw.ReadBody(r, 1<<20)
	if err != nil {
		writeBodyReadError(w, err)
		return
	}
	var env envelope.Envelope[model.PaymentReceipt]
	if err := httpmw.DecodeJSON(body, &env); err != nil {
		httpmw.WriteError(w, http.StatusBadRequest, httpmw.KindInvalidJSON, err.Error())
		return
	}
	result := envelope.Validate(env, func(p model.PaymentReceipt) []string {
		var errs []string
		if p.RequestID == "" {
			errs = append(errs, "missing requestId")
		}
		if p.PayeeType == "" {
			errs = append(errs, "missing payeeType")
		}
		if p.PayeeID == "" {
			errs = append(errs, "missing payeeId")
		}
		return errs
	})
	if !result.OK {
		httpmw.WriteError(w, http.StatusBadRequest, httpmw.KindInvalidEnvelope, result.Errors)
		return
	}
	if kind := checkReplayAndSignature(rt, env); kind != "" {
		status := http.StatusBadRequest
		if kind == httpmw.KindInvalidSignature {
			status = http.StatusUnauthorized
		}
		httpmw.WriteError(w, status, kind, nil)
		return
	}

	key := model.LedgerKey(env.Payload.RequestID, env.Payload.PayeeType, env.Payload.PayeeID)
	if err := rt.clients.AcceptReceipt(key, env.Payload); err != nil {
		httpmw.WriteError(w, http.StatusBadRequest, receiptErrorKind(err), nil)
		return
	}
	rt.receipts.store(key, env)
	httpmw.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func receiptErrorKind(err error) httpmw.Kind {
	switch err {
	case ledger.ErrRequestNotFound:
		return httpmw.KindPaymentRequestNotFound
	case ledger.ErrAmountMismatch:
		return httpmw.KindPaymentAmountMismatch
	case ledger.ErrInvoiceMismatch:
		return httpmw.KindInvoiceMismatch
	case ledger.ErrReceiptReused:
		return httpmw.KindPaymentReceiptReused
	default:
		return httpmw.KindInvalidPaymentReceipt
	}
}
