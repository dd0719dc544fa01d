package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"infermesh/internal/envelope"
	"infermesh/internal/federation"
	"infermesh/internal/httpmw"
	"infermesh/internal/model"
)

// mountFederation wires the federation control-plane routes from spec.md
// §4.8. When federation is disabled (no collaborator configured), no
// federation route is registered and each one 404s via chi's default handling, so
// router.go can unconditionally call this without a nil check at the call
// site.
func (rt *Router) mountFederation(r chi.Router) {
	if rt.fed == nil {
		return
	}
	r.Post("/federation/caps", rt.handleFedCaps)
	r.Post("/federation/status", rt.handleFedStatus)
	r.Post("/federation/price", rt.handleFedPrice)
	r.Post("/federation/rfb", rt.handleFedRFB)
	r.Post("/federation/award", rt.handleFedAward)
	r.Post("/federation/job-submit", rt.handleFedJobSubmit)
	r.Post("/federation/job-result", rt.handleFedJobResult)
	r.Post("/federation/payment-request", rt.handleFedPaymentRequest)
	r.Post("/federation/payment-receipt", rt.handleFedPaymentReceipt)
	r.Get("/federation/self/caps", rt.handleFedSelfCaps)
	r.Get("/federation/self/status", rt.handleFedSelfStatus)
	r.Get("/federation/self/price", rt.handleFedSelfPrice)
}

// decodeFedMessage reads, decodes, structurally validates, and
// signature/replay-checks an inbound federation envelope, writing an error
// response and returning ok=false on any failure.
func decodeFedMessage[T any](rt *Router, w http.ResponseWriter, r *http.Request, messageType string) (envelope.Envelope[T], bool) {
	body, err := httpmw.ReadBody(r, 1<<20)
	if err != nil {
		writeBodyReadError(w, err)
		return envelope.Envelope[T]{}, false
	}
	var env envelope.Envelope[T]
	if err := httpmw.DecodeJSON(body, &env); err != nil {
		httpmw.WriteError(w, http.StatusBadRequest, httpmw.KindInvalidJSON, err.Error())
		return env, false
	}
	result := envelope.Validate(env, nil)
	if !result.OK {
		httpmw.WriteError(w, http.StatusBadRequest, httpmw.KindInvalidEnvelope, result.Errors)
		return env, false
	}
	if !rt.fed.AllowInbound(env.KeyID, messageType) {
		httpmw.WriteError(w, http.StatusTooManyRequests, httpmw.KindRateLimited, nil)
		return env, false
	}
	if kind := checkReplayAndSignature(rt, env); kind != "" {
		status := http.StatusBadRequest
		if kind == httpmw.KindInvalidSignature {
			status = http.StatusUnauthorized
		}
		httpmw.WriteError(w, status, kind, nil)
		return env, false
	}
	return env, true
}

func (rt *Router) handleFedCaps(w http.ResponseWriter, r *http.Request) {
	env, ok := decodeFedMessage[federation.Capabilities](rt, w, r, "caps")
	if !ok {
		return
	}
	rt.fed.RecordPeerCaps(env.Payload)
	httpmw.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (rt *Router) handleFedStatus(w http.ResponseWriter, r *http.Request) {
	env, ok := decodeFedMessage[federation.Status](rt, w, r, "status")
	if !ok {
		return
	}
	rt.fed.RecordPeerStatus(env.Payload)
	httpmw.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (rt *Router) handleFedPrice(w http.ResponseWriter, r *http.Request) {
	env, ok := decodeFedMessage[federation.PriceSheet](rt, w, r, "price")
	if !ok {
		return
	}
	rt.fed.RecordPeerPrice(env.Payload)
	httpmw.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (rt *Router) handleFedRFB(w http.ResponseWriter, r *http.Request) {
	env, ok := decodeFedMessage[federation.RFB](rt, w, r, "rfb")
	if !ok {
		return
	}
	bid, accepted := rt.fed.RespondToBid(env.Payload)
	if !accepted {
		httpmw.WriteError(w, http.StatusOK, "", map[string]bool{"bid": false})
		return
	}
	signed, err := signEnvelope(rt, bid)
	if err != nil {
		httpmw.WriteError(w, http.StatusInternalServerError, httpmw.KindWorkerError, err.Error())
		return
	}
	httpmw.WriteJSON(w, http.StatusOK, signed)
}

func (rt *Router) handleFedAward(w http.ResponseWriter, r *http.Request) {
	_, ok := decodeFedMessage[federation.Award](rt, w, r, "award")
	if !ok {
		return
	}
	httpmw.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (rt *Router) handleFedJobSubmit(w http.ResponseWriter, r *http.Request) {
	env, ok := decodeFedMessage[federation.JobSubmit](rt, w, r, "job-submit")
	if !ok {
		return
	}
	rt.fed.SubmitJob(env.Payload)
	httpmw.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (rt *Router) handleFedJobResult(w http.ResponseWriter, r *http.Request) {
	env, ok := decodeFedMessage[federation.JobResult](rt, w, r, "job-result")
	if !ok {
		return
	}
	if !rt.fed.RecordResult(env.Payload) {
		httpmw.WriteError(w, http.StatusBadRequest, httpmw.KindInvalidEnvelope, "job not in SUBMITTED state")
		return
	}
	httpmw.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// fedPaymentRequestArgs is the payload shape for /federation/payment-request:
// a job id and the amount to charge the settling client.
type fedPaymentRequestArgs struct {
	JobID      string `json:"jobId"`
	AmountSats int64  `json:"amountSats"`
}

func (rt *Router) handleFedPaymentRequest(w http.ResponseWriter, r *http.Request) {
	env, ok := decodeFedMessage[fedPaymentRequestArgs](rt, w, r, "payment-request")
	if !ok {
		return
	}
	paymentReq, found := rt.fed.RequestPayment(env.Payload.JobID, env.Payload.AmountSats)
	if !found {
		httpmw.WriteError(w, http.StatusBadRequest, httpmw.KindInvalidEnvelope, "job not in RESULTED state")
		return
	}
	signed, err := signEnvelope(rt, paymentReq)
	if err != nil {
		httpmw.WriteError(w, http.StatusInternalServerError, httpmw.KindWorkerError, err.Error())
		return
	}
	httpmw.WriteJSON(w, http.StatusOK, signed)
}

// fedPaymentReceiptArgs wraps a settling client's receipt with the job and
// payee ids it is clearing.
type fedPaymentReceiptArgs struct {
	JobID   string               `json:"jobId"`
	PayeeID string               `json:"payeeId"`
	Receipt model.PaymentReceipt `json:"receipt"`
}

func (rt *Router) handleFedPaymentReceipt(w http.ResponseWriter, r *http.Request) {
	env, ok := decodeFedMessage[fedPaymentReceiptArgs](rt, w, r, "payment-receipt")
	if !ok {
		return
	}
	if err := rt.fed.RecordPaymentReceipt(env.Payload.JobID, env.Payload.PayeeID, env.Payload.Receipt); err != nil {
		httpmw.WriteError(w, http.StatusBadRequest, receiptErrorKind(err), nil)
		return
	}
	httpmw.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (rt *Router) handleFedSelfCaps(w http.ResponseWriter, r *http.Request) {
	caps, _, _ := rt.fed.LocalSnapshot()
	signed, err := signEnvelope(rt, caps)
	if err != nil {
		httpmw.WriteError(w, http.StatusInternalServerError, httpmw.KindWorkerError, err.Error())
		return
	}
	httpmw.WriteJSON(w, http.StatusOK, signed)
}

func (rt *Router) handleFedSelfStatus(w http.ResponseWriter, r *http.Request) {
	_, status, _ := rt.fed.LocalSnapshot()
	signed, err := signEnvelope(rt, status)
	if err != nil {
		httpmw.WriteError(w, http.StatusInternalServerError, httpmw.KindWorkerError, err.Error())
		return
	}
	httpmw.WriteJSON(w, http.StatusOK, signed)
}

func (rt *Router) handleFedSelfPrice(w http.ResponseWriter, r *http.Request) {
	_, _, prices := rt.fed.LocalSnapshot()
	signed, err := signEnvelope(rt, prices)
	if err != nil {
		httpmw.WriteError(w, http.StatusInternalServerError, httpmw.KindWorkerError, err.Error())
		return
	}
	httpmw.WriteJSON(w, http.StatusOK, signed)
}
