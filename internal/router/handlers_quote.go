package router

import (
	"net/http"
	"time"

	"infermesh/internal/envelope"
	"infermesh/internal/httpmw"
	"infermesh/internal/model"
)

// handleQuote admits client block/mute/allow lists, validates, replay
// checks, verifies signature, selects a node, and returns a signed
// QuoteResponse with expiresAtMs = now + 60s, per spec.md §4.6.
func (rt *Router) handleQuote(w http.ResponseWriter, r *http.Request) {
	body, err := httpmw.ReadBody(r, 1<<20)
	if err != nil {
		writeBodyReadError(w, err)
		return
	}
	var env envelope.Envelope[model.QuoteRequest]
	if err := httpmw.DecodeJSON(body, &env); err != nil {
		httpmw.WriteError(w, http.StatusBadRequest, httpmw.KindInvalidJSON, err.Error())
		return
	}
	if kind := rt.admission.Check(env.KeyID, httpmw.KindClientBlocked, httpmw.KindClientMuted, "", httpmw.KindClientNotAllowed); kind != "" {
		httpmw.WriteError(w, http.StatusForbidden, kind, nil)
		return
	}
	if !rt.limiter.Allow(env.KeyID) {
		httpmw.WriteError(w, http.StatusTooManyRequests, httpmw.KindRateLimited, nil)
		return
	}
	result := envelope.Validate(env, func(q model.QuoteRequest) []string {
		var errs []string
		if q.ModelID == "" {
			errs = append(errs, "missing modelId")
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

	selection := rt.scheduler.Select(env.Payload)
	if selection.Selected == nil {
		writeNoNodesError(w, selection.Reason)
		return
	}

	now := rt.now()
	resp := model.QuoteResponse{
		RequestID:         env.Payload.RequestID,
		NodeID:            selection.Selected.Node.NodeID,
		Price:             model.Price{Total: selection.Selected.CostTotal, Currency: selection.Selected.Capability.Pricing.Currency},
		LatencyEstimateMs: selection.Selected.Capability.LatencyEstimateMs,
		ExpiresAtMs:       now.Add(60 * time.Second).UnixMilli(),
	}
	signed, err := signEnvelope(rt, resp)
	if err != nil {
		httpmw.WriteError(w, http.StatusInternalServerError, httpmw.KindWorkerError, err.Error())
		return
	}
	httpmw.WriteJSON(w, http.StatusOK, signed)
}
