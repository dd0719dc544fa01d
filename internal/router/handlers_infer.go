package router

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"infermesh/internal/envelope"
	"infermesh/internal/httpmw"
	"infermesh/internal/ledger"
	"infermesh/internal/model"
	"infermesh/internal/registry"
	"infermesh/internal/scheduler"
)

// forwardedInfer is the wire shape POST {node}/infer returns.
type forwardedInfer struct {
	Response envelope.Envelope[model.InferenceResponse] `json:"response"`
	Metering envelope.Envelope[model.MeteringRecord]     `json:"metering"`
}

// handleInfer implements spec.md §4.6's client-facing inference pipeline:
// admit, validate, replay/signature-check, select a node, gate on payment,
// forward under the router's own signature, and validate the node's two
// signed response envelopes before relaying them to the caller.
func (rt *Router) handleInfer(w http.ResponseWriter, r *http.Request) {
	body, err := httpmw.ReadBody(r, 4<<20)
	if err != nil {
		writeBodyReadError(w, err)
		return
	}
	var env envelope.Envelope[model.InferenceRequest]
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
	result := envelope.Validate(env, func(req model.InferenceRequest) []string {
		var errs []string
		if req.RequestID == "" {
			errs = append(errs, "missing requestId")
		}
		if req.ModelID == "" {
			errs = append(errs, "missing modelId")
		}
		if req.Prompt == "" {
			errs = append(errs, "missing prompt")
		}
		if req.MaxTokens <= 0 {
			errs = append(errs, "maxTokens must be positive")
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

	quoteReq := model.QuoteRequest{
		RequestID:            env.Payload.RequestID,
		ModelID:              env.Payload.ModelID,
		JobType:              env.Payload.JobType,
		MaxTokens:            env.Payload.MaxTokens,
		InputTokensEstimate:  len(env.Payload.Prompt) / 4,
		OutputTokensEstimate: env.Payload.MaxTokens,
	}
	selection := rt.scheduler.Select(quoteReq)
	if selection.Selected == nil {
		writeNoNodesError(w, selection.Reason)
		return
	}
	node := selection.Selected.Node

	if rt.cfg.RequirePayment.Value {
		payload, done := rt.gateOnPayment(r.Context(), w, env.Payload, node, selection.Selected.CostTotal)
		if done {
			return
		}
		env.Payload = payload
	}

	resp, mErr := rt.forwardToNode(r, env, node)
	if mErr != "" && isRecoverableForwardFailure(mErr) {
		fallback := rt.scheduler.SelectExcluding(quoteReq, map[string]bool{node.NodeID: true})
		if fallback.Selected != nil {
			rt.registry.MarkFailure(node.NodeID)
			node = fallback.Selected.Node
			resp, mErr = rt.forwardToNode(r, env, node)
		}
	}
	if mErr != "" {
		rt.registry.MarkFailure(node.NodeID)
		httpmw.WriteError(w, http.StatusBadGateway, mErr, nil)
		return
	}
	rt.registry.RecordSuccess(node.NodeID)
	httpmw.WriteJSON(w, http.StatusOK, resp)
}

// writeNoNodesError maps a scheduler.Reason to its spec.md §7 error kind:
// no-nodes when the registry has never seen a node, no-nodes-available
// when registered nodes exist but none is currently active (cooldown or
// stale heartbeat), no-capable-nodes when active nodes exist but none
// admits the request.
func writeNoNodesError(w http.ResponseWriter, reason scheduler.Reason) {
	kind := httpmw.KindNoCapableNodes
	switch reason {
	case scheduler.ReasonNoNodes:
		kind = httpmw.KindNoNodes
	case scheduler.ReasonNoNodesAvailable:
		kind = httpmw.KindNoNodesAvailable
	}
	httpmw.WriteError(w, http.StatusServiceUnavailable, kind, nil)
}

// gateOnPayment finds a live receipt for (requestId, "node", node.NodeID).
// If one exists it attaches the original signed receipt to req and returns
// (req, false). Otherwise it issues a PaymentRequest and writes a signed
// 402 response, returning (req, true) so the caller stops.
func (rt *Router) gateOnPayment(ctx context.Context, w http.ResponseWriter, req model.InferenceRequest, node registry.NodeDescriptor, costTotal float64) (model.InferenceRequest, bool) {
	key := model.LedgerKey(req.RequestID, "node", node.NodeID)
	if _, ok := rt.clients.Receipt(key); ok {
		if signed, ok := rt.receipts.get(key); ok {
			req.PaymentReceipts = append(req.PaymentReceipts, signed)
		}
		return req, false
	}

	amountSats := int64(costTotal)
	if amountSats < 1 {
		amountSats = 1
	}
	built, err := rt.issuePaymentRequest(ctx, key, req.RequestID, node.NodeID, amountSats)
	if err != nil {
		httpmw.WriteError(w, http.StatusInternalServerError, httpmw.KindInvoiceProviderFailed, err.Error())
		return req, true
	}
	signed, err := signEnvelope(rt, built)
	if err != nil {
		httpmw.WriteError(w, http.StatusInternalServerError, httpmw.KindWorkerError, err.Error())
		return req, true
	}
	httpmw.WriteJSON(w, http.StatusPaymentRequired, signed)
	return req, true
}

func (rt *Router) issuePaymentRequest(ctx context.Context, key, requestID, payeeID string, amountSats int64) (model.PaymentRequest, error) {
	if rt.invoiceOracle == nil {
		req, _ := rt.clients.IssueOrGet(key, func(now time.Time) model.PaymentRequest {
			return model.PaymentRequest{
				RequestID:   requestID,
				PayeeType:   "node",
				PayeeID:     payeeID,
				AmountSats:  amountSats,
				ExpiresAtMs: now.Add(10 * time.Minute).UnixMilli(),
			}
		})
		return req, nil
	}
	invoice, err := rt.invoiceOracle.RequestInvoice(ctx, ledger.InvoiceRequest{
		RequestID:  requestID,
		PayeeID:    payeeID,
		AmountSats: amountSats,
	})
	if err != nil {
		return model.PaymentRequest{}, err
	}
	req, _ := rt.clients.IssueOrGet(key, func(now time.Time) model.PaymentRequest {
		expires := invoice.ExpiresAtMs
		if expires == 0 {
			expires = now.Add(10 * time.Minute).UnixMilli()
		}
		return model.PaymentRequest{
			RequestID:   requestID,
			PayeeType:   "node",
			PayeeID:     payeeID,
			AmountSats:  amountSats,
			Invoice:     invoice.Invoice,
			ExpiresAtMs: expires,
		}
	})
	return req, nil
}

// forwardToNode signs a fresh forwarding envelope under the router's own
// key and posts it to node.Endpoint, validating both returned envelopes
// per spec.md §4.6. It returns an error Kind on any failure, or "" on
// success.
func (rt *Router) forwardToNode(r *http.Request, client envelope.Envelope[model.InferenceRequest], node registry.NodeDescriptor) (forwardedInfer, httpmw.Kind) {
	forward, err := signEnvelope(rt, client.Payload)
	if err != nil {
		return forwardedInfer{}, httpmw.KindWorkerError
	}
	buf, err := json.Marshal(forward)
	if err != nil {
		return forwardedInfer{}, httpmw.KindWorkerError
	}
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, node.Endpoint+"/infer", bytes.NewReader(buf))
	if err != nil {
		return forwardedInfer{}, httpmw.KindNodeError
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := rt.forward.Do(req)
	if err != nil {
		return forwardedInfer{}, httpmw.KindNodeError
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return forwardedInfer{}, httpmw.KindNodeError
	}
	var out forwardedInfer
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return forwardedInfer{}, httpmw.KindInvalidNodeResponse
	}
	if out.Metering.Payload.RequestID != client.Payload.RequestID {
		return forwardedInfer{}, httpmw.KindInvalidMetering
	}
	if out.Response.KeyID != node.KeyID {
		return forwardedInfer{}, httpmw.KindNodeResponseSignatureInvalid
	}
	if out.Metering.KeyID != node.KeyID {
		return forwardedInfer{}, httpmw.KindNodeMeteringSignatureInvalid
	}
	if !envelope.Verify(out.Response) {
		return forwardedInfer{}, httpmw.KindNodeResponseSignatureInvalid
	}
	if !envelope.Verify(out.Metering) {
		return forwardedInfer{}, httpmw.KindNodeMeteringSignatureInvalid
	}
	return out, ""
}

// isRecoverableForwardFailure reports whether kind reflects a transport or
// signature defect (eligible for the single-fallback retry) rather than a
// semantic 4xx the node returned deliberately.
func isRecoverableForwardFailure(kind httpmw.Kind) bool {
	switch kind {
	case httpmw.KindNodeError, httpmw.KindInvalidNodeResponse, httpmw.KindInvalidMetering,
		httpmw.KindNodeResponseSignatureInvalid, httpmw.KindNodeMeteringSignatureInvalid:
		return true
	default:
		return false
	}
}
