package node

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sync/atomic"
	"time"

	"infermesh/internal/envelope"
	"infermesh/internal/httpmw"
	"infermesh/internal/keys"
	"infermesh/internal/ledger"
	"infermesh/internal/model"
)

// inferResponse is the {response, metering} wire shape spec.md §4.7/§6
// requires from a successful /infer call.
type inferResponse struct {
	Response envelope.Envelope[model.InferenceResponse] `json:"response"`
	Metering envelope.Envelope[model.MeteringRecord]    `json:"metering"`
}

// handleInfer implements spec.md §4.7's node admission pipeline: eleven
// ordered checks (first failure wins), a capacity-gated inFlight
// acquisition, a maxInferenceMs timeout race against the runner, and a
// signed {response, metering} reply.
func (n *Node) handleInfer(w http.ResponseWriter, r *http.Request) {
	// 1. body within maxRequestBytes.
	maxBytes := n.cfg.MaxRequestBytes
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	body, err := httpmw.ReadBody(r, maxBytes)
	if err != nil {
		writeBodyReadError(w, err)
		return
	}

	// 2. envelope parses as valid JSON.
	var env envelope.Envelope[model.InferenceRequest]
	if err := httpmw.DecodeJSON(body, &env); err != nil {
		httpmw.WriteError(w, http.StatusBadRequest, httpmw.KindInvalidJSON, err.Error())
		return
	}

	// 3. envelope schema valid.
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

	// 4. keyId is a valid public identifier.
	if _, err := keys.ParsePublicKey(env.KeyID); err != nil {
		httpmw.WriteError(w, http.StatusBadRequest, httpmw.KindInvalidKeyID, nil)
		return
	}

	// 5. router authorization: block/mute/follow/allow, plus a pinned
	// routerKeyId match.
	if kind := n.admission.Check(env.KeyID, httpmw.KindRouterBlocked, httpmw.KindRouterMuted, httpmw.KindRouterNotFollowed, httpmw.KindRouterNotAllowed); kind != "" {
		httpmw.WriteError(w, http.StatusForbidden, kind, nil)
		return
	}
	if n.cfg.RouterKeyID != "" && env.KeyID != n.cfg.RouterKeyID {
		httpmw.WriteError(w, http.StatusUnauthorized, httpmw.KindRouterKeyMismatch, nil)
		return
	}

	// 6. prompt/token bounds.
	if n.cfg.MaxPromptBytes > 0 && int64(len(env.Payload.Prompt)) > n.cfg.MaxPromptBytes {
		httpmw.WriteError(w, http.StatusRequestEntityTooLarge, httpmw.KindPromptTooLarge, nil)
		return
	}
	if n.cfg.MaxTokens > 0 && env.Payload.MaxTokens > n.cfg.MaxTokens {
		httpmw.WriteError(w, http.StatusBadRequest, httpmw.KindMaxTokensExceeded, nil)
		return
	}

	// 7. router public key configured.
	if n.cfg.RouterPublicKey == "" {
		httpmw.WriteError(w, http.StatusInternalServerError, httpmw.KindRouterPublicKeyMissing, nil)
		return
	}

	// 8-9. signature and replay.
	if kind := checkReplayAndSignature(n, env); kind != "" {
		status := http.StatusBadRequest
		if kind == httpmw.KindInvalidSignature {
			status = http.StatusUnauthorized
		}
		httpmw.WriteError(w, status, kind, nil)
		return
	}

	if !n.limiter.Allow(env.KeyID) {
		httpmw.WriteError(w, http.StatusTooManyRequests, httpmw.KindRateLimited, nil)
		return
	}

	// 10. payment gate.
	if n.cfg.RequirePayment.Value {
		if kind, status := n.checkPayment(r.Context(), env.Payload); kind != "" {
			httpmw.WriteError(w, status, kind, nil)
			return
		}
	}

	// 11. capacity.
	load := n.cfg.CapacityCurrentLoad + int(atomic.LoadInt64(&n.inFlight))
	if load >= n.cfg.CapacityMaxConcurrent {
		httpmw.WriteError(w, http.StatusTooManyRequests, httpmw.KindCapacityExhausted, nil)
		return
	}

	atomic.AddInt64(&n.inFlight, 1)
	defer atomic.AddInt64(&n.inFlight, -1)

	resp, kind := n.runInference(r.Context(), env.Payload)
	if kind != "" {
		status := http.StatusBadGateway
		if kind == httpmw.KindRunnerTimeout {
			status = http.StatusGatewayTimeout
		}
		httpmw.WriteError(w, status, kind, nil)
		return
	}
	httpmw.WriteJSON(w, http.StatusOK, resp)
}

// checkPayment implements step 10: find a receipt in
// payload.paymentReceipts addressed to this node, validate it, verify it
// under the client key named by its own keyId, require a positive amount
// matching requestId, and optionally confirm settlement against the
// verify oracle.
func (n *Node) checkPayment(ctx context.Context, req model.InferenceRequest) (httpmw.Kind, int) {
	var receipt *model.SignedPaymentReceipt
	for i := range req.PaymentReceipts {
		candidate := req.PaymentReceipts[i]
		if candidate.Payload.PayeeType == "node" && candidate.Payload.PayeeID == n.cfg.NodeID {
			receipt = &req.PaymentReceipts[i]
			break
		}
	}
	if receipt == nil {
		return httpmw.KindPaymentRequired, http.StatusPaymentRequired
	}

	receiptEnv := envelope.Envelope[model.PaymentReceipt]{
		Payload: receipt.Payload,
		Nonce:   receipt.Nonce,
		Ts:      receipt.Ts,
		KeyID:   receipt.KeyID,
		Sig:     receipt.Sig,
	}
	if !envelope.Verify(receiptEnv) {
		return httpmw.KindInvalidPaymentReceiptSig, http.StatusUnauthorized
	}
	if receipt.Payload.AmountSats < 1 {
		return httpmw.KindPaymentAmountInvalid, http.StatusBadRequest
	}
	if receipt.Payload.RequestID != req.RequestID {
		return httpmw.KindPaymentRequestMismatch, http.StatusBadRequest
	}

	if n.verifyOracle == nil {
		return "", 0
	}
	if n.cfg.PaymentVerification.RequirePreimage && receipt.Payload.Preimage == "" {
		return httpmw.KindPreimageRequired, http.StatusBadRequest
	}
	verifyResp, err := n.verifyOracle.Verify(ctx, ledger.VerifyRequest{
		Invoice:     receipt.Payload.Invoice,
		PaymentHash: receipt.Payload.PaymentHash,
		Preimage:    receipt.Payload.Preimage,
		AmountSats:  receipt.Payload.AmountSats,
		PayeeID:     receipt.Payload.PayeeID,
		RequestID:   receipt.Payload.RequestID,
	})
	if err != nil {
		return httpmw.KindPaymentVerifyFailed, http.StatusPaymentRequired
	}
	if !verifyResp.Paid {
		return httpmw.KindNotPaid, http.StatusPaymentRequired
	}
	return "", 0
}

// runInference races the runner against maxInferenceMs, then builds and
// signs the InferenceResponse and MeteringRecord envelopes.
func (n *Node) runInference(ctx context.Context, req model.InferenceRequest) (inferResponse, httpmw.Kind) {
	if n.cfg.MaxInferenceMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(n.cfg.MaxInferenceMs)*time.Millisecond)
		defer cancel()
	}

	type outcome struct {
		resp model.InferenceResponse
		err  error
	}
	ch := make(chan outcome, 1)
	start := n.now()
	go func() {
		resp, err := n.runner.Infer(ctx, req)
		ch <- outcome{resp, err}
	}()

	var out outcome
	select {
	case <-ctx.Done():
		return inferResponse{}, httpmw.KindRunnerTimeout
	case out = <-ch:
	}
	if out.err != nil {
		return inferResponse{}, httpmw.KindWorkerError
	}
	wallTimeMs := n.now().Sub(start).Milliseconds()

	response := out.resp
	response.RequestID = req.RequestID
	response.ModelID = req.ModelID
	response.LatencyMs = wallTimeMs

	promptHash := sha256.Sum256([]byte(req.Prompt))
	metering := model.MeteringRecord{
		RequestID:    req.RequestID,
		NodeID:       n.cfg.NodeID,
		ModelID:      req.ModelID,
		PromptHash:   hex.EncodeToString(promptHash[:]),
		InputTokens:  response.Usage.InputTokens,
		OutputTokens: response.Usage.OutputTokens,
		WallTimeMs:   wallTimeMs,
		BytesIn:      len(req.Prompt),
		BytesOut:     len(response.Output),
		Ts:           n.now().UnixMilli(),
	}

	signedResponse, err := signEnvelope(n, response)
	if err != nil {
		return inferResponse{}, httpmw.KindWorkerError
	}
	signedMetering, err := signEnvelope(n, metering)
	if err != nil {
		return inferResponse{}, httpmw.KindWorkerError
	}
	return inferResponse{Response: signedResponse, Metering: signedMetering}, ""
}

func writeBodyReadError(w http.ResponseWriter, err error) {
	switch err {
	case httpmw.ErrBodyTooLarge:
		httpmw.WriteError(w, http.StatusRequestEntityTooLarge, httpmw.KindPayloadTooLarge, nil)
	case httpmw.ErrEmptyBody:
		httpmw.WriteError(w, http.StatusBadRequest, httpmw.KindEmptyBody, nil)
	default:
		httpmw.WriteError(w, http.StatusBadRequest, httpmw.KindInvalidJSON, err.Error())
	}
}
