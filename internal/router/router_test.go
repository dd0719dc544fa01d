package router

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"infermesh/internal/config"
	"infermesh/internal/envelope"
	"infermesh/internal/httpmw"
	"infermesh/internal/keys"
	"infermesh/internal/ledger"
	"infermesh/internal/model"
	"infermesh/internal/noncestore"
	"infermesh/internal/registry"
	"infermesh/internal/scheduler"
)

// fakeNode is an httptest server standing in for a worker node's /infer
// endpoint: it signs back an InferenceResponse/MeteringRecord envelope
// pair under its own key, mirroring the node package's own handleInfer,
// so the router's signature-validation path is exercised against a real
// signed payload rather than a hand-built one.
func fakeNode(t *testing.T, kp *keys.KeyPair, status int, output string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		var env envelope.Envelope[model.InferenceRequest]
		require.NoError(t, json.NewDecoder(r.Body).Decode(&env))

		resp := model.InferenceResponse{
			RequestID: env.Payload.RequestID,
			ModelID:   env.Payload.ModelID,
			Output:    output,
			Usage:     model.Usage{InputTokens: 1, OutputTokens: 1},
			LatencyMs: 5,
		}
		signedResp, err := envelope.Sign(envelope.Build(resp, uuid.NewString(), time.Now().UnixMilli(), kp.KeyID()), kp.Private)
		require.NoError(t, err)

		metering := model.MeteringRecord{
			RequestID: env.Payload.RequestID,
			NodeID:    "node-under-test",
			ModelID:   env.Payload.ModelID,
			Ts:        time.Now().UnixMilli(),
		}
		signedMetering, err := envelope.Sign(envelope.Build(metering, uuid.NewString(), time.Now().UnixMilli(), kp.KeyID()), kp.Private)
		require.NoError(t, err)

		httpmw.WriteJSON(w, http.StatusOK, forwardedInfer{Response: signedResp, Metering: signedMetering})
	}))
}

func newTestRouter(t *testing.T, requirePayment bool) (*Router, *keys.KeyPair) {
	t.Helper()
	kp, err := keys.Generate()
	require.NoError(t, err)
	reg := registry.New(nil, nil)
	rt := New(Deps{
		Config: config.RouterConfig{
			RequirePayment:    config.RequirePaymentFlag{Value: requirePayment, IsSet: true},
			RateLimitMax:      1000,
			RateLimitWindowMs: time.Minute,
		},
		KeyPair:      kp,
		Registry:     reg,
		Scheduler:    scheduler.New(reg),
		Nonces:       noncestore.NewMemory(1024),
		ClientLedger: ledger.New(ledger.ScopeClient),
		FederationLedger: ledger.New(ledger.ScopeFederation),
	})
	return rt, kp
}

func registerNode(t *testing.T, nodeKP *keys.KeyPair, nodeID, endpoint string, rate registry.Pricing) registry.NodeDescriptor {
	t.Helper()
	return registry.NodeDescriptor{
		NodeID:   nodeID,
		KeyID:    nodeKP.KeyID(),
		Endpoint: endpoint,
		Capacity: registry.Capacity{MaxConcurrent: 4},
		Capabilities: []registry.Capability{{
			ModelID:       "mock",
			ContextWindow: 8192,
			MaxTokens:     2048,
			Pricing:       rate,
		}},
		LastHeartbeatMs: time.Now().UnixMilli(),
	}
}

func signedClientEnvelope(t *testing.T, kp *keys.KeyPair, req model.InferenceRequest) envelope.Envelope[model.InferenceRequest] {
	t.Helper()
	e := envelope.Build(req, uuid.NewString(), time.Now().UnixMilli(), kp.KeyID())
	signed, err := envelope.Sign(e, kp.Private)
	require.NoError(t, err)
	return signed
}

func postInfer(t *testing.T, rt *Router, env envelope.Envelope[model.InferenceRequest]) *httptest.ResponseRecorder {
	t.Helper()
	buf, err := json.Marshal(env)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/infer", bytes.NewReader(buf))
	rec := httptest.NewRecorder()
	rt.Handler().ServeHTTP(rec, req)
	return rec
}

// Scenario 1 (spec.md §8): unpriced happy path.
func TestHandleInferUnpricedHappyPath(t *testing.T) {
	rt, _ := newTestRouter(t, false)
	nodeKP, err := keys.Generate()
	require.NoError(t, err)
	node := fakeNode(t, nodeKP, http.StatusOK, "hi there")
	defer node.Close()
	rt.registry.Upsert(registerNode(t, nodeKP, "node-1", node.URL, registry.Pricing{Unit: registry.Per1KTokens}))

	clientKP, err := keys.Generate()
	require.NoError(t, err)
	env := signedClientEnvelope(t, clientKP, model.InferenceRequest{
		RequestID: "req-1", ModelID: "mock", Prompt: "hi", MaxTokens: 8,
	})
	rec := postInfer(t, rt, env)
	require.Equal(t, http.StatusOK, rec.Code)

	var out forwardedInfer
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, "hi there", out.Response.Payload.Output)
	require.Equal(t, nodeKP.KeyID(), out.Response.KeyID)
}

// Scenario 2 (spec.md §8): priced flow — 402, pay, retry succeeds.
func TestHandleInferPricedFlow(t *testing.T) {
	rt, _ := newTestRouter(t, true)
	nodeKP, err := keys.Generate()
	require.NoError(t, err)
	node := fakeNode(t, nodeKP, http.StatusOK, "ok")
	defer node.Close()
	rt.registry.Upsert(registerNode(t, nodeKP, "node-1", node.URL, registry.Pricing{
		Unit: registry.Per1KTokens, InputRate: 1, OutputRate: 1, Currency: "SAT",
	}))

	clientKP, err := keys.Generate()
	require.NoError(t, err)
	req := model.InferenceRequest{RequestID: "req-2", ModelID: "mock", Prompt: "hi", MaxTokens: 8}
	env := signedClientEnvelope(t, clientKP, req)
	rec := postInfer(t, rt, env)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	var challenge envelope.Envelope[model.PaymentRequest]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &challenge))
	require.GreaterOrEqual(t, challenge.Payload.AmountSats, int64(1))

	receipt := model.PaymentReceipt{
		RequestID:  challenge.Payload.RequestID,
		PayeeType:  challenge.Payload.PayeeType,
		PayeeID:    challenge.Payload.PayeeID,
		AmountSats: challenge.Payload.AmountSats,
		PaidAtMs:   time.Now().UnixMilli(),
	}
	receiptEnv := envelope.Build(receipt, uuid.NewString(), time.Now().UnixMilli(), clientKP.KeyID())
	signedReceipt, err := envelope.Sign(receiptEnv, clientKP.Private)
	require.NoError(t, err)
	buf, err := json.Marshal(signedReceipt)
	require.NoError(t, err)
	payReq := httptest.NewRequest(http.MethodPost, "/payment-receipt", bytes.NewReader(buf))
	payRec := httptest.NewRecorder()
	rt.Handler().ServeHTTP(payRec, payReq)
	require.Equal(t, http.StatusOK, payRec.Code)

	// Retry /infer with a fresh envelope for the same requestId/payeeId key.
	retryEnv := signedClientEnvelope(t, clientKP, req)
	retryRec := postInfer(t, rt, retryEnv)
	require.Equal(t, http.StatusOK, retryRec.Code)
}

// Scenario 3 (spec.md §8): replay rejection.
func TestHandleInferRejectsReplayedEnvelope(t *testing.T) {
	rt, _ := newTestRouter(t, false)
	nodeKP, err := keys.Generate()
	require.NoError(t, err)
	node := fakeNode(t, nodeKP, http.StatusOK, "ok")
	defer node.Close()
	rt.registry.Upsert(registerNode(t, nodeKP, "node-1", node.URL, registry.Pricing{Unit: registry.Per1KTokens}))

	clientKP, err := keys.Generate()
	require.NoError(t, err)
	env := signedClientEnvelope(t, clientKP, model.InferenceRequest{
		RequestID: "req-3", ModelID: "mock", Prompt: "hi", MaxTokens: 8,
	})
	first := postInfer(t, rt, env)
	require.Equal(t, http.StatusOK, first.Code)

	second := postInfer(t, rt, env)
	require.Equal(t, http.StatusBadRequest, second.Code)
	var body httpmw.ErrorBody
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &body))
	require.Equal(t, httpmw.KindNonceDuplicate, body.Error)
}

// Scenario 4 (spec.md §8): signature tamper.
func TestHandleInferRejectsTamperedSignature(t *testing.T) {
	rt, _ := newTestRouter(t, false)
	clientKP, err := keys.Generate()
	require.NoError(t, err)
	env := signedClientEnvelope(t, clientKP, model.InferenceRequest{
		RequestID: "req-4", ModelID: "mock", Prompt: "hi", MaxTokens: 8,
	})
	raw, err := base64.StdEncoding.DecodeString(env.Sig)
	require.NoError(t, err)
	raw[0] ^= 0xFF
	env.Sig = base64.StdEncoding.EncodeToString(raw)

	rec := postInfer(t, rt, env)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	var body httpmw.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, httpmw.KindInvalidSignature, body.Error)
}

// Scenario 5 (spec.md §8): node cooldown and fallback to a healthy peer.
func TestHandleInferCooldownAfterRepeatedFailures(t *testing.T) {
	rt, _ := newTestRouter(t, false)
	nodeKP, err := keys.Generate()
	require.NoError(t, err)
	failing := fakeNode(t, nodeKP, http.StatusInternalServerError, "")
	defer failing.Close()
	rt.registry.Upsert(registerNode(t, nodeKP, "node-1", failing.URL, registry.Pricing{Unit: registry.Per1KTokens}))

	clientKP, err := keys.Generate()
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		env := signedClientEnvelope(t, clientKP, model.InferenceRequest{
			RequestID: uuid.NewString(), ModelID: "mock", Prompt: "hi", MaxTokens: 8,
		})
		rec := postInfer(t, rt, env)
		require.Equal(t, http.StatusBadGateway, rec.Code)
	}
	env := signedClientEnvelope(t, clientKP, model.InferenceRequest{
		RequestID: uuid.NewString(), ModelID: "mock", Prompt: "hi", MaxTokens: 8,
	})
	rec := postInfer(t, rt, env)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body httpmw.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, httpmw.KindNoNodesAvailable, body.Error)
}

func TestHandleInferFallsBackToHealthyNode(t *testing.T) {
	rt, _ := newTestRouter(t, false)
	badKP, err := keys.Generate()
	require.NoError(t, err)
	goodKP, err := keys.Generate()
	require.NoError(t, err)
	bad := fakeNode(t, badKP, http.StatusInternalServerError, "")
	defer bad.Close()
	good := fakeNode(t, goodKP, http.StatusOK, "from good node")
	defer good.Close()
	rt.registry.Upsert(registerNode(t, badKP, "node-bad", bad.URL, registry.Pricing{Unit: registry.Per1KTokens}))
	rt.registry.Upsert(registerNode(t, goodKP, "node-good", good.URL, registry.Pricing{Unit: registry.Per1KTokens}))

	clientKP, err := keys.Generate()
	require.NoError(t, err)
	env := signedClientEnvelope(t, clientKP, model.InferenceRequest{
		RequestID: "req-fallback", ModelID: "mock", Prompt: "hi", MaxTokens: 8,
	})
	rec := postInfer(t, rt, env)
	require.Equal(t, http.StatusOK, rec.Code)
	var out forwardedInfer
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, goodKP.KeyID(), out.Response.KeyID)
}
