package federation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"infermesh/internal/config"
	"infermesh/internal/envelope"
	"infermesh/internal/keys"
	"infermesh/internal/ledger"
	"infermesh/internal/model"
)

func newTestFederation(t *testing.T, peers []string) (*Federation, *keys.KeyPair) {
	t.Helper()
	kp, err := keys.Generate()
	require.NoError(t, err)
	fed := New(config.Federation{
		Enabled:            true,
		Peers:              peers,
		AuctionConcurrency: 4,
		PublishConcurrency: 4,
		RateLimitMax:       1000,
		RateLimitWindowMs:  60000,
		MaxPrivacyLevel:    3,
	}, nil, kp, ledger.New(ledger.ScopeFederation))
	return fed, kp
}

// Scenario 6 (spec.md §8): a single peer bids under the ceiling; the
// auction awards it and posts the signed AWARD exactly once.
func TestRunAuctionAndAwardSinglePeerWins(t *testing.T) {
	peerKP, err := keys.Generate()
	require.NoError(t, err)

	var awardPosts int
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/federation/rfb":
			var in envelope.Envelope[RFB]
			require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
			bid := Bid{JobID: in.Payload.JobID, BidHash: in.Payload.JobHash, RouterID: "peer-1", PriceMsat: 800}
			signed, err := signPayload(peerKP, bid)
			require.NoError(t, err)
			require.NoError(t, json.NewEncoder(w).Encode(signed))
		case "/federation/award":
			awardPosts++
			var in envelope.Envelope[Award]
			require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
			require.Equal(t, "peer-1", in.Payload.RouterID)
			w.WriteHeader(http.StatusOK)
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer peer.Close()

	fed, _ := newTestFederation(t, []string{peer.URL})
	rfb := RFB{JobID: "job-1", JobHash: "hash-1", JobType: "chat", ModelID: "mock", Units: 1, MaxPriceMsat: 1000}

	result, err := fed.RunAuctionAndAward(context.Background(), rfb)
	require.NoError(t, err)
	require.NotNil(t, result.Award)
	require.Equal(t, "peer-1", result.WinnerPeer)
	require.Equal(t, "hash-1", result.Award.BidHash)
	require.Equal(t, 1, awardPosts)
}

// No bids under the ceiling means no award and no POST to /federation/award.
func TestRunAuctionAndAwardNoBidsNoAward(t *testing.T) {
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer peer.Close()

	fed, _ := newTestFederation(t, []string{peer.URL})
	rfb := RFB{JobID: "job-2", JobHash: "hash-2", JobType: "chat", ModelID: "mock", Units: 1, MaxPriceMsat: 1000}

	result, err := fed.RunAuctionAndAward(context.Background(), rfb)
	require.NoError(t, err)
	require.Nil(t, result.Award)
	require.Empty(t, result.WinnerPeer)
}

// The cheapest of several bids wins.
func TestSelectAwardFromBidsPicksCheapest(t *testing.T) {
	rfb := RFB{JobID: "job-3", JobHash: "hash-3"}
	bids := []Bid{
		{JobID: "job-3", RouterID: "peer-expensive", PriceMsat: 900},
		{JobID: "job-3", RouterID: "peer-cheap", PriceMsat: 500},
	}
	award, winner, ok := selectAwardFromBids(rfb, bids)
	require.True(t, ok)
	require.Equal(t, "peer-cheap", winner)
	require.Equal(t, "peer-cheap", award.RouterID)
}

// RespondToBid refuses when saturated, lacking the capability or price
// sheet, or when the priced job clears the caller's ceiling or the local
// privacy ceiling, and otherwise quotes using the local price sheet.
func TestRespondToBid(t *testing.T) {
	fed, _ := newTestFederation(t, nil)
	fed.SetLocal(
		Capabilities{RouterID: "self", ModelIDs: []string{"mock"}, JobTypes: []string{"chat"}},
		Status{RouterID: "self", State: StatusNominal},
		[]PriceSheet{{RouterID: "self", JobType: "chat", BasePriceMsat: 100, Unit: Per1KTokens, SurgeMultiplier: 1}},
	)

	bid, ok := fed.RespondToBid(RFB{JobID: "j", JobType: "chat", Units: 2, MaxPriceMsat: 1000, PrivacyLevel: 1})
	require.True(t, ok)
	require.Equal(t, int64(200), bid.PriceMsat)

	_, ok = fed.RespondToBid(RFB{JobID: "j", JobType: "vision", Units: 1, MaxPriceMsat: 1000})
	require.False(t, ok, "no price sheet for jobType")

	_, ok = fed.RespondToBid(RFB{JobID: "j", JobType: "chat", Units: 1000, MaxPriceMsat: 10})
	require.False(t, ok, "priced job clears the caller's max price")

	_, ok = fed.RespondToBid(RFB{JobID: "j", JobType: "chat", Units: 1, MaxPriceMsat: 1000, PrivacyLevel: 5})
	require.False(t, ok, "privacy level exceeds local ceiling")

	fed.mu.Lock()
	fed.localStatus.State = StatusSaturated
	fed.mu.Unlock()
	_, ok = fed.RespondToBid(RFB{JobID: "j", JobType: "chat", Units: 1, MaxPriceMsat: 1000})
	require.False(t, ok, "saturated routers refuse every bid")
}

// The job/payment state machine walks SUBMITTED -> RESULTED ->
// PAYMENT_REQUESTED -> SETTLED in order and rejects out-of-order calls.
func TestJobLifecycle(t *testing.T) {
	fed, _ := newTestFederation(t, nil)

	fed.SubmitJob(JobSubmit{JobID: "job-4", FromID: "peer-1", ModelID: "mock"})
	job, ok := fed.Job("job-4")
	require.True(t, ok)
	require.Equal(t, JobSubmitted, job.State)

	// Requesting payment before a result lands is rejected.
	_, ok = fed.RequestPayment("job-4", 1000)
	require.False(t, ok)

	require.True(t, fed.RecordResult(JobResult{JobID: "job-4", Output: "hi", Receipt: WorkerReceipt{NodeID: "node-1"}}))
	// A second result for an already-resulted job is rejected.
	require.False(t, fed.RecordResult(JobResult{JobID: "job-4", Output: "again"}))

	req, ok := fed.RequestPayment("job-4", 1000)
	require.True(t, ok)
	require.Equal(t, "job-4", req.RequestID)
	require.Equal(t, "node", req.PayeeType)
	require.Equal(t, "node-1", req.PayeeID)

	job, ok = fed.Job("job-4")
	require.True(t, ok)
	require.Equal(t, JobPaymentRequested, job.State)

	receipt := model.PaymentReceipt{
		RequestID:  req.RequestID,
		PayeeType:  req.PayeeType,
		PayeeID:    req.PayeeID,
		AmountSats: req.AmountSats,
		PaidAtMs:   time.Now().UnixMilli(),
	}
	require.NoError(t, fed.RecordPaymentReceipt("job-4", "node-1", receipt))

	job, ok = fed.Job("job-4")
	require.True(t, ok)
	require.Equal(t, JobSettled, job.State)
}

// AllowInbound enforces the per-(peerId, messageType) rate limit.
func TestAllowInbound(t *testing.T) {
	kp, err := keys.Generate()
	require.NoError(t, err)
	fed := New(config.Federation{RateLimitMax: 2, RateLimitWindowMs: 60000}, nil, kp, ledger.New(ledger.ScopeFederation))

	require.True(t, fed.AllowInbound("peer-1", "RFB"))
	require.True(t, fed.AllowInbound("peer-1", "RFB"))
	require.False(t, fed.AllowInbound("peer-1", "RFB"))
	// A different message type from the same peer has its own budget.
	require.True(t, fed.AllowInbound("peer-1", "CAPS_ANNOUNCE"))
}
