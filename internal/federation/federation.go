package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"infermesh/internal/config"
	"infermesh/internal/envelope"
	"infermesh/internal/keys"
	"infermesh/internal/ledger"
	"infermesh/internal/model"
	"infermesh/internal/ratelimit"
)

// Federation owns one router's view of the control plane: its own
// announced state, everything observed from peers, in-flight auctions,
// and the job/payment state machine from spec.md §4.8.
type Federation struct {
	cfg     config.Federation
	log     *slog.Logger
	keyPair *keys.KeyPair
	http    *http.Client
	payments *ledger.Ledger // ledger.ScopeFederation
	inbound  *ratelimit.Limiter
	// outbound paces announce/publish/auction fanout so a burst of peers
	// doesn't open cfg.PublishConcurrency/cfg.AuctionConcurrency connections
	// simultaneously; the semaphore in fanOut bounds concurrency, this bounds
	// the rate at which new sends start.
	outbound *rate.Limiter

	mu          sync.Mutex
	localCaps   Capabilities
	localStatus Status
	localPrices map[string]PriceSheet

	peerCaps   map[string]Capabilities
	peerStatus map[string]Status
	peerPrices map[string]map[string]PriceSheet
	bids       map[string][]Bid
	awards     map[string]Award
	jobs       map[string]*Job

	nowFn func() time.Time
}

// New builds a Federation collaborator signing with kp, talking to cfg.Peers.
func New(cfg config.Federation, log *slog.Logger, kp *keys.KeyPair, payments *ledger.Ledger) *Federation {
	windowMs := time.Duration(cfg.RateLimitWindowMs) * time.Millisecond
	limiter := ratelimit.New(cfg.RateLimitMax, windowMs)
	burst := cfg.PublishConcurrency
	if burst <= 0 {
		burst = 4
	}
	return &Federation{
		cfg:         cfg,
		log:         log,
		keyPair:     kp,
		http:        &http.Client{Timeout: requestTimeout(cfg)},
		payments:    payments,
		inbound:     limiter,
		outbound:    rate.NewLimiter(rate.Limit(burst), burst),
		localPrices: make(map[string]PriceSheet),
		peerCaps:    make(map[string]Capabilities),
		peerStatus:  make(map[string]Status),
		peerPrices:  make(map[string]map[string]PriceSheet),
		bids:        make(map[string][]Bid),
		awards:      make(map[string]Award),
		jobs:        make(map[string]*Job),
		nowFn:       time.Now,
	}
}

func requestTimeout(cfg config.Federation) time.Duration {
	if cfg.RequestTimeoutMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(cfg.RequestTimeoutMs) * time.Millisecond
}

// SetClock overrides the federation's clock; intended for tests.
func (f *Federation) SetClock(fn func() time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nowFn = fn
}

func (f *Federation) now() time.Time {
	if f.nowFn != nil {
		return f.nowFn()
	}
	return time.Now()
}

// SetLocal records this router's own advertised capabilities, status, and
// per-job-type price sheets, used both for outbound announcement and for
// answering inbound RFBs.
func (f *Federation) SetLocal(caps Capabilities, status Status, prices []PriceSheet) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.localCaps = caps
	f.localStatus = status
	f.localPrices = make(map[string]PriceSheet, len(prices))
	for _, p := range prices {
		f.localPrices[p.JobType] = p
	}
}

// AllowInbound applies the shared fixed-window rate limiter keyed by
// (peerId, messageType), per spec.md §4.8's "rate limit incoming messages
// per (peerId, type) to max/window."
func (f *Federation) AllowInbound(peerID, messageType string) bool {
	return f.inbound.Allow(peerID + "|" + messageType)
}

// RecordPeerCaps/RecordPeerStatus/RecordPeerPrice store the latest observed
// announcement from a peer.
func (f *Federation) RecordPeerCaps(caps Capabilities) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.peerCaps[caps.RouterID] = caps
}

func (f *Federation) RecordPeerStatus(status Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.peerStatus[status.RouterID] = status
}

func (f *Federation) RecordPeerPrice(price PriceSheet) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sheets, ok := f.peerPrices[price.RouterID]
	if !ok {
		sheets = make(map[string]PriceSheet)
		f.peerPrices[price.RouterID] = sheets
	}
	sheets[price.JobType] = price
}

// announcement bundles the three signed messages one peer fanout posts.
type announcement struct {
	caps   envelope.Envelope[Capabilities]
	status envelope.Envelope[Status]
	prices []envelope.Envelope[PriceSheet]
}

// Announce posts this router's CAPS_ANNOUNCE, STATUS_ANNOUNCE, and one
// PRICE_ANNOUNCE per priced job type to every configured peer, bounded by
// cfg.PublishConcurrency concurrent in-flight posts. Adapted from the
// escrow-gateway webhook queue's bounded-delivery idiom, generalized from
// a queue-drain loop to a per-tick fanout.
func (f *Federation) Announce(ctx context.Context) error {
	f.mu.Lock()
	caps := f.localCaps
	status := f.localStatus
	prices := make([]PriceSheet, 0, len(f.localPrices))
	for _, p := range f.localPrices {
		prices = append(prices, p)
	}
	f.mu.Unlock()

	signedCaps, err := signPayload(f.keyPair, caps)
	if err != nil {
		return err
	}
	signedStatus, err := signPayload(f.keyPair, status)
	if err != nil {
		return err
	}
	signedPrices := make([]envelope.Envelope[PriceSheet], 0, len(prices))
	for _, p := range prices {
		signed, err := signPayload(f.keyPair, p)
		if err != nil {
			return err
		}
		signedPrices = append(signedPrices, signed)
	}
	msg := announcement{caps: signedCaps, status: signedStatus, prices: signedPrices}

	concurrency := f.cfg.PublishConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	f.fanOut(ctx, f.cfg.Peers, concurrency, func(peer string) {
		f.postJSON(ctx, peer+"/federation/caps", msg.caps)
		f.postJSON(ctx, peer+"/federation/status", msg.status)
		for _, p := range msg.prices {
			f.postJSON(ctx, peer+"/federation/price", p)
		}
	})
	return nil
}

// RunLoop ticks Announce every cfg.PublishIntervalMs until ctx is
// cancelled, logging (not failing) on transient announce errors.
func (f *Federation) RunLoop(ctx context.Context) {
	interval := time.Duration(f.cfg.PublishIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.Announce(ctx); err != nil && f.log != nil {
				f.log.Warn("federation announce failed", "error", err)
			}
		}
	}
}

// AuctionResult is runAuctionAndAward's composed outcome.
type AuctionResult struct {
	Award      *Award
	WinnerPeer string
}

// RunAuctionAndAward fans RFB out to every peer, collects bids, awards the
// cheapest, and publishes the award to the winner, per spec.md §4.8's
// "runFederationAuction" / "selectAwardFromBids" / "publishAward" trio.
func (f *Federation) RunAuctionAndAward(ctx context.Context, rfb RFB) (AuctionResult, error) {
	bids := f.runFederationAuction(ctx, rfb)
	f.mu.Lock()
	f.bids[rfb.JobID] = bids
	f.mu.Unlock()

	award, winner, ok := selectAwardFromBids(rfb, bids)
	if !ok {
		return AuctionResult{}, nil
	}
	signed, err := signPayload(f.keyPair, award)
	if err != nil {
		return AuctionResult{}, err
	}
	f.mu.Lock()
	f.awards[rfb.JobID] = award
	f.mu.Unlock()
	f.postJSON(ctx, winner+"/federation/award", signed)
	return AuctionResult{Award: &award, WinnerPeer: winner}, nil
}

func (f *Federation) runFederationAuction(ctx context.Context, rfb RFB) []Bid {
	concurrency := f.cfg.AuctionConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	signed, err := signPayload(f.keyPair, rfb)
	if err != nil {
		return nil
	}

	var mu sync.Mutex
	var bids []Bid
	f.fanOut(ctx, f.cfg.Peers, concurrency, func(peer string) {
		var out envelope.Envelope[Bid]
		if err := f.postJSONExpectResponse(ctx, peer+"/federation/rfb", signed, &out); err != nil {
			return
		}
		if !envelope.Verify(out) {
			return
		}
		mu.Lock()
		bids = append(bids, out.Payload)
		mu.Unlock()
	})
	return bids
}

// selectAwardFromBids sorts bids ascending by priceMsat and builds an
// unsigned Award for the cheapest bid whose routerId appears among bids.
func selectAwardFromBids(rfb RFB, bids []Bid) (Award, string, bool) {
	if len(bids) == 0 {
		return Award{}, "", false
	}
	sorted := make([]Bid, len(bids))
	copy(sorted, bids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PriceMsat < sorted[j].PriceMsat })
	best := sorted[0]
	return Award{JobID: rfb.JobID, RouterID: best.RouterID, BidHash: best.BidHash}, best.RouterID, true
}

// RespondToBid implements the federation responder side of an inbound RFB:
// refuse if locally saturated, lacking the capability, or lacking a price
// sheet for the job type; otherwise price the job and refuse if it clears
// either the caller's max price or the local privacy ceiling.
func (f *Federation) RespondToBid(rfb RFB) (Bid, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.localStatus.State == StatusSaturated {
		return Bid{}, false
	}
	if !containsString(f.localCaps.JobTypes, rfb.JobType) {
		return Bid{}, false
	}
	sheet, ok := f.localPrices[rfb.JobType]
	if !ok {
		return Bid{}, false
	}
	if rfb.PrivacyLevel > f.cfg.MaxPrivacyLevel {
		return Bid{}, false
	}
	price := priceFor(sheet, rfb.Units)
	if price > rfb.MaxPriceMsat {
		return Bid{}, false
	}
	return Bid{JobID: rfb.JobID, BidHash: rfb.JobHash, RouterID: f.localCaps.RouterID, PriceMsat: price}, true
}

func priceFor(sheet PriceSheet, units float64) int64 {
	surge := sheet.SurgeMultiplier
	if surge <= 0 {
		surge = 1
	}
	return int64(float64(sheet.BasePriceMsat) * surge * units)
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

// SubmitJob records an inbound job in SUBMITTED state.
func (f *Federation) SubmitJob(submit JobSubmit) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[submit.JobID] = &Job{JobID: submit.JobID, State: JobSubmitted, Submit: submit, UpdatedAtMs: f.now().UnixMilli()}
}

// RecordResult transitions a job SUBMITTED -> RESULTED.
func (f *Federation) RecordResult(result JobResult) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[result.JobID]
	if !ok || job.State != JobSubmitted {
		return false
	}
	job.Result = &result
	job.State = JobResulted
	job.UpdatedAtMs = f.now().UnixMilli()
	return true
}

// RequestPayment turns a RESULTED job's worker receipt into a signed
// PaymentRequest for the worker's payee id, transitioning the job to
// PAYMENT_REQUESTED, and remembers it on the federation ledger.
func (f *Federation) RequestPayment(jobID string, amountSats int64) (model.PaymentRequest, bool) {
	f.mu.Lock()
	job, ok := f.jobs[jobID]
	if !ok || job.State != JobResulted {
		f.mu.Unlock()
		return model.PaymentRequest{}, false
	}
	job.State = JobPaymentRequested
	job.UpdatedAtMs = f.now().UnixMilli()
	payeeID := job.Result.Receipt.NodeID
	f.mu.Unlock()

	key := model.LedgerKey(jobID, "node", payeeID)
	req, _ := f.payments.IssueOrGet(key, func(now time.Time) model.PaymentRequest {
		return model.PaymentRequest{
			RequestID:   jobID,
			PayeeType:   "node",
			PayeeID:     payeeID,
			AmountSats:  amountSats,
			ExpiresAtMs: now.Add(10 * time.Minute).UnixMilli(),
		}
	})
	return req, true
}

// RecordPaymentReceipt accepts a settling client's receipt for jobId and,
// on success, transitions the job to SETTLED.
func (f *Federation) RecordPaymentReceipt(jobID, payeeID string, receipt model.PaymentReceipt) error {
	key := model.LedgerKey(jobID, "node", payeeID)
	if err := f.payments.AcceptReceipt(key, receipt); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if job, ok := f.jobs[jobID]; ok && job.State == JobPaymentRequested {
		job.State = JobSettled
		job.UpdatedAtMs = f.now().UnixMilli()
	}
	return nil
}

// LocalSnapshot returns this router's own advertised capabilities, status,
// and price sheets, for the self/* read endpoints.
func (f *Federation) LocalSnapshot() (Capabilities, Status, []PriceSheet) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prices := make([]PriceSheet, 0, len(f.localPrices))
	for _, p := range f.localPrices {
		prices = append(prices, p)
	}
	return f.localCaps, f.localStatus, prices
}

// Job returns a snapshot of jobId's tracked state.
func (f *Federation) Job(jobID string) (Job, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

func signPayload[T any](kp *keys.KeyPair, payload T) (envelope.Envelope[T], error) {
	env := envelope.Build(payload, uuid.NewString(), time.Now().UnixMilli(), kp.KeyID())
	return envelope.Sign(env, kp.Private)
}

// fanOut dispatches fn to every peer, bounded by concurrency in-flight
// calls and paced by f.outbound so a burst of peers doesn't all dial out
// in the same instant. Adapted from the escrow-gateway webhook queue's
// bounded-delivery idiom, generalized from a queue-drain loop to a
// per-tick fanout.
func (f *Federation) fanOut(ctx context.Context, peers []string, concurrency int, fn func(peer string)) {
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for _, peer := range peers {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if f.outbound != nil {
			if err := f.outbound.Wait(ctx); err != nil {
				return
			}
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(peer string) {
			defer wg.Done()
			defer func() { <-sem }()
			fn(peer)
		}(peer)
	}
	wg.Wait()
}

func (f *Federation) postJSON(ctx context.Context, url string, body any) {
	_ = f.postJSONExpectResponse(ctx, url, body, nil)
}

func (f *Federation) postJSONExpectResponse(ctx context.Context, url string, body any, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errStatus(resp.StatusCode, url)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func errStatus(code int, url string) error {
	return fmt.Errorf("federation: unexpected status %d from %s", code, url)
}
