package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"infermesh/internal/model"
)

func TestIssueOrGetSynthesizesOnceThenReturnsExisting(t *testing.T) {
	l := New(ScopeClient)
	base := time.Now()
	l.SetClock(func() time.Time { return base })

	calls := 0
	build := func(now time.Time) model.PaymentRequest {
		calls++
		return model.PaymentRequest{
			RequestID:   "r1",
			PayeeType:   "node",
			PayeeID:     "n1",
			AmountSats:  100,
			ExpiresAtMs: now.Add(5 * time.Minute).UnixMilli(),
		}
	}

	key := model.LedgerKey("r1", "node", "n1")
	first, outcome := l.IssueOrGet(key, build)
	require.Equal(t, OutcomeIssued, outcome)
	require.Equal(t, int64(100), first.AmountSats)
	require.Equal(t, 1, calls)

	second, outcome2 := l.IssueOrGet(key, build)
	require.Equal(t, OutcomeExisting, outcome2)
	require.Equal(t, first, second)
	require.Equal(t, 1, calls, "should not re-synthesize while request is live")
}

func TestIssueOrGetResynthesizesAfterExpiry(t *testing.T) {
	l := New(ScopeClient)
	base := time.Now()
	l.SetClock(func() time.Time { return base })

	key := model.LedgerKey("r1", "node", "n1")
	build := func(now time.Time) model.PaymentRequest {
		return model.PaymentRequest{RequestID: "r1", AmountSats: 100, ExpiresAtMs: now.Add(time.Minute).UnixMilli()}
	}
	_, _ = l.IssueOrGet(key, build)

	l.SetClock(func() time.Time { return base.Add(2 * time.Minute) })
	_, outcome := l.IssueOrGet(key, build)
	require.Equal(t, OutcomeIssued, outcome)
}

func TestAcceptReceiptFailsWithoutLiveRequest(t *testing.T) {
	l := New(ScopeClient)
	err := l.AcceptReceipt("missing", model.PaymentReceipt{AmountSats: 1})
	require.ErrorIs(t, err, ErrRequestNotFound)
}

func TestAcceptReceiptRejectsAmountMismatch(t *testing.T) {
	l := New(ScopeClient)
	key := model.LedgerKey("r1", "node", "n1")
	l.IssueOrGet(key, func(now time.Time) model.PaymentRequest {
		return model.PaymentRequest{RequestID: "r1", AmountSats: 100, ExpiresAtMs: now.Add(time.Minute).UnixMilli()}
	})
	err := l.AcceptReceipt(key, model.PaymentReceipt{RequestID: "r1", AmountSats: 50})
	require.ErrorIs(t, err, ErrAmountMismatch)
}

func TestAcceptReceiptRejectsInvoiceMismatch(t *testing.T) {
	l := New(ScopeClient)
	key := model.LedgerKey("r1", "node", "n1")
	l.IssueOrGet(key, func(now time.Time) model.PaymentRequest {
		return model.PaymentRequest{RequestID: "r1", AmountSats: 100, Invoice: "inv-a", ExpiresAtMs: now.Add(time.Minute).UnixMilli()}
	})
	err := l.AcceptReceipt(key, model.PaymentReceipt{RequestID: "r1", AmountSats: 100, Invoice: "inv-b"})
	require.ErrorIs(t, err, ErrInvoiceMismatch)
}

func TestAcceptReceiptSucceedsAndIsRetrievable(t *testing.T) {
	l := New(ScopeClient)
	key := model.LedgerKey("r1", "node", "n1")
	l.IssueOrGet(key, func(now time.Time) model.PaymentRequest {
		return model.PaymentRequest{RequestID: "r1", AmountSats: 100, ExpiresAtMs: now.Add(time.Minute).UnixMilli()}
	})
	err := l.AcceptReceipt(key, model.PaymentReceipt{RequestID: "r1", AmountSats: 100, PaymentHash: "hash1"})
	require.NoError(t, err)

	stored, ok := l.Receipt(key)
	require.True(t, ok)
	require.Equal(t, "hash1", stored.PaymentHash)
}

func TestReceiptSingleUseAcrossDifferentRequestIDs(t *testing.T) {
	l := New(ScopeClient)
	keyA := model.LedgerKey("r1", "node", "n1")
	keyB := model.LedgerKey("r2", "node", "n1")
	build := func(now time.Time) model.PaymentRequest {
		return model.PaymentRequest{AmountSats: 100, ExpiresAtMs: now.Add(time.Minute).UnixMilli()}
	}
	l.IssueOrGet(keyA, build)
	l.IssueOrGet(keyB, build)

	require.NoError(t, l.AcceptReceipt(keyA, model.PaymentReceipt{RequestID: "r1", AmountSats: 100, PaymentHash: "shared-hash"}))

	err := l.AcceptReceipt(keyB, model.PaymentReceipt{RequestID: "r2", AmountSats: 100, PaymentHash: "shared-hash"})
	require.ErrorIs(t, err, ErrReceiptReused)
}

func TestReconcileFlagsExpiredRequestsPastGrace(t *testing.T) {
	l := New(ScopeFederation)
	base := time.Now()
	l.SetClock(func() time.Time { return base })

	key := model.LedgerKey("r1", "router", "peer-a")
	l.IssueOrGet(key, func(now time.Time) model.PaymentRequest {
		return model.PaymentRequest{AmountSats: 1, ExpiresAtMs: now.Add(time.Minute).UnixMilli()}
	})

	l.SetClock(func() time.Time { return base.Add(2 * time.Minute) })
	flagged := l.Reconcile(30 * time.Second)
	require.Contains(t, flagged, key)
}

func TestReconcileSkipsRequestsWithReceipts(t *testing.T) {
	l := New(ScopeClient)
	base := time.Now()
	l.SetClock(func() time.Time { return base })

	key := model.LedgerKey("r1", "node", "n1")
	l.IssueOrGet(key, func(now time.Time) model.PaymentRequest {
		return model.PaymentRequest{RequestID: "r1", AmountSats: 1, ExpiresAtMs: now.Add(time.Minute).UnixMilli()}
	})
	require.NoError(t, l.AcceptReceipt(key, model.PaymentReceipt{RequestID: "r1", AmountSats: 1}))

	l.SetClock(func() time.Time { return base.Add(2 * time.Minute) })
	flagged := l.Reconcile(30 * time.Second)
	require.Empty(t, flagged)
}

func TestPruneExpiredRemovesOldEntries(t *testing.T) {
	l := New(ScopeClient)
	base := time.Now()
	l.SetClock(func() time.Time { return base })

	key := model.LedgerKey("r1", "node", "n1")
	l.IssueOrGet(key, func(now time.Time) model.PaymentRequest {
		return model.PaymentRequest{AmountSats: 1, ExpiresAtMs: now.UnixMilli()}
	})

	l.SetClock(func() time.Time { return base.Add(time.Hour) })
	l.PruneExpired(10 * time.Minute)

	_, ok := l.Request(key)
	require.False(t, ok)
}
