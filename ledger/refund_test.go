package ledger_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/pool-ledger/ledger"
)

// =============================================================================
// ALLOCATION
// =============================================================================

func TestAllocate(t *testing.T) {
	tests := []struct {
		name   string
		total  string
		shares []string
		want   []string
	}{
		{"even split", "20", []string{"1", "3"}, []string{"5", "15"}},
		{"thirds give leftover cent to first", "10", []string{"1", "1", "1"}, []string{"3.34", "3.33", "3.33"}},
		{"largest remainder wins", "1", []string{"1", "2"}, []string{"0.33", "0.67"}},
		{"zero share gets nothing", "9.99", []string{"0", "1"}, []string{"0", "9.99"}},
		{"fractional shares", "7", []string{"0.5", "1.5", "1.5"}, []string{"1", "3", "3"}},
		{"empty pool", "0", []string{"2", "2"}, []string{"0", "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shares := make([]decimal.Decimal, len(tt.shares))
			for i, s := range tt.shares {
				shares[i] = dec(s)
			}

			got := ledger.Allocate(dec(tt.total), shares)

			require.Len(t, got, len(tt.want))
			sum := decimal.Zero
			for i, w := range tt.want {
				requireAmount(t, w, got[i])
				sum = sum.Add(got[i])
			}
			requireAmount(t, tt.total, sum)
		})
	}
}

// =============================================================================
// DISTRIBUTION
// =============================================================================

func TestRefund_NoGuests(t *testing.T) {
	l, _ := newTestLedger(t)

	// GIVEN: an event whose only participant has weight 0
	org := fundedUser(t, l, "org@example.com", "0")
	e := newEvent(t, l, org.ID, "0")

	_, err := l.Apply(context.Background(), ledger.Request{Type: ledger.TxRefund, Emitter: string(e.ID)})

	var noGuests *ledger.NoGuestsError
	require.ErrorAs(t, err, &noGuests)
	assert.Equal(t, e.ID, noGuests.EventID)
}

func TestRefund_UnknownEvent(t *testing.T) {
	l, _ := newTestLedger(t)

	_, err := l.Apply(context.Background(), ledger.Request{Type: ledger.TxRefund, Emitter: "missing"})

	assert.True(t, ledger.IsNotFound(err))
}

func TestRefund_SkipsMissingGuest_ZeroPool(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	// GIVEN: a pool of 30 shared by three guests, one of whom was deleted
	org := fundedUser(t, l, "org@example.com", "30")
	e := newEvent(t, l, org.ID, "1", guest("a@example.com", "1"), guest("gone@example.com", "1"))
	_, err := l.Apply(ctx, ledger.Request{Type: ledger.TxPayment, Emitter: string(org.ID), Recipient: string(e.ID), Amount: "30"})
	require.NoError(t, err)
	gone, err := l.FindUserByEmail(ctx, "gone@example.com")
	require.NoError(t, err)
	require.NoError(t, l.DeleteUser(ctx, gone.ID))

	// WHEN: refunding
	res, err := l.Apply(ctx, ledger.Request{Type: ledger.TxRefund, Emitter: string(e.ID)})

	// THEN: the refund commits with a warning and the pool is zeroed
	require.NoError(t, err)
	require.NotNil(t, res.Warning)
	require.Len(t, res.Warning.Skipped, 1)
	assert.Equal(t, "gone@example.com", res.Warning.Skipped[0].Email)
	requireAmount(t, "10", res.Warning.Uncredited)
	assert.False(t, res.Warning.Retained)
	requireAmount(t, "20", res.Transaction.Amount)

	requireAmount(t, "10", balanceOf(t, l, org.ID))
	a, err := l.FindUserByEmail(ctx, "a@example.com")
	require.NoError(t, err)
	requireAmount(t, "10", a.Balance)
	requireAmount(t, "0", poolOf(t, l, e.ID))
}

func TestRefund_SkipsMissingGuest_RetainUnclaimed(t *testing.T) {
	obs := &countingObserver{outcomes: map[string]int{}}
	l, _ := newTestLedgerWith(t, ledger.Options{RefundPolicy: ledger.RefundRetainUnclaimed, Observer: obs})
	ctx := context.Background()

	org := fundedUser(t, l, "org@example.com", "30")
	e := newEvent(t, l, org.ID, "1", guest("gone@example.com", "2"))
	_, err := l.Apply(ctx, ledger.Request{Type: ledger.TxPayment, Emitter: string(org.ID), Recipient: string(e.ID), Amount: "30"})
	require.NoError(t, err)
	gone, err := l.FindUserByEmail(ctx, "gone@example.com")
	require.NoError(t, err)
	require.NoError(t, l.DeleteUser(ctx, gone.ID))

	res, err := l.Apply(ctx, ledger.Request{Type: ledger.TxRefund, Emitter: string(e.ID)})

	// THEN: the missing guest's 20 stays in the pool; credits + pool == 30
	require.NoError(t, err)
	require.NotNil(t, res.Warning)
	assert.True(t, res.Warning.Retained)
	requireAmount(t, "10", res.Transaction.Amount)
	requireAmount(t, "10", balanceOf(t, l, org.ID))
	requireAmount(t, "20", poolOf(t, l, e.ID))
	assert.Equal(t, 1, obs.skipped)
}

func TestRefund_EmptyPoolStillCommits(t *testing.T) {
	l, _ := newTestLedger(t)
	org := fundedUser(t, l, "org@example.com", "0")
	e := newEvent(t, l, org.ID, "1")

	res, err := l.Apply(context.Background(), ledger.Request{Type: ledger.TxRefund, Emitter: string(e.ID)})

	require.NoError(t, err)
	requireAmount(t, "0", res.Transaction.Amount)
	requireAmount(t, "0", poolOf(t, l, e.ID))
}

func TestRefund_ConservesMoneyWithOddShares(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	// GIVEN: 100 split across weights 1, 1, 1 (not divisible in cents)
	org := fundedUser(t, l, "org@example.com", "100")
	e := newEvent(t, l, org.ID, "1", guest("b@example.com", "1"), guest("c@example.com", "1"))
	_, err := l.Apply(ctx, ledger.Request{Type: ledger.TxPayment, Emitter: string(org.ID), Recipient: string(e.ID), Amount: "100"})
	require.NoError(t, err)

	_, err = l.Apply(ctx, ledger.Request{Type: ledger.TxRefund, Emitter: string(e.ID)})
	require.NoError(t, err)

	// THEN: the three balances add back up to exactly 100
	total := balanceOf(t, l, org.ID)
	for _, email := range []string{"b@example.com", "c@example.com"} {
		u, err := l.FindUserByEmail(ctx, email)
		require.NoError(t, err)
		total = total.Add(u.Balance)
	}
	requireAmount(t, "100", total)
	requireAmount(t, "0", poolOf(t, l, e.ID))
}
