package ledger_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/pool-ledger/ledger"
)

func TestQuery_UserTransactionsNewestFirst(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	u := fundedUser(t, l, "u@example.com", "0")
	var ids []ledger.TransactionID
	for _, amount := range []string{"1", "2", "3"} {
		res, err := l.Apply(ctx, ledger.Request{Type: ledger.TxReload, Emitter: string(u.ID), Amount: amount})
		require.NoError(t, err)
		ids = append(ids, res.Transaction.ID)
	}

	txs, err := l.UserTransactions(ctx, u.ID)

	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, ids[2], txs[0].ID)
	assert.Equal(t, ids[1], txs[1].ID)
	assert.Equal(t, ids[0], txs[2].ID)
	requireAmount(t, "6", balanceOf(t, l, u.ID))
}

func TestQuery_EventExpensesOnly(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	u := fundedUser(t, l, "u@example.com", "50")
	e := newEvent(t, l, u.ID, "1")
	_, err := l.Apply(ctx, ledger.Request{Type: ledger.TxPayment, Emitter: string(u.ID), Recipient: string(e.ID), Amount: "40"})
	require.NoError(t, err)
	for _, amount := range []string{"7.5", "2.25"} {
		_, err := l.Apply(ctx, ledger.Request{Type: ledger.TxExpense, Emitter: string(e.ID), Amount: amount, Category: "food"})
		require.NoError(t, err)
	}

	expenses, err := l.EventExpenses(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, expenses, 2)
	for _, tx := range expenses {
		assert.Equal(t, ledger.TxExpense, tx.Type)
	}
	requireAmount(t, "7.5", expenses[0].Amount)

	payments, err := l.EventPayments(ctx, e.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 1)

	all, err := l.EventTransactions(ctx, e.ID)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestQuery_GuestShares(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	u := fundedUser(t, l, "u@example.com", "20")
	e := newEvent(t, l, u.ID, "1", guest("g@example.com", "3"))
	_, err := l.Apply(ctx, ledger.Request{Type: ledger.TxPayment, Emitter: string(u.ID), Recipient: string(e.ID), Amount: "20"})
	require.NoError(t, err)

	shares, err := l.GuestShares(ctx, e.ID)

	require.NoError(t, err)
	require.Len(t, shares, 2)
	requireAmount(t, "5", shares[0].Due)
	requireAmount(t, "15", shares[1].Due)
	assert.Equal(t, "g@example.com", shares[1].Email)
}

func TestQuery_NotFound(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Balance(ctx, "nobody")
	assert.True(t, ledger.IsNotFound(err))

	_, err = l.UserTransactions(ctx, "nobody")
	assert.True(t, ledger.IsNotFound(err))

	_, err = l.EventExpenses(ctx, "nothing")
	assert.True(t, ledger.IsNotFound(err))

	_, err = l.Transaction(ctx, "tx-none")
	assert.True(t, ledger.IsNotFound(err))
}
