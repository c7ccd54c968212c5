package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// BALANCE QUERY SERVICE - read-only projections, no locks taken
// =============================================================================

// Balance returns a user's current balance.
func (l *Ledger) Balance(ctx context.Context, userID UserID) (decimal.Decimal, error) {
	u, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return u.Balance, nil
}

// UserTransactions returns a user's transactions, most recent first.
func (l *Ledger) UserTransactions(ctx context.Context, userID UserID) ([]Transaction, error) {
	u, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	ids := make([]TransactionID, len(u.TransactionIDs))
	for i, id := range u.TransactionIDs {
		ids[len(ids)-1-i] = id
	}
	return l.store.ListTransactions(ctx, ids)
}

// EventTransactions returns an event's transactions in commit order.
func (l *Ledger) EventTransactions(ctx context.Context, eventID EventID) ([]Transaction, error) {
	e, err := l.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return l.store.ListTransactions(ctx, e.TransactionIDs)
}

// EventExpenses returns an event's expense transactions in commit order.
func (l *Ledger) EventExpenses(ctx context.Context, eventID EventID) ([]Transaction, error) {
	return l.eventTransactionsOfType(ctx, eventID, TxExpense)
}

// EventPayments returns the payments made into an event's pool.
func (l *Ledger) EventPayments(ctx context.Context, eventID EventID) ([]Transaction, error) {
	return l.eventTransactionsOfType(ctx, eventID, TxPayment)
}

func (l *Ledger) eventTransactionsOfType(ctx context.Context, eventID EventID, t TransactionType) ([]Transaction, error) {
	txs, err := l.EventTransactions(ctx, eventID)
	if err != nil {
		return nil, err
	}
	out := make([]Transaction, 0, len(txs))
	for _, tx := range txs {
		if tx.Type == t {
			out = append(out, tx)
		}
	}
	return out, nil
}

// Transaction returns a single transaction by id.
func (l *Ledger) Transaction(ctx context.Context, id TransactionID) (*Transaction, error) {
	return l.store.GetTransaction(ctx, id)
}

// GuestShare is a guest's standing in the current payment cycle.
type GuestShare struct {
	Guest
	Due decimal.Decimal `json:"due"`
}

// GuestShares returns each guest with its canonical portion of the pool
// (TotalSum / ShareAmount * share), allocated in cents like a refund.
func (l *Ledger) GuestShares(ctx context.Context, eventID EventID) ([]GuestShare, error) {
	e, err := l.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	due := guestDues(e)
	out := make([]GuestShare, len(e.Guests))
	for i, g := range e.Guests {
		out[i] = GuestShare{Guest: g, Due: due[i]}
	}
	return out, nil
}

// guestDues splits the pool by share in cents, in guest order.
func guestDues(e *Event) []decimal.Decimal {
	shares := make([]decimal.Decimal, len(e.Guests))
	for i, g := range e.Guests {
		shares[i] = g.Share
	}
	return Allocate(e.TotalSum, shares)
}
