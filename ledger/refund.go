/*
refund.go - Refund Distributor

PURPOSE:
  Returns an event's pooled TotalSum to its guests in proportion to their
  shares:

    perShare = TotalSum / ShareAmount
    credit_i = perShare * share_i

ROUNDING:
  Credits are held to cents. Each raw credit is floored and the leftover
  cents go to the guests with the largest remainders (ties by guest order),
  so the credits sum to exactly TotalSum.

MISSING USERS:
  A guest whose user record no longer exists is skipped. The refund still
  commits and the Result carries a PartialCreditWarning naming the skipped
  guests. What happens to their portion depends on RefundPolicy:

    RefundZeroPool         pool is zeroed anyway (default)
    RefundRetainUnclaimed  uncredited portions stay in the pool

  A refund ends the payment cycle: every guest's HasPaid is cleared.

SEE ALSO:
  - engine.go: Apply routes TxRefund here
*/
package ledger

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
)

// RefundPolicy decides what happens to portions that could not be credited.
type RefundPolicy int

const (
	RefundZeroPool RefundPolicy = iota
	RefundRetainUnclaimed
)

var cent = decimal.New(1, -CentPlaces)

// Allocate splits total across shares proportionally, in whole cents.
// The result sums to total exactly. total must be a non-negative cent
// amount and the shares must not sum to zero.
func Allocate(total decimal.Decimal, shares []decimal.Decimal) []decimal.Decimal {
	sum := decimal.Zero
	for _, s := range shares {
		sum = sum.Add(s)
	}
	out := make([]decimal.Decimal, len(shares))
	if sum.IsZero() {
		for i := range out {
			out[i] = decimal.Zero
		}
		return out
	}

	remainders := make([]decimal.Decimal, len(shares))
	allocated := decimal.Zero
	var eligible []int
	for i, s := range shares {
		raw := total.Mul(s).Div(sum)
		out[i] = raw.RoundFloor(CentPlaces)
		remainders[i] = raw.Sub(out[i])
		allocated = allocated.Add(out[i])
		if s.IsPositive() {
			eligible = append(eligible, i)
		}
	}

	sort.SliceStable(eligible, func(a, b int) bool {
		return remainders[eligible[a]].GreaterThan(remainders[eligible[b]])
	})
	leftover := total.Sub(allocated).Div(cent).IntPart()
	for k := int64(0); k < leftover && len(eligible) > 0; k++ {
		i := eligible[k%int64(len(eligible))]
		out[i] = out[i].Add(cent)
	}
	return out
}

func (l *Ledger) applyRefund(ctx context.Context, req Request) (*Result, error) {
	eventID := req.EventID
	unlockEvent := l.locks.Lock(eventKey(eventID))
	defer unlockEvent()

	// Guests cannot change while the event lock is held, so this read
	// tells us which users to lock.
	current, err := l.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(current.Guests))
	for _, g := range current.Guests {
		keys = append(keys, userKey(g.UserID))
	}
	unlockUsers := l.locks.Lock(keys...)
	defer unlockUsers()

	tx := l.newTransaction(req, decimal.Zero)
	var warning *PartialCreditWarning

	err = l.store.WithTx(ctx, func(s Store) error {
		event, err := s.GetEvent(ctx, eventID)
		if err != nil {
			return err
		}
		if event.ShareAmount.IsZero() {
			return &NoGuestsError{EventID: eventID}
		}
		if event.TotalSum.IsNegative() {
			return &InvalidOperationError{Op: "refund", Reason: "pool is negative"}
		}

		shares := make([]decimal.Decimal, len(event.Guests))
		for i, g := range event.Guests {
			shares[i] = g.Share
		}
		credits := Allocate(event.TotalSum, shares)

		// Read and credit in memory first; write only once everything resolved.
		users := make(map[UserID]*User)
		var order []UserID
		credited := decimal.Zero
		var skipped []SkippedGuest
		for i, g := range event.Guests {
			u, ok := users[g.UserID]
			if !ok {
				u, err = s.GetUser(ctx, g.UserID)
				if IsNotFound(err) {
					skipped = append(skipped, SkippedGuest{UserID: g.UserID, Email: g.Email, Amount: credits[i]})
					continue
				}
				if err != nil {
					return err
				}
				users[g.UserID] = u
				order = append(order, g.UserID)
				u.TransactionIDs = append(u.TransactionIDs, tx.ID)
			}
			u.Balance = u.Balance.Add(credits[i])
			credited = credited.Add(credits[i])
		}

		remaining := decimal.Zero
		if len(skipped) > 0 {
			uncredited := event.TotalSum.Sub(credited)
			warning = &PartialCreditWarning{
				EventID:    eventID,
				Skipped:    skipped,
				Uncredited: uncredited,
				Retained:   l.refundPolicy == RefundRetainUnclaimed,
			}
			if warning.Retained {
				remaining = uncredited
			}
		}

		tx.Amount = credited
		if err := s.PutTransaction(ctx, tx); err != nil {
			return err
		}
		for _, id := range order {
			if err := s.PutUser(ctx, users[id]); err != nil {
				return err
			}
		}
		event.TotalSum = remaining
		event.TransactionIDs = append(event.TransactionIDs, tx.ID)
		event.resetPaymentCycle()
		return s.PutEvent(ctx, event)
	})
	if err != nil {
		return nil, err
	}

	if warning != nil {
		l.observer.ObserveSkippedGuests(len(warning.Skipped))
		l.logger.WarnContext(ctx, "refund skipped guests",
			"event_id", eventID,
			"skipped", len(warning.Skipped),
			"uncredited", warning.Uncredited.StringFixed(CentPlaces),
			"retained", warning.Retained)
	}
	return &Result{Transaction: *tx, Warning: warning}, nil
}
