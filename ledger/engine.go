/*
engine.go - Transaction Engine

PURPOSE:
  Apply validates and commits one transaction request:

    reload   emitter(User), amount      user.Balance += amount
    payment  emitter(User) -> Event     user.Balance -= amount, event.TotalSum += amount
    expense  emitter(Event), amount     event.TotalSum -= amount
    refund   emitter(Event)             see refund.go

VALIDATION ORDER (first failure wins, nothing is written):
  1. required fields present and non-empty       -> ValidationError
  2. amount numeric with <= 2 fractional digits  -> ValidationError
  3. referenced User / Event exists              -> NotFoundError
  4. balance / pool sufficiency                  -> InsufficientFundsError

  Sufficiency is checked against the value read under the entity lock,
  before any mutation.

IDEMPOTENCY:
  A request carrying an IdempotencyKey that was already committed returns
  the original transaction with Replayed=true and changes nothing.

SEE ALSO:
  - refund.go: Refund distribution
  - errors.go: Error taxonomy
*/
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Request is a transaction submission. Amount is the raw client value so
// that numeric validation happens in the engine, in order.
type Request struct {
	Type           TransactionType
	Amount         string
	Emitter        string
	Recipient      string
	EventID        EventID
	Name           string
	Category       string
	Invoice        string
	Date           time.Time
	IdempotencyKey string

	// Settle marks the paying guest's HasPaid flag (payments only).
	Settle bool
}

// Result is a committed (or replayed) transaction.
type Result struct {
	Transaction Transaction           `json:"transaction"`
	Replayed    bool                  `json:"replayed,omitempty"`
	Warning     *PartialCreditWarning `json:"warning,omitempty"`
}

// Apply validates and commits a transaction request.
func (l *Ledger) Apply(ctx context.Context, req Request) (res *Result, err error) {
	start := time.Now()
	defer func() {
		l.observer.ObserveTransaction(req.Type, outcomeOf(res, err), time.Since(start))
	}()

	if err := req.validate(); err != nil {
		return nil, err
	}

	var amount decimal.Decimal
	if req.Type != TxRefund {
		if amount, err = ParseAmount(req.Amount); err != nil {
			return nil, err
		}
	}

	if req.IdempotencyKey != "" {
		if res, err := l.replay(ctx, req, amount); res != nil || err != nil {
			return res, err
		}
	}

	switch req.Type {
	case TxReload:
		res, err = l.applyReload(ctx, req, amount)
	case TxPayment:
		res, err = l.applyPayment(ctx, req, amount)
	case TxExpense:
		res, err = l.applyExpense(ctx, req, amount)
	case TxRefund:
		res, err = l.applyRefund(ctx, req)
	}

	// A concurrent request with the same key won the insert.
	if errors.Is(err, ErrDuplicateIdempotencyKey) && req.IdempotencyKey != "" {
		if replayed, rerr := l.replay(ctx, req, amount); replayed != nil {
			return replayed, nil
		} else if rerr != nil {
			return nil, rerr
		}
	}
	if err != nil {
		l.logger.DebugContext(ctx, "transaction rejected", "type", req.Type, "emitter", req.Emitter, "error", err)
		return nil, err
	}
	l.logger.InfoContext(ctx, "transaction committed",
		"tx_id", res.Transaction.ID,
		"type", res.Transaction.Type,
		"amount", res.Transaction.Amount.StringFixed(CentPlaces))
	return res, nil
}

// validate checks required fields (step 1).
func (r *Request) validate() error {
	if r.Type == "" {
		return &ValidationError{Field: "type", Reason: "is required"}
	}
	if !r.Type.Valid() {
		return &ValidationError{Field: "type", Reason: "must be one of reload, payment, expense, refund"}
	}
	r.Emitter = strings.TrimSpace(r.Emitter)
	r.Recipient = strings.TrimSpace(r.Recipient)
	if r.Emitter == "" {
		return &ValidationError{Field: "emitter", Reason: "is required"}
	}
	if r.Type != TxRefund && strings.TrimSpace(r.Amount) == "" {
		return &ValidationError{Field: "amount", Reason: "is required"}
	}

	switch r.Type {
	case TxReload:
		if r.Recipient == "" {
			r.Recipient = r.Emitter
		}
		if r.Recipient != r.Emitter {
			return &ValidationError{Field: "recipient", Reason: "reload must credit the emitter"}
		}
	case TxPayment:
		if r.Recipient == "" {
			r.Recipient = string(r.EventID)
		}
		if r.Recipient == "" {
			return &ValidationError{Field: "recipient", Reason: "is required"}
		}
		if r.EventID != "" && string(r.EventID) != r.Recipient {
			return &ValidationError{Field: "eventId", Reason: "must match recipient"}
		}
		r.EventID = EventID(r.Recipient)
	case TxExpense, TxRefund:
		if r.EventID != "" && string(r.EventID) != r.Emitter {
			return &ValidationError{Field: "eventId", Reason: "must match emitter"}
		}
		r.EventID = EventID(r.Emitter)
	}
	if r.Settle && r.Type != TxPayment {
		return &ValidationError{Field: "settle", Reason: "only applies to payments"}
	}
	return nil
}

// =============================================================================
// KINDS
// =============================================================================

func (l *Ledger) applyReload(ctx context.Context, req Request, amount decimal.Decimal) (*Result, error) {
	userID := UserID(req.Emitter)
	unlock := l.locks.Lock(userKey(userID))
	defer unlock()

	tx := l.newTransaction(req, amount)
	err := l.store.WithTx(ctx, func(s Store) error {
		user, err := s.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		next := user.Balance.Add(amount)
		if next.IsNegative() {
			return &InsufficientFundsError{Holder: string(userID), Available: user.Balance, Requested: amount.Neg()}
		}
		if err := checkCents("reload", next); err != nil {
			return err
		}

		if err := s.PutTransaction(ctx, tx); err != nil {
			return err
		}
		user.Balance = next
		user.TransactionIDs = append(user.TransactionIDs, tx.ID)
		return s.PutUser(ctx, user)
	})
	if err != nil {
		return nil, err
	}
	return &Result{Transaction: *tx}, nil
}

func (l *Ledger) applyPayment(ctx context.Context, req Request, amount decimal.Decimal) (*Result, error) {
	userID, eventID := UserID(req.Emitter), req.EventID
	unlock := l.locks.Lock(eventKey(eventID), userKey(userID))
	defer unlock()

	tx := l.newTransaction(req, amount)
	err := l.store.WithTx(ctx, func(s Store) error {
		user, err := s.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		event, err := s.GetEvent(ctx, eventID)
		if err != nil {
			return err
		}
		if user.Balance.LessThan(amount) {
			return &InsufficientFundsError{Holder: string(userID), Available: user.Balance, Requested: amount}
		}
		guest := event.GuestIndex(userID)
		if req.Settle {
			if guest < 0 {
				return &ValidationError{Field: "emitter", Reason: "is not a guest of the event"}
			}
			// measured before this payment lands in the pool
			if due := guestDues(event)[guest]; amount.LessThan(due) {
				return &ValidationError{Field: "amount", Reason: "is below the share due (" + due.StringFixed(CentPlaces) + ")"}
			}
		}

		userNext, poolNext := user.Balance.Sub(amount), event.TotalSum.Add(amount)
		if err := checkCents("payment", userNext, poolNext); err != nil {
			return err
		}
		if err := s.PutTransaction(ctx, tx); err != nil {
			return err
		}

		user.Balance = userNext
		user.TransactionIDs = append(user.TransactionIDs, tx.ID)
		event.TotalSum = poolNext
		event.TransactionIDs = append(event.TransactionIDs, tx.ID)
		if req.Settle {
			event.Guests[guest].HasPaid = true
		}

		if err := s.PutUser(ctx, user); err != nil {
			return err
		}
		return s.PutEvent(ctx, event)
	})
	if err != nil {
		return nil, err
	}
	return &Result{Transaction: *tx}, nil
}

func (l *Ledger) applyExpense(ctx context.Context, req Request, amount decimal.Decimal) (*Result, error) {
	eventID := req.EventID
	unlock := l.locks.Lock(eventKey(eventID))
	defer unlock()

	tx := l.newTransaction(req, amount)
	err := l.store.WithTx(ctx, func(s Store) error {
		event, err := s.GetEvent(ctx, eventID)
		if err != nil {
			return err
		}
		if event.TotalSum.LessThan(amount) {
			return &InsufficientFundsError{Holder: string(eventID), Available: event.TotalSum, Requested: amount}
		}
		next := event.TotalSum.Sub(amount)
		if err := checkCents("expense", next); err != nil {
			return err
		}
		if err := s.PutTransaction(ctx, tx); err != nil {
			return err
		}
		event.TotalSum = next
		event.TransactionIDs = append(event.TransactionIDs, tx.ID)
		return s.PutEvent(ctx, event)
	})
	if err != nil {
		return nil, err
	}
	return &Result{Transaction: *tx}, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (l *Ledger) newTransaction(req Request, amount decimal.Decimal) *Transaction {
	now := l.clock()
	date := req.Date
	if date.IsZero() {
		date = now
	}
	return &Transaction{
		ID:             TransactionID(l.newID()),
		Type:           req.Type,
		Amount:         amount,
		Date:           date.UTC(),
		Emitter:        req.Emitter,
		Recipient:      req.Recipient,
		EventID:        req.EventID,
		Name:           strings.TrimSpace(req.Name),
		Category:       strings.TrimSpace(req.Category),
		Invoice:        strings.TrimSpace(req.Invoice),
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
	}
}

// replay returns the transaction the emitter already committed under
// req.IdempotencyKey, or (nil, nil). A key reused for a different request
// is a ValidationError.
func (l *Ledger) replay(ctx context.Context, req Request, amount decimal.Decimal) (*Result, error) {
	tx, err := l.store.FindTransactionByIdempotencyKey(ctx, req.Emitter, req.IdempotencyKey)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !sameRequest(tx, req, amount) {
		return nil, &ValidationError{Field: "idempotencyKey", Reason: "was already used for a different transaction"}
	}
	return &Result{Transaction: *tx, Replayed: true}, nil
}

// sameRequest reports whether tx was committed for an equivalent request.
// Refund amounts are computed, so they are not compared.
func sameRequest(tx *Transaction, req Request, amount decimal.Decimal) bool {
	if tx.Type != req.Type || tx.Emitter != req.Emitter || tx.EventID != req.EventID {
		return false
	}
	if req.Type == TxRefund {
		return true
	}
	return tx.Recipient == req.Recipient && tx.Amount.Equal(amount)
}

// checkCents guards against results that are not whole cents.
func checkCents(op string, values ...decimal.Decimal) error {
	for _, v := range values {
		if !IsCents(v) {
			return &InvalidOperationError{Op: op, Reason: "result " + v.String() + " is not a cent amount"}
		}
	}
	return nil
}

func outcomeOf(res *Result, err error) string {
	switch {
	case err == nil && res != nil && res.Replayed:
		return OutcomeReplayed
	case err == nil:
		return OutcomeCommitted
	case IsClientError(err) || IsNotFound(err):
		return OutcomeRejected
	default:
		return OutcomeFailed
	}
}
