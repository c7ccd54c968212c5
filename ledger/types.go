/*
Package ledger provides the shared-expense accounting core.

PURPOSE:
  Users hold personal balances, events hold pooled money shared by their
  guests, and typed transactions move money between the two. This package
  owns the rules that keep balances, pools and transaction records
  consistent, independent of HTTP or any particular database.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: decimal amounts with at most 2 fractional digits
  - User: personal balance plus event and transaction references
  - Event: pooled balance (TotalSum), guests with shares, ShareAmount
  - Transaction: an immutable entry (reload, payment, expense, refund)

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal everywhere, never float64
  2. Immutability: transactions are written once and only referenced by id
  3. Type Safety: distinct ID types for users, events and transactions
  4. Explicit organizer: guests carry IsOrganizer, position means nothing

USAGE:
  amount, err := ledger.ParseAmount("12.50")
  req := ledger.Request{
      Type:    ledger.TxReload,
      Emitter: "user-123",
      Amount:  "12.50",
  }

SEE ALSO:
  - engine.go: Applies transactions to entities
  - refund.go: Proportional pool distribution
  - store.go: Persistence contracts
*/
package ledger

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// CentPlaces is the number of fractional digits every amount is held to.
const CentPlaces = 2

// ParseAmount parses a raw transaction amount. The value must be numeric,
// strictly positive, and carry no more than two significant fractional digits.
func ParseAmount(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, &ValidationError{Field: "amount", Reason: "is required"}
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, &ValidationError{Field: "amount", Reason: "must be numeric"}
	}
	if !IsCents(d) {
		return decimal.Zero, &ValidationError{Field: "amount", Reason: "must have at most 2 decimal digits"}
	}
	if !d.IsPositive() {
		return decimal.Zero, &ValidationError{Field: "amount", Reason: "must be greater than zero"}
	}
	return d.Round(CentPlaces), nil
}

// MustAmount parses an amount and panics on error. Intended for tests and fixtures.
func MustAmount(raw string) decimal.Decimal {
	d, err := ParseAmount(raw)
	if err != nil {
		panic(err)
	}
	return d
}

// IsCents reports whether d is representable in whole cents.
func IsCents(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(CentPlaces))
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type EventID string
type TransactionID string

// =============================================================================
// TRANSACTION
// =============================================================================

// TransactionType is the closed set of ledger operations.
type TransactionType string

const (
	TxReload  TransactionType = "reload"  // money enters a user's balance
	TxPayment TransactionType = "payment" // user balance -> event pool
	TxExpense TransactionType = "expense" // event pool spent
	TxRefund  TransactionType = "refund"  // event pool -> guests, pool zeroed
)

// Valid reports whether t is one of the known transaction kinds.
func (t TransactionType) Valid() bool {
	switch t {
	case TxReload, TxPayment, TxExpense, TxRefund:
		return true
	}
	return false
}

// Transaction is an immutable ledger entry.
// Emitter and Recipient hold user or event ids depending on Type.
type Transaction struct {
	ID             TransactionID   `json:"id"`
	Type           TransactionType `json:"type"`
	Amount         decimal.Decimal `json:"amount"`
	Date           time.Time       `json:"date"`
	Emitter        string          `json:"emitter"`
	Recipient      string          `json:"recipient,omitempty"`
	EventID        EventID         `json:"eventId,omitempty"`
	Name           string          `json:"name,omitempty"`
	Category       string          `json:"category,omitempty"`
	Invoice        string          `json:"invoice,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// =============================================================================
// USER
// =============================================================================

// User owns a personal balance and the ids of the events and transactions
// it takes part in.
type User struct {
	ID             UserID          `json:"id"`
	Email          string          `json:"email"`
	FirstName      string          `json:"firstName,omitempty"`
	LastName       string          `json:"lastName,omitempty"`
	PasswordHash   string          `json:"-"`
	SessionID      string          `json:"-"`
	Balance        decimal.Decimal `json:"balance"`
	EventIDs       []EventID       `json:"eventIds"`
	TransactionIDs []TransactionID `json:"transactionIds"`
	CreatedAt      time.Time       `json:"createdAt"`

	// Version is the optimistic-lock counter maintained by the store.
	Version int64 `json:"-"`
}

// Incomplete reports whether the user was created from a guest invitation
// and has not signed up yet.
func (u *User) Incomplete() bool { return u.PasswordHash == "" }

// DisplayName returns "First Last", falling back to the email.
func (u *User) DisplayName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.Email
	}
	return name
}

// addEvent inserts id into EventIDs unless already present.
func (u *User) addEvent(id EventID) bool {
	for _, existing := range u.EventIDs {
		if existing == id {
			return false
		}
	}
	u.EventIDs = append(u.EventIDs, id)
	return true
}

func (u *User) removeEvent(id EventID) {
	kept := u.EventIDs[:0]
	for _, existing := range u.EventIDs {
		if existing != id {
			kept = append(kept, existing)
		}
	}
	u.EventIDs = kept
}

// =============================================================================
// EVENT
// =============================================================================

// Guest is a participant of an event with a proportional weight of the pool.
type Guest struct {
	UserID      UserID          `json:"userId"`
	Email       string          `json:"email"`
	Share       decimal.Decimal `json:"share"`
	HasPaid     bool            `json:"hasPaid"`
	IsOrganizer bool            `json:"isOrganizer,omitempty"`
}

// Event is a shared-cost container with a running pool.
type Event struct {
	ID             EventID         `json:"id"`
	UniqueID       string          `json:"uniqueId"`
	Organizer      UserID          `json:"organizer"`
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	EventDate      time.Time       `json:"eventDate"`
	PaymentDate    time.Time       `json:"paymentDate"`
	TotalSum       decimal.Decimal `json:"totalSum"`
	ShareAmount    decimal.Decimal `json:"shareAmount"`
	Guests         []Guest         `json:"guests"`
	TransactionIDs []TransactionID `json:"transactionIds"`
	CreatedAt      time.Time       `json:"createdAt"`

	Version int64 `json:"-"`
}

// FindGuest returns the index of the guest with the given email
// (case-insensitive), or -1.
func (e *Event) FindGuest(email string) int {
	for i, g := range e.Guests {
		if strings.EqualFold(g.Email, email) {
			return i
		}
	}
	return -1
}

// GuestIndex returns the index of the guest bound to userID, or -1.
func (e *Event) GuestIndex(userID UserID) int {
	for i, g := range e.Guests {
		if g.UserID == userID {
			return i
		}
	}
	return -1
}

// OrganizerGuest returns the guest entry flagged as organizer, if any.
func (e *Event) OrganizerGuest() (Guest, bool) {
	for _, g := range e.Guests {
		if g.IsOrganizer {
			return g, true
		}
	}
	return Guest{}, false
}

// recomputeShareAmount restores ShareAmount == sum(guest.Share). When the
// divisor changes a new payment cycle begins and HasPaid flags are cleared.
func (e *Event) recomputeShareAmount() {
	total := decimal.Zero
	for _, g := range e.Guests {
		total = total.Add(g.Share)
	}
	if !total.Equal(e.ShareAmount) {
		e.ShareAmount = total
		e.resetPaymentCycle()
	}
}

func (e *Event) resetPaymentCycle() {
	for i := range e.Guests {
		e.Guests[i].HasPaid = false
	}
}

// ShareDue is the canonical amount attributable to a guest:
// TotalSum / ShareAmount * share, rounded to cents.
func (e *Event) ShareDue(g Guest) decimal.Decimal {
	if e.ShareAmount.IsZero() {
		return decimal.Zero
	}
	return e.TotalSum.Mul(g.Share).Div(e.ShareAmount).Round(CentPlaces)
}

// JoinPath is the relative path guests use to open the event.
func (e *Event) JoinPath() string {
	return "/join/" + e.UniqueID
}
