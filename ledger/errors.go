/*
errors.go - Centralized error types for the ledger core

PURPOSE:
  All error types in one place. Every engine failure is returned as a
  value the caller can classify with errors.Is / errors.As; the HTTP
  layer maps them to status codes.

ERROR CATEGORIES:
  1. Validation     - missing fields, malformed amounts (no side effect)
  2. Not found      - user/event/transaction id does not resolve
  3. Funds          - balance or pool sufficiency check failed
  4. No guests      - refund on an event whose ShareAmount is zero
  5. Invalid op     - arithmetic produced a non-cent result, or the
                      operation is not allowed in the entity's state
  6. Concurrency    - optimistic version conflict raised by a store

PartialCreditWarning is NOT an error: a refund that skipped a guest still
commits, and the warning is attached to the Result.

SEE ALSO:
  - engine.go: Produces these errors
  - api/handlers.go: Maps them to HTTP statuses
*/
package ledger

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation = errors.New("validation failed")

	ErrNotFound = errors.New("not found")

	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrNoGuests is returned when a refund is requested on an event whose
	// share divisor is zero.
	ErrNoGuests = errors.New("no guests to refund")

	ErrInvalidOperation = errors.New("invalid operation")

	// ErrConcurrentModification is returned by stores when an optimistic
	// version check fails. Callers may retry the whole operation.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrDuplicateIdempotencyKey is returned by stores when a transaction
	// with the same idempotency key already exists.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrDuplicateEmail is returned when a second user is stored with an
	// email that already exists (case-insensitive).
	ErrDuplicateEmail = errors.New("email already in use")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError reports an id that does not resolve.
type NotFoundError struct {
	Kind string // "user", "event", "transaction"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// InsufficientFundsError provides details about a balance or pool shortage.
type InsufficientFundsError struct {
	Holder    string // user or event id
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientFundsError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds on %s: available %s, requested %s, shortfall %s",
		e.Holder, e.Available.StringFixed(CentPlaces), e.Requested.StringFixed(CentPlaces),
		e.Shortfall().StringFixed(CentPlaces))
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// NoGuestsError is returned for a refund on an event with ShareAmount == 0.
type NoGuestsError struct {
	EventID EventID
}

func (e *NoGuestsError) Error() string {
	return fmt.Sprintf("event %s: no guests to refund", e.EventID)
}

func (e *NoGuestsError) Unwrap() error { return ErrNoGuests }

// InvalidOperationError reports an operation that cannot be applied.
type InvalidOperationError struct {
	Op     string
	Reason string
}

func (e *InvalidOperationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

func (e *InvalidOperationError) Unwrap() error { return ErrInvalidOperation }

// =============================================================================
// WARNINGS
// =============================================================================

// SkippedGuest is a guest whose user record could not be credited.
type SkippedGuest struct {
	UserID UserID          `json:"userId"`
	Email  string          `json:"email"`
	Amount decimal.Decimal `json:"amount"`
}

// PartialCreditWarning is attached to a refund Result when one or more
// guests were skipped during distribution.
type PartialCreditWarning struct {
	EventID    EventID         `json:"eventId"`
	Skipped    []SkippedGuest  `json:"skipped"`
	Uncredited decimal.Decimal `json:"uncredited"`
	Retained   bool            `json:"retained"` // uncredited money left in the pool
}

func (w *PartialCreditWarning) String() string {
	emails := make([]string, len(w.Skipped))
	for i, s := range w.Skipped {
		emails[i] = s.Email
	}
	return fmt.Sprintf("refund of %s skipped %d guest(s) [%s], uncredited %s",
		w.EventID, len(w.Skipped), strings.Join(emails, ", "), w.Uncredited.StringFixed(CentPlaces))
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input
// or a rejected precondition.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrNoGuests) ||
		errors.Is(err, ErrDuplicateEmail) ||
		errors.Is(err, ErrDuplicateIdempotencyKey)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func userNotFound(id UserID) error {
	return &NotFoundError{Kind: "user", ID: string(id)}
}

func eventNotFound(id EventID) error {
	return &NotFoundError{Kind: "event", ID: string(id)}
}
