/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Ledger entities are
  returned as-is (they carry their own json tags); request bodies get
  their own types so amounts and shares stay decimal strings on the wire.

NAMING CONVENTION:
  - *Request: Request body types from clients
  - *Response: Response wrappers that are not plain entities

TYPES:
  Users:
    SignupRequest, LoginRequest, BalanceResponse

  Events:
    CreateEventRequest, GuestRequest

  Transactions:
    TransactionRequest, SettleRequest, TransactionResponse

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Field parsing (dates, shares) happens here; business validation is left
  to the ledger so the same rules apply to every caller.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/types.go: Entity JSON shapes
*/
package api

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/pool-ledger/ledger"
)

// =============================================================================
// USERS
// =============================================================================

// SignupRequest is the body of POST /api/users/signup.
type SignupRequest struct {
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Password  string `json:"password"`
}

// LoginRequest is the body of POST /api/users/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// BalanceResponse is returned by GET /api/users/me/balance.
type BalanceResponse struct {
	UserID  ledger.UserID   `json:"userId"`
	Balance decimal.Decimal `json:"balance"`
}

// =============================================================================
// EVENTS
// =============================================================================

// GuestRequest names a guest. Share is a decimal string, default "1".
type GuestRequest struct {
	Email string `json:"email"`
	Share string `json:"share,omitempty"`
}

func (g GuestRequest) toInput() (ledger.GuestInput, error) {
	share, err := parseShare("share", g.Share)
	if err != nil {
		return ledger.GuestInput{}, err
	}
	return ledger.GuestInput{Email: g.Email, Share: share}, nil
}

// CreateEventRequest is the body of POST /api/events. Dates accept
// YYYY-MM-DD or RFC 3339.
type CreateEventRequest struct {
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	EventDate      string         `json:"eventDate"`
	PaymentDate    string         `json:"paymentDate"`
	OrganizerShare string         `json:"organizerShare,omitempty"`
	Guests         []GuestRequest `json:"guests"`
}

func (req CreateEventRequest) toNewEvent(organizer ledger.UserID) (ledger.NewEvent, error) {
	eventDate, err := parseDate("eventDate", req.EventDate)
	if err != nil {
		return ledger.NewEvent{}, err
	}
	paymentDate, err := parseDate("paymentDate", req.PaymentDate)
	if err != nil {
		return ledger.NewEvent{}, err
	}
	orgShare, err := parseShare("organizerShare", req.OrganizerShare)
	if err != nil {
		return ledger.NewEvent{}, err
	}
	ne := ledger.NewEvent{
		Organizer:      organizer,
		Name:           req.Name,
		Description:    req.Description,
		EventDate:      eventDate,
		PaymentDate:    paymentDate,
		OrganizerShare: orgShare,
	}
	for _, g := range req.Guests {
		in, err := g.toInput()
		if err != nil {
			return ledger.NewEvent{}, err
		}
		ne.Guests = append(ne.Guests, in)
	}
	return ne, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// TransactionRequest is the body of POST /api/transactions.
type TransactionRequest struct {
	Type           string `json:"type"`
	Amount         string `json:"amount"`
	Emitter        string `json:"emitter"`
	Recipient      string `json:"recipient"`
	EventID        string `json:"eventId"`
	Name           string `json:"name"`
	Category       string `json:"category"`
	Invoice        string `json:"invoice"`
	Date           string `json:"date"`
	IdempotencyKey string `json:"idempotencyKey"`
}

func (req TransactionRequest) toLedger() (ledger.Request, error) {
	date, err := parseDate("date", req.Date)
	if err != nil {
		return ledger.Request{}, err
	}
	return ledger.Request{
		Type:           ledger.TransactionType(strings.ToLower(strings.TrimSpace(req.Type))),
		Amount:         req.Amount,
		Emitter:        req.Emitter,
		Recipient:      req.Recipient,
		EventID:        ledger.EventID(req.EventID),
		Name:           req.Name,
		Category:       req.Category,
		Invoice:        req.Invoice,
		Date:           date,
		IdempotencyKey: req.IdempotencyKey,
	}, nil
}

// SettleRequest is the optional body of POST /api/transactions/settle/{uniqueId}.
// An empty Amount pays the caller's current due.
type SettleRequest struct {
	Amount         string `json:"amount"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// TransactionResponse wraps an engine result. Warning is set when a
// refund could not credit every guest.
type TransactionResponse struct {
	Transaction ledger.Transaction    `json:"transaction"`
	Replayed    bool                  `json:"replayed,omitempty"`
	Warning     string                `json:"warning,omitempty"`
	Skipped     []ledger.SkippedGuest `json:"skipped,omitempty"`
}

func toTransactionResponse(res *ledger.Result) TransactionResponse {
	out := TransactionResponse{Transaction: res.Transaction, Replayed: res.Replayed}
	if res.Warning != nil {
		out.Warning = res.Warning.String()
		out.Skipped = res.Warning.Skipped
	}
	return out
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest is the body of POST /api/scenarios/load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenarioId"`
}

// ReminderRunResponse reports one reminder sweep.
type ReminderRunResponse struct {
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// PARSING
// =============================================================================

const dateLayout = "2006-01-02"

// parseDate accepts an empty string (zero time), YYYY-MM-DD or RFC 3339.
func parseDate(field, raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(dateLayout, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, &ledger.ValidationError{Field: field, Reason: "must be YYYY-MM-DD or RFC 3339"}
	}
	return t.UTC(), nil
}

// parseShare returns nil for an empty string so the ledger applies its default.
func parseShare(field, raw string) (*decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, &ledger.ValidationError{Field: field, Reason: "must be a decimal number"}
	}
	return &d, nil
}
