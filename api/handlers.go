/*
handlers.go - HTTP API handlers for the pool ledger

PURPOSE:
  Exposes the ledger via REST API. Handles HTTP request/response, JSON
  serialization, authentication context, and delegates to the ledger and
  the auth service.

ENDPOINTS:
  Users:
    POST   /api/users/signup               Create account (or complete an invited one)
    POST   /api/users/login                Start a session
    POST   /api/users/logout               End the session (bearer)
    GET    /api/users/me                   Current user (bearer)
    GET    /api/users/me/balance           Current balance (bearer)
    GET    /api/users/me/transactions      History, most recent first (bearer)
    GET    /api/users/{id}/transactions    History of any user

  Events:
    POST   /api/events                     Create event, caller organizes (bearer)
    GET    /api/events                     All events, or the caller's
    GET    /api/events/{id}                Event by id or join code
    DELETE /api/events/{id}                Delete an event with an empty pool (organizer)
    POST   /api/events/{id}/guests         Invite a guest (organizer)
    GET    /api/events/{id}/expenses       Expense transactions
    GET    /api/events/{id}/transactions   All event transactions
    GET    /api/events/{id}/shares         Each guest's due in the current cycle

  Transactions:
    POST   /api/transactions               reload, payment, expense, refund (bearer)
    POST   /api/transactions/settle/{uid}  Pay the caller's share (bearer)
    GET    /api/transactions/{id}          Transaction detail

  Admin:
    DELETE /api/admin/users/{id}           Delete a user record
    POST   /api/admin/reminders/run        Run one reminder sweep

AUTHORIZATION:
  Reload and payment are always emitted by the caller. Expense, refund,
  invitations and deletion require the caller to organize the event.

ERROR HANDLING:
  Errors are returned as JSON {"error", "details"} with:
  - 400: Validation errors, weak password, malformed body
  - 401: Missing/invalid token, bad credentials
  - 403: Caller may not act on this event or user
  - 404: Resource not found
  - 409: No guests, invalid operation, duplicate email, lost retry race
  - 422: Insufficient funds
  - 500: Internal errors

  Mutations that fail with a retryable concurrency error are re-attempted
  up to maxAttempts times before the error is reported.

SEE ALSO:
  - dto.go: Request/response data structures
  - middleware.go: Authentication and request metrics
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/warp/pool-ledger/auth"
	"github.com/warp/pool-ledger/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Resetter clears all stored data (demo scenarios).
type Resetter interface {
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger    *ledger.Ledger
	Auth      *auth.Service
	Reminders *ReminderScheduler

	store  Resetter
	logger *slog.Logger

	// scenario loads replace all data and must not overlap
	scenarioMu      sync.Mutex
	currentScenario string
}

// HandlerOption customizes a Handler.
type HandlerOption func(*Handler)

// WithReminders enables POST /api/admin/reminders/run.
func WithReminders(s *ReminderScheduler) HandlerOption {
	return func(h *Handler) { h.Reminders = s }
}

// WithLogger sets the handler logger.
func WithLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) { h.logger = l }
}

// NewHandler creates a handler. Reset and scenario loading are available
// when the ledger's store can be reset.
func NewHandler(l *ledger.Ledger, authSvc *auth.Service, opts ...HandlerOption) *Handler {
	h := &Handler{
		Ledger: l,
		Auth:   authSvc,
		logger: slog.Default(),
	}
	if r, ok := l.Store().(Resetter); ok {
		h.store = r
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "api")
	return h
}

// =============================================================================
// USER HANDLERS
// =============================================================================

// Signup registers an account and returns a session.
func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeFailure(w, r, err)
		return
	}

	var session *auth.Session
	err := retry(r.Context(), func() (err error) {
		session, err = h.Auth.Signup(r.Context(), auth.SignupRequest{
			Email:     req.Email,
			FirstName: req.FirstName,
			LastName:  req.LastName,
			Password:  req.Password,
		})
		return err
	})
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

// Login starts a new session.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeFailure(w, r, err)
		return
	}

	var session *auth.Session
	err := retry(r.Context(), func() (err error) {
		session, err = h.Auth.Login(r.Context(), req.Email, req.Password)
		return err
	})
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// Logout ends the caller's session.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	u := CurrentUser(r.Context())
	err := retry(r.Context(), func() error {
		return h.Auth.Logout(r.Context(), u.ID)
	})
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Me returns the caller.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, CurrentUser(r.Context()))
}

// MyBalance returns the caller's current balance.
func (h *Handler) MyBalance(w http.ResponseWriter, r *http.Request) {
	u := CurrentUser(r.Context())
	balance, err := h.Ledger.Balance(r.Context(), u.ID)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{UserID: u.ID, Balance: balance})
}

// MyTransactions returns the caller's transactions, most recent first.
func (h *Handler) MyTransactions(w http.ResponseWriter, r *http.Request) {
	h.writeUserTransactions(w, r, CurrentUser(r.Context()).ID)
}

// UserTransactions returns any user's transactions, most recent first.
func (h *Handler) UserTransactions(w http.ResponseWriter, r *http.Request) {
	h.writeUserTransactions(w, r, ledger.UserID(chi.URLParam(r, "id")))
}

func (h *Handler) writeUserTransactions(w http.ResponseWriter, r *http.Request, id ledger.UserID) {
	txs, err := h.Ledger.UserTransactions(r.Context(), id)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(txs))
}

// DeleteUser removes a user record. Transactions persist.
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	id := ledger.UserID(chi.URLParam(r, "id"))
	err := retry(r.Context(), func() error {
		return h.Ledger.DeleteUser(r.Context(), id)
	})
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// EVENT HANDLERS
// =============================================================================

// CreateEvent creates an event organized by the caller.
func (h *Handler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var req CreateEventRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	ne, err := req.toNewEvent(CurrentUser(r.Context()).ID)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	var event *ledger.Event
	err = retry(r.Context(), func() (err error) {
		event, err = h.Ledger.CreateEvent(r.Context(), ne)
		return err
	})
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

// ListEvents returns the caller's events, or every event for anonymous
// requests.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	var userID ledger.UserID
	if u := CurrentUser(r.Context()); u != nil {
		userID = u.ID
	}
	events, err := h.Ledger.ListEvents(r.Context(), userID)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(events))
}

// GetEvent returns an event by id or by join code.
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	event, err := h.lookupEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// DeleteEvent deletes an event whose pool is empty.
func (h *Handler) DeleteEvent(w http.ResponseWriter, r *http.Request) {
	event, err := h.organizedEvent(r)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	err = retry(r.Context(), func() error {
		return h.Ledger.DeleteEvent(r.Context(), event.ID)
	})
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// InviteGuest adds a guest to an event. Inviting an existing guest is a
// no-op that still returns 200.
func (h *Handler) InviteGuest(w http.ResponseWriter, r *http.Request) {
	event, err := h.organizedEvent(r)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	var req GuestRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	in, err := req.toInput()
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	err = retry(r.Context(), func() error {
		_, err := h.Ledger.EnsureGuest(r.Context(), event.ID, in)
		return err
	})
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	updated, err := h.Ledger.GetEvent(r.Context(), event.ID)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// EventExpenses returns an event's expenses in commit order.
func (h *Handler) EventExpenses(w http.ResponseWriter, r *http.Request) {
	event, err := h.lookupEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	txs, err := h.Ledger.EventExpenses(r.Context(), event.ID)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(txs))
}

// EventTransactions returns every transaction of an event in commit order.
func (h *Handler) EventTransactions(w http.ResponseWriter, r *http.Request) {
	event, err := h.lookupEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	txs, err := h.Ledger.EventTransactions(r.Context(), event.ID)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(txs))
}

// EventShares returns each guest with its due in the current cycle.
func (h *Handler) EventShares(w http.ResponseWriter, r *http.Request) {
	event, err := h.lookupEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	shares, err := h.Ledger.GuestShares(r.Context(), event.ID)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(shares))
}

// lookupEvent resolves an id, falling back to the join code.
func (h *Handler) lookupEvent(ctx context.Context, idOrCode string) (*ledger.Event, error) {
	event, err := h.Ledger.GetEvent(ctx, ledger.EventID(idOrCode))
	if ledger.IsNotFound(err) {
		if byCode, cerr := h.Ledger.GetEventByUniqueID(ctx, idOrCode); cerr == nil {
			return byCode, nil
		}
	}
	return event, err
}

// organizedEvent loads the {id} event and checks the caller organizes it.
func (h *Handler) organizedEvent(r *http.Request) (*ledger.Event, error) {
	event, err := h.lookupEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	if u := CurrentUser(r.Context()); u == nil || event.Organizer != u.ID {
		return nil, errForbidden
	}
	return event, nil
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

// CreateTransaction submits a transaction to the engine. For reload and
// payment the caller is the emitter; expense and refund are emitted by an
// event the caller organizes.
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	var body TransactionRequest
	if err := decodeJSON(r, &body); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	req, err := body.toLedger()
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	if err := h.authorizeTransaction(r.Context(), &req); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.apply(w, r, req)
}

func (h *Handler) authorizeTransaction(ctx context.Context, req *ledger.Request) error {
	caller := CurrentUser(ctx)
	switch req.Type {
	case ledger.TxReload, ledger.TxPayment:
		if req.Emitter == "" {
			req.Emitter = string(caller.ID)
		}
		if req.Emitter != string(caller.ID) {
			return errForbidden
		}
	case ledger.TxExpense, ledger.TxRefund:
		if req.Emitter == "" {
			req.Emitter = string(req.EventID)
		}
		if req.Emitter == "" {
			// let the engine report the missing field
			return nil
		}
		event, err := h.Ledger.GetEvent(ctx, ledger.EventID(req.Emitter))
		if err != nil {
			return err
		}
		if event.Organizer != caller.ID {
			return errForbidden
		}
	}
	return nil
}

// SettleShare pays the caller's share of the event with the given join
// code and marks them as paid for the current cycle.
func (h *Handler) SettleShare(w http.ResponseWriter, r *http.Request) {
	var body SettleRequest
	if err := decodeOptionalJSON(r, &body); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	event, err := h.Ledger.GetEventByUniqueID(r.Context(), chi.URLParam(r, "uniqueId"))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	caller := CurrentUser(r.Context())

	amount := body.Amount
	if amount == "" {
		due, err := h.dueFor(r.Context(), event.ID, caller.ID)
		if err != nil {
			h.writeFailure(w, r, err)
			return
		}
		amount = due
	}

	h.apply(w, r, ledger.Request{
		Type:           ledger.TxPayment,
		Amount:         amount,
		Emitter:        string(caller.ID),
		Recipient:      string(event.ID),
		EventID:        event.ID,
		Name:           "Share of " + event.Name,
		IdempotencyKey: body.IdempotencyKey,
		Settle:         true,
	})
}

// dueFor returns the caller's current due as a cent string.
func (h *Handler) dueFor(ctx context.Context, eventID ledger.EventID, userID ledger.UserID) (string, error) {
	shares, err := h.Ledger.GuestShares(ctx, eventID)
	if err != nil {
		return "", err
	}
	for _, s := range shares {
		if s.UserID != userID {
			continue
		}
		if !s.Due.IsPositive() {
			return "", &ledger.ValidationError{Field: "amount", Reason: "nothing is due; pass an explicit amount"}
		}
		return s.Due.StringFixed(ledger.CentPlaces), nil
	}
	return "", &ledger.ValidationError{Field: "emitter", Reason: "is not a guest of this event"}
}

func (h *Handler) apply(w http.ResponseWriter, r *http.Request, req ledger.Request) {
	var res *ledger.Result
	err := retry(r.Context(), func() (err error) {
		res, err = h.Ledger.Apply(r.Context(), req)
		return err
	})
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	if res.Warning != nil {
		h.logger.WarnContext(r.Context(), "refund partially credited", "warning", res.Warning.String())
	}
	writeJSON(w, status, toTransactionResponse(res))
}

// GetTransaction returns a single transaction.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.Ledger.Transaction(r.Context(), ledger.TransactionID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// RunReminders runs one reminder sweep immediately.
func (h *Handler) RunReminders(w http.ResponseWriter, r *http.Request) {
	if h.Reminders == nil {
		writeError(w, http.StatusServiceUnavailable, "Reminders are not configured", nil)
		return
	}
	report, err := h.Reminders.RunNow(r.Context())
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ReminderRunResponse(report))
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	errForbidden  = errors.New("forbidden")
	errBadRequest = errors.New("malformed request body")
)

// maxAttempts bounds retries of mutations that lost an optimistic
// concurrency race.
const maxAttempts = 3

func retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = fn(); err == nil || !ledger.IsRetryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}

// classify maps an error to its HTTP status and public message.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrMissingToken),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized, "Authentication required"
	case errors.Is(err, errForbidden):
		return http.StatusForbidden, "Forbidden"
	case errors.Is(err, errBadRequest),
		errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, ledger.ErrValidation):
		return http.StatusBadRequest, "Invalid request"
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound, "Not found"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, "Insufficient funds"
	case errors.Is(err, ledger.ErrNoGuests):
		return http.StatusConflict, "Event has no guests"
	case errors.Is(err, auth.ErrEmailExists),
		errors.Is(err, ledger.ErrDuplicateEmail):
		return http.StatusConflict, "Email already registered"
	case errors.Is(err, ledger.ErrInvalidOperation):
		return http.StatusConflict, "Operation not allowed"
	case errors.Is(err, ledger.ErrConcurrentModification),
		errors.Is(err, ledger.ErrDuplicateIdempotencyKey):
		return http.StatusConflict, "Concurrent modification, try again"
	default:
		return http.StatusInternalServerError, "Internal error"
	}
}

// writeFailure writes err with its mapped status. Server errors are logged.
func (h *Handler) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status, message := classify(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, status, message, err)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errors.Join(errBadRequest, err)
	}
	return nil
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(r *http.Request, dst any) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return errors.Join(errBadRequest, err)
}

// nonNil makes empty lists encode as [] instead of null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
