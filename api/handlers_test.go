/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Signup, login, logout and bearer authentication
- The transaction engine through POST /api/transactions
- Share settlement, event lifecycle and error mapping
*/
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/pool-ledger/auth"
	"github.com/warp/pool-ledger/ledger"
	"github.com/warp/pool-ledger/ledger/store"
	"github.com/warp/pool-ledger/logging"
	"github.com/warp/pool-ledger/metrics"
	"golang.org/x/crypto/bcrypt"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type testServer struct {
	t       *testing.T
	ledger  *ledger.Ledger
	handler *Handler
	metrics *metrics.Metrics
	router  http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	l := ledger.New(store.NewTxMemory(), ledger.Options{Logger: logging.Discard()})
	svc := auth.NewService(l, auth.NewJWTManager("test-secret-0123456789", time.Hour),
		auth.WithBcryptCost(bcrypt.MinCost), auth.WithLogger(logging.Discard()))
	h := NewHandler(l, svc, WithLogger(logging.Discard()))
	m := metrics.New()
	return &testServer{
		t:       t,
		ledger:  l,
		handler: h,
		metrics: m,
		router:  NewRouter(h, RouterOptions{Observer: m, Metrics: m.Handler()}),
	}
}

func (s *testServer) do(method, path, token string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// signup registers email and returns its session.
func (s *testServer) signup(email string) auth.Session {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/users/signup", "", SignupRequest{
		Email: email, FirstName: "Test", Password: "long-enough",
	})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[auth.Session](s.t, rec)
}

func (s *testServer) transact(token string, req TransactionRequest) *httptest.ResponseRecorder {
	s.t.Helper()
	return s.do(http.MethodPost, "/api/transactions", token, req)
}

func (s *testServer) reload(token, amount string) {
	s.t.Helper()
	rec := s.transact(token, TransactionRequest{Type: "reload", Amount: amount})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (s *testServer) balance(token string) decimal.Decimal {
	s.t.Helper()
	rec := s.do(http.MethodGet, "/api/users/me/balance", token, nil)
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeBody[BalanceResponse](s.t, rec).Balance
}

func (s *testServer) createEvent(token string, req CreateEventRequest) ledger.Event {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/events", token, req)
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[ledger.Event](s.t, rec)
}

func requireAmount(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, decimal.RequireFromString(want).Equal(got), "want %s, got %s", want, got)
}

// =============================================================================
// AUTHENTICATION
// =============================================================================

func TestSignupLoginLogout(t *testing.T) {
	s := newTestServer(t)

	// GIVEN: A new account
	first := s.signup("ann@example.com")
	assert.NotEmpty(t, first.Token)

	rec := s.do(http.MethodGet, "/api/users/me", first.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ann@example.com", decodeBody[ledger.User](t, rec).Email)

	// WHEN: Logging in again
	rec = s.do(http.MethodPost, "/api/users/login", "", LoginRequest{Email: "ann@example.com", Password: "long-enough"})
	require.Equal(t, http.StatusOK, rec.Code)
	second := decodeBody[auth.Session](t, rec)

	// THEN: The new session replaces the old one
	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodGet, "/api/users/me", first.Token, nil).Code)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/users/me", second.Token, nil).Code)

	// WHEN: Logging out
	require.Equal(t, http.StatusNoContent, s.do(http.MethodPost, "/api/users/logout", second.Token, nil).Code)

	// THEN: The token stops working
	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodGet, "/api/users/me", second.Token, nil).Code)
}

func TestSignup_Errors(t *testing.T) {
	s := newTestServer(t)
	s.signup("taken@example.com")

	tests := []struct {
		name   string
		body   any
		status int
	}{
		{"weak password", SignupRequest{Email: "a@example.com", Password: "short"}, http.StatusBadRequest},
		{"invalid email", SignupRequest{Email: "not-an-email", Password: "long-enough"}, http.StatusBadRequest},
		{"duplicate email", SignupRequest{Email: "TAKEN@example.com", Password: "long-enough"}, http.StatusConflict},
		{"malformed body", "{", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(http.MethodPost, "/api/users/signup", "", tt.body)

			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decodeBody[ErrorResponse](t, rec).Error)
		})
	}
}

func TestLogin_WrongPassword(t *testing.T) {
	s := newTestServer(t)
	s.signup("ann@example.com")

	rec := s.do(http.MethodPost, "/api/users/login", "", LoginRequest{Email: "ann@example.com", Password: "wrong-password"})

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAuth(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong scheme", "Basic abc"},
		{"garbage token", "Bearer not-a-jwt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/users/me/balance", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			s.router.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, "Authentication required", decodeBody[ErrorResponse](t, rec).Error)
		})
	}
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestTransactions_PaymentExpenseRefund(t *testing.T) {
	s := newTestServer(t)

	// GIVEN: Ursula (balance 100) organizes an event shared 1:3 with Gus
	ursula := s.signup("ursula@example.com")
	gus := s.signup("gus@example.com")
	s.reload(ursula.Token, "100")
	event := s.createEvent(ursula.Token, CreateEventRequest{
		Name:           "Picnic",
		OrganizerShare: "1",
		Guests:         []GuestRequest{{Email: "gus@example.com", Share: "3"}},
	})
	requireAmount(t, "4", event.ShareAmount)

	// WHEN: Ursula pays 30 and the event spends 10
	rec := s.transact(ursula.Token, TransactionRequest{Type: "payment", Amount: "30", Recipient: string(event.ID)})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	requireAmount(t, "70", s.balance(ursula.Token))

	rec = s.transact(ursula.Token, TransactionRequest{Type: "expense", Amount: "10", EventID: string(event.ID), Name: "Bread"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(http.MethodGet, "/api/events/"+string(event.ID), "", nil)
	requireAmount(t, "20", decodeBody[ledger.Event](t, rec).TotalSum)

	// THEN: A refund credits 5 per share and empties the pool
	rec = s.transact(ursula.Token, TransactionRequest{Type: "refund", Emitter: string(event.ID)})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	refund := decodeBody[TransactionResponse](t, rec)
	requireAmount(t, "20", refund.Transaction.Amount)
	assert.Empty(t, refund.Warning)

	requireAmount(t, "75", s.balance(ursula.Token))
	requireAmount(t, "15", s.balance(gus.Token))

	rec = s.do(http.MethodGet, "/api/events/"+string(event.ID)+"/expenses", "", nil)
	expenses := decodeBody[[]ledger.Transaction](t, rec)
	require.Len(t, expenses, 1)
	assert.Equal(t, "Bread", expenses[0].Name)

	rec = s.do(http.MethodGet, "/api/users/me/transactions", ursula.Token, nil)
	history := decodeBody[[]ledger.Transaction](t, rec)
	require.Len(t, history, 3)
	assert.Equal(t, ledger.TxRefund, history[0].Type)
}

func TestTransactions_RefundReportsSkippedGuest(t *testing.T) {
	s := newTestServer(t)

	// GIVEN: A pool of 40 shared 1:1, and Gus's account is deleted
	ann := s.signup("ann@example.com")
	gus := s.signup("gus@example.com")
	s.reload(ann.Token, "40")
	event := s.createEvent(ann.Token, CreateEventRequest{
		Name:   "Picnic",
		Guests: []GuestRequest{{Email: "gus@example.com"}},
	})
	rec := s.transact(ann.Token, TransactionRequest{Type: "payment", Amount: "40", Recipient: string(event.ID)})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = s.do(http.MethodDelete, "/api/admin/users/"+string(gus.User.ID), "", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	// WHEN: Ann refunds the pool
	rec = s.transact(ann.Token, TransactionRequest{Type: "refund", Emitter: string(event.ID)})

	// THEN: The refund succeeds and names the guest it could not credit
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	refund := decodeBody[TransactionResponse](t, rec)
	assert.Contains(t, refund.Warning, "gus@example.com")
	require.Len(t, refund.Skipped, 1)
	assert.Equal(t, gus.User.ID, refund.Skipped[0].UserID)
	requireAmount(t, "20", refund.Skipped[0].Amount)
	requireAmount(t, "20", s.balance(ann.Token))

	rec = s.do(http.MethodGet, "/api/events/"+string(event.ID), "", nil)
	assert.True(t, decodeBody[ledger.Event](t, rec).TotalSum.IsZero())
}

func TestTransactions_InsufficientFunds(t *testing.T) {
	s := newTestServer(t)
	ann := s.signup("ann@example.com")
	s.reload(ann.Token, "10")
	event := s.createEvent(ann.Token, CreateEventRequest{Name: "Dinner"})

	rec := s.transact(ann.Token, TransactionRequest{Type: "payment", Amount: "50", Recipient: string(event.ID)})

	// THEN: 422, nothing moved, nothing recorded
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "Insufficient funds", decodeBody[ErrorResponse](t, rec).Error)
	requireAmount(t, "10", s.balance(ann.Token))

	rec = s.do(http.MethodGet, "/api/events/"+string(event.ID)+"/transactions", "", nil)
	assert.Empty(t, decodeBody[[]ledger.Transaction](t, rec))
}

func TestTransactions_Validation(t *testing.T) {
	s := newTestServer(t)
	ann := s.signup("ann@example.com")

	tests := []struct {
		name string
		req  TransactionRequest
	}{
		{"unknown type", TransactionRequest{Type: "gift", Amount: "1"}},
		{"missing amount", TransactionRequest{Type: "reload"}},
		{"negative amount", TransactionRequest{Type: "reload", Amount: "-5"}},
		{"sub-cent amount", TransactionRequest{Type: "reload", Amount: "1.005"}},
		{"bad date", TransactionRequest{Type: "reload", Amount: "1", Date: "yesterday"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.transact(ann.Token, tt.req)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestTransactions_Forbidden(t *testing.T) {
	s := newTestServer(t)
	ann := s.signup("ann@example.com")
	bob := s.signup("bob@example.com")
	s.reload(ann.Token, "50")
	event := s.createEvent(ann.Token, CreateEventRequest{Name: "Dinner"})

	// reload on someone else's behalf
	rec := s.transact(bob.Token, TransactionRequest{Type: "reload", Amount: "5", Emitter: string(ann.User.ID)})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// spending a pool you do not organize
	rec = s.transact(bob.Token, TransactionRequest{Type: "expense", Amount: "5", Emitter: string(event.ID)})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// unknown event
	rec = s.transact(bob.Token, TransactionRequest{Type: "refund", Emitter: "missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTransactions_IdempotentReplay(t *testing.T) {
	s := newTestServer(t)
	ann := s.signup("ann@example.com")
	req := TransactionRequest{Type: "reload", Amount: "25", IdempotencyKey: "reload-1"}

	first := s.transact(ann.Token, req)
	second := s.transact(ann.Token, req)

	// THEN: Second call replays the first transaction without a second credit
	require.Equal(t, http.StatusCreated, first.Code)
	require.Equal(t, http.StatusOK, second.Code)
	a, b := decodeBody[TransactionResponse](t, first), decodeBody[TransactionResponse](t, second)
	assert.Equal(t, a.Transaction.ID, b.Transaction.ID)
	assert.True(t, b.Replayed)
	requireAmount(t, "25", s.balance(ann.Token))

	rec := s.do(http.MethodGet, "/api/transactions/"+string(a.Transaction.ID), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "reload-1", decodeBody[ledger.Transaction](t, rec).IdempotencyKey)
}

func TestTransactions_IdempotencyKeyScopedToCaller(t *testing.T) {
	s := newTestServer(t)
	ann := s.signup("ann@example.com")
	bob := s.signup("bob@example.com")
	event := s.createEvent(ann.Token, CreateEventRequest{Name: "Dinner"})

	// GIVEN: Ann reloads 10 with key k1
	rec := s.transact(ann.Token, TransactionRequest{Type: "reload", Amount: "10", IdempotencyKey: "k1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	annTx := decodeBody[TransactionResponse](t, rec).Transaction

	// WHEN: Bob reloads 50 with the same key
	rec = s.transact(bob.Token, TransactionRequest{Type: "reload", Amount: "50", IdempotencyKey: "k1"})

	// THEN: Bob gets his own transaction, not Ann's
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	bobRes := decodeBody[TransactionResponse](t, rec)
	assert.False(t, bobRes.Replayed)
	assert.NotEqual(t, annTx.ID, bobRes.Transaction.ID)
	assert.Equal(t, string(bob.User.ID), bobRes.Transaction.Emitter)
	requireAmount(t, "50", s.balance(bob.Token))

	// AND: Ann cannot reuse k1 for a payment
	rec = s.transact(ann.Token, TransactionRequest{Type: "payment", Amount: "5", Recipient: string(event.ID), IdempotencyKey: "k1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	requireAmount(t, "10", s.balance(ann.Token))
	rec = s.do(http.MethodGet, "/api/events/"+string(event.ID), "", nil)
	assert.True(t, decodeBody[ledger.Event](t, rec).TotalSum.IsZero())
}

func TestSettleShare(t *testing.T) {
	s := newTestServer(t)

	// GIVEN: A pool of 40 shared 1:1 between Ann and Bob
	ann := s.signup("ann@example.com")
	bob := s.signup("bob@example.com")
	s.reload(ann.Token, "40")
	s.reload(bob.Token, "50")
	event := s.createEvent(ann.Token, CreateEventRequest{
		Name:   "Trip",
		Guests: []GuestRequest{{Email: "bob@example.com"}},
	})
	rec := s.transact(ann.Token, TransactionRequest{Type: "payment", Amount: "40", Recipient: string(event.ID)})
	require.Equal(t, http.StatusCreated, rec.Code)

	// WHEN: Bob settles without naming an amount
	rec = s.do(http.MethodPost, "/api/transactions/settle/"+event.UniqueID, bob.Token, nil)

	// THEN: He pays his due and is marked as paid
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	requireAmount(t, "20", decodeBody[TransactionResponse](t, rec).Transaction.Amount)
	requireAmount(t, "30", s.balance(bob.Token))

	rec = s.do(http.MethodGet, "/api/events/"+event.UniqueID+"/shares", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	shares := decodeBody[[]ledger.GuestShare](t, rec)
	require.Len(t, shares, 2)
	for _, gs := range shares {
		assert.Equal(t, gs.UserID == bob.User.ID, gs.HasPaid, gs.Email)
	}

	// a stranger cannot settle
	carol := s.signup("carol@example.com")
	s.reload(carol.Token, "10")
	rec = s.do(http.MethodPost, "/api/transactions/settle/"+event.UniqueID, carol.Token, SettleRequest{Amount: "5"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSettleShare_BelowDue(t *testing.T) {
	s := newTestServer(t)
	ann := s.signup("ann@example.com")
	bob := s.signup("bob@example.com")
	s.reload(ann.Token, "40")
	s.reload(bob.Token, "50")
	event := s.createEvent(ann.Token, CreateEventRequest{
		Name:   "Trip",
		Guests: []GuestRequest{{Email: "bob@example.com"}},
	})
	rec := s.transact(ann.Token, TransactionRequest{Type: "payment", Amount: "40", Recipient: string(event.ID)})
	require.Equal(t, http.StatusCreated, rec.Code)

	// WHEN: Bob settles with 5 while his due is 20
	rec = s.do(http.MethodPost, "/api/transactions/settle/"+event.UniqueID, bob.Token, SettleRequest{Amount: "5"})

	// THEN: Rejected; Bob keeps his money and stays unpaid
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	requireAmount(t, "50", s.balance(bob.Token))
	rec = s.do(http.MethodGet, "/api/events/"+event.UniqueID+"/shares", "", nil)
	for _, gs := range decodeBody[[]ledger.GuestShare](t, rec) {
		assert.False(t, gs.HasPaid, gs.Email)
	}
}

// =============================================================================
// EVENTS
// =============================================================================

func TestEvents_Lifecycle(t *testing.T) {
	s := newTestServer(t)
	ann := s.signup("ann@example.com")
	bob := s.signup("bob@example.com")
	s.reload(ann.Token, "10")

	event := s.createEvent(ann.Token, CreateEventRequest{
		Name:        "Dinner",
		EventDate:   "2026-11-20",
		PaymentDate: "2026-11-15",
	})
	assert.Equal(t, ann.User.ID, event.Organizer)
	assert.Equal(t, "2026-11-15", event.PaymentDate.Format(dateLayout))

	// invite: organizer only, idempotent
	rec := s.do(http.MethodPost, "/api/events/"+string(event.ID)+"/guests", bob.Token, GuestRequest{Email: "bob@example.com"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	for i := 0; i < 2; i++ {
		rec = s.do(http.MethodPost, "/api/events/"+string(event.ID)+"/guests", ann.Token, GuestRequest{Email: "new@example.com", Share: "2"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	updated := decodeBody[ledger.Event](t, rec)
	assert.Len(t, updated.Guests, 2)
	requireAmount(t, "3", updated.ShareAmount)

	// the invited email is an incomplete user
	invited, err := s.ledger.FindUserByEmail(t.Context(), "new@example.com")
	require.NoError(t, err)
	assert.True(t, invited.Incomplete())

	// listing: Bob sees nothing, Ann sees her event, anonymous sees all
	assert.Empty(t, decodeBody[[]ledger.Event](t, s.do(http.MethodGet, "/api/events", bob.Token, nil)))
	assert.Len(t, decodeBody[[]ledger.Event](t, s.do(http.MethodGet, "/api/events", ann.Token, nil)), 1)
	assert.Len(t, decodeBody[[]ledger.Event](t, s.do(http.MethodGet, "/api/events", "", nil)), 1)

	// delete is refused while the pool holds money
	rec = s.transact(ann.Token, TransactionRequest{Type: "payment", Amount: "10", Recipient: string(event.ID)})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = s.do(http.MethodDelete, "/api/events/"+string(event.ID), ann.Token, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.transact(ann.Token, TransactionRequest{Type: "refund", EventID: string(event.ID)})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = s.do(http.MethodDelete, "/api/events/"+string(event.ID), ann.Token, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/events/"+string(event.ID), "", nil).Code)
}

func TestEvents_Validation(t *testing.T) {
	s := newTestServer(t)
	ann := s.signup("ann@example.com")

	tests := []struct {
		name string
		req  CreateEventRequest
	}{
		{"missing name", CreateEventRequest{}},
		{"bad date", CreateEventRequest{Name: "x", EventDate: "31/12/2026"}},
		{"payment after event", CreateEventRequest{Name: "x", EventDate: "2026-01-01", PaymentDate: "2026-02-01"}},
		{"bad share", CreateEventRequest{Name: "x", Guests: []GuestRequest{{Email: "b@example.com", Share: "lots"}}}},
		{"bad guest email", CreateEventRequest{Name: "x", Guests: []GuestRequest{{Email: "nope"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(http.MethodPost, "/api/events", ann.Token, tt.req)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestAdminDeleteUser(t *testing.T) {
	s := newTestServer(t)
	ann := s.signup("ann@example.com")
	s.reload(ann.Token, "5")

	rec := s.do(http.MethodDelete, "/api/admin/users/"+string(ann.User.ID), "", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	// THEN: Her token no longer resolves; deleting again is a 404
	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodGet, "/api/users/me", ann.Token, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodDelete, "/api/admin/users/"+string(ann.User.ID), "", nil).Code)
}

// =============================================================================
// OBSERVABILITY
// =============================================================================

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)
	s.signup("ann@example.com")
	s.do(http.MethodGet, "/api/events/missing", "", nil)

	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/healthz", "", nil).Code)

	rec := s.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := rec.Body.String()
	assert.Contains(t, out, `pool_http_requests_total{code="201",method="POST",route="/api/users/signup"} 1`)
	assert.Contains(t, out, `pool_http_requests_total{code="404",method="GET",route="/api/events/{id}"} 1`)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{&ledger.ValidationError{Field: "amount", Reason: "is required"}, http.StatusBadRequest},
		{&ledger.NotFoundError{Kind: "event", ID: "x"}, http.StatusNotFound},
		{&ledger.InsufficientFundsError{Holder: "u"}, http.StatusUnprocessableEntity},
		{&ledger.NoGuestsError{EventID: "e"}, http.StatusConflict},
		{&ledger.InvalidOperationError{Op: "delete event"}, http.StatusConflict},
		{ledger.ErrDuplicateEmail, http.StatusConflict},
		{auth.ErrEmailExists, http.StatusConflict},
		{auth.ErrWeakPassword, http.StatusBadRequest},
		{fmt.Errorf("%w: expired", auth.ErrInvalidToken), http.StatusUnauthorized},
		{auth.ErrInvalidCredentials, http.StatusUnauthorized},
		{errForbidden, http.StatusForbidden},
		{fmt.Errorf("put user: %w", ledger.ErrConcurrentModification), http.StatusConflict},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			status, _ := classify(tt.err)
			assert.Equal(t, tt.status, status)
		})
	}
}

func TestRetry(t *testing.T) {
	calls := 0
	err := retry(t.Context(), func() error {
		calls++
		if calls < 3 {
			return ledger.ErrConcurrentModification
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)

	// non-retryable errors return immediately
	calls = 0
	err = retry(t.Context(), func() error {
		calls++
		return &ledger.ValidationError{Field: "x"}
	})
	assert.ErrorIs(t, err, ledger.ErrValidation)
	assert.Equal(t, 1, calls)

	// attempts are bounded
	calls = 0
	err = retry(t.Context(), func() error {
		calls++
		return ledger.ErrConcurrentModification
	})
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)
	assert.Equal(t, maxAttempts, calls)
}
