package ledger_test

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/warp/pool-ledger/ledger"
	"github.com/warp/pool-ledger/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestLedger(t *testing.T) (*ledger.Ledger, *store.TxMemory) {
	t.Helper()
	return newTestLedgerWith(t, ledger.Options{})
}

func newTestLedgerWith(t *testing.T, opts ledger.Options) (*ledger.Ledger, *store.TxMemory) {
	t.Helper()
	st := store.NewTxMemory()
	return ledger.New(st, opts), st
}

// fundedUser creates a user and reloads it with balance (if non-zero).
func fundedUser(t *testing.T, l *ledger.Ledger, email, balance string) *ledger.User {
	t.Helper()
	ctx := context.Background()
	u, err := l.CreateUser(ctx, ledger.NewUser{Email: email, FirstName: "Test", PasswordHash: "x"})
	require.NoError(t, err)
	if balance != "0" {
		_, err = l.Apply(ctx, ledger.Request{Type: ledger.TxReload, Emitter: string(u.ID), Amount: balance})
		require.NoError(t, err)
	}
	return u
}

// newEvent creates an event organized by organizer with the given guests.
func newEvent(t *testing.T, l *ledger.Ledger, organizer ledger.UserID, orgShare string, guests ...ledger.GuestInput) *ledger.Event {
	t.Helper()
	share := dec(orgShare)
	e, err := l.CreateEvent(context.Background(), ledger.NewEvent{
		Organizer:      organizer,
		Name:           "Trip",
		OrganizerShare: &share,
		Guests:         guests,
	})
	require.NoError(t, err)
	return e
}

func guest(email, share string) ledger.GuestInput {
	s := dec(share)
	return ledger.GuestInput{Email: email, Share: &s}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func balanceOf(t *testing.T, l *ledger.Ledger, id ledger.UserID) decimal.Decimal {
	t.Helper()
	b, err := l.Balance(context.Background(), id)
	require.NoError(t, err)
	return b
}

func poolOf(t *testing.T, l *ledger.Ledger, id ledger.EventID) decimal.Decimal {
	t.Helper()
	e, err := l.GetEvent(context.Background(), id)
	require.NoError(t, err)
	return e.TotalSum
}

func requireAmount(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, dec(want).Equal(got), "want %s, got %s", want, got)
}

// recordingNotifier captures invitations.
type recordingNotifier struct {
	mu   sync.Mutex
	sent []ledger.Invitation
	err  error
}

func (n *recordingNotifier) NotifyInvitation(_ context.Context, inv ledger.Invitation) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, inv)
	return n.err
}

func (n *recordingNotifier) invitations() []ledger.Invitation {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]ledger.Invitation(nil), n.sent...)
}
