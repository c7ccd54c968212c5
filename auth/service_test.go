package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/pool-ledger/auth"
	"github.com/warp/pool-ledger/ledger"
	"github.com/warp/pool-ledger/ledger/store"
	"golang.org/x/crypto/bcrypt"
)

func newTestService(t *testing.T) (*auth.Service, *ledger.Ledger) {
	t.Helper()
	l := ledger.New(store.NewTxMemory(), ledger.Options{})
	jwt := auth.NewJWTManager("test-secret", time.Hour)
	return auth.NewService(l, jwt, auth.WithBcryptCost(bcrypt.MinCost)), l
}

func TestSignup_NewUser(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	sess, err := svc.Signup(ctx, auth.SignupRequest{Email: "ann@example.com", FirstName: "Ann", Password: "correct horse"})

	require.NoError(t, err)
	assert.NotEmpty(t, sess.Token)
	assert.False(t, sess.User.Incomplete())

	u, err := svc.Resolve(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, sess.User.ID, u.ID)
}

func TestSignup_Rejections(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Signup(ctx, auth.SignupRequest{Email: "ann@example.com", Password: "short"})
	assert.ErrorIs(t, err, auth.ErrWeakPassword)

	_, err = svc.Signup(ctx, auth.SignupRequest{Email: "ann@example.com", Password: "long enough"})
	require.NoError(t, err)

	_, err = svc.Signup(ctx, auth.SignupRequest{Email: "ANN@example.com", Password: "long enough"})
	assert.ErrorIs(t, err, auth.ErrEmailExists)

	_, err = svc.Signup(ctx, auth.SignupRequest{Email: "not an email", Password: "long enough"})
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestSignup_CompletesInvitedUser(t *testing.T) {
	svc, l := newTestService(t)
	ctx := context.Background()

	// GIVEN: an invitation created an incomplete user who was refunded money
	org, err := l.CreateUser(ctx, ledger.NewUser{Email: "org@example.com", PasswordHash: "x"})
	require.NoError(t, err)
	_, err = l.Apply(ctx, ledger.Request{Type: ledger.TxReload, Emitter: string(org.ID), Amount: "20"})
	require.NoError(t, err)
	share := decimal.NewFromInt(1)
	e, err := l.CreateEvent(ctx, ledger.NewEvent{
		Organizer: org.ID, Name: "Trip",
		Guests: []ledger.GuestInput{{Email: "guest@example.com", Share: &share}},
	})
	require.NoError(t, err)
	_, err = l.Apply(ctx, ledger.Request{Type: ledger.TxPayment, Emitter: string(org.ID), Recipient: string(e.ID), Amount: "20"})
	require.NoError(t, err)
	_, err = l.Apply(ctx, ledger.Request{Type: ledger.TxRefund, Emitter: string(e.ID)})
	require.NoError(t, err)
	invited, err := l.FindUserByEmail(ctx, "guest@example.com")
	require.NoError(t, err)
	require.True(t, invited.Incomplete())

	// WHEN: the guest signs up
	sess, err := svc.Signup(ctx, auth.SignupRequest{Email: "guest@example.com", FirstName: "Gus", Password: "long enough"})

	// THEN: the same record is completed, balance and events intact
	require.NoError(t, err)
	assert.Equal(t, invited.ID, sess.User.ID)
	assert.Equal(t, "Gus", sess.User.FirstName)
	assert.True(t, sess.User.Balance.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, []ledger.EventID{e.ID}, sess.User.EventIDs)

	// AND: signing up again is refused
	_, err = svc.Signup(ctx, auth.SignupRequest{Email: "guest@example.com", Password: "long enough"})
	assert.ErrorIs(t, err, auth.ErrEmailExists)
}

func TestLogin_RotatesSession(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Signup(ctx, auth.SignupRequest{Email: "ann@example.com", Password: "long enough"})
	require.NoError(t, err)

	_, err = svc.Login(ctx, "ann@example.com", "wrong password")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
	_, err = svc.Login(ctx, "nobody@example.com", "long enough")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)

	// WHEN: logging in again
	second, err := svc.Login(ctx, "Ann@example.com", "long enough")
	require.NoError(t, err)

	// THEN: only the newest token resolves
	_, err = svc.Resolve(ctx, first.Token)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
	u, err := svc.Resolve(ctx, second.Token)
	require.NoError(t, err)
	assert.Equal(t, first.User.ID, u.ID)
}

func TestLogin_IncompleteUserCannotLogIn(t *testing.T) {
	svc, l := newTestService(t)
	ctx := context.Background()
	_, err := l.CreateUser(ctx, ledger.NewUser{Email: "invited@example.com"})
	require.NoError(t, err)

	_, err = svc.Login(ctx, "invited@example.com", "")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestLogout_InvalidatesToken(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	sess, err := svc.Signup(ctx, auth.SignupRequest{Email: "ann@example.com", Password: "long enough"})
	require.NoError(t, err)

	require.NoError(t, svc.Logout(ctx, sess.User.ID))

	_, err = svc.Resolve(ctx, sess.Token)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestJWTManager(t *testing.T) {
	m := auth.NewJWTManager("secret", time.Hour)

	token, err := m.Generate("u1", "s1")
	require.NoError(t, err)

	claims, err := m.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "s1", claims.SessionID)

	_, err = m.Validate("")
	assert.ErrorIs(t, err, auth.ErrMissingToken)

	_, err = auth.NewJWTManager("other", time.Hour).Validate(token)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)

	expired, err := auth.NewJWTManager("secret", -time.Minute).Generate("u1", "s1")
	require.NoError(t, err)
	_, err = m.Validate(expired)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}
