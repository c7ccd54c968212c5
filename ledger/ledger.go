/*
ledger.go - The Ledger service and user lifecycle

PURPOSE:
  Ledger is the entry point of the accounting core. It owns the store, the
  per-entity locker and the collaborators (observer, notifier), and exposes
  every mutating and read-only operation:

    engine.go      Apply (reload, payment, expense)
    refund.go      refund distribution
    membership.go  EnsureGuest
    events.go      CreateEvent, DeleteEvent, ...
    query.go       Balance, UserTransactions, EventExpenses, ...

CONCURRENCY MODEL:
  Every mutation follows the same three steps:
    1. Lock the keys of every entity it will write (Locker, sorted order).
    2. Re-read those entities inside TxStore.WithTx and compute all changes
       in memory, validating before the first write.
    3. Write everything in that one WithTx call (all-or-nothing).
  Keyed locks are never acquired while inside WithTx.

SEE ALSO:
  - locks.go: Lock ordering rules
  - store.go: Persistence contracts
*/
package ledger

import (
	"context"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// Observer receives engine outcomes. Implemented by the metrics package.
type Observer interface {
	ObserveTransaction(t TransactionType, outcome string, d time.Duration)
	ObserveSkippedGuests(n int)
}

// Transaction outcomes reported to the Observer.
const (
	OutcomeCommitted = "committed"
	OutcomeReplayed  = "replayed"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

type nopObserver struct{}

func (nopObserver) ObserveTransaction(TransactionType, string, time.Duration) {}
func (nopObserver) ObserveSkippedGuests(int)                                {}

// Invitation is handed to the Notifier when a guest joins an event.
type Invitation struct {
	RecipientEmail string    `json:"recipientEmail"`
	OrganizerName  string    `json:"organizerName"`
	EventName      string    `json:"eventName"`
	Description    string    `json:"description"`
	EventDate      time.Time `json:"eventDate"`
	JoinLink       string    `json:"joinLink"`
}

// Notifier delivers guest invitations. Delivery failures never undo the
// membership change that triggered them.
type Notifier interface {
	NotifyInvitation(ctx context.Context, inv Invitation) error
}

// =============================================================================
// LEDGER
// =============================================================================

// Options configures a Ledger. Zero values select defaults.
type Options struct {
	Locker       *Locker
	Clock        func() time.Time
	NewID        func() string
	Observer     Observer
	Notifier     Notifier
	Logger       *slog.Logger
	RefundPolicy RefundPolicy

	// PublicURL prefixes join links in invitations, e.g. "https://pool.example".
	PublicURL string
}

// Ledger applies transactions and guest-list changes to a TxStore.
type Ledger struct {
	store        TxStore
	locks        *Locker
	clock        func() time.Time
	newID        func() string
	observer     Observer
	notifier     Notifier
	logger       *slog.Logger
	refundPolicy RefundPolicy
	publicURL    string
}

// New creates a Ledger backed by store.
func New(store TxStore, opts Options) *Ledger {
	l := &Ledger{
		store:        store,
		locks:        opts.Locker,
		clock:        opts.Clock,
		newID:        opts.NewID,
		observer:     opts.Observer,
		notifier:     opts.Notifier,
		logger:       opts.Logger,
		refundPolicy: opts.RefundPolicy,
		publicURL:    strings.TrimRight(opts.PublicURL, "/"),
	}
	if l.locks == nil {
		l.locks = NewLocker()
	}
	if l.clock == nil {
		l.clock = func() time.Time { return time.Now().UTC() }
	}
	if l.newID == nil {
		l.newID = uuid.NewString
	}
	if l.observer == nil {
		l.observer = nopObserver{}
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	l.logger = l.logger.With("component", "ledger")
	return l
}

// Store returns the underlying store (read access for collaborators).
func (l *Ledger) Store() TxStore { return l.store }

// =============================================================================
// USERS
// =============================================================================

// NewUser holds the fields for CreateUser.
type NewUser struct {
	Email        string
	FirstName    string
	LastName     string
	PasswordHash string
}

// CreateUser stores a new user. Email must be unique (case-insensitive).
func (l *Ledger) CreateUser(ctx context.Context, nu NewUser) (*User, error) {
	email, err := normalizeEmail(nu.Email)
	if err != nil {
		return nil, err
	}

	unlock := l.locks.Lock(emailKey(email))
	defer unlock()

	u := &User{
		ID:           UserID(l.newID()),
		Email:        email,
		FirstName:    strings.TrimSpace(nu.FirstName),
		LastName:     strings.TrimSpace(nu.LastName),
		PasswordHash: nu.PasswordHash,
		Balance:      decimal.Zero,
		CreatedAt:    l.clock(),
	}
	err = l.store.WithTx(ctx, func(s Store) error {
		if _, err := s.FindUserByEmail(ctx, email); err == nil {
			return ErrDuplicateEmail
		} else if !IsNotFound(err) {
			return err
		}
		return s.PutUser(ctx, u)
	})
	if err != nil {
		return nil, err
	}
	l.logger.InfoContext(ctx, "user created", "user_id", u.ID)
	return u, nil
}

// GetUser returns a user by id.
func (l *Ledger) GetUser(ctx context.Context, id UserID) (*User, error) {
	return l.store.GetUser(ctx, id)
}

// FindUserByEmail returns the user with the given email (case-insensitive).
func (l *Ledger) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	return l.store.FindUserByEmail(ctx, strings.TrimSpace(email))
}

// UpdateUser applies mutate to a freshly read user under the user's lock
// and persists the result. mutate must not touch Balance or the id lists;
// those belong to the engine.
func (l *Ledger) UpdateUser(ctx context.Context, id UserID, mutate func(*User) error) (*User, error) {
	unlock := l.locks.Lock(userKey(id))
	defer unlock()

	var out *User
	err := l.store.WithTx(ctx, func(s Store) error {
		u, err := s.GetUser(ctx, id)
		if err != nil {
			return err
		}
		balance, events, txs := u.Balance, len(u.EventIDs), len(u.TransactionIDs)
		if err := mutate(u); err != nil {
			return err
		}
		if !u.Balance.Equal(balance) || len(u.EventIDs) != events || len(u.TransactionIDs) != txs {
			return &InvalidOperationError{Op: "update user", Reason: "balance and references are engine-owned"}
		}
		if err := s.PutUser(ctx, u); err != nil {
			return err
		}
		out = u
		return nil
	})
	return out, err
}

// DeleteUser removes a user record. Transactions it took part in persist,
// and guest entries referencing it are skipped by later refunds.
func (l *Ledger) DeleteUser(ctx context.Context, id UserID) error {
	unlock := l.locks.Lock(userKey(id))
	defer unlock()

	err := l.store.WithTx(ctx, func(s Store) error {
		if _, err := s.GetUser(ctx, id); err != nil {
			return err
		}
		return s.DeleteUser(ctx, id)
	})
	if err == nil {
		l.logger.InfoContext(ctx, "user deleted", "user_id", id)
	}
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

func emailKey(email string) string { return "user-email:" + strings.ToLower(email) }

func normalizeEmail(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", &ValidationError{Field: "email", Reason: "is required"}
	}
	addr, err := mail.ParseAddress(raw)
	if err != nil || addr.Address != raw {
		return "", &ValidationError{Field: "email", Reason: "is not a valid address"}
	}
	return raw, nil
}

func (l *Ledger) joinLink(e *Event) string {
	return l.publicURL + e.JoinPath()
}

func (l *Ledger) newUniqueID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
