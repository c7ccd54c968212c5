package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// GuestInput names a guest by email. A nil Share means weight 1.
type GuestInput struct {
	Email string
	Share *decimal.Decimal
}

func (g GuestInput) share() (decimal.Decimal, error) {
	if g.Share == nil {
		return decimal.NewFromInt(1), nil
	}
	if g.Share.IsNegative() {
		return decimal.Zero, &ValidationError{Field: "share", Reason: "must not be negative"}
	}
	return *g.Share, nil
}

// EnsureGuest attaches the user with the given email to an event's guest
// list, creating an incomplete user when the email is unknown.
//
// Idempotent: if the email (case-insensitive) is already a guest, nothing
// changes and the existing user is returned. A successful addition sends
// an invitation; delivery failures are logged and never undo the change.
func (l *Ledger) EnsureGuest(ctx context.Context, eventID EventID, in GuestInput) (*User, error) {
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}
	share, err := in.share()
	if err != nil {
		return nil, err
	}

	unlockEvent := l.locks.Lock(eventKey(eventID))
	defer unlockEvent()
	unlockEmail := l.locks.Lock(emailKey(email))
	defer unlockEmail()

	var keys []string
	existing, err := l.store.FindUserByEmail(ctx, email)
	switch {
	case err == nil:
		keys = append(keys, userKey(existing.ID))
	case !IsNotFound(err):
		return nil, err
	}
	unlockUser := l.locks.Lock(keys...)
	defer unlockUser()

	var (
		guest *User
		event *Event
		added bool
	)
	err = l.store.WithTx(ctx, func(s Store) error {
		ev, err := s.GetEvent(ctx, eventID)
		if err != nil {
			return err
		}
		event = ev

		if idx := ev.FindGuest(email); idx >= 0 {
			u, err := s.GetUser(ctx, ev.Guests[idx].UserID)
			if err != nil {
				return err
			}
			if u.addEvent(ev.ID) {
				if err := s.PutUser(ctx, u); err != nil {
					return err
				}
			}
			guest = u
			return nil
		}

		u, err := l.resolveGuestUser(ctx, s, email, ev.ID)
		if err != nil {
			return err
		}
		ev.Guests = append(ev.Guests, Guest{UserID: u.ID, Email: u.Email, Share: share})
		ev.recomputeShareAmount()
		if err := s.PutEvent(ctx, ev); err != nil {
			return err
		}
		guest, added = u, true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if added {
		l.logger.InfoContext(ctx, "guest added", "event_id", eventID, "user_id", guest.ID, "share", share.String())
		l.invite(ctx, event, guest.Email)
	}
	return guest, nil
}

// resolveGuestUser finds the user for email or creates an incomplete one,
// and records eventID in its EventIDs. Runs inside WithTx; the caller
// holds the email lock.
func (l *Ledger) resolveGuestUser(ctx context.Context, s Store, email string, eventID EventID) (*User, error) {
	u, err := s.FindUserByEmail(ctx, email)
	switch {
	case err == nil:
		if !u.addEvent(eventID) {
			return u, nil
		}
	case IsNotFound(err):
		u = &User{
			ID:        UserID(l.newID()),
			Email:     email,
			Balance:   decimal.Zero,
			EventIDs:  []EventID{eventID},
			CreatedAt: l.clock(),
		}
	default:
		return nil, err
	}
	if err := s.PutUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (l *Ledger) invite(ctx context.Context, event *Event, email string) {
	if l.notifier == nil {
		return
	}
	organizer := ""
	if u, err := l.store.GetUser(ctx, event.Organizer); err == nil {
		organizer = u.DisplayName()
	}
	inv := Invitation{
		RecipientEmail: email,
		OrganizerName:  organizer,
		EventName:      event.Name,
		Description:    event.Description,
		EventDate:      event.EventDate,
		JoinLink:       l.joinLink(event),
	}
	if err := l.notifier.NotifyInvitation(ctx, inv); err != nil {
		l.logger.WarnContext(ctx, "invitation not delivered",
			"event_id", event.ID, "email", email, "error", err)
	}
}
