package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// NewEvent holds the fields for CreateEvent. The organizer becomes a guest
// flagged IsOrganizer; a nil OrganizerShare means weight 1.
type NewEvent struct {
	Organizer      UserID
	Name           string
	Description    string
	EventDate      time.Time
	PaymentDate    time.Time
	OrganizerShare *decimal.Decimal
	Guests         []GuestInput
}

// CreateEvent stores a new event. Guest emails that are not yet users get
// incomplete user records in the same commit.
func (l *Ledger) CreateEvent(ctx context.Context, ne NewEvent) (*Event, error) {
	if ne.Organizer == "" {
		return nil, &ValidationError{Field: "organizer", Reason: "is required"}
	}
	name := strings.TrimSpace(ne.Name)
	if name == "" {
		return nil, &ValidationError{Field: "name", Reason: "is required"}
	}
	orgShare, err := GuestInput{Share: ne.OrganizerShare}.share()
	if err != nil {
		return nil, err
	}
	if !ne.PaymentDate.IsZero() && !ne.EventDate.IsZero() && ne.PaymentDate.After(ne.EventDate) {
		return nil, &ValidationError{Field: "paymentDate", Reason: "must not be after the event date"}
	}

	type pending struct {
		email string
		share decimal.Decimal
	}
	var guests []pending
	seen := make(map[string]bool)
	for _, g := range ne.Guests {
		email, err := normalizeEmail(g.Email)
		if err != nil {
			return nil, err
		}
		share, err := g.share()
		if err != nil {
			return nil, err
		}
		if seen[strings.ToLower(email)] {
			continue
		}
		seen[strings.ToLower(email)] = true
		guests = append(guests, pending{email: email, share: share})
	}

	event := &Event{
		ID:          EventID(l.newID()),
		UniqueID:    l.newUniqueID(),
		Organizer:   ne.Organizer,
		Name:        name,
		Description: strings.TrimSpace(ne.Description),
		EventDate:   ne.EventDate.UTC(),
		PaymentDate: ne.PaymentDate.UTC(),
		TotalSum:    decimal.Zero,
		ShareAmount: decimal.Zero,
		CreatedAt:   l.clock(),
	}

	keys := []string{eventKey(event.ID)}
	for _, g := range guests {
		keys = append(keys, emailKey(g.email))
	}
	unlock := l.locks.Lock(keys...)
	defer unlock()

	userKeys := []string{userKey(ne.Organizer)}
	for _, g := range guests {
		u, err := l.store.FindUserByEmail(ctx, g.email)
		if err == nil {
			userKeys = append(userKeys, userKey(u.ID))
		} else if !IsNotFound(err) {
			return nil, err
		}
	}
	unlockUsers := l.locks.Lock(userKeys...)
	defer unlockUsers()

	var invited []string
	err = l.store.WithTx(ctx, func(s Store) error {
		organizer, err := s.GetUser(ctx, ne.Organizer)
		if err != nil {
			return err
		}
		event.Guests = append(event.Guests, Guest{
			UserID:      organizer.ID,
			Email:       organizer.Email,
			Share:       orgShare,
			IsOrganizer: true,
		})
		organizer.addEvent(event.ID)
		if err := s.PutUser(ctx, organizer); err != nil {
			return err
		}

		for _, g := range guests {
			if strings.EqualFold(g.email, organizer.Email) {
				continue
			}
			u, err := l.resolveGuestUser(ctx, s, g.email, event.ID)
			if err != nil {
				return err
			}
			event.Guests = append(event.Guests, Guest{UserID: u.ID, Email: u.Email, Share: g.share})
			invited = append(invited, u.Email)
		}
		event.recomputeShareAmount()
		return s.PutEvent(ctx, event)
	})
	if err != nil {
		return nil, err
	}

	l.logger.InfoContext(ctx, "event created",
		"event_id", event.ID, "organizer", event.Organizer, "guests", len(event.Guests))
	for _, email := range invited {
		l.invite(ctx, event, email)
	}
	return event, nil
}

// GetEvent returns an event by id.
func (l *Ledger) GetEvent(ctx context.Context, id EventID) (*Event, error) {
	return l.store.GetEvent(ctx, id)
}

// GetEventByUniqueID returns an event by its join code.
func (l *Ledger) GetEventByUniqueID(ctx context.Context, uniqueID string) (*Event, error) {
	return l.store.FindEventByUniqueID(ctx, uniqueID)
}

// ListEvents returns all events, or only those userID organizes or attends
// when userID is set.
func (l *Ledger) ListEvents(ctx context.Context, userID UserID) ([]Event, error) {
	events, err := l.store.ListEvents(ctx)
	if err != nil || userID == "" {
		return events, err
	}
	var out []Event
	for _, e := range events {
		if e.Organizer == userID || e.GuestIndex(userID) >= 0 {
			out = append(out, e)
		}
	}
	return out, nil
}

// DeleteEvent removes an event whose pool is empty and detaches it from its
// guests. Its transactions persist.
func (l *Ledger) DeleteEvent(ctx context.Context, id EventID) error {
	unlockEvent := l.locks.Lock(eventKey(id))
	defer unlockEvent()

	current, err := l.store.GetEvent(ctx, id)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(current.Guests))
	for _, g := range current.Guests {
		keys = append(keys, userKey(g.UserID))
	}
	unlockUsers := l.locks.Lock(keys...)
	defer unlockUsers()

	err = l.store.WithTx(ctx, func(s Store) error {
		event, err := s.GetEvent(ctx, id)
		if err != nil {
			return err
		}
		if !event.TotalSum.IsZero() {
			return &InvalidOperationError{Op: "delete event", Reason: "pool is not empty; refund it first"}
		}
		for _, g := range event.Guests {
			u, err := s.GetUser(ctx, g.UserID)
			if IsNotFound(err) {
				continue
			}
			if err != nil {
				return err
			}
			u.removeEvent(id)
			if err := s.PutUser(ctx, u); err != nil {
				return err
			}
		}
		return s.DeleteEvent(ctx, id)
	})
	if err == nil {
		l.logger.InfoContext(ctx, "event deleted", "event_id", id)
	}
	return err
}
