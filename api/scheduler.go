/*
scheduler.go - Payment reminder scheduler

PURPOSE:
  Periodically finds events whose payment date is approaching and reminds
  every guest who has not paid yet how much they owe.

DESIGN:
  - Runs on a ticker with configurable interval (default: 1 hour)
  - An event qualifies when its payment date is in [now, now+Window] and
    its pool is not empty
  - A guest is reminded once per payment cycle: the sent record is keyed by
    event and guest and remembers the event's share amount; it is dropped
    when the guest pays, the pool is emptied, or the share amount changes
  - Delivery failures are counted and retried on the next sweep

USAGE:
  scheduler := NewReminderScheduler(ledger, notifier, ReminderConfig{...})
  go scheduler.Run(ctx)   // until ctx is done
  scheduler.RunNow(ctx)   // one sweep (admin endpoint, tests)

SEE ALSO:
  - notify/notifier.go: Delivery
  - ledger/query.go: GuestShares
*/
package api

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/warp/pool-ledger/ledger"
	"github.com/warp/pool-ledger/notify"
)

// ReminderNotifier delivers payment reminders.
type ReminderNotifier interface {
	NotifyPaymentReminder(ctx context.Context, r notify.PaymentReminder) error
}

// ReminderObserver records delivery results.
type ReminderObserver interface {
	ObserveReminder(err error)
}

// ReminderConfig configures a ReminderScheduler.
type ReminderConfig struct {
	Interval  time.Duration
	Window    time.Duration
	PublicURL string
	Clock     func() time.Time
	Observer  ReminderObserver
	Logger    *slog.Logger
}

// ReminderReport counts the outcome of one sweep.
type ReminderReport struct {
	Sent    int
	Failed  int
	Skipped int
}

type reminderKey struct {
	event ledger.EventID
	user  ledger.UserID
}

// ReminderScheduler sends payment reminders.
type ReminderScheduler struct {
	ledger   *ledger.Ledger
	notifier ReminderNotifier
	cfg      ReminderConfig
	logger   *slog.Logger

	// sweeps are serialized; sent maps a reminded guest to the share
	// amount of the cycle it was reminded in
	mu   sync.Mutex
	sent map[reminderKey]string
}

// NewReminderScheduler creates a scheduler.
func NewReminderScheduler(l *ledger.Ledger, n ReminderNotifier, cfg ReminderConfig) *ReminderScheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Window <= 0 {
		cfg.Window = 72 * time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ReminderScheduler{
		ledger:   l,
		notifier: n,
		cfg:      cfg,
		logger:   logger.With("component", "reminders"),
		sent:     make(map[reminderKey]string),
	}
}

// Run sweeps immediately and then on every tick until ctx is done.
func (s *ReminderScheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.InfoContext(ctx, "started", "interval", s.cfg.Interval, "window", s.cfg.Window)
	s.sweep(ctx)

	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-ctx.Done():
			s.logger.Info("stopped")
			return nil
		}
	}
}

func (s *ReminderScheduler) sweep(ctx context.Context) {
	report, err := s.RunNow(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "reminder sweep failed", "error", err)
		return
	}
	if report.Sent > 0 || report.Failed > 0 {
		s.logger.InfoContext(ctx, "reminder sweep done",
			"sent", report.Sent, "failed", report.Failed, "skipped", report.Skipped)
	}
}

// RunNow performs one sweep.
func (s *ReminderScheduler) RunNow(ctx context.Context) (ReminderReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var report ReminderReport
	events, err := s.ledger.ListEvents(ctx, "")
	if err != nil {
		return report, err
	}

	now := s.cfg.Clock()
	for _, e := range events {
		if e.TotalSum.IsZero() {
			s.forgetEvent(e.ID)
			continue
		}
		if !s.due(e, now) {
			continue
		}
		shares, err := s.ledger.GuestShares(ctx, e.ID)
		if err != nil {
			if ledger.IsNotFound(err) {
				continue
			}
			return report, err
		}
		cycle := e.ShareAmount.String()
		for _, gs := range shares {
			key := reminderKey{event: e.ID, user: gs.UserID}
			if gs.HasPaid || !gs.Due.IsPositive() {
				delete(s.sent, key)
				continue
			}
			if s.sent[key] == cycle {
				report.Skipped++
				continue
			}

			err := s.notifier.NotifyPaymentReminder(ctx, notify.PaymentReminder{
				RecipientEmail: gs.Email,
				EventID:        e.ID,
				EventName:      e.Name,
				PaymentDate:    e.PaymentDate,
				AmountDue:      gs.Due,
				JoinLink:       s.cfg.PublicURL + e.JoinPath(),
			})
			if s.cfg.Observer != nil {
				s.cfg.Observer.ObserveReminder(err)
			}
			if err != nil {
				report.Failed++
				s.logger.WarnContext(ctx, "reminder not delivered",
					"event_id", e.ID, "user_id", gs.UserID, "error", err)
				continue
			}
			s.sent[key] = cycle
			report.Sent++
		}
	}
	return report, nil
}

// due reports whether e's payment date falls inside the reminder window.
// The payment day itself still counts.
func (s *ReminderScheduler) due(e ledger.Event, now time.Time) bool {
	if e.PaymentDate.IsZero() || e.PaymentDate.Before(now.UTC().Truncate(24*time.Hour)) {
		return false
	}
	return !e.PaymentDate.After(now.Add(s.cfg.Window))
}

func (s *ReminderScheduler) forgetEvent(id ledger.EventID) {
	for k := range s.sent {
		if k.event == id {
			delete(s.sent, k)
		}
	}
}

// Reset forgets every sent reminder.
func (s *ReminderScheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = make(map[reminderKey]string)
}
