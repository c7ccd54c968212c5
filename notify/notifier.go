/*
Package notify delivers guest invitations and payment reminders.

PURPOSE:
  The ledger hands an Invitation to its Notifier after a guest joins an
  event; the reminder scheduler hands PaymentReminders to the same
  collaborator. Delivery is best effort: callers log failures and never
  roll back the change that triggered a message.

IMPLEMENTATIONS:
  AMQPNotifier: JSON envelopes on a durable RabbitMQ direct exchange
  LogNotifier:  structured log lines only (default without AMQP_URL)

SEE ALSO:
  - ledger/membership.go: Sends invitations after commit
  - api/scheduler.go: Sends payment reminders
*/
package notify

import (
	"context"
	"log/slog"

	"github.com/warp/pool-ledger/ledger"
)

// Notifier is implemented by every delivery backend.
type Notifier interface {
	ledger.Notifier
	NotifyPaymentReminder(ctx context.Context, r PaymentReminder) error
	Close() error
}

// LogNotifier writes notifications to the log instead of delivering them.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "notify")}
}

func (n *LogNotifier) NotifyInvitation(ctx context.Context, inv ledger.Invitation) error {
	n.logger.InfoContext(ctx, "invitation",
		"to", inv.RecipientEmail,
		"event", inv.EventName,
		"organizer", inv.OrganizerName,
		"link", inv.JoinLink)
	return nil
}

func (n *LogNotifier) NotifyPaymentReminder(ctx context.Context, r PaymentReminder) error {
	n.logger.InfoContext(ctx, "payment reminder",
		"to", r.RecipientEmail,
		"event", r.EventName,
		"due", r.AmountDue.StringFixed(ledger.CentPlaces),
		"payment_date", r.PaymentDate.Format("2006-01-02"),
		"link", r.JoinLink)
	return nil
}

func (n *LogNotifier) Close() error { return nil }
