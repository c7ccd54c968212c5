package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/warp/pool-ledger/ledger"
)

const publishTimeout = 5 * time.Second

// publisher is the subset of *amqp091.Channel used for sending.
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
}

// AMQPNotifier publishes notifications to RabbitMQ.
type AMQPNotifier struct {
	conn         *amqp091.Connection
	channel      *amqp091.Channel
	pub          publisher
	exchangeName string
	queueName    string
	logger       *slog.Logger

	// amqp091 channels must not be shared by concurrent publishers
	mu sync.Mutex
}

// AMQPConfig holds broker settings.
type AMQPConfig struct {
	URL          string
	ExchangeName string
	QueueName    string
	// DialAttempts bounds connection retries at startup (default 5).
	DialAttempts int
}

// NewAMQPNotifier connects to the broker, declares a durable direct exchange
// and queue, and binds them with the queue name as routing key.
func NewAMQPNotifier(ctx context.Context, cfg AMQPConfig, logger *slog.Logger) (*AMQPNotifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "notify")

	conn, err := dialWithBackoff(ctx, cfg.URL, cfg.DialAttempts, logger, amqp091.Dial)
	if err != nil {
		return nil, fmt.Errorf("dial AMQP: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	n := &AMQPNotifier{
		conn:         conn,
		channel:      channel,
		pub:          channel,
		exchangeName: cfg.ExchangeName,
		queueName:    cfg.QueueName,
		logger:       logger,
	}
	if err := n.setup(); err != nil {
		n.Close()
		return nil, fmt.Errorf("setup exchange and queue: %w", err)
	}
	return n, nil
}

func (n *AMQPNotifier) setup() error {
	err := n.channel.ExchangeDeclare(
		n.exchangeName, // name
		"direct",       // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	_, err = n.channel.QueueDeclare(
		n.queueName, // name
		true,        // durable
		false,       // delete when unused
		false,       // exclusive
		false,       // no-wait
		nil,         // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	err = n.channel.QueueBind(
		n.queueName,    // queue name
		n.queueName,    // routing key
		n.exchangeName, // exchange
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	return nil
}

func (n *AMQPNotifier) NotifyInvitation(ctx context.Context, inv ledger.Invitation) error {
	return n.publish(ctx, KindInvitation, inv)
}

func (n *AMQPNotifier) NotifyPaymentReminder(ctx context.Context, r PaymentReminder) error {
	return n.publish(ctx, KindPaymentReminder, r)
}

func (n *AMQPNotifier) publish(ctx context.Context, kind string, payload any) error {
	env, err := NewEnvelope(kind, payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	body, err := env.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	n.mu.Lock()
	err = n.pub.PublishWithContext(
		ctx,
		n.exchangeName, // exchange
		n.queueName,    // routing key
		false,          // mandatory
		false,          // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    env.Timestamp,
			Type:         kind,
			Body:         body,
		},
	)
	n.mu.Unlock()
	if err != nil {
		return fmt.Errorf("publish %s: %w", kind, err)
	}

	n.logger.DebugContext(ctx, "published notification",
		"kind", kind,
		"exchange", n.exchangeName,
		"queue", n.queueName)
	return nil
}

func (n *AMQPNotifier) Close() error {
	if n.channel != nil {
		n.channel.Close()
	}
	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}

// =============================================================================
// CONNECTION RETRY
// =============================================================================

// dialWithBackoff retries dial with exponential backoff until it succeeds,
// attempts run out, or ctx is done.
func dialWithBackoff(ctx context.Context, url string, attempts int, logger *slog.Logger, dial func(string) (*amqp091.Connection, error)) (*amqp091.Connection, error) {
	if attempts <= 0 {
		attempts = 5
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		conn, err := dial(url)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if attempt == attempts-1 {
			break
		}
		wait := exponentialBackoff(attempt)
		logger.WarnContext(ctx, "AMQP dial failed, retrying", "attempt", attempt+1, "wait", wait, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, lastErr
}

// exponentialBackoff returns 1s, 2s, 4s ... capped at 30s.
func exponentialBackoff(attempt int) time.Duration {
	const maxWait = 30 * time.Second
	if attempt > 5 {
		return maxWait
	}
	wait := time.Second << attempt
	if wait > maxWait {
		return maxWait
	}
	return wait
}
