package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Mailer delivers a rendered email.
type Mailer interface {
	Deliver(ctx context.Context, e *Email) error
}

// LogMailer writes emails to the log instead of sending them.
type LogMailer struct {
	Log *zap.Logger
}

func (m LogMailer) Deliver(_ context.Context, e *Email) error {
	m.Log.Info("email delivered",
		zap.String("to", e.To),
		zap.String("subject", e.Subject),
		zap.Int("body_bytes", len(e.Body)))
	return nil
}

// Consumer reads notification events from QueueName, renders them and
// hands them to a Mailer.
type Consumer struct {
	url    string
	mailer Mailer
	log    *zap.Logger
}

// NewConsumer returns a Consumer for the broker at url.
func NewConsumer(url string, mailer Mailer, log *zap.Logger) *Consumer {
	return &Consumer{url: url, mailer: mailer, log: log.Named("notification-consumer")}
}

// Run consumes until ctx is cancelled, reconnecting with backoff whenever
// the broker goes away.  It only returns nil.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := initialBackoff
	for {
		connected, err := c.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			backoff = initialBackoff
		}
		c.log.Warn("consume loop ended, reconnecting", zap.Error(err), zap.Duration("retry_in", backoff))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff < maxDialBackoff {
			backoff *= 2
		}
	}
}

func (c *Consumer) consume(ctx context.Context) (bool, error) {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return false, fmt.Errorf("dial broker: %w", err)
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		return false, fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		c.log.Warn("set QoS failed", zap.Error(err))
	}
	if _, err := ch.QueueDeclare(QueueName, true, false, false, false, nil); err != nil {
		return true, fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.Consume(QueueName, "", false, false, false, false, nil)
	if err != nil {
		return true, fmt.Errorf("queue consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return true, errors.New("deliveries channel closed")
			}
			if err := c.Handle(ctx, d.Body); err != nil {
				c.log.Error("handle notification failed", zap.Error(err))
				// Rejected without requeue to avoid a redelivery loop.
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

// Handle decodes, renders and delivers one message body.
func (c *Consumer) Handle(ctx context.Context, body []byte) error {
	var ev NotificationEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	email, err := Render(ev)
	if err != nil {
		return err
	}
	if err := c.mailer.Deliver(ctx, email); err != nil {
		return fmt.Errorf("deliver %s: %w", ev.Kind, err)
	}
	c.log.Debug("notification handled", zap.String("kind", ev.Kind), zap.String("reference", ev.Params["reference"]))
	return nil
}
