package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/iliyamo/cinema-ticketing/internal/metrics"
)

// Channel is the part of *amqp.Channel the publisher uses.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Dialer opens a channel to the broker.
type Dialer func(url string) (Channel, error)

type amqpChannel struct {
	*amqp.Channel
	conn *amqp.Connection
}

func (c amqpChannel) Close() error {
	_ = c.Channel.Close()
	return c.conn.Close()
}

// DialAMQP is the Dialer used in production.
func DialAMQP(url string) (Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return amqpChannel{Channel: ch, conn: conn}, nil
}

const (
	defaultBuffer  = 256
	publishTimeout = 5 * time.Second
	maxDialBackoff = 30 * time.Second
	initialBackoff = time.Second
)

// Publisher buffers notifications in memory and publishes them from a
// single background loop.  Send never blocks: when the buffer is full the
// event is dropped and counted.
type Publisher struct {
	url    string
	dial   Dialer
	log    *zap.Logger
	events chan NotificationEvent
	now    func() time.Time

	backoff time.Duration
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithDialer replaces the broker dialer.
func WithDialer(d Dialer) PublisherOption {
	return func(p *Publisher) { p.dial = d }
}

// WithBuffer sets the number of events held while the broker is slow or away.
func WithBuffer(n int) PublisherOption {
	return func(p *Publisher) {
		if n > 0 {
			p.events = make(chan NotificationEvent, n)
		}
	}
}

// WithInitialBackoff sets the first reconnect delay.
func WithInitialBackoff(d time.Duration) PublisherOption {
	return func(p *Publisher) { p.backoff = d }
}

// NewPublisher returns a Publisher for the broker at url.  Run must be
// started for events to leave the buffer.
func NewPublisher(url string, log *zap.Logger, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		url:     url,
		dial:    DialAMQP,
		log:     log.Named("notification-publisher"),
		events:  make(chan NotificationEvent, defaultBuffer),
		now:     time.Now,
		backoff: initialBackoff,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Send queues a notification for publishing.
func (p *Publisher) Send(_ context.Context, recipient, kind string, params map[string]string) {
	ev := NotificationEvent{Kind: kind, Recipient: recipient, Params: params, CreatedAt: p.now().UTC()}
	select {
	case p.events <- ev:
	default:
		metrics.NotificationsDropped.WithLabelValues("buffer_full").Inc()
		p.log.Warn("notification buffer full, dropping event", zap.String("kind", kind))
	}
}

// Run publishes buffered events until ctx is cancelled.  Broker failures
// drop the event in flight and trigger a reconnect with backoff.
func (p *Publisher) Run(ctx context.Context) error {
	var ch Channel
	defer func() {
		if ch != nil {
			_ = ch.Close()
		}
	}()
	backoff := p.backoff

	for {
		var ev NotificationEvent
		select {
		case <-ctx.Done():
			return nil
		case ev = <-p.events:
		}

		for ch == nil {
			c, err := p.connect()
			if err == nil {
				ch, backoff = c, p.backoff
				continue
			}
			p.log.Warn("broker unavailable", zap.Error(err), zap.Duration("retry_in", backoff))
			select {
			case <-ctx.Done():
				metrics.NotificationsDropped.WithLabelValues("shutdown").Inc()
				return nil
			case <-time.After(backoff):
			}
			if backoff < maxDialBackoff {
				backoff *= 2
			}
		}

		if err := p.publish(ctx, ch, ev); err != nil {
			metrics.NotificationsDropped.WithLabelValues("publish_error").Inc()
			p.log.Error("publish notification failed", zap.String("kind", ev.Kind), zap.Error(err))
			_ = ch.Close()
			ch = nil
		}
	}
}

func (p *Publisher) connect() (Channel, error) {
	ch, err := p.dial(p.url)
	if err != nil {
		return nil, err
	}
	if _, err := ch.QueueDeclare(QueueName, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("queue declare: %w", err)
	}
	return ch, nil
}

func (p *Publisher) publish(ctx context.Context, ch Channel, ev NotificationEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return ch.PublishWithContext(ctx, "", QueueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.CreatedAt,
		Type:         ev.Kind,
		Body:         body,
	})
}
