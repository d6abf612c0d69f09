// Package notify publishes registration lifecycle messages to RabbitMQ for
// downstream consumers such as confirmation mailers and check-in desks.
// Messages never carry the registration token.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Shivanand-hulikatti/campus-event-pass/internal/model"
)

// QueueName is the durable queue registration messages are routed to.
const QueueName = "registration.events"

// Message types.
const (
	TypeConfirmed = "registration.confirmed"
	TypeCancelled = "registration.cancelled"
	TypeCheckedIn = "registration.checked_in"
)

// Message is the payload published for every registration state change.
type Message struct {
	Type             string `json:"type"`
	RegistrationID   string `json:"registration_id"`
	EventID          string `json:"event_id"`
	EventTitle       string `json:"event_title"`
	EventDate        string `json:"event_date"`
	EventVenue       string `json:"event_venue"`
	UserID           string `json:"user_id"`
	UserEmail        string `json:"user_email"`
	FullName         string `json:"full_name"`
	VerificationCode string `json:"verification_code"`
	OccurredAt       string `json:"occurred_at"`
}

// NewMessage builds a message of the given type for reg.
func NewMessage(typ string, reg *model.Registration, at time.Time) Message {
	return Message{
		Type:             typ,
		RegistrationID:   reg.ID,
		EventID:          reg.EventID,
		EventTitle:       reg.EventTitle,
		EventDate:        reg.EventDate,
		EventVenue:       reg.EventVenue,
		UserID:           reg.UserID,
		UserEmail:        reg.UserEmail,
		FullName:         reg.FullName,
		VerificationCode: reg.VerificationCode,
		OccurredAt:       at.UTC().Format(time.RFC3339),
	}
}

// Notifier accepts registration messages.
type Notifier interface {
	Notify(ctx context.Context, m Message) error
}

// Nop discards messages.
type Nop struct{}

func (Nop) Notify(context.Context, Message) error { return nil }

// ErrBacklogFull is returned by Notify when the publisher cannot keep up
// with the broker or the broker is unreachable for long enough to fill the
// buffer.
var ErrBacklogFull = errors.New("notification backlog full")

// Publisher defaults.
const (
	DefaultBacklog     = 1024
	DefaultDialTimeout = 5 * time.Second
)

// AMQPPublisher queues messages in memory and publishes them from Run, so
// Notify never waits on the broker. Run redials with backoff whenever the
// connection drops.
type AMQPPublisher struct {
	url         string
	log         *slog.Logger
	dialTimeout time.Duration
	queue       chan amqp.Publishing
}

// PublisherOption configures an AMQPPublisher.
type PublisherOption func(*AMQPPublisher)

// WithBacklog sets how many messages may wait for the broker.
func WithBacklog(n int) PublisherOption {
	return func(p *AMQPPublisher) {
		if n > 0 {
			p.queue = make(chan amqp.Publishing, n)
		}
	}
}

// WithDialTimeout bounds the TCP connect and AMQP handshake.
func WithDialTimeout(d time.Duration) PublisherOption {
	return func(p *AMQPPublisher) {
		if d > 0 {
			p.dialTimeout = d
		}
	}
}

// NewAMQPPublisher constructs a publisher. No connection is made until Run.
func NewAMQPPublisher(url string, log *slog.Logger, opts ...PublisherOption) *AMQPPublisher {
	p := &AMQPPublisher{
		url:         url,
		log:         log,
		dialTimeout: DefaultDialTimeout,
		queue:       make(chan amqp.Publishing, DefaultBacklog),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Notify queues m as a persistent JSON message.
func (p *AMQPPublisher) Notify(_ context.Context, m Message) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Type:         m.Type,
		MessageId:    m.Type + ":" + m.RegistrationID,
		Body:         body,
	}
	select {
	case p.queue <- pub:
		return nil
	default:
		return fmt.Errorf("%s %s: %w", m.Type, m.RegistrationID, ErrBacklogFull)
	}
}

// Run connects to the broker and publishes queued messages until ctx is
// done. A message whose publish failed is retried on the next connection.
func (p *AMQPPublisher) Run(ctx context.Context) error {
	var pending *amqp.Publishing
	for {
		s, err := backoff.Retry(ctx, func() (session, error) {
			s, err := p.dial()
			if err != nil {
				p.log.Warn("rabbitmq dial failed", "error", err)
			}
			return s, err
		}, backoff.WithBackOff(newBackOff()), backoff.WithMaxElapsedTime(0))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		p.log.Info("rabbitmq publisher connected", "queue", QueueName)

		pending, err = p.drain(ctx, s.ch, pending)
		s.close()
		if ctx.Err() != nil {
			if n := len(p.queue); n > 0 {
				p.log.Warn("rabbitmq publisher stopped with queued messages", "dropped", n)
			}
			return nil
		}
		p.log.Warn("rabbitmq publisher disconnected; redialling", "error", err)
	}
}

type session struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func (s session) close() {
	_ = s.ch.Close()
	_ = s.conn.Close()
}

func (p *AMQPPublisher) dial() (session, error) {
	conn, err := amqp.DialConfig(p.url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(p.dialTimeout),
	})
	if err != nil {
		return session{}, fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return session{}, fmt.Errorf("rabbitmq channel open: %w", err)
	}
	if _, err := ch.QueueDeclare(
		QueueName,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return session{}, fmt.Errorf("rabbitmq queue declare: %w", err)
	}
	return session{conn: conn, ch: ch}, nil
}

// drain publishes pending and then every queued message until the channel
// closes or ctx ends. It returns the message that failed to publish, if any.
func (p *AMQPPublisher) drain(ctx context.Context, ch *amqp.Channel, pending *amqp.Publishing) (*amqp.Publishing, error) {
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	for {
		if pending != nil {
			if err := ch.PublishWithContext(ctx, "", QueueName, false, false, *pending); err != nil {
				return pending, fmt.Errorf("publish %s: %w", pending.Type, err)
			}
			pending = nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case amqpErr := <-closed:
			return nil, fmt.Errorf("rabbitmq channel closed: %v", amqpErr)
		case pub := <-p.queue:
			pending = &pub
		}
	}
}

func newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	return b
}
