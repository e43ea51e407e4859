// Package broker publishes ledger events to RabbitMQ.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"ledger-agent/internal/domain"
)

const publishTimeout = 5 * time.Second

// channel is the subset of *amqp091.Channel used by Publisher.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp091.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// TransactionCreated is the message body published after a transaction is
// recorded.
type TransactionCreated struct {
	TransactionID int64     `json:"transactionId"`
	BookID        int64     `json:"bookId"`
	UserID        int64     `json:"userId"`
	Amount        string    `json:"amount"`
	Date          string    `json:"date"`
	Type          string    `json:"type"`
	OccurredAt    time.Time `json:"occurredAt"`
}

// Publisher declares a durable direct exchange bound to one durable queue and
// publishes persistent JSON messages to it.
type Publisher struct {
	ch         channel
	conn       io.Closer
	exchange   string
	queue      string
	routingKey string
	now        func() time.Time
}

// Dial connects to the broker and returns a ready Publisher.
func Dial(url, exchange, queue, routingKey string) (*Publisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("broker: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("broker: open channel: %w", err)
	}
	p, err := NewPublisher(ch, exchange, queue, routingKey)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

// NewPublisher declares the topology on ch.
func NewPublisher(ch channel, exchange, queue, routingKey string) (*Publisher, error) {
	if ch == nil {
		return nil, errors.New("broker: channel must not be nil")
	}
	exchange, queue = strings.TrimSpace(exchange), strings.TrimSpace(queue)
	if exchange == "" || queue == "" {
		return nil, errors.New("broker: exchange and queue must not be empty")
	}
	if strings.TrimSpace(routingKey) == "" {
		routingKey = queue
	}
	p := &Publisher{
		ch:         ch,
		exchange:   exchange,
		queue:      queue,
		routingKey: routingKey,
		now:        func() time.Time { return time.Now().UTC() },
	}
	if err := p.setup(); err != nil {
		return nil, fmt.Errorf("broker: setup exchange and queue: %w", err)
	}
	return p, nil
}

func (p *Publisher) setup() error {
	if err := p.ch.ExchangeDeclare(p.exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := p.ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := p.ch.QueueBind(p.queue, p.routingKey, p.exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	return nil
}

// TransactionCreated publishes the event for a recorded transaction.
func (p *Publisher) TransactionCreated(ctx context.Context, userID int64, sum domain.TransactionSummary) error {
	body, err := json.Marshal(TransactionCreated{
		TransactionID: sum.ID,
		BookID:        sum.BookID,
		UserID:        userID,
		Amount:        sum.Amount.String(),
		Date:          sum.Date,
		Type:          string(sum.Type),
		OccurredAt:    sum.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("broker: marshal message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = p.ch.PublishWithContext(ctx, p.exchange, p.routingKey, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    p.now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("broker: publish message: %w", err)
	}

	slog.InfoContext(ctx, "published transaction event",
		"transaction_id", sum.ID,
		"book_id", sum.BookID,
		"exchange", p.exchange,
		"routing_key", p.routingKey)
	return nil
}

func (p *Publisher) Close() error {
	err := p.ch.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Noop discards events. It is used when no broker is configured.
type Noop struct{}

func (Noop) TransactionCreated(context.Context, int64, domain.TransactionSummary) error {
	return nil
}
