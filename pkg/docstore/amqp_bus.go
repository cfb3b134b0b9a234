package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPBus fans change notifications out through a topic exchange. Each
// listener binds its own exclusive, auto-deleted queue to the collection key.
type AMQPBus struct {
	conn     *amqp.Connection
	exchange string

	mu      sync.Mutex
	publish *amqp.Channel
}

// NewAMQPBus dials the broker and declares the exchange.
func NewAMQPBus(url, exchange string) (*AMQPBus, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("amqp bus url is required")
	}
	exchange = strings.TrimSpace(exchange)
	if exchange == "" {
		exchange = "storyforge.changes"
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &AMQPBus{conn: conn, exchange: exchange, publish: ch}, nil
}

func (b *AMQPBus) Publish(ctx context.Context, collection string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.publish.PublishWithContext(ctx, b.exchange, collection, false, false, amqp.Publishing{
		ContentType: "text/plain",
		Body:        []byte(collection),
	})
	if err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	return nil
}

func (b *AMQPBus) Listen(_ context.Context, collection string, fn func()) (func(), error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, collection, b.exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("bind queue: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume changes: %w", err)
	}
	go func() {
		for range deliveries {
			fn()
		}
	}()
	return func() { _ = ch.Close() }, nil
}

func (b *AMQPBus) Close() error {
	return b.conn.Close()
}
