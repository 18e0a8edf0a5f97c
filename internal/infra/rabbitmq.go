// README: RabbitMQ connection with publisher confirms, used by the order event sink.
package infra

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type AMQPClient struct {
	conn *amqp.Connection
	ch   *amqp.Channel

	acks <-chan amqp.Confirmation
	mu   sync.Mutex // confirms are matched in publish order
}

func DialAMQP(url string) (*AMQPClient, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	acks := ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	return &AMQPClient{conn: conn, ch: ch, acks: acks}, nil
}

func (c *AMQPClient) Close() {
	if c == nil {
		return
	}
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

func (c *AMQPClient) DeclareTopic(exchange string) error {
	return c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil)
}

// PublishJSON publishes a persistent message and waits for the broker ack.
func (c *AMQPClient) PublishJSON(ctx context.Context, exchange, key string, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.ch.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		ContentType:  "application/json",
		Body:         body,
	})
	if err != nil {
		return err
	}
	select {
	case conf, ok := <-c.acks:
		if !ok {
			return errors.New("amqp confirm channel closed")
		}
		if !conf.Ack {
			return fmt.Errorf("amqp nack for %s/%s", exchange, key)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
