// README: Broker sink: each event goes to the order_events topic exchange once per scope.
package events

import (
	"context"
	"encoding/json"
)

const ExchangeOrderEvents = "order_events"

type AMQPPublisher interface {
	PublishJSON(ctx context.Context, exchange, key string, body []byte) error
}

type AMQPSink struct {
	pub      AMQPPublisher
	exchange string
}

func NewAMQPSink(pub AMQPPublisher) *AMQPSink {
	return &AMQPSink{pub: pub, exchange: ExchangeOrderEvents}
}

func (s *AMQPSink) Name() string { return "amqp" }

// Deliver publishes with routing keys such as "admin", "store.3" or "order.42".
func (s *AMQPSink) Deliver(ctx context.Context, ev OrderEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	for _, t := range TopicsFor(ev) {
		if err := s.pub.PublishJSON(ctx, s.exchange, t.RoutingKey(), body); err != nil {
			return err
		}
	}
	return nil
}
