// README: Redis Pub/Sub relay so subscribers on any API instance see every event.
package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"tomo/internal/types"
)

const relayChannel = "tomo:order_events"

type relayEnvelope struct {
	Event            OrderEvent `json:"event"`
	PreviousDriverID *types.ID  `json:"previousDriverId,omitempty"`
	TargetDrivers    []types.ID `json:"targetDrivers,omitempty"`
	Origin           string     `json:"origin"`
}

type RedisRelay struct {
	rdb *redis.Client
	hub *Hub
	log *slog.Logger
}

func NewRedisRelay(rdb *redis.Client, hub *Hub, log *slog.Logger) *RedisRelay {
	return &RedisRelay{rdb: rdb, hub: hub, log: log}
}

func (r *RedisRelay) Name() string { return "redis_relay" }

func (r *RedisRelay) Deliver(ctx context.Context, ev OrderEvent) error {
	if ev.Origin != r.hub.Origin() {
		return nil
	}
	body, err := json.Marshal(relayEnvelope{
		Event:            ev,
		PreviousDriverID: ev.PreviousDriverID,
		TargetDrivers:    ev.TargetDrivers,
		Origin:           ev.Origin,
	})
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, relayChannel, body).Err()
}

// Run injects events published by other instances until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.rdb.Subscribe(ctx, relayChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env relayEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.log.Warn("relay decode failed", "err", err)
				continue
			}
			if env.Origin == r.hub.Origin() {
				continue
			}
			ev := env.Event
			ev.PreviousDriverID = env.PreviousDriverID
			ev.TargetDrivers = env.TargetDrivers
			ev.Origin = env.Origin
			r.hub.Inject(ev)
		}
	}
}
