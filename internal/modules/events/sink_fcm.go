// README: FCM sink pushes driver-scoped events to per-driver topics.
package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"firebase.google.com/go/v4/messaging"

	"tomo/internal/types"
)

type Messenger interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
}

type FCMSink struct {
	client Messenger
}

func NewFCMSink(client Messenger) *FCMSink {
	return &FCMSink{client: client}
}

func (s *FCMSink) Name() string { return "fcm" }

func DriverPushTopic(id types.ID) string {
	return "driver-" + id.String()
}

func (s *FCMSink) Deliver(ctx context.Context, ev OrderEvent) error {
	var errs []error
	for _, id := range DriverTargets(ev) {
		msg := &messaging.Message{
			Topic: DriverPushTopic(id),
			Data:  pushData(ev),
			Android: &messaging.AndroidConfig{
				Priority: "high",
			},
		}
		if ev.Type == TypeOfferCreated {
			msg.Notification = &messaging.Notification{
				Title: "New delivery offer",
				Body:  fmt.Sprintf("Order %d is ready for pickup", ev.OrderID),
			}
		}
		if _, err := s.client.Send(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("driver %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func pushData(ev OrderEvent) map[string]string {
	data := map[string]string{
		"type":      string(ev.Type),
		"orderId":   ev.OrderID.String(),
		"status":    ev.Status,
		"updatedAt": ev.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if ev.StoreID != nil {
		data["storeId"] = ev.StoreID.String()
	}
	if ev.DriverID != nil {
		data["driverId"] = ev.DriverID.String()
	}
	if ev.OfferID != "" {
		data["offerId"] = ev.OfferID
	}
	return data
}
