// README: Canonical order event payload and the topics it fans out to.
package events

import (
	"time"

	"tomo/internal/types"
)

type Type string

const (
	TypeOrderCreated     Type = "order.created"
	TypeStatusChanged    Type = "order.status_changed"
	TypePaymentConfirmed Type = "order.payment_confirmed"
	TypeOfferCreated     Type = "offer.created"
	TypeOfferResolved    Type = "offer.resolved"
)

// OrderEvent is a trigger to re-fetch; it is never the source of truth.
type OrderEvent struct {
	Seq       uint64    `json:"seq"`
	Type      Type      `json:"type"`
	OrderID   types.ID  `json:"orderId"`
	Status    string    `json:"status"`
	StoreID   *types.ID `json:"storeId"`
	DriverID  *types.ID `json:"driverId"`
	UserID    types.ID  `json:"userId"`
	UpdatedAt time.Time `json:"updatedAt"`
	OfferID   string    `json:"offerId,omitempty"`

	// PreviousDriverID lets a driver who was just unassigned hear about it.
	PreviousDriverID *types.ID `json:"-"`
	// TargetDrivers are offer recipients that are not yet bound to the order.
	TargetDrivers []types.ID `json:"-"`
	// Origin is the publishing hub instance.
	Origin string `json:"-"`
}

type TopicType string

const (
	TopicAdmin    TopicType = "admin"
	TopicStore    TopicType = "store"
	TopicDriver   TopicType = "driver"
	TopicCustomer TopicType = "customer"
	TopicOrder    TopicType = "order"
)

type Topic struct {
	Type TopicType
	ID   types.ID
}

func AdminTopic() Topic               { return Topic{Type: TopicAdmin} }
func StoreTopic(id types.ID) Topic    { return Topic{Type: TopicStore, ID: id} }
func DriverTopic(id types.ID) Topic   { return Topic{Type: TopicDriver, ID: id} }
func CustomerTopic(id types.ID) Topic { return Topic{Type: TopicCustomer, ID: id} }
func OrderTopic(id types.ID) Topic    { return Topic{Type: TopicOrder, ID: id} }

// RoutingKey renders the topic as "<type>.<id>", or "admin" for the global topic.
func (t Topic) RoutingKey() string {
	if t.Type == TopicAdmin {
		return string(t.Type)
	}
	return string(t.Type) + "." + t.ID.String()
}

// TopicsFor lists every topic an event is delivered to.
func TopicsFor(ev OrderEvent) []Topic {
	out := []Topic{AdminTopic(), OrderTopic(ev.OrderID)}
	if ev.UserID != 0 {
		out = append(out, CustomerTopic(ev.UserID))
	}
	if ev.StoreID != nil {
		out = append(out, StoreTopic(*ev.StoreID))
	}
	seen := map[types.ID]bool{}
	addDriver := func(id types.ID) {
		if id != 0 && !seen[id] {
			seen[id] = true
			out = append(out, DriverTopic(id))
		}
	}
	addDriver(types.Deref(ev.DriverID))
	addDriver(types.Deref(ev.PreviousDriverID))
	for _, id := range ev.TargetDrivers {
		addDriver(id)
	}
	return out
}

// DriverTargets returns the driver ids an event concerns.
func DriverTargets(ev OrderEvent) []types.ID {
	var out []types.ID
	for _, t := range TopicsFor(ev) {
		if t.Type == TopicDriver {
			out = append(out, t.ID)
		}
	}
	return out
}
