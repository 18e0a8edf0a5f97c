// README: Order aggregate, line items, actors and activity-log rows.
package order

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"tomo/internal/types"
)

type Order struct {
	ID                types.ID
	PublicCode        string
	UserID            types.ID
	StoreID           *types.ID
	DriverID          *types.ID
	Status            Status
	StatusVersion     int
	TotalAmount       types.Money
	DeliveryFee       types.Money
	DeliveryAddress   string
	PaymentMethod     string
	Items             []Item
	CreatedAt         time.Time
	UpdatedAt         time.Time
	PaidAt            *time.Time
	PaymentReceivedAt *time.Time
	SLAStartOverride  *time.Time
	AcceptedAt        *time.Time
	AssignedAt        *time.Time
	PickedUpAt        *time.Time
	DeliveredAt       *time.Time
	CancelledAt       *time.Time
}

type Item struct {
	ProductID types.ID
	Quantity  int
	UnitPrice types.Money
}

// SLAStartAt picks the first non-null of paid_at, payment_received_at, the
// explicit override, accepted_at and created_at.
func (o *Order) SLAStartAt() time.Time {
	for _, t := range []*time.Time{o.PaidAt, o.PaymentReceivedAt, o.SLAStartOverride, o.AcceptedAt} {
		if t != nil {
			return *t
		}
	}
	return o.CreatedAt
}

func (o *Order) Paid() bool {
	return o.PaidAt != nil || o.PaymentReceivedAt != nil
}

type Role string

const (
	RoleCustomer Role = "customer"
	RoleStore    Role = "store"
	RoleDriver   Role = "driver"
	RoleAdmin    Role = "admin"
	RoleSystem   Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleStore, RoleDriver, RoleAdmin, RoleSystem:
		return true
	}
	return false
}

// Actor identifies who triggered a change. ID is zero for the system.
type Actor struct {
	Role Role
	ID   types.ID
}

var SystemActor = Actor{Role: RoleSystem}

func (a Actor) String() string {
	if a.ID == 0 {
		return string(a.Role)
	}
	return string(a.Role) + ":" + a.ID.String()
}

type EventType string

const (
	EventStatusChanged    EventType = "status_changed"
	EventPaymentConfirmed EventType = "payment_confirmed"
	EventOffersSent       EventType = "offers_sent"
	EventStockReleased    EventType = "stock_released"
)

// Event is one immutable activity-log row. FromStatus is empty for the
// creation row.
type Event struct {
	ID         int64
	OrderID    types.ID
	Type       EventType
	FromStatus Status
	ToStatus   Status
	ActorType  Role
	ActorID    *types.ID
	Note       string
	CreatedAt  time.Time
}

func newPublicCode() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "TM-" + strings.ToUpper(id[:8])
}
