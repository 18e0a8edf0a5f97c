// README: Dispatch modes, offers and their lazily evaluated lifecycle.
package dispatch

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"tomo/internal/types"
)

type Mode string

const (
	ModeAutoAssign  Mode = "AUTO_ASSIGN"
	ModeOfferAccept Mode = "OFFER_ACCEPT"
)

func ParseMode(v string) (Mode, error) {
	switch m := Mode(strings.ToUpper(strings.TrimSpace(v))); m {
	case ModeAutoAssign, ModeOfferAccept:
		return m, nil
	}
	return "", fmt.Errorf("%w: unknown dispatch mode %q", ErrBadRequest, v)
}

type OfferState string

const (
	OfferPending  OfferState = "PENDING"
	OfferAccepted OfferState = "ACCEPTED"
	OfferRejected OfferState = "REJECTED"
	OfferExpired  OfferState = "EXPIRED"
)

const (
	// DefaultFanout is the number of drivers offered an order per batch.
	DefaultFanout   = 5
	DefaultOfferTTL = 60 * time.Second

	ReasonSuperseded = "superseded"
	ReasonDriver     = "driver_rejected"
	ReasonCancelled  = "order_cancelled"
)

var (
	ErrOfferNotFound   = errors.New("offer not found")
	ErrExpired         = errors.New("offer expired")
	ErrAlreadyResolved = errors.New("offer already resolved")
	ErrNoDriver        = errors.New("no available driver")
	ErrNotDispatchable = errors.New("order is not waiting for a driver")
	ErrBadRequest      = errors.New("bad request")

	// ErrDriverUnavailable covers unknown and offline drivers alike.
	ErrDriverUnavailable = errors.New("driver is not online")
	ErrDriverBusy        = errors.New("driver already has an active task")
)

type Offer struct {
	ID         uuid.UUID
	BatchID    uuid.UUID
	OrderID    types.ID
	DriverID   types.ID
	State      OfferState
	Reason     string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	ResolvedAt *time.Time
}

// EffectiveState applies expiry at read time; a PENDING offer past its
// deadline is EXPIRED whether or not the row says so yet.
func (o Offer) EffectiveState(now time.Time) OfferState {
	if o.State == OfferPending && now.After(o.ExpiresAt) {
		return OfferExpired
	}
	return o.State
}

type Settings struct {
	Mode     Mode
	OfferTTL time.Duration
	Fanout   int
}

// Result describes what one dispatch attempt did.
type Result struct {
	Mode     Mode
	OrderID  types.ID
	DriverID types.ID
	Offers   []Offer
}
