// README: Base handler utilities (JSON helpers, error mapping, response views).
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"tomo/internal/modules/dispatch"
	"tomo/internal/modules/inventory"
	"tomo/internal/modules/location"
	"tomo/internal/modules/order"
	"tomo/internal/types"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, code, msg string) {
	writeJSON(c, status, errorResponse{Error: code, Message: msg})
}

func parseIDParam(c *gin.Context, name string) (types.ID, bool) {
	id, err := types.ParseID(c.Param(name))
	if err != nil {
		writeError(c, http.StatusBadRequest, "BAD_REQUEST", "invalid "+name)
		return 0, false
	}
	return id, true
}

// writeDomainError maps module errors onto the public error codes. Anything
// unrecognised is a 500 with no detail; the services have already logged it.
func writeDomainError(c *gin.Context, err error) {
	var terr *order.TransitionError
	var rerr *inventory.ReservationError
	switch {
	case errors.As(err, &terr):
		writeJSON(c, http.StatusConflict, gin.H{
			"error":   "INVALID_TRANSITION",
			"message": terr.Error(),
			"from":    terr.From,
			"to":      terr.To,
			"allowed": terr.Allowed,
		})
	case errors.As(err, &rerr):
		code := "INSUFFICIENT_STOCK"
		msg := "out of stock"
		if !errors.Is(rerr, inventory.ErrInsufficientStock) {
			code = "UNAVAILABLE"
			msg = "product unavailable"
		}
		writeJSON(c, http.StatusUnprocessableEntity, gin.H{
			"error":     code,
			"message":   msg,
			"productId": rerr.ProductID,
			"requested": rerr.Requested,
			"available": rerr.Available,
		})
	case errors.Is(err, order.ErrForbidden):
		writeError(c, http.StatusForbidden, "FORBIDDEN_FOR_ACTOR", "cannot perform this action")
	case errors.Is(err, order.ErrNotFound), errors.Is(err, dispatch.ErrOfferNotFound),
		errors.Is(err, inventory.ErrNotFound), errors.Is(err, location.ErrUnknownDriver):
		writeError(c, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, dispatch.ErrExpired):
		writeError(c, http.StatusConflict, "EXPIRED", "offer expired")
	case errors.Is(err, dispatch.ErrAlreadyResolved):
		writeError(c, http.StatusConflict, "ALREADY_RESOLVED", "offer already resolved")
	case errors.Is(err, dispatch.ErrDriverUnavailable):
		writeError(c, http.StatusNotFound, "DRIVER_UNAVAILABLE", err.Error())
	case errors.Is(err, dispatch.ErrDriverBusy):
		writeError(c, http.StatusConflict, "DRIVER_BUSY", err.Error())
	case errors.Is(err, dispatch.ErrNoDriver):
		writeError(c, http.StatusConflict, "NO_DRIVER", err.Error())
	case errors.Is(err, dispatch.ErrNotDispatchable), errors.Is(err, order.ErrConflict),
		errors.Is(err, order.ErrNotReleasable):
		writeError(c, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, order.ErrBadRequest), errors.Is(err, dispatch.ErrBadRequest),
		errors.Is(err, location.ErrBadPosition), errors.Is(err, inventory.ErrInvalidQuantity):
		writeError(c, http.StatusBadRequest, "BAD_REQUEST", err.Error())
	case errors.Is(err, order.ErrRetryable):
		writeError(c, http.StatusServiceUnavailable, "RETRYABLE", "cannot perform this action right now, retry")
	default:
		writeError(c, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

type itemView struct {
	ProductID types.ID `json:"product_id"`
	Quantity  int      `json:"quantity"`
	UnitPrice string   `json:"unit_price"`
}

type orderView struct {
	ID                types.ID       `json:"id"`
	PublicCode        string         `json:"public_code"`
	UserID            types.ID       `json:"user_id"`
	StoreID           *types.ID      `json:"store_id"`
	DriverID          *types.ID      `json:"driver_id"`
	Status            order.Status   `json:"status"`
	StatusVersion     int            `json:"status_version"`
	TotalAmount       string         `json:"total_amount"`
	DeliveryFee       string         `json:"delivery_fee"`
	Currency          string         `json:"currency"`
	DeliveryAddress   string         `json:"delivery_address"`
	PaymentMethod     string         `json:"payment_method"`
	Items             []itemView     `json:"items,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	PaidAt            *time.Time     `json:"paid_at,omitempty"`
	PaymentReceivedAt *time.Time     `json:"payment_received_at,omitempty"`
	SLAStartAt        time.Time      `json:"sla_start_at"`
	AllowedNext       []order.Status `json:"allowed_next"`
}

func newOrderView(o *order.Order) orderView {
	v := orderView{
		ID:                o.ID,
		PublicCode:        o.PublicCode,
		UserID:            o.UserID,
		StoreID:           o.StoreID,
		DriverID:          o.DriverID,
		Status:            o.Status,
		StatusVersion:     o.StatusVersion,
		TotalAmount:       o.TotalAmount.String(),
		DeliveryFee:       o.DeliveryFee.String(),
		Currency:          o.TotalAmount.Currency,
		DeliveryAddress:   o.DeliveryAddress,
		PaymentMethod:     o.PaymentMethod,
		CreatedAt:         o.CreatedAt,
		UpdatedAt:         o.UpdatedAt,
		PaidAt:            o.PaidAt,
		PaymentReceivedAt: o.PaymentReceivedAt,
		SLAStartAt:        o.SLAStartAt(),
		AllowedNext:       order.AllowedFrom(o.Status),
	}
	for _, it := range o.Items {
		v.Items = append(v.Items, itemView{ProductID: it.ProductID, Quantity: it.Quantity, UnitPrice: it.UnitPrice.String()})
	}
	return v
}

func newOrderViews(in []order.Order) []orderView {
	out := make([]orderView, 0, len(in))
	for i := range in {
		out = append(out, newOrderView(&in[i]))
	}
	return out
}

type offerView struct {
	ID        string              `json:"id"`
	BatchID   string              `json:"batch_id"`
	OrderID   types.ID            `json:"order_id"`
	DriverID  types.ID            `json:"driver_id"`
	State     dispatch.OfferState `json:"state"`
	Reason    string              `json:"reason,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
	ExpiresAt time.Time           `json:"expires_at"`
}

func newOfferViews(in []dispatch.Offer, now time.Time) []offerView {
	out := make([]offerView, 0, len(in))
	for _, o := range in {
		out = append(out, offerView{
			ID:        o.ID.String(),
			BatchID:   o.BatchID.String(),
			OrderID:   o.OrderID,
			DriverID:  o.DriverID,
			State:     o.EffectiveState(now),
			Reason:    o.Reason,
			CreatedAt: o.CreatedAt,
			ExpiresAt: o.ExpiresAt,
		})
	}
	return out
}
