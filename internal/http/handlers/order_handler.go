// README: Customer order handlers (create/get/timeline/cancel) and payment confirmation.
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"tomo/internal/http/middleware"
	"tomo/internal/modules/order"
	"tomo/internal/types"
)

type OrderHandler struct {
	order *order.Service
}

func NewOrderHandler(svc *order.Service) *OrderHandler {
	return &OrderHandler{order: svc}
}

type createItemReq struct {
	ProductID types.ID `json:"product_id"`
	Quantity  int      `json:"quantity"`
	UnitPrice string   `json:"unit_price"`
}

type createOrderReq struct {
	StoreID         types.ID        `json:"store_id"`
	Items           []createItemReq `json:"items"`
	DeliveryFee     string          `json:"delivery_fee"`
	DeliveryAddress string          `json:"delivery_address"`
	PaymentMethod   string          `json:"payment_method"`
}

func (h *OrderHandler) Create(c *gin.Context) {
	actor := middleware.CallerActor(c)
	var req createOrderReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "BAD_REQUEST", "invalid json")
		return
	}
	if req.StoreID == 0 || len(req.Items) == 0 || req.DeliveryAddress == "" {
		writeError(c, http.StatusBadRequest, "BAD_REQUEST", "missing fields")
		return
	}
	fee := decimal.Zero
	if req.DeliveryFee != "" {
		d, err := decimal.NewFromString(req.DeliveryFee)
		if err != nil {
			writeError(c, http.StatusBadRequest, "BAD_REQUEST", "invalid delivery_fee")
			return
		}
		fee = d
	}
	items := make([]order.ItemInput, 0, len(req.Items))
	for _, it := range req.Items {
		price, err := decimal.NewFromString(it.UnitPrice)
		if err != nil {
			writeError(c, http.StatusBadRequest, "BAD_REQUEST", "invalid unit_price")
			return
		}
		items = append(items, order.ItemInput{ProductID: it.ProductID, Quantity: it.Quantity, UnitPrice: price})
	}
	o, err := h.order.Create(c.Request.Context(), order.CreateCommand{
		UserID:          actor.ID,
		StoreID:         req.StoreID,
		Items:           items,
		DeliveryFee:     fee,
		DeliveryAddress: req.DeliveryAddress,
		PaymentMethod:   req.PaymentMethod,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, newOrderView(o))
}

// load fetches an order the caller may see. Orders outside the caller's
// scope look missing.
func (h *OrderHandler) load(c *gin.Context) (*order.Order, bool) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return nil, false
	}
	o, err := h.order.Get(c.Request.Context(), id)
	if err != nil {
		writeDomainError(c, err)
		return nil, false
	}
	if !order.CanView(o, middleware.CallerActor(c)) {
		writeDomainError(c, order.ErrNotFound)
		return nil, false
	}
	return o, true
}

func (h *OrderHandler) Get(c *gin.Context) {
	o, ok := h.load(c)
	if !ok {
		return
	}
	writeJSON(c, http.StatusOK, newOrderView(o))
}

type timelineEntry struct {
	Type  order.EventType `json:"type"`
	At    time.Time       `json:"at"`
	Actor string          `json:"actor"`
	From  order.Status    `json:"from,omitempty"`
	To    order.Status    `json:"to,omitempty"`
	Note  string          `json:"note,omitempty"`
}

func (h *OrderHandler) Timeline(c *gin.Context) {
	o, ok := h.load(c)
	if !ok {
		return
	}
	evs, err := h.order.Timeline(c.Request.Context(), o.ID)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	out := make([]timelineEntry, 0, len(evs))
	for _, ev := range evs {
		out = append(out, timelineEntry{
			Type:  ev.Type,
			At:    ev.CreatedAt,
			Actor: order.Actor{Role: ev.ActorType, ID: types.Deref(ev.ActorID)}.String(),
			From:  ev.FromStatus,
			To:    ev.ToStatus,
			Note:  ev.Note,
		})
	}
	writeJSON(c, http.StatusOK, gin.H{"order_id": o.ID, "status": o.Status, "timeline": out})
}

type noteReq struct {
	Note string `json:"note"`
}

// Cancel resolves the order through load first, so callers who may not see
// it learn nothing about its status.
func (h *OrderHandler) Cancel(c *gin.Context) {
	cur, ok := h.load(c)
	if !ok {
		return
	}
	var req noteReq
	_ = c.ShouldBindJSON(&req)
	o, err := h.order.Transition(c.Request.Context(), order.TransitionCommand{
		OrderID: cur.ID,
		To:      order.StatusCancelled,
		Actor:   middleware.CallerActor(c),
		Note:    req.Note,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newOrderView(o))
}

type confirmPaymentReq struct {
	OrderID types.ID   `json:"order_id"`
	Source  string     `json:"source"`
	At      *time.Time `json:"at"`
}

// ConfirmPayment is idempotent: a repeat reports already_confirmed.
func (h *OrderHandler) ConfirmPayment(c *gin.Context) {
	var req confirmPaymentReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "BAD_REQUEST", "invalid json")
		return
	}
	cmd := order.PaymentCommand{
		OrderID: req.OrderID,
		Source:  order.PaymentSource(req.Source),
		Actor:   middleware.CallerActor(c),
	}
	if req.At != nil {
		cmd.At = *req.At
	}
	o, applied, err := h.order.ConfirmPayment(c.Request.Context(), cmd)
	if err != nil {
		if errors.Is(err, order.ErrBadRequest) {
			writeError(c, http.StatusBadRequest, "BAD_REQUEST", "order_id and a valid source are required")
			return
		}
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"already_confirmed": !applied, "order": newOrderView(o)})
}
