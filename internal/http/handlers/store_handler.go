// README: Store staff handlers: order queue, accept/reject, prep status, stock levels.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"tomo/internal/http/middleware"
	"tomo/internal/modules/inventory"
	"tomo/internal/modules/order"
	"tomo/internal/types"
)

type StoreHandler struct {
	order  *order.Service
	ledger *inventory.Ledger
}

func NewStoreHandler(orderSvc *order.Service, ledger *inventory.Ledger) *StoreHandler {
	return &StoreHandler{order: orderSvc, ledger: ledger}
}

func (h *StoreHandler) List(c *gin.Context) {
	actor := middleware.CallerActor(c)
	list, err := h.order.ListStoreOrders(c.Request.Context(), actor.ID)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"orders": newOrderViews(list)})
}

func (h *StoreHandler) Accept(c *gin.Context) {
	h.transition(c, order.StatusAccepted, "")
}

func (h *StoreHandler) Reject(c *gin.Context) {
	var req noteReq
	_ = c.ShouldBindJSON(&req)
	note := "store_rejected"
	if req.Note != "" {
		note += ": " + req.Note
	}
	h.transition(c, order.StatusCancelled, note)
}

type statusReq struct {
	Status string `json:"status"`
	Note   string `json:"note"`
}

func (h *StoreHandler) UpdateStatus(c *gin.Context) {
	var req statusReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "BAD_REQUEST", "invalid json")
		return
	}
	to, ok := order.ParseStatus(req.Status)
	if !ok {
		writeError(c, http.StatusBadRequest, "BAD_REQUEST", "unknown status "+req.Status)
		return
	}
	h.transition(c, to, req.Note)
}

func (h *StoreHandler) transition(c *gin.Context, to order.Status, note string) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	o, err := h.order.Transition(c.Request.Context(), order.TransitionCommand{
		OrderID: id,
		To:      to,
		Actor:   middleware.CallerActor(c),
		Note:    note,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newOrderView(o))
}

type stockReq struct {
	StoreID   types.ID `json:"store_id"`
	ProductID types.ID `json:"product_id"`
	Quantity  int      `json:"quantity"`
	Available *bool    `json:"available"`
}

// SetStock upserts a stock row. Store staff always write their own store;
// admins name the store in the body.
func (h *StoreHandler) SetStock(c *gin.Context) {
	var req stockReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "BAD_REQUEST", "invalid json")
		return
	}
	actor := middleware.CallerActor(c)
	if actor.Role == order.RoleStore {
		req.StoreID = actor.ID
	}
	if req.StoreID == 0 || req.ProductID == 0 || req.Quantity < 0 {
		writeError(c, http.StatusBadRequest, "BAD_REQUEST", "store_id, product_id and a non-negative quantity are required")
		return
	}
	available := true
	if req.Available != nil {
		available = *req.Available
	}
	rec := inventory.Record{StoreID: req.StoreID, ProductID: req.ProductID, Quantity: req.Quantity, Available: available}
	if err := h.ledger.Set(c.Request.Context(), rec); err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"store_id": rec.StoreID, "product_id": rec.ProductID, "quantity": rec.Quantity, "available": rec.Available})
}

// CheckStock answers the checkout preview "is qty available right now".
func (h *StoreHandler) CheckStock(c *gin.Context) {
	storeID, err1 := types.ParseID(c.Query("store_id"))
	productID, err2 := types.ParseID(c.Query("product_id"))
	qty, err3 := strconv.Atoi(c.DefaultQuery("quantity", "1"))
	if err1 != nil || err2 != nil || err3 != nil || qty <= 0 {
		writeError(c, http.StatusBadRequest, "BAD_REQUEST", "store_id, product_id and quantity are required")
		return
	}
	ok, err := h.ledger.Check(c.Request.Context(), storeID, productID, qty)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"store_id": storeID, "product_id": productID, "quantity": qty, "available": ok})
}

func (h *StoreHandler) GetStock(c *gin.Context) {
	productID, ok := parseIDParam(c, "product_id")
	if !ok {
		return
	}
	actor := middleware.CallerActor(c)
	storeID := actor.ID
	if actor.Role != order.RoleStore {
		id, err := types.ParseID(c.Query("store_id"))
		if err != nil {
			writeError(c, http.StatusBadRequest, "BAD_REQUEST", "store_id is required")
			return
		}
		storeID = id
	}
	rec, err := h.ledger.Get(c.Request.Context(), storeID, productID)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"store_id":   rec.StoreID,
		"product_id": rec.ProductID,
		"quantity":   rec.Quantity,
		"available":  rec.Available,
		"updated_at": rec.UpdatedAt,
	})
}

// Reservations lists what an order holds or held, for reconciling drift after failed releases.
func (h *StoreHandler) Reservations(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	list, err := h.ledger.Reservations(c.Request.Context(), id)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	out := make([]gin.H, 0, len(list))
	for _, r := range list {
		out = append(out, gin.H{
			"store_id":    r.StoreID,
			"product_id":  r.ProductID,
			"quantity":    r.Quantity,
			"created_at":  r.CreatedAt,
			"released_at": r.ReleasedAt,
		})
	}
	writeJSON(c, http.StatusOK, gin.H{"order_id": id, "reservations": out})
}
