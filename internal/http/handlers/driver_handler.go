// README: Driver handlers: active tasks, pending offers, accept/reject, pickup/delivery.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"tomo/internal/http/middleware"
	"tomo/internal/modules/dispatch"
	"tomo/internal/modules/order"
)

type DriverHandler struct {
	order    *order.Service
	dispatch *dispatch.Service
}

func NewDriverHandler(orderSvc *order.Service, dispatchSvc *dispatch.Service) *DriverHandler {
	return &DriverHandler{order: orderSvc, dispatch: dispatchSvc}
}

func (h *DriverHandler) Tasks(c *gin.Context) {
	actor := middleware.CallerActor(c)
	list, err := h.order.ListDriverTasks(c.Request.Context(), actor.ID)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"tasks": newOrderViews(list)})
}

func (h *DriverHandler) Offers(c *gin.Context) {
	actor := middleware.CallerActor(c)
	list, err := h.dispatch.PendingOffers(c.Request.Context(), actor.ID)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"offers": newOfferViews(list, time.Now())})
}

func parseOfferID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "BAD_REQUEST", "invalid offer id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *DriverHandler) AcceptOffer(c *gin.Context) {
	id, ok := parseOfferID(c)
	if !ok {
		return
	}
	o, err := h.dispatch.AcceptOffer(c.Request.Context(), id, middleware.CallerActor(c).ID)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newOrderView(o))
}

func (h *DriverHandler) RejectOffer(c *gin.Context) {
	id, ok := parseOfferID(c)
	if !ok {
		return
	}
	if err := h.dispatch.RejectOffer(c.Request.Context(), id, middleware.CallerActor(c).ID); err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"offer_id": id.String(), "state": dispatch.OfferRejected})
}

func (h *DriverHandler) UpdateStatus(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
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
	o, err := h.order.Transition(c.Request.Context(), order.TransitionCommand{
		OrderID: id,
		To:      to,
		Actor:   middleware.CallerActor(c),
		Note:    req.Note,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newOrderView(o))
}
