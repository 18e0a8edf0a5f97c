// README: Admin ops handlers: SLA board, override transitions, re-offer, dispatch mode.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"tomo/internal/http/middleware"
	"tomo/internal/modules/dispatch"
	"tomo/internal/modules/ops"
	"tomo/internal/modules/order"
	"tomo/internal/modules/sla"
	"tomo/internal/types"
)

type AdminHandler struct {
	order    *order.Service
	dispatch *dispatch.Service
	ops      *ops.Service
}

func NewAdminHandler(orderSvc *order.Service, dispatchSvc *dispatch.Service, opsSvc *ops.Service) *AdminHandler {
	return &AdminHandler{order: orderSvc, dispatch: dispatchSvc, ops: opsSvc}
}

type activeOrderView struct {
	orderView
	SLA sla.Cycle `json:"sla"`
}

func (h *AdminHandler) ActiveOrders(c *gin.Context) {
	list, err := h.ops.ActiveOrders(c.Request.Context())
	if err != nil {
		writeDomainError(c, err)
		return
	}
	out := make([]activeOrderView, 0, len(list))
	for i := range list {
		out = append(out, activeOrderView{orderView: newOrderView(&list[i].Order), SLA: list[i].SLA})
	}
	policy := h.ops.Policy()
	writeJSON(c, http.StatusOK, gin.H{
		"orders":       out,
		"cycle_sec":    int64(policy.Cycle / time.Second),
		"at_risk_sec":  int64(policy.AtRisk / time.Second),
		"generated_at": time.Now(),
	})
}

func (h *AdminHandler) Summary(c *gin.Context) {
	s, err := h.ops.Summary(c.Request.Context())
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"active":            s.Active,
		"by_severity":       s.BySeverity,
		"by_status":         s.ByStatus,
		"drivers_online":    s.DriversOnline,
		"drivers_available": s.DriversAvailable,
		"dispatch_mode":     s.DispatchMode,
		"generated_at":      s.GeneratedAt,
	})
}

type overrideReq struct {
	Status   string    `json:"status"`
	DriverID *types.ID `json:"driver_id"`
	Note     string    `json:"note"`
}

// Transition applies any legal edge as the admin. Every call is recorded as
// an override in the activity log.
func (h *AdminHandler) Transition(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	var req overrideReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "BAD_REQUEST", "invalid json")
		return
	}
	to, ok := order.ParseStatus(req.Status)
	if !ok {
		writeError(c, http.StatusBadRequest, "BAD_REQUEST", "unknown status "+req.Status)
		return
	}
	actor := middleware.CallerActor(c)
	var o *order.Order
	var err error
	if to == order.StatusAssigned && req.DriverID != nil {
		o, err = h.dispatch.AssignOverride(c.Request.Context(), id, *req.DriverID, actor, req.Note)
	} else {
		o, err = h.order.Transition(c.Request.Context(), order.TransitionCommand{
			OrderID:  id,
			To:       to,
			Actor:    actor,
			DriverID: req.DriverID,
			Note:     req.Note,
			Override: true,
		})
	}
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newOrderView(o))
}

func (h *AdminHandler) Reoffer(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	res, err := h.dispatch.Reoffer(c.Request.Context(), id, middleware.CallerActor(c))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, resultView(res))
}

// ReleaseStock unwinds the reservations of a cancelled order whose
// automatic release failed.
func (h *AdminHandler) ReleaseStock(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	n, err := h.order.ReleaseStock(c.Request.Context(), id, middleware.CallerActor(c))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"order_id": id, "released_lines": n})
}

func (h *AdminHandler) Audit(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	a, err := h.order.AuditTimeline(c.Request.Context(), id)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	resp := gin.H{
		"order_id":   a.OrderID,
		"status":     a.Current,
		"replayed":   a.Replayed,
		"rows":       a.Rows,
		"consistent": a.Consistent(),
	}
	if a.Err != nil {
		resp["error"] = a.Err.Error()
	}
	writeJSON(c, http.StatusOK, resp)
}

func (h *AdminHandler) Offers(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	list, err := h.dispatch.OrderOffers(c.Request.Context(), id)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"order_id": id, "offers": newOfferViews(list, time.Now())})
}

func (h *AdminHandler) GetMode(c *gin.Context) {
	s := h.dispatch.Settings()
	writeJSON(c, http.StatusOK, gin.H{
		"mode":          s.Mode,
		"offer_ttl_sec": int64(s.OfferTTL / time.Second),
		"fanout":        s.Fanout,
	})
}

type modeReq struct {
	Mode string `json:"mode"`
}

func (h *AdminHandler) SetMode(c *gin.Context) {
	var req modeReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "BAD_REQUEST", "invalid json")
		return
	}
	m, err := dispatch.ParseMode(req.Mode)
	if err == nil {
		err = h.dispatch.SetMode(m)
	}
	if err != nil {
		writeDomainError(c, err)
		return
	}
	h.GetMode(c)
}

type escalationView struct {
	OrderID types.ID `json:"order_id"`
	Cycle   int64    `json:"cycle"`
	Result  any      `json:"result,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// Escalate re-dispatches every late order still waiting for a driver.
func (h *AdminHandler) Escalate(c *gin.Context) {
	list, err := h.ops.EscalateLate(c.Request.Context(), middleware.CallerActor(c))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	out := make([]escalationView, 0, len(list))
	for _, e := range list {
		v := escalationView{OrderID: e.OrderID, Cycle: e.Cycle}
		if e.Result != nil {
			v.Result = resultView(e.Result)
		}
		if e.Err != nil {
			v.Error = e.Err.Error()
		}
		out = append(out, v)
	}
	writeJSON(c, http.StatusOK, gin.H{"escalations": out})
}

func resultView(r *dispatch.Result) gin.H {
	out := gin.H{"mode": r.Mode, "order_id": r.OrderID}
	if r.DriverID != 0 {
		out["driver_id"] = r.DriverID
	}
	if len(r.Offers) > 0 {
		out["offers"] = newOfferViews(r.Offers, time.Now())
	}
	return out
}
