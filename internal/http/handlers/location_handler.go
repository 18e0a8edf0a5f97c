// README: Driver presence heartbeat.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"tomo/internal/http/middleware"
	"tomo/internal/modules/location"
	"tomo/internal/types"
)

type LocationHandler struct {
	location *location.Service
}

func NewLocationHandler(svc *location.Service) *LocationHandler {
	return &LocationHandler{location: svc}
}

type presenceReq struct {
	Lat    float64 `json:"lat"`
	Lng    float64 `json:"lng"`
	Online *bool   `json:"online"`
}

// Update refreshes the caller's presence; the driver id always comes from
// the token.
func (h *LocationHandler) Update(c *gin.Context) {
	var req presenceReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "BAD_REQUEST", "invalid json")
		return
	}
	online := true
	if req.Online != nil {
		online = *req.Online
	}
	actor := middleware.CallerActor(c)
	err := h.location.Update(c.Request.Context(), location.Update{
		DriverID: actor.ID,
		Position: types.Point{Lat: req.Lat, Lng: req.Lng},
		Online:   online,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"driver_id": actor.ID, "online": online})
}

func (h *LocationHandler) Get(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	p, err := h.location.Get(c.Request.Context(), id)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"driver_id": p.DriverID,
		"lat":       p.Position.Lat,
		"lng":       p.Position.Lng,
		"online":    p.Online,
		"seen_at":   p.SeenAt,
	})
}
