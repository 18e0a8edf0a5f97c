// README: Realtime order events over SSE, plus a polling fallback on the same cursor.
package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"tomo/internal/http/middleware"
	"tomo/internal/modules/events"
	"tomo/internal/modules/order"
	"tomo/internal/types"
)

const defaultPing = 15 * time.Second

type EventsHandler struct {
	hub  *events.Hub
	ping time.Duration
}

func NewEventsHandler(hub *events.Hub, ping time.Duration) *EventsHandler {
	if ping <= 0 {
		ping = defaultPing
	}
	return &EventsHandler{hub: hub, ping: ping}
}

// topics derives the caller's scope from the token. Only admins may narrow
// to a single order with ?order=.
func (h *EventsHandler) topics(c *gin.Context) ([]events.Topic, bool) {
	actor := middleware.CallerActor(c)
	switch actor.Role {
	case order.RoleAdmin:
		if v := c.Query("order"); v != "" {
			id, err := types.ParseID(v)
			if err != nil {
				writeError(c, http.StatusBadRequest, "BAD_REQUEST", "invalid order")
				return nil, false
			}
			return []events.Topic{events.OrderTopic(id)}, true
		}
		return []events.Topic{events.AdminTopic()}, true
	case order.RoleStore:
		return []events.Topic{events.StoreTopic(actor.ID)}, true
	case order.RoleDriver:
		return []events.Topic{events.DriverTopic(actor.ID)}, true
	case order.RoleCustomer:
		return []events.Topic{events.CustomerTopic(actor.ID)}, true
	}
	writeError(c, http.StatusForbidden, "FORBIDDEN_FOR_ACTOR", "no event scope for role")
	return nil, false
}

func cursor(c *gin.Context) uint64 {
	v := c.GetHeader("Last-Event-ID")
	if v == "" {
		v = c.Query("since")
	}
	n, _ := strconv.ParseUint(v, 10, 64)
	return n
}

type marker struct {
	Seq uint64 `json:"seq"`
}

// Stream opens an SSE stream. Every connection starts with "sync"; a gap the
// replay ring cannot cover, or a dropped event, is signalled with "resync".
func (h *EventsHandler) Stream(c *gin.Context) {
	topics, ok := h.topics(c)
	if !ok {
		return
	}
	sub, missed, covered := h.hub.SubscribeFrom(cursor(c), topics...)
	defer sub.Close()

	w := c.Writer
	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	send := func(e sse.Event) bool {
		if err := sse.Encode(w, e); err != nil {
			return false
		}
		w.Flush()
		return true
	}
	eventOf := func(ev events.OrderEvent) sse.Event {
		return sse.Event{Id: strconv.FormatUint(ev.Seq, 10), Event: string(ev.Type), Data: ev}
	}

	if !send(sse.Event{Event: "sync", Data: marker{Seq: h.hub.Seq()}}) {
		return
	}
	if !covered {
		send(sse.Event{Event: "resync", Data: marker{Seq: h.hub.Seq()}})
	}
	for _, ev := range missed {
		if !send(eventOf(ev)) {
			return
		}
	}

	ticker := time.NewTicker(h.ping)
	defer ticker.Stop()
	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.C():
			if sub.TakeLagged() && !send(sse.Event{Event: "resync", Data: marker{Seq: ev.Seq}}) {
				return
			}
			if !send(eventOf(ev)) {
				return
			}
		case <-ticker.C:
			if sub.TakeLagged() && !send(sse.Event{Event: "resync", Data: marker{Seq: h.hub.Seq()}}) {
				return
			}
			if !send(sse.Event{Event: "ping", Data: marker{Seq: h.hub.Seq()}}) {
				return
			}
		}
	}
}

// Poll returns buffered events after ?since= for clients that cannot hold a
// stream open. The returned seq is the next cursor.
func (h *EventsHandler) Poll(c *gin.Context) {
	topics, ok := h.topics(c)
	if !ok {
		return
	}
	since := cursor(c)
	next := h.hub.Seq()
	evs, covered := h.hub.Since(since, topics...)
	for _, ev := range evs {
		if ev.Seq > next {
			next = ev.Seq
		}
	}
	if evs == nil {
		evs = []events.OrderEvent{}
	}
	writeJSON(c, http.StatusOK, gin.H{"seq": next, "resync": !covered, "events": evs})
}
