// README: HTTP router registration.
package http

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tomo/internal/http/handlers"
	"tomo/internal/http/middleware"
	"tomo/internal/infra"
	"tomo/internal/modules/order"
)

func NewRouter(deps ServerDeps, verifier infra.TokenVerifier, log *slog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(log), middleware.Logging(log))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api", middleware.Auth(verifier))

	orders := handlers.NewOrderHandler(deps.Order)
	customer := api.Group("", middleware.RequireRole(order.RoleCustomer))
	customer.POST("/orders", orders.Create)
	api.GET("/orders/:id", orders.Get)
	api.GET("/orders/:id/timeline", orders.Timeline)
	api.POST("/orders/:id/cancel", orders.Cancel)
	api.POST("/payments/confirm", middleware.RequireRole(order.RoleAdmin, order.RoleSystem), orders.ConfirmPayment)

	stores := handlers.NewStoreHandler(deps.Order, deps.Ledger)
	api.GET("/inventory/check", stores.CheckStock)
	store := api.Group("/store", middleware.RequireRole(order.RoleStore))
	store.GET("/orders", stores.List)
	store.POST("/orders/:id/accept", stores.Accept)
	store.POST("/orders/:id/reject", stores.Reject)
	store.PUT("/orders/:id/status", stores.UpdateStatus)
	store.PUT("/inventory", stores.SetStock)
	store.GET("/inventory/:product_id", stores.GetStock)

	drivers := handlers.NewDriverHandler(deps.Order, deps.Dispatch)
	locations := handlers.NewLocationHandler(deps.Location)
	driver := api.Group("/driver", middleware.RequireRole(order.RoleDriver))
	driver.GET("/tasks", drivers.Tasks)
	driver.GET("/offers", drivers.Offers)
	driver.POST("/offers/:id/accept", drivers.AcceptOffer)
	driver.POST("/offers/:id/reject", drivers.RejectOffer)
	driver.PUT("/orders/:id/status", drivers.UpdateStatus)
	driver.PUT("/location", locations.Update)

	admins := handlers.NewAdminHandler(deps.Order, deps.Dispatch, deps.Ops)
	admin := api.Group("/admin", middleware.RequireRole(order.RoleAdmin))
	admin.GET("/orders/active", admins.ActiveOrders)
	admin.GET("/ops/summary", admins.Summary)
	admin.POST("/ops/escalate", admins.Escalate)
	admin.POST("/orders/:id/transition", admins.Transition)
	admin.POST("/orders/:id/reoffer", admins.Reoffer)
	admin.GET("/orders/:id/offers", admins.Offers)
	admin.GET("/orders/:id/audit", admins.Audit)
	admin.GET("/orders/:id/reservations", stores.Reservations)
	admin.POST("/orders/:id/release", admins.ReleaseStock)
	admin.GET("/dispatch/mode", admins.GetMode)
	admin.PUT("/dispatch/mode", admins.SetMode)
	admin.PUT("/inventory", stores.SetStock)
	admin.GET("/inventory/:product_id", stores.GetStock)
	admin.GET("/drivers/:id/presence", locations.Get)

	stream := handlers.NewEventsHandler(deps.Hub, deps.PingInterval)
	api.GET("/events/stream", stream.Stream)
	api.GET("/events/poll", stream.Poll)

	return r
}
