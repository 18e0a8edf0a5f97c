// README: Prometheus metrics for transitions, stock, dispatch, SLA and event fan-out.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	OrderTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tomo_order_transitions_total",
			Help: "Order status transitions, by target status and outcome",
		},
		[]string{"to", "outcome"},
	)

	OrdersCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tomo_orders_created_total",
			Help: "Orders accepted at checkout",
		},
	)

	StockReservationFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tomo_stock_reservation_failures_total",
			Help: "Checkout reservations rejected, by reason",
		},
		[]string{"reason"},
	)

	StockReleaseFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tomo_stock_release_failures_total",
			Help: "Stock releases that failed after a cancellation",
		},
	)

	OffersCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tomo_offers_created_total",
			Help: "Dispatch offers created",
		},
	)

	OfferResolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tomo_offer_resolutions_total",
			Help: "Offer accept/reject outcomes",
		},
		[]string{"result"},
	)

	DispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tomo_dispatch_duration_seconds",
			Help:    "Time spent dispatching a READY order",
			Buckets: prometheus.DefBuckets,
		},
	)

	EventsPublishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tomo_events_published_total",
			Help: "Order events published on the hub",
		},
	)

	EventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tomo_events_dropped_total",
			Help: "Events dropped because a subscriber or sink queue was full",
		},
		[]string{"target"},
	)

	SinkFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tomo_event_sink_failures_total",
			Help: "Event sink delivery failures",
		},
		[]string{"sink"},
	)

	ActiveSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tomo_event_subscribers",
			Help: "Live event stream subscribers",
		},
	)

	ActiveOrdersBySeverity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tomo_active_orders",
			Help: "Active orders by SLA severity at the last ops summary",
		},
		[]string{"severity"},
	)

	DriversOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tomo_drivers_online",
			Help: "Drivers with a fresh heartbeat at the last ops summary",
		},
	)
)

// Register registers all Prometheus metrics
func Register() {
	prometheus.MustRegister(
		OrderTransitionsTotal,
		OrdersCreatedTotal,
		StockReservationFailuresTotal,
		StockReleaseFailuresTotal,
		OffersCreatedTotal,
		OfferResolutionsTotal,
		DispatchDuration,
		EventsPublishedTotal,
		EventsDroppedTotal,
		SinkFailuresTotal,
		ActiveSubscribers,
		ActiveOrdersBySeverity,
		DriversOnline,
	)
}
