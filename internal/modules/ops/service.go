// README: Operational read models (active orders with SLA, counts) and late-order escalation.
package ops

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"tomo/internal/metrics"
	"tomo/internal/modules/dispatch"
	"tomo/internal/modules/order"
	"tomo/internal/modules/sla"
	"tomo/internal/types"
)

type Orders interface {
	ListActive(ctx context.Context) ([]order.Order, error)
}

type Presence interface {
	OnlineDrivers(ctx context.Context) ([]types.ID, error)
}

type Dispatcher interface {
	Mode() dispatch.Mode
	AvailableDrivers(ctx context.Context) ([]types.ID, error)
	Reoffer(ctx context.Context, orderID types.ID, actor order.Actor) (*dispatch.Result, error)
}

type ActiveOrder struct {
	Order      order.Order
	SLAStartAt time.Time
	SLA        sla.Cycle
}

type Summary struct {
	Active           int
	BySeverity       map[sla.Severity]int
	ByStatus         map[order.Status]int
	DriversOnline    int
	DriversAvailable int
	DispatchMode     dispatch.Mode
	GeneratedAt      time.Time
}

type Escalation struct {
	OrderID types.ID
	Cycle   int64
	Result  *dispatch.Result
	Err     error
}

type Service struct {
	orders   Orders
	presence Presence
	dispatch Dispatcher
	policy   sla.Policy
	log      *slog.Logger
	now      func() time.Time
}

func NewService(orders Orders, presence Presence, d Dispatcher, policy sla.Policy, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{orders: orders, presence: presence, dispatch: d, policy: policy, log: log, now: time.Now}
}

func (s *Service) Policy() sla.Policy { return s.policy }

// ActiveOrders returns non-terminal orders, most urgent first.
func (s *Service) ActiveOrders(ctx context.Context) ([]ActiveOrder, error) {
	list, err := s.orders.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := make([]ActiveOrder, len(list))
	for i := range list {
		start := list[i].SLAStartAt()
		out[i] = ActiveOrder{Order: list[i], SLAStartAt: start, SLA: s.policy.Evaluate(start, now)}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].SLA, out[j].SLA
		if a.CycleNumber != b.CycleNumber {
			return a.CycleNumber > b.CycleNumber
		}
		if a.CycleElapsedSec != b.CycleElapsedSec {
			return a.CycleElapsedSec > b.CycleElapsedSec
		}
		return out[i].Order.ID < out[j].Order.ID
	})
	return out, nil
}

func (s *Service) Summary(ctx context.Context) (*Summary, error) {
	active, err := s.ActiveOrders(ctx)
	if err != nil {
		return nil, err
	}
	online, err := s.presence.OnlineDrivers(ctx)
	if err != nil {
		return nil, err
	}
	available, err := s.dispatch.AvailableDrivers(ctx)
	if err != nil {
		return nil, err
	}
	sum := &Summary{
		Active:           len(active),
		BySeverity:       map[sla.Severity]int{sla.OnTime: 0, sla.AtRisk: 0, sla.Late: 0},
		ByStatus:         map[order.Status]int{},
		DriversOnline:    len(online),
		DriversAvailable: len(available),
		DispatchMode:     s.dispatch.Mode(),
		GeneratedAt:      s.now(),
	}
	for _, a := range active {
		sum.BySeverity[a.SLA.Severity]++
		sum.ByStatus[a.Order.Status]++
	}
	for sev, n := range sum.BySeverity {
		metrics.ActiveOrdersBySeverity.WithLabelValues(string(sev)).Set(float64(n))
	}
	metrics.DriversOnline.Set(float64(len(online)))
	return sum, nil
}

// EscalateLate re-dispatches READY orders that have no driver and are past
// their first SLA cycle. Per-order failures are reported, not returned.
func (s *Service) EscalateLate(ctx context.Context, actor order.Actor) ([]Escalation, error) {
	active, err := s.ActiveOrders(ctx)
	if err != nil {
		return nil, err
	}
	var out []Escalation
	for _, a := range active {
		if a.SLA.Severity != sla.Late || a.Order.Status != order.StatusReady || a.Order.DriverID != nil {
			continue
		}
		res, err := s.dispatch.Reoffer(ctx, a.Order.ID, actor)
		if err != nil {
			s.log.Warn("escalation re-dispatch failed", "order_id", a.Order.ID, "cycle", a.SLA.CycleNumber, "err", err)
		}
		out = append(out, Escalation{OrderID: a.Order.ID, Cycle: a.SLA.CycleNumber, Result: res, Err: err})
	}
	return out, nil
}
