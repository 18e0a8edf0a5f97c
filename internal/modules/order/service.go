// README: Order service owns every status write: validation, actor checks, audit row, side effects, events.
package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"tomo/internal/infra"
	"tomo/internal/metrics"
	"tomo/internal/modules/events"
	"tomo/internal/modules/inventory"
	"tomo/internal/types"
)

var (
	ErrNotFound   = errors.New("order not found")
	ErrConflict   = errors.New("order state conflict")
	ErrBadRequest = errors.New("bad request")
	// ErrRetryable hides storage failures from callers; details are logged.
	ErrRetryable = errors.New("temporary failure, retry")
	// ErrNotReleasable is returned for a manual release on an order that still holds its stock.
	ErrNotReleasable = errors.New("stock is only released for cancelled orders")
)

const (
	releaseAttempts = 3
	releaseBackoff  = 100 * time.Millisecond
)

// Repository is the persistence surface the service needs; *Store implements it.
type Repository interface {
	Create(ctx context.Context, o *Order, ev *Event, reserve ReserveHook) error
	Get(ctx context.Context, id types.ID) (*Order, error)
	Transition(ctx context.Context, t StoreTransition) (*Order, error)
	ConfirmPayment(ctx context.Context, id types.ID, src PaymentSource, at time.Time, ev *Event) (*Order, bool, error)
	Timeline(ctx context.Context, id types.ID) ([]Event, error)
	ListByDriver(ctx context.Context, driverID types.ID, statuses []Status) ([]Order, error)
	ListByStore(ctx context.Context, storeID types.ID, statuses []Status) ([]Order, error)
	ListActive(ctx context.Context) ([]Order, error)
	BusyDrivers(ctx context.Context) (map[types.ID]bool, error)
	AppendEvent(ctx context.Context, ev *Event) error
}

// Stock is the inventory ledger as seen by checkout and cancellation.
type Stock interface {
	ReserveOrderTx(ctx context.Context, q infra.DBTX, orderID, storeID types.ID, lines []inventory.Line) error
	Release(ctx context.Context, orderID types.ID) (int, error)
}

// OfferCanceller resolves pending dispatch offers when an order is cancelled.
type OfferCanceller interface {
	RejectPendingTx(ctx context.Context, q infra.DBTX, orderID types.ID, reason string) (int, error)
}

type Publisher interface {
	Publish(ev events.OrderEvent)
}

// TransitionListener is called after a committed transition.
type TransitionListener func(ctx context.Context, o *Order, from Status)

type Service struct {
	store     Repository
	stock     Stock
	offers    OfferCanceller
	pub       Publisher
	log       *slog.Logger
	listeners []TransitionListener
	now       func() time.Time
	// backoff before the second release attempt; doubles after that.
	backoff time.Duration
}

func NewService(store Repository, stock Stock, pub Publisher, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, stock: stock, pub: pub, log: log, now: time.Now, backoff: releaseBackoff}
}

// SetOfferCanceller wires the dispatch offer store. Call before serving.
func (s *Service) SetOfferCanceller(oc OfferCanceller) {
	s.offers = oc
}

// OnTransition registers a listener. Call before serving.
func (s *Service) OnTransition(fn TransitionListener) {
	s.listeners = append(s.listeners, fn)
}

type ItemInput struct {
	ProductID types.ID
	Quantity  int
	UnitPrice decimal.Decimal
}

type CreateCommand struct {
	UserID          types.ID
	StoreID         types.ID
	Items           []ItemInput
	DeliveryFee     decimal.Decimal
	DeliveryAddress string
	PaymentMethod   string
}

type TransitionCommand struct {
	OrderID  types.ID
	To       Status
	Actor    Actor
	DriverID *types.ID
	Note     string
	// Override marks an admin action outside the normal actor rules.
	Override bool
	// Dispatched is set by the dispatch engine when it has bound a driver.
	Dispatched bool
	InTx       TxHook
}

type PaymentCommand struct {
	OrderID types.ID
	Source  PaymentSource
	At      time.Time
	Actor   Actor
}

func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*Order, error) {
	if cmd.UserID == 0 || cmd.StoreID == 0 || len(cmd.Items) == 0 || cmd.DeliveryFee.IsNegative() {
		return nil, ErrBadRequest
	}
	seen := make(map[types.ID]bool, len(cmd.Items))
	lines := make([]inventory.Line, 0, len(cmd.Items))
	items := make([]Item, 0, len(cmd.Items))
	total := types.NewMoney(cmd.DeliveryFee)
	for _, in := range cmd.Items {
		if in.ProductID == 0 || in.Quantity <= 0 || in.UnitPrice.IsNegative() || seen[in.ProductID] {
			return nil, ErrBadRequest
		}
		seen[in.ProductID] = true
		it := Item{ProductID: in.ProductID, Quantity: in.Quantity, UnitPrice: types.NewMoney(in.UnitPrice)}
		items = append(items, it)
		lines = append(lines, inventory.Line{ProductID: in.ProductID, Quantity: in.Quantity})
		total = total.Add(it.UnitPrice.Mul(in.Quantity))
	}

	o := &Order{
		PublicCode:      newPublicCode(),
		UserID:          cmd.UserID,
		StoreID:         cmd.StoreID.Ptr(),
		Status:          StatusCreated,
		TotalAmount:     total,
		DeliveryFee:     types.NewMoney(cmd.DeliveryFee),
		DeliveryAddress: cmd.DeliveryAddress,
		PaymentMethod:   cmd.PaymentMethod,
		Items:           items,
	}
	actor := Actor{Role: RoleCustomer, ID: cmd.UserID}
	ev := &Event{
		Type:      EventStatusChanged,
		ToStatus:  StatusCreated,
		ActorType: actor.Role,
		ActorID:   actor.ID.Ptr(),
	}

	var reserveErr error
	reserve := func(ctx context.Context, q infra.DBTX, orderID types.ID) error {
		if s.stock == nil {
			return nil
		}
		if err := s.stock.ReserveOrderTx(ctx, q, orderID, cmd.StoreID, lines); err != nil {
			reserveErr = err
			return err
		}
		return nil
	}
	if err := s.store.Create(ctx, o, ev, reserve); err != nil {
		var re *inventory.ReservationError
		if errors.As(reserveErr, &re) {
			return nil, re
		}
		s.log.Error("order create failed", "user_id", cmd.UserID, "store_id", cmd.StoreID, "err", err)
		return nil, ErrRetryable
	}

	metrics.OrdersCreatedTotal.Inc()
	s.log.Info("order created", "order_id", o.ID, "public_code", o.PublicCode, "store_id", cmd.StoreID, "total", o.TotalAmount.String())
	s.publish(events.TypeOrderCreated, o, nil, "")
	return o, nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Order, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		s.log.Error("order get failed", "order_id", id, "err", err)
		return nil, ErrRetryable
	}
	return o, err
}

// Transition is the only path that writes orders.status.
func (s *Service) Transition(ctx context.Context, cmd TransitionCommand) (*Order, error) {
	if !cmd.To.Valid() || !cmd.Actor.Role.Valid() {
		return nil, ErrBadRequest
	}
	o, err := s.Get(ctx, cmd.OrderID)
	if err != nil {
		return nil, err
	}
	if err := ValidateTransition(o.Status, cmd.To); err != nil {
		metrics.OrderTransitionsTotal.WithLabelValues(string(cmd.To), "invalid").Inc()
		return nil, err
	}
	if err := authorize(o, cmd.To, cmd.Actor, cmd); err != nil {
		metrics.OrderTransitionsTotal.WithLabelValues(string(cmd.To), "forbidden").Inc()
		return nil, err
	}
	if cmd.To == StatusAssigned && (cmd.DriverID == nil || *cmd.DriverID == 0) {
		return nil, fmt.Errorf("%w: driver required for %s", ErrBadRequest, StatusAssigned)
	}

	note := cmd.Note
	if cmd.Override {
		note = "override: " + note
	}
	from := o.Status
	t := StoreTransition{
		OrderID: o.ID,
		From:    from,
		To:      cmd.To,
		Version: o.StatusVersion,
		Event: &Event{
			Type:       EventStatusChanged,
			FromStatus: from,
			ToStatus:   cmd.To,
			ActorType:  cmd.Actor.Role,
			ActorID:    cmd.Actor.ID.Ptr(),
			Note:       note,
		},
	}
	if cmd.To == StatusAssigned {
		t.DriverID = cmd.DriverID
	}
	if cmd.To == StatusCancelled {
		t.ClearDriver = true
	}

	var hookErr error
	t.InTx = func(ctx context.Context, q infra.DBTX) error {
		if cmd.To == StatusCancelled && s.offers != nil {
			if _, err := s.offers.RejectPendingTx(ctx, q, o.ID, "order_cancelled"); err != nil {
				return err
			}
		}
		// An accepted offer supersedes its own siblings. Any other assignment
		// path has to clear them here.
		if cmd.To == StatusAssigned && cmd.InTx == nil && s.offers != nil {
			if _, err := s.offers.RejectPendingTx(ctx, q, o.ID, "superseded"); err != nil {
				return err
			}
		}
		if cmd.InTx != nil {
			if err := cmd.InTx(ctx, q); err != nil {
				hookErr = err
				return err
			}
		}
		return nil
	}

	updated, err := s.store.Transition(ctx, t)
	if err != nil {
		switch {
		case hookErr != nil:
			return nil, hookErr
		case errors.Is(err, ErrConflict):
			metrics.OrderTransitionsTotal.WithLabelValues(string(cmd.To), "conflict").Inc()
			return nil, ErrConflict
		}
		metrics.OrderTransitionsTotal.WithLabelValues(string(cmd.To), "error").Inc()
		s.log.Error("order transition failed",
			"order_id", o.ID, "from", from, "to", cmd.To,
			"actor_role", cmd.Actor.Role, "actor_id", cmd.Actor.ID, "err", err)
		return nil, ErrRetryable
	}
	metrics.OrderTransitionsTotal.WithLabelValues(string(cmd.To), "ok").Inc()
	s.log.Info("order transition",
		"order_id", updated.ID, "from", from, "to", updated.Status,
		"actor_role", cmd.Actor.Role, "actor_id", cmd.Actor.ID, "override", cmd.Override)

	if cmd.To == StatusCancelled {
		s.releaseStock(ctx, updated.ID)
	}
	s.publish(events.TypeStatusChanged, updated, o.DriverID, "")
	for _, fn := range s.listeners {
		fn(ctx, updated, from)
	}
	return updated, nil
}

// releaseStock never fails the cancellation; after the last attempt the
// drift is logged for reconciliation through ReleaseStock.
func (s *Service) releaseStock(ctx context.Context, orderID types.ID) {
	if s.stock == nil {
		return
	}
	wait := s.backoff
	for attempt := 1; ; attempt++ {
		n, err := s.stock.Release(ctx, orderID)
		if err == nil {
			if n > 0 {
				s.log.Info("stock released", "order_id", orderID, "lines", n, "attempt", attempt)
			}
			return
		}
		if attempt == releaseAttempts {
			metrics.StockReleaseFailuresTotal.Inc()
			s.log.Error("stock release failed", "order_id", orderID, "attempts", attempt, "err", err)
			return
		}
		s.log.Warn("stock release retry", "order_id", orderID, "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			metrics.StockReleaseFailuresTotal.Inc()
			s.log.Error("stock release abandoned", "order_id", orderID, "attempts", attempt, "err", ctx.Err())
			return
		case <-time.After(wait):
		}
		wait *= 2
	}
}

// ReleaseStock is the manual unwind for a cancelled order whose automatic
// release failed. Release is idempotent, so repeating it is harmless.
func (s *Service) ReleaseStock(ctx context.Context, orderID types.ID, actor Actor) (int, error) {
	o, err := s.Get(ctx, orderID)
	if err != nil {
		return 0, err
	}
	if o.Status != StatusCancelled {
		return 0, ErrNotReleasable
	}
	if s.stock == nil {
		return 0, nil
	}
	n, err := s.stock.Release(ctx, orderID)
	if err != nil {
		s.log.Error("manual stock release failed", "order_id", orderID, "actor_role", actor.Role, "actor_id", actor.ID, "err", err)
		return 0, ErrRetryable
	}
	s.log.Info("manual stock release", "order_id", orderID, "lines", n, "actor_role", actor.Role, "actor_id", actor.ID)
	if err := s.RecordActivity(ctx, o, EventStockReleased, actor, fmt.Sprintf("lines=%d", n)); err != nil {
		return n, err
	}
	return n, nil
}

// RecordActivity appends a non-status row to the order timeline.
func (s *Service) RecordActivity(ctx context.Context, o *Order, typ EventType, actor Actor, note string) error {
	ev := &Event{
		OrderID:    o.ID,
		Type:       typ,
		FromStatus: o.Status,
		ToStatus:   o.Status,
		ActorType:  actor.Role,
		ActorID:    actor.ID.Ptr(),
		Note:       note,
	}
	if err := s.store.AppendEvent(ctx, ev); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		s.log.Error("activity append failed", "order_id", o.ID, "type", typ, "actor_role", actor.Role, "actor_id", actor.ID, "err", err)
		return ErrRetryable
	}
	return nil
}

// ConfirmPayment records payment once. A repeat call returns the current
// order with applied=false.
func (s *Service) ConfirmPayment(ctx context.Context, cmd PaymentCommand) (*Order, bool, error) {
	if cmd.OrderID == 0 || !cmd.Source.Valid() {
		return nil, false, ErrBadRequest
	}
	at := cmd.At
	if at.IsZero() {
		at = s.now()
	}
	actor := cmd.Actor
	if actor.Role == "" {
		actor = SystemActor
	}
	ev := &Event{
		Type:      EventPaymentConfirmed,
		ActorType: actor.Role,
		ActorID:   actor.ID.Ptr(),
		Note:      string(cmd.Source),
	}
	o, applied, err := s.store.ConfirmPayment(ctx, cmd.OrderID, cmd.Source, at, ev)
	if errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	if err != nil {
		s.log.Error("payment confirm failed", "order_id", cmd.OrderID, "source", cmd.Source, "err", err)
		return nil, false, ErrRetryable
	}
	if applied {
		s.log.Info("payment confirmed", "order_id", o.ID, "source", cmd.Source)
		s.publish(events.TypePaymentConfirmed, o, nil, "")
	}
	return o, applied, nil
}

func (s *Service) Timeline(ctx context.Context, id types.ID) ([]Event, error) {
	evs, err := s.store.Timeline(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		s.log.Error("timeline read failed", "order_id", id, "err", err)
		return nil, ErrRetryable
	}
	return evs, err
}

// Audit is the result of replaying an order's activity log.
type Audit struct {
	OrderID  types.ID
	Current  Status
	Replayed Status
	Rows     int
	Err      error
}

func (a Audit) Consistent() bool {
	return a.Err == nil && a.Current == a.Replayed
}

// AuditTimeline replays the activity log and compares it with the stored status.
func (s *Service) AuditTimeline(ctx context.Context, id types.ID) (Audit, error) {
	o, err := s.Get(ctx, id)
	if err != nil {
		return Audit{}, err
	}
	evs, err := s.Timeline(ctx, id)
	if err != nil {
		return Audit{}, err
	}
	a := Audit{OrderID: id, Current: o.Status, Rows: len(evs)}
	a.Replayed, a.Err = ReplayStatus(evs)
	if !a.Consistent() {
		s.log.Warn("timeline does not replay to current status", "order_id", id, "current", o.Status, "replayed", a.Replayed, "err", a.Err)
	}
	return a, nil
}

// ReplayStatus folds status rows in order and returns the resulting status.
// Rows that do not chain from the previous status are rejected.
func ReplayStatus(evs []Event) (Status, error) {
	var cur Status
	for _, e := range evs {
		if e.Type != EventStatusChanged {
			continue
		}
		if e.FromStatus != cur {
			return cur, fmt.Errorf("activity row %d: from %q does not follow %q", e.ID, e.FromStatus, cur)
		}
		if cur != "" && !CanTransition(cur, e.ToStatus) {
			return cur, &TransitionError{From: cur, To: e.ToStatus, Allowed: AllowedFrom(cur)}
		}
		cur = e.ToStatus
	}
	if cur == "" {
		return cur, errors.New("no status rows")
	}
	return cur, nil
}

func (s *Service) ListDriverTasks(ctx context.Context, driverID types.ID) ([]Order, error) {
	return s.list(s.store.ListByDriver(ctx, driverID, []Status{StatusAssigned, StatusPickedUp}))
}

func (s *Service) ListStoreOrders(ctx context.Context, storeID types.ID) ([]Order, error) {
	return s.list(s.store.ListByStore(ctx, storeID, []Status{StatusCreated, StatusAccepted, StatusPreparing, StatusReady, StatusAssigned}))
}

func (s *Service) ListActive(ctx context.Context) ([]Order, error) {
	return s.list(s.store.ListActive(ctx))
}

func (s *Service) BusyDrivers(ctx context.Context) (map[types.ID]bool, error) {
	busy, err := s.store.BusyDrivers(ctx)
	if err != nil {
		s.log.Error("busy drivers read failed", "err", err)
		return nil, ErrRetryable
	}
	return busy, nil
}

func (s *Service) list(out []Order, err error) ([]Order, error) {
	if err != nil {
		s.log.Error("order list failed", "err", err)
		return nil, ErrRetryable
	}
	return out, nil
}

func (s *Service) publish(typ events.Type, o *Order, prevDriver *types.ID, offerID string) {
	if s.pub == nil {
		return
	}
	s.pub.Publish(ToEvent(typ, o, prevDriver, offerID))
}

// ToEvent builds the canonical event payload for o.
func ToEvent(typ events.Type, o *Order, prevDriver *types.ID, offerID string) events.OrderEvent {
	ev := events.OrderEvent{
		Type:      typ,
		OrderID:   o.ID,
		Status:    string(o.Status),
		StoreID:   o.StoreID,
		DriverID:  o.DriverID,
		UserID:    o.UserID,
		UpdatedAt: o.UpdatedAt,
		OfferID:   offerID,
	}
	if prevDriver != nil && (o.DriverID == nil || *o.DriverID != *prevDriver) {
		ev.PreviousDriverID = prevDriver
	}
	return ev
}
