// README: Dispatch engine: auto-assigns or fans out offers for READY orders and resolves offer races.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"tomo/internal/infra"
	"tomo/internal/metrics"
	"tomo/internal/modules/events"
	"tomo/internal/modules/order"
	"tomo/internal/types"
)

// Orders is the slice of the order service dispatch depends on.
type Orders interface {
	Get(ctx context.Context, id types.ID) (*order.Order, error)
	Transition(ctx context.Context, cmd order.TransitionCommand) (*order.Order, error)
	BusyDrivers(ctx context.Context) (map[types.ID]bool, error)
	RecordActivity(ctx context.Context, o *order.Order, typ order.EventType, actor order.Actor, note string) error
}

type Presence interface {
	OnlineDrivers(ctx context.Context) ([]types.ID, error)
}

type Publisher interface {
	Publish(ev events.OrderEvent)
}

type Service struct {
	offers   OfferStore
	orders   Orders
	presence Presence
	pub      Publisher
	log      *slog.Logger
	now      func() time.Time

	mu       sync.RWMutex
	settings Settings
}

func NewService(offers OfferStore, orders Orders, presence Presence, pub Publisher, settings Settings, log *slog.Logger) *Service {
	if settings.Mode == "" {
		settings.Mode = ModeAutoAssign
	}
	if settings.OfferTTL <= 0 {
		settings.OfferTTL = DefaultOfferTTL
	}
	if settings.Fanout <= 0 {
		settings.Fanout = DefaultFanout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		offers:   offers,
		orders:   orders,
		presence: presence,
		pub:      pub,
		log:      log,
		now:      time.Now,
		settings: settings,
	}
}

func (s *Service) Mode() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.Mode
}

// SetMode switches the mode for subsequent dispatch decisions. Offers
// already out stay valid until they resolve or expire.
func (s *Service) SetMode(m Mode) error {
	if _, err := ParseMode(string(m)); err != nil {
		return err
	}
	s.mu.Lock()
	prev := s.settings.Mode
	s.settings.Mode = m
	s.mu.Unlock()
	if prev != m {
		s.log.Info("dispatch mode changed", "from", prev, "to", m)
	}
	return nil
}

func (s *Service) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// HandleReady is registered as an order transition listener.
func (s *Service) HandleReady(ctx context.Context, o *order.Order, _ order.Status) {
	if o.Status != order.StatusReady || o.DriverID != nil {
		return
	}
	if _, err := s.Dispatch(ctx, o.ID, order.SystemActor); err != nil {
		s.log.Warn("dispatch on ready failed", "order_id", o.ID, "mode", s.Mode(), "err", err)
	}
}

// Dispatch runs one decision for a READY order without a driver. In offer
// mode a new batch is created for drivers that hold no live offer for it;
// old offers are never touched. The decision is recorded on the timeline
// under actor.
func (s *Service) Dispatch(ctx context.Context, orderID types.ID, actor order.Actor) (*Result, error) {
	start := time.Now()
	defer func() { metrics.DispatchDuration.Observe(time.Since(start).Seconds()) }()

	settings := s.Settings()
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status != order.StatusReady || o.DriverID != nil {
		return nil, ErrNotDispatchable
	}
	candidates, err := s.AvailableDrivers(ctx)
	if err != nil {
		return nil, err
	}

	if settings.Mode == ModeAutoAssign {
		return s.autoAssign(ctx, o, candidates, actor)
	}
	return s.createOffers(ctx, o, candidates, settings, actor)
}

// decisionNote prefixes operator-triggered decisions so they stand apart
// from the automatic ones on the timeline.
func decisionNote(actor order.Actor, note string) string {
	if actor.Role == order.RoleSystem {
		return note
	}
	return "reoffer: " + note
}

func (s *Service) autoAssign(ctx context.Context, o *order.Order, candidates []types.ID, actor order.Actor) (*Result, error) {
	if len(candidates) == 0 {
		return nil, ErrNoDriver
	}
	driverID := candidates[0]
	updated, err := s.orders.Transition(ctx, order.TransitionCommand{
		OrderID:    o.ID,
		To:         order.StatusAssigned,
		Actor:      actor,
		DriverID:   driverID.Ptr(),
		Dispatched: true,
		Note:       decisionNote(actor, "auto_assign"),
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("order auto-assigned", "order_id", o.ID, "driver_id", driverID, "actor_role", actor.Role, "actor_id", actor.ID)
	return &Result{Mode: ModeAutoAssign, OrderID: updated.ID, DriverID: driverID}, nil
}

func (s *Service) createOffers(ctx context.Context, o *order.Order, candidates []types.ID, settings Settings, actor order.Actor) (*Result, error) {
	existing, err := s.offers.ListByOrder(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	live := map[types.ID]bool{}
	for _, off := range existing {
		if off.EffectiveState(now) == OfferPending {
			live[off.DriverID] = true
		}
	}
	pool := make([]types.ID, 0, len(candidates))
	for _, id := range candidates {
		if !live[id] {
			pool = append(pool, id)
		}
	}
	picked := PickRandomDrivers(pool, settings.Fanout)
	if len(picked) == 0 {
		return nil, ErrNoDriver
	}

	batch := uuid.New()
	offers := make([]Offer, len(picked))
	for i, d := range picked {
		offers[i] = Offer{
			ID:        uuid.New(),
			BatchID:   batch,
			OrderID:   o.ID,
			DriverID:  d,
			State:     OfferPending,
			CreatedAt: now,
			ExpiresAt: now.Add(settings.OfferTTL),
		}
	}
	if err := s.offers.CreateBatch(ctx, offers); err != nil {
		return nil, err
	}
	metrics.OffersCreatedTotal.Add(float64(len(offers)))
	s.log.Info("offers created", "order_id", o.ID, "batch_id", batch, "drivers", picked, "actor_role", actor.Role, "actor_id", actor.ID)

	note := decisionNote(actor, fmt.Sprintf("batch %s to %d drivers", batch, len(picked)))
	if err := s.orders.RecordActivity(ctx, o, order.EventOffersSent, actor, note); err != nil {
		// The offers are live; a missing row only costs attribution.
		s.log.Error("offers_sent row not written", "order_id", o.ID, "batch_id", batch, "err", err)
	}

	ev := order.ToEvent(events.TypeOfferCreated, o, nil, batch.String())
	ev.TargetDrivers = picked
	s.publish(ev)
	return &Result{Mode: ModeOfferAccept, OrderID: o.ID, Offers: offers}, nil
}

// AcceptOffer binds the driver and moves the order to ASSIGNED in the same
// transaction that accepts the offer and supersedes its siblings.
func (s *Service) AcceptOffer(ctx context.Context, offerID uuid.UUID, driverID types.ID) (*order.Order, error) {
	off, err := s.offers.Get(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if off.DriverID != driverID {
		return nil, ErrOfferNotFound
	}
	now := s.now()
	switch off.EffectiveState(now) {
	case OfferPending:
	case OfferExpired:
		s.expire(ctx, off)
		metrics.OfferResolutionsTotal.WithLabelValues("expired").Inc()
		return nil, ErrExpired
	default:
		metrics.OfferResolutionsTotal.WithLabelValues("already_resolved").Inc()
		return nil, ErrAlreadyResolved
	}

	siblings, err := s.offers.ListByOrder(ctx, off.OrderID)
	if err != nil {
		return nil, err
	}

	updated, err := s.orders.Transition(ctx, order.TransitionCommand{
		OrderID:    off.OrderID,
		To:         order.StatusAssigned,
		Actor:      order.Actor{Role: order.RoleDriver, ID: driverID},
		DriverID:   driverID.Ptr(),
		Dispatched: true,
		Note:       "offer " + off.ID.String(),
		InTx: func(ctx context.Context, q infra.DBTX) error {
			return s.offers.AcceptTx(ctx, q, off.ID, driverID, now)
		},
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrExpired):
		metrics.OfferResolutionsTotal.WithLabelValues("expired").Inc()
		return nil, err
	case errors.Is(err, ErrAlreadyResolved), errors.Is(err, order.ErrConflict), errors.Is(err, order.ErrInvalidTransition):
		metrics.OfferResolutionsTotal.WithLabelValues("already_resolved").Inc()
		return nil, ErrAlreadyResolved
	default:
		return nil, err
	}
	metrics.OfferResolutionsTotal.WithLabelValues("accepted").Inc()
	s.log.Info("offer accepted", "order_id", updated.ID, "offer_id", off.ID, "driver_id", driverID)

	var losers []types.ID
	for _, sib := range siblings {
		if sib.ID != off.ID && sib.EffectiveState(now) == OfferPending {
			losers = append(losers, sib.DriverID)
		}
	}
	if len(losers) > 0 {
		ev := order.ToEvent(events.TypeOfferResolved, updated, nil, off.ID.String())
		ev.TargetDrivers = losers
		s.publish(ev)
	}
	return updated, nil
}

// RejectOffer declines one offer. Siblings and the order are untouched.
// Declining an offer that already expired or was declined succeeds.
func (s *Service) RejectOffer(ctx context.Context, offerID uuid.UUID, driverID types.ID) error {
	off, err := s.offers.Get(ctx, offerID)
	if err != nil {
		return err
	}
	if off.DriverID != driverID {
		return ErrOfferNotFound
	}
	err = s.offers.Reject(ctx, offerID, driverID, s.now())
	switch {
	case err == nil:
	case errors.Is(err, ErrExpired):
		s.expire(ctx, off)
		return nil
	case errors.Is(err, ErrAlreadyResolved):
		cur, gerr := s.offers.Get(ctx, offerID)
		if gerr == nil && cur.State == OfferRejected {
			return nil
		}
		return err
	default:
		return err
	}
	metrics.OfferResolutionsTotal.WithLabelValues("rejected").Inc()
	s.log.Info("offer rejected", "order_id", off.OrderID, "offer_id", off.ID, "driver_id", driverID)

	if o, err := s.orders.Get(ctx, off.OrderID); err == nil {
		s.publish(order.ToEvent(events.TypeOfferResolved, o, nil, off.ID.String()))
	}
	return nil
}

// Reoffer is the operator re-send: a fresh decision in the current mode.
func (s *Service) Reoffer(ctx context.Context, orderID types.ID, actor order.Actor) (*Result, error) {
	res, err := s.Dispatch(ctx, orderID, actor)
	if err != nil {
		return nil, err
	}
	s.log.Info("order re-dispatched", "order_id", orderID, "actor_role", actor.Role, "actor_id", actor.ID, "mode", res.Mode)
	return res, nil
}

func (s *Service) PendingOffers(ctx context.Context, driverID types.ID) ([]Offer, error) {
	return s.offers.ListPendingByDriver(ctx, driverID, s.now())
}

func (s *Service) OrderOffers(ctx context.Context, orderID types.ID) ([]Offer, error) {
	return s.offers.ListByOrder(ctx, orderID)
}

// AvailableDrivers are online drivers without an active task, freshest first.
func (s *Service) AvailableDrivers(ctx context.Context) ([]types.ID, error) {
	online, err := s.presence.OnlineDrivers(ctx)
	if err != nil {
		return nil, err
	}
	busy, err := s.orders.BusyDrivers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]types.ID, 0, len(online))
	for _, id := range online {
		if !busy[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

// CheckAssignable reports whether driverID is online and free of active tasks.
func (s *Service) CheckAssignable(ctx context.Context, driverID types.ID) error {
	online, err := s.presence.OnlineDrivers(ctx)
	if err != nil {
		return err
	}
	found := false
	for _, id := range online {
		if id == driverID {
			found = true
			break
		}
	}
	if !found {
		return ErrDriverUnavailable
	}
	busy, err := s.orders.BusyDrivers(ctx)
	if err != nil {
		return err
	}
	if busy[driverID] {
		return ErrDriverBusy
	}
	return nil
}

// AssignOverride binds a driver chosen by an operator. Pending offers for the
// order are superseded by the order service in the same transaction.
func (s *Service) AssignOverride(ctx context.Context, orderID, driverID types.ID, actor order.Actor, note string) (*order.Order, error) {
	if driverID == 0 {
		return nil, ErrBadRequest
	}
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := order.ValidateTransition(o.Status, order.StatusAssigned); err != nil {
		return nil, err
	}
	if err := s.CheckAssignable(ctx, driverID); err != nil {
		s.log.Info("override assignment refused", "order_id", orderID, "driver_id", driverID, "actor_id", actor.ID, "err", err)
		return nil, err
	}
	return s.orders.Transition(ctx, order.TransitionCommand{
		OrderID:  orderID,
		To:       order.StatusAssigned,
		Actor:    actor,
		DriverID: driverID.Ptr(),
		Note:     note,
		Override: true,
	})
}

func (s *Service) expire(ctx context.Context, off *Offer) {
	if off.State != OfferPending {
		return
	}
	if err := s.offers.MarkExpired(ctx, off.ID); err != nil {
		s.log.Warn("mark offer expired failed", "offer_id", off.ID, "err", err)
	}
}

func (s *Service) publish(ev events.OrderEvent) {
	if s.pub != nil {
		s.pub.Publish(ev)
	}
}
