package order

import (
	"context"
	"sort"
	"sync"
	"time"

	"tomo/internal/types"
)

// MemoryStore is an in-process Repository with the same compare-and-set
// semantics as Store. Hooks run under the store lock with a nil DBTX; a hook
// error leaves the store unchanged.
type MemoryStore struct {
	mu     sync.Mutex
	nextID types.ID
	nextEv int64
	orders map[types.ID]*Order
	events map[types.ID][]Event
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[types.ID]*Order),
		events: make(map[types.ID][]Event),
		now:    time.Now,
	}
}

func (m *MemoryStore) Create(ctx context.Context, o *Order, ev *Event, reserve ReserveHook) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID + 1
	if reserve != nil {
		if err := reserve(ctx, nil, id); err != nil {
			return err
		}
	}
	m.nextID = id
	now := m.now()
	o.ID, o.CreatedAt, o.UpdatedAt = id, now, now
	m.orders[id] = cloneOrder(o)
	ev.OrderID, ev.CreatedAt = id, now
	m.appendLocked(ev)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id types.ID) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneOrder(o), nil
}

func (m *MemoryStore) Transition(ctx context.Context, t StoreTransition) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.orders[t.OrderID]
	if !ok || cur.Status != t.From || cur.StatusVersion != t.Version {
		return nil, ErrConflict
	}
	if t.InTx != nil {
		if err := t.InTx(ctx, nil); err != nil {
			return nil, err
		}
	}
	now := m.now()
	next := cloneOrder(cur)
	next.Status = t.To
	next.StatusVersion++
	next.UpdatedAt = now
	switch {
	case t.ClearDriver:
		next.DriverID = nil
	case t.DriverID != nil:
		next.DriverID = types.Deref(t.DriverID).Ptr()
	}
	stamp := &now
	switch t.To {
	case StatusAccepted:
		next.AcceptedAt = stamp
	case StatusAssigned:
		next.AssignedAt = stamp
	case StatusPickedUp:
		next.PickedUpAt = stamp
	case StatusDelivered:
		next.DeliveredAt = stamp
	case StatusCancelled:
		next.CancelledAt = stamp
	}
	m.orders[t.OrderID] = next
	t.Event.OrderID, t.Event.CreatedAt = t.OrderID, now
	m.appendLocked(t.Event)
	return cloneOrder(next), nil
}

func (m *MemoryStore) ConfirmPayment(_ context.Context, id types.ID, src PaymentSource, at time.Time, ev *Event) (*Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	if o.Paid() {
		return cloneOrder(o), false, nil
	}
	stamp := at
	if src == PaymentGateway {
		o.PaidAt = &stamp
	} else {
		o.PaymentReceivedAt = &stamp
	}
	o.UpdatedAt = m.now()
	ev.OrderID, ev.FromStatus, ev.ToStatus, ev.CreatedAt = id, o.Status, o.Status, o.UpdatedAt
	m.appendLocked(ev)
	return cloneOrder(o), true, nil
}

func (m *MemoryStore) Timeline(_ context.Context, id types.ID) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[id]; !ok {
		return nil, ErrNotFound
	}
	out := make([]Event, len(m.events[id]))
	copy(out, m.events[id])
	return out, nil
}

func (m *MemoryStore) ListByDriver(_ context.Context, driverID types.ID, statuses []Status) ([]Order, error) {
	return m.filter(func(o *Order) bool {
		return types.Deref(o.DriverID) == driverID && hasStatus(statuses, o.Status)
	}), nil
}

func (m *MemoryStore) ListByStore(_ context.Context, storeID types.ID, statuses []Status) ([]Order, error) {
	return m.filter(func(o *Order) bool {
		return types.Deref(o.StoreID) == storeID && hasStatus(statuses, o.Status)
	}), nil
}

func (m *MemoryStore) ListActive(_ context.Context) ([]Order, error) {
	return m.filter(func(o *Order) bool { return !o.Status.Terminal() }), nil
}

func (m *MemoryStore) BusyDrivers(_ context.Context) (map[types.ID]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[types.ID]bool{}
	for _, o := range m.orders {
		if o.DriverID != nil && (o.Status == StatusAssigned || o.Status == StatusPickedUp) {
			out[*o.DriverID] = true
		}
	}
	return out, nil
}

// SetSLAStart sets the explicit SLA start override. Used by tests and ops fixtures.
func (m *MemoryStore) SetSLAStart(id types.ID, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[id]; ok {
		o.SLAStartOverride = &at
	}
}

func (m *MemoryStore) AppendEvent(_ context.Context, ev *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[ev.OrderID]; !ok {
		return ErrNotFound
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = m.now()
	}
	m.appendLocked(ev)
	return nil
}

func (m *MemoryStore) appendLocked(ev *Event) {
	m.nextEv++
	ev.ID = m.nextEv
	m.events[ev.OrderID] = append(m.events[ev.OrderID], *ev)
}

func (m *MemoryStore) filter(keep func(*Order) bool) []Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Order
	for _, o := range m.orders {
		if keep(o) {
			out = append(out, *cloneOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func hasStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func cloneOrder(o *Order) *Order {
	cp := *o
	cp.Items = append([]Item(nil), o.Items...)
	return &cp
}
