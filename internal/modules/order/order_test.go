package order

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tomo/internal/infra"
	"tomo/internal/modules/events"
	"tomo/internal/modules/inventory"
	"tomo/internal/types"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from Status
		to   Status
		ok   bool
	}{
		{StatusCreated, StatusAccepted, true},
		{StatusCreated, StatusCancelled, true},
		{StatusCreated, StatusPreparing, false},
		{StatusAccepted, StatusPreparing, true},
		{StatusPreparing, StatusReady, true},
		{StatusReady, StatusAssigned, true},
		{StatusReady, StatusPickedUp, false},
		{StatusAssigned, StatusPickedUp, true},
		{StatusAssigned, StatusCancelled, true},
		{StatusPickedUp, StatusDelivered, true},
		{StatusPickedUp, StatusCancelled, false},
		{StatusDelivered, StatusCancelled, false},
		{StatusCancelled, StatusCreated, false},
		{StatusCreated, StatusCreated, false},
		{Status("UNKNOWN"), StatusAccepted, false},
	}

	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.ok {
			t.Fatalf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.ok, got)
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range Statuses {
		want := s == StatusDelivered || s == StatusCancelled
		if s.Terminal() != want {
			t.Fatalf("%s: terminal=%v", s, s.Terminal())
		}
	}
}

func TestValidateTransitionListsAllowed(t *testing.T) {
	err := ValidateTransition(StatusCreated, StatusReady)
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition in chain")
	}
	if len(te.Allowed) != 2 || te.Allowed[0] != StatusAccepted || te.Allowed[1] != StatusCancelled {
		t.Fatalf("unexpected allowed list %v", te.Allowed)
	}
	want := "invalid transition from CREATED to READY; allowed: ACCEPTED, CANCELLED"
	if err.Error() != want {
		t.Fatalf("unexpected message %q", err.Error())
	}

	err = ValidateTransition(StatusDelivered, StatusCancelled)
	if err == nil || err.Error() != "invalid transition from DELIVERED to CANCELLED; allowed: none" {
		t.Fatalf("unexpected terminal error %v", err)
	}
}

func TestAllowedFromReturnsCopy(t *testing.T) {
	next := AllowedFrom(StatusReady)
	next[0] = StatusDelivered
	if AllowedTransitions[StatusReady][0] != StatusAssigned {
		t.Fatal("AllowedFrom leaked the shared slice")
	}
}

func TestParseStatus(t *testing.T) {
	if s, ok := ParseStatus(" picked_up "); !ok || s != StatusPickedUp {
		t.Fatalf("unexpected parse %q %v", s, ok)
	}
	if _, ok := ParseStatus("OUT_FOR_DELIVERY"); ok {
		t.Fatal("legacy values must not parse as canonical")
	}
}

func TestMapLegacyStatus(t *testing.T) {
	cases := map[string]Status{
		"PENDING_PAYMENT":  StatusCreated,
		"paid":             StatusCreated,
		"STORE_ACCEPTED":   StatusAccepted,
		"DRIVER_ASSIGNED":  StatusAssigned,
		"OUT_FOR_DELIVERY": StatusPickedUp,
		"completed":        StatusDelivered,
		"REFUNDED":         StatusCancelled,
		"":                 StatusCreated,
		"whatever":         StatusCreated,
	}
	for in, want := range cases {
		if got := MapLegacyStatus(in); got != want {
			t.Fatalf("%q: expected %s, got %s", in, want, got)
		}
	}
}

func TestSLAStartAtPrecedence(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	at := func(m int) *time.Time {
		v := base.Add(time.Duration(m) * time.Minute)
		return &v
	}

	o := &Order{CreatedAt: base}
	if !o.SLAStartAt().Equal(base) {
		t.Fatal("expected created_at fallback")
	}
	o.AcceptedAt = at(4)
	if !o.SLAStartAt().Equal(*at(4)) {
		t.Fatal("expected accepted_at")
	}
	o.SLAStartOverride = at(3)
	if !o.SLAStartAt().Equal(*at(3)) {
		t.Fatal("expected override before accepted_at")
	}
	o.PaymentReceivedAt = at(2)
	if !o.SLAStartAt().Equal(*at(2)) {
		t.Fatal("expected payment_received_at")
	}
	o.PaidAt = at(1)
	if !o.SLAStartAt().Equal(*at(1)) {
		t.Fatal("expected paid_at first")
	}
}

func TestAuthorize(t *testing.T) {
	store := types.ID(10)
	driver := types.ID(20)
	base := Order{UserID: 1, StoreID: store.Ptr(), DriverID: driver.Ptr()}

	cases := []struct {
		name   string
		status Status
		to     Status
		actor  Actor
		cmd    TransitionCommand
		ok     bool
	}{
		{"customer cancels created", StatusCreated, StatusCancelled, Actor{RoleCustomer, 1}, TransitionCommand{}, true},
		{"customer cancels accepted", StatusAccepted, StatusCancelled, Actor{RoleCustomer, 1}, TransitionCommand{}, false},
		{"other customer", StatusCreated, StatusCancelled, Actor{RoleCustomer, 2}, TransitionCommand{}, false},
		{"store accepts own", StatusCreated, StatusAccepted, Actor{RoleStore, 10}, TransitionCommand{}, true},
		{"store accepts other", StatusCreated, StatusAccepted, Actor{RoleStore, 11}, TransitionCommand{}, false},
		{"store marks ready", StatusPreparing, StatusReady, Actor{RoleStore, 10}, TransitionCommand{}, true},
		{"store cancels ready", StatusReady, StatusCancelled, Actor{RoleStore, 10}, TransitionCommand{}, false},
		{"store assigns", StatusReady, StatusAssigned, Actor{RoleStore, 10}, TransitionCommand{}, false},
		{"driver picks up", StatusAssigned, StatusPickedUp, Actor{RoleDriver, 20}, TransitionCommand{}, true},
		{"other driver picks up", StatusAssigned, StatusPickedUp, Actor{RoleDriver, 21}, TransitionCommand{}, false},
		{"driver cancels", StatusAssigned, StatusCancelled, Actor{RoleDriver, 20}, TransitionCommand{}, false},
		{"admin assigns without override", StatusReady, StatusAssigned, Actor{RoleAdmin, 99}, TransitionCommand{}, false},
		{"admin override assign", StatusReady, StatusAssigned, Actor{RoleAdmin, 99}, TransitionCommand{Override: true}, true},
		{"dispatch assigns", StatusReady, StatusAssigned, Actor{RoleDriver, 20}, TransitionCommand{Dispatched: true}, true},
		{"system delivers", StatusPickedUp, StatusDelivered, SystemActor, TransitionCommand{}, true},
	}

	for _, tc := range cases {
		o := base
		o.Status = tc.status
		err := authorize(&o, tc.to, tc.actor, tc.cmd)
		if (err == nil) != tc.ok {
			t.Fatalf("%s: expected ok=%v, got %v", tc.name, tc.ok, err)
		}
	}
}

func TestCanView(t *testing.T) {
	o := &Order{UserID: 1, StoreID: types.ID(10).Ptr()}
	if !CanView(o, Actor{RoleCustomer, 1}) || CanView(o, Actor{RoleCustomer, 2}) {
		t.Fatal("customer visibility wrong")
	}
	if !CanView(o, Actor{RoleStore, 10}) || CanView(o, Actor{RoleStore, 11}) {
		t.Fatal("store visibility wrong")
	}
	if CanView(o, Actor{RoleDriver, 20}) {
		t.Fatal("unassigned driver must not see the order")
	}
	if !CanView(o, Actor{RoleAdmin, 99}) {
		t.Fatal("admin must see every order")
	}
}

func TestReplayStatus(t *testing.T) {
	evs := []Event{
		{ID: 1, Type: EventStatusChanged, ToStatus: StatusCreated},
		{ID: 2, Type: EventPaymentConfirmed, FromStatus: StatusCreated, ToStatus: StatusCreated},
		{ID: 3, Type: EventStatusChanged, FromStatus: StatusCreated, ToStatus: StatusAccepted},
		{ID: 4, Type: EventStatusChanged, FromStatus: StatusAccepted, ToStatus: StatusCancelled},
	}
	got, err := ReplayStatus(evs)
	if err != nil || got != StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s %v", got, err)
	}

	broken := []Event{
		{ID: 1, Type: EventStatusChanged, ToStatus: StatusCreated},
		{ID: 2, Type: EventStatusChanged, FromStatus: StatusAccepted, ToStatus: StatusPreparing},
	}
	if _, err := ReplayStatus(broken); err == nil {
		t.Fatal("expected chain error")
	}

	illegal := []Event{
		{ID: 1, Type: EventStatusChanged, ToStatus: StatusCreated},
		{ID: 2, Type: EventStatusChanged, FromStatus: StatusCreated, ToStatus: StatusDelivered},
	}
	var te *TransitionError
	if _, err := ReplayStatus(illegal); !errors.As(err, &te) {
		t.Fatalf("expected TransitionError, got %v", err)
	}

	if _, err := ReplayStatus(nil); err == nil {
		t.Fatal("expected error for empty log")
	}
}

type fakeStock struct {
	mu       sync.Mutex
	qty      map[types.ID]int
	held     map[types.ID][]inventory.Line
	released int
	failRel  bool
	// failNext fails that many Release calls before succeeding.
	failNext int
	attempts int
}

func newFakeStock(qty map[types.ID]int) *fakeStock {
	return &fakeStock{qty: qty, held: map[types.ID][]inventory.Line{}}
}

func (f *fakeStock) ReserveOrderTx(_ context.Context, _ infra.DBTX, orderID, storeID types.ID, lines []inventory.Line) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ln := range lines {
		if f.qty[ln.ProductID] < ln.Quantity {
			return &inventory.ReservationError{
				StoreID:   storeID,
				ProductID: ln.ProductID,
				Requested: ln.Quantity,
				Available: f.qty[ln.ProductID],
				Err:       inventory.ErrInsufficientStock,
			}
		}
	}
	for _, ln := range lines {
		f.qty[ln.ProductID] -= ln.Quantity
	}
	f.held[orderID] = lines
	return nil
}

func (f *fakeStock) Release(_ context.Context, orderID types.ID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.failRel {
		return 0, errors.New("ledger down")
	}
	if f.failNext > 0 {
		f.failNext--
		return 0, errors.New("ledger timeout")
	}
	lines := f.held[orderID]
	for _, ln := range lines {
		f.qty[ln.ProductID] += ln.Quantity
	}
	delete(f.held, orderID)
	f.released += len(lines)
	return len(lines), nil
}

type fakeOffers struct {
	calls   []types.ID
	reasons []string
}

func (f *fakeOffers) RejectPendingTx(_ context.Context, _ infra.DBTX, orderID types.ID, reason string) (int, error) {
	f.calls = append(f.calls, orderID)
	f.reasons = append(f.reasons, reason)
	return 1, nil
}

type recordingPublisher struct {
	mu  sync.Mutex
	evs []events.OrderEvent
}

func (p *recordingPublisher) Publish(ev events.OrderEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evs = append(p.evs, ev)
}

func (p *recordingPublisher) eventTypes() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Type, len(p.evs))
	for i, ev := range p.evs {
		out[i] = ev.Type
	}
	return out
}

const (
	testUser    types.ID = 1
	testStore   types.ID = 10
	testDriver  types.ID = 20
	testProduct types.ID = 500
)

func newTestService(t *testing.T, qty int) (*Service, *MemoryStore, *fakeStock, *recordingPublisher) {
	t.Helper()
	store := NewMemoryStore()
	stock := newFakeStock(map[types.ID]int{testProduct: qty})
	pub := &recordingPublisher{}
	svc := NewService(store, stock, pub, nil)
	svc.backoff = time.Millisecond
	return svc, store, stock, pub
}

func createTestOrder(t *testing.T, svc *Service, qty int) *Order {
	t.Helper()
	o, err := svc.Create(context.Background(), CreateCommand{
		UserID:  testUser,
		StoreID: testStore,
		Items: []ItemInput{
			{ProductID: testProduct, Quantity: qty, UnitPrice: decimal.RequireFromString("4.50")},
		},
		DeliveryFee:     decimal.RequireFromString("2.00"),
		DeliveryAddress: "1 Main St",
		PaymentMethod:   "cash",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return o
}

func mustTransition(t *testing.T, svc *Service, cmd TransitionCommand) *Order {
	t.Helper()
	o, err := svc.Transition(context.Background(), cmd)
	if err != nil {
		t.Fatalf("transition to %s: %v", cmd.To, err)
	}
	return o
}

func TestOrderHappyPath(t *testing.T) {
	ctx := context.Background()
	svc, _, stock, pub := newTestService(t, 10)

	o := createTestOrder(t, svc, 2)
	if o.Status != StatusCreated || o.TotalAmount.String() != "11.00" {
		t.Fatalf("unexpected created order %s %s", o.Status, o.TotalAmount)
	}
	if stock.qty[testProduct] != 8 {
		t.Fatalf("expected stock 8, got %d", stock.qty[testProduct])
	}

	storeActor := Actor{RoleStore, testStore}
	mustTransition(t, svc, TransitionCommand{OrderID: o.ID, To: StatusAccepted, Actor: storeActor})
	mustTransition(t, svc, TransitionCommand{OrderID: o.ID, To: StatusPreparing, Actor: storeActor})
	mustTransition(t, svc, TransitionCommand{OrderID: o.ID, To: StatusReady, Actor: storeActor})
	assigned := mustTransition(t, svc, TransitionCommand{
		OrderID:    o.ID,
		To:         StatusAssigned,
		Actor:      Actor{RoleDriver, testDriver},
		DriverID:   testDriver.Ptr(),
		Dispatched: true,
	})
	if types.Deref(assigned.DriverID) != testDriver || assigned.AssignedAt == nil {
		t.Fatalf("driver not bound: %+v", assigned)
	}
	driverActor := Actor{RoleDriver, testDriver}
	mustTransition(t, svc, TransitionCommand{OrderID: o.ID, To: StatusPickedUp, Actor: driverActor})
	done := mustTransition(t, svc, TransitionCommand{OrderID: o.ID, To: StatusDelivered, Actor: driverActor})
	if done.StatusVersion != 6 || done.DeliveredAt == nil {
		t.Fatalf("unexpected delivered order %+v", done)
	}

	evs, err := svc.Timeline(ctx, o.ID)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(evs) != 7 {
		t.Fatalf("expected 7 activity rows, got %d", len(evs))
	}
	if got, err := ReplayStatus(evs); err != nil || got != StatusDelivered {
		t.Fatalf("replay mismatch %s %v", got, err)
	}
	if n := len(pub.eventTypes()); n != 7 {
		t.Fatalf("expected 7 published events, got %d", n)
	}
	if pub.eventTypes()[0] != events.TypeOrderCreated {
		t.Fatalf("first event should be order.created, got %s", pub.eventTypes()[0])
	}
}

func TestCreateRejectsBadInput(t *testing.T) {
	svc, _, _, _ := newTestService(t, 10)
	price := decimal.RequireFromString("1.00")
	cases := []CreateCommand{
		{StoreID: testStore, Items: []ItemInput{{ProductID: testProduct, Quantity: 1, UnitPrice: price}}},
		{UserID: testUser, Items: []ItemInput{{ProductID: testProduct, Quantity: 1, UnitPrice: price}}},
		{UserID: testUser, StoreID: testStore},
		{UserID: testUser, StoreID: testStore, Items: []ItemInput{{ProductID: testProduct, Quantity: 0, UnitPrice: price}}},
		{UserID: testUser, StoreID: testStore, Items: []ItemInput{{ProductID: testProduct, Quantity: 1, UnitPrice: price.Neg()}}},
		{UserID: testUser, StoreID: testStore, Items: []ItemInput{
			{ProductID: testProduct, Quantity: 1, UnitPrice: price},
			{ProductID: testProduct, Quantity: 2, UnitPrice: price},
		}},
	}
	for i, cmd := range cases {
		if _, err := svc.Create(context.Background(), cmd); !errors.Is(err, ErrBadRequest) {
			t.Fatalf("case %d: expected ErrBadRequest, got %v", i, err)
		}
	}
}

func TestCreateInsufficientStockLeavesNoOrder(t *testing.T) {
	ctx := context.Background()
	svc, store, stock, pub := newTestService(t, 1)

	_, err := svc.Create(ctx, CreateCommand{
		UserID:  testUser,
		StoreID: testStore,
		Items:   []ItemInput{{ProductID: testProduct, Quantity: 3, UnitPrice: decimal.NewFromInt(1)}},
	})
	var re *inventory.ReservationError
	if !errors.As(err, &re) {
		t.Fatalf("expected ReservationError, got %v", err)
	}
	if re.Requested != 3 || re.Available != 1 || !errors.Is(err, inventory.ErrInsufficientStock) {
		t.Fatalf("unexpected reservation detail %+v", re)
	}
	if stock.qty[testProduct] != 1 {
		t.Fatalf("stock changed on failed checkout: %d", stock.qty[testProduct])
	}
	if active, _ := store.ListActive(ctx); len(active) != 0 {
		t.Fatalf("expected no orders, got %d", len(active))
	}
	if len(pub.eventTypes()) != 0 {
		t.Fatal("failed checkout must not publish")
	}
}

func TestCancelReleasesStockAndOffers(t *testing.T) {
	ctx := context.Background()
	svc, _, stock, _ := newTestService(t, 5)
	offers := &fakeOffers{}
	svc.SetOfferCanceller(offers)

	o := createTestOrder(t, svc, 3)
	cancelled := mustTransition(t, svc, TransitionCommand{OrderID: o.ID, To: StatusCancelled, Actor: Actor{RoleCustomer, testUser}})
	if cancelled.CancelledAt == nil {
		t.Fatal("cancelled_at not set")
	}
	if stock.qty[testProduct] != 5 || stock.released != 1 {
		t.Fatalf("stock not restored: qty=%d released=%d", stock.qty[testProduct], stock.released)
	}
	if len(offers.calls) != 1 || offers.calls[0] != o.ID {
		t.Fatalf("pending offers not resolved: %v", offers.calls)
	}

	_, err := svc.Transition(ctx, TransitionCommand{OrderID: o.ID, To: StatusCancelled, Actor: SystemActor})
	var te *TransitionError
	if !errors.As(err, &te) || len(te.Allowed) != 0 {
		t.Fatalf("expected terminal TransitionError, got %v", err)
	}
}

func TestCancelSucceedsWhenReleaseFails(t *testing.T) {
	svc, _, stock, _ := newTestService(t, 5)
	stock.failRel = true

	o := createTestOrder(t, svc, 1)
	got := mustTransition(t, svc, TransitionCommand{OrderID: o.ID, To: StatusCancelled, Actor: SystemActor})
	if got.Status != StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", got.Status)
	}
	if stock.attempts != releaseAttempts {
		t.Fatalf("expected %d release attempts, got %d", releaseAttempts, stock.attempts)
	}
}

func TestCancelRetriesRelease(t *testing.T) {
	svc, _, stock, _ := newTestService(t, 5)
	stock.failNext = 1

	o := createTestOrder(t, svc, 2)
	mustTransition(t, svc, TransitionCommand{OrderID: o.ID, To: StatusCancelled, Actor: SystemActor})
	if stock.attempts != 2 {
		t.Fatalf("expected 2 release attempts, got %d", stock.attempts)
	}
	if stock.qty[testProduct] != 5 {
		t.Fatalf("expected stock back to 5, got %d", stock.qty[testProduct])
	}
}

func TestManualReleaseAfterFailedCancel(t *testing.T) {
	ctx := context.Background()
	svc, _, stock, _ := newTestService(t, 5)
	admin := Actor{RoleAdmin, 99}

	live := createTestOrder(t, svc, 1)
	if _, err := svc.ReleaseStock(ctx, live.ID, admin); !errors.Is(err, ErrNotReleasable) {
		t.Fatalf("expected ErrNotReleasable for a live order, got %v", err)
	}

	stock.failRel = true
	o := createTestOrder(t, svc, 2)
	mustTransition(t, svc, TransitionCommand{OrderID: o.ID, To: StatusCancelled, Actor: SystemActor})
	if stock.qty[testProduct] != 2 {
		t.Fatalf("expected drifted stock 2, got %d", stock.qty[testProduct])
	}

	stock.failRel = false
	n, err := svc.ReleaseStock(ctx, o.ID, admin)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 line released, got %d %v", n, err)
	}
	if stock.qty[testProduct] != 4 {
		t.Fatalf("expected stock 4, got %d", stock.qty[testProduct])
	}
	if n, err := svc.ReleaseStock(ctx, o.ID, admin); err != nil || n != 0 {
		t.Fatalf("second release should be a no-op, got %d %v", n, err)
	}

	evs, _ := svc.Timeline(ctx, o.ID)
	last := evs[len(evs)-1]
	if last.Type != EventStockReleased || last.ActorType != RoleAdmin || types.Deref(last.ActorID) != 99 {
		t.Fatalf("unexpected activity row %+v", last)
	}
	if st, err := ReplayStatus(evs); err != nil || st != StatusCancelled {
		t.Fatalf("activity rows must not break replay: %s %v", st, err)
	}
}

func TestAssignSupersedesPendingOffers(t *testing.T) {
	svc, _, _, _ := newTestService(t, 5)
	offers := &fakeOffers{}
	svc.SetOfferCanceller(offers)
	admin := Actor{RoleAdmin, 99}

	o := createTestOrder(t, svc, 1)
	for _, to := range []Status{StatusAccepted, StatusPreparing, StatusReady} {
		mustTransition(t, svc, TransitionCommand{OrderID: o.ID, To: to, Actor: admin})
	}
	mustTransition(t, svc, TransitionCommand{OrderID: o.ID, To: StatusAssigned, Actor: admin, DriverID: testDriver.Ptr(), Override: true})
	if len(offers.reasons) != 1 || offers.reasons[0] != "superseded" {
		t.Fatalf("expected siblings superseded on assignment, got %v", offers.reasons)
	}

	// A hook supplied by the caller owns sibling resolution.
	o2 := createTestOrder(t, svc, 1)
	for _, to := range []Status{StatusAccepted, StatusPreparing, StatusReady} {
		mustTransition(t, svc, TransitionCommand{OrderID: o2.ID, To: to, Actor: admin})
	}
	mustTransition(t, svc, TransitionCommand{
		OrderID:    o2.ID,
		To:         StatusAssigned,
		Actor:      Actor{RoleDriver, testDriver},
		DriverID:   testDriver.Ptr(),
		Dispatched: true,
		InTx:       func(context.Context, infra.DBTX) error { return nil },
	})
	if len(offers.reasons) != 1 {
		t.Fatalf("hooked assignment should not reject offers itself, got %v", offers.reasons)
	}
}

func TestAssignRequiresDriver(t *testing.T) {
	svc, _, _, _ := newTestService(t, 5)
	o := createTestOrder(t, svc, 1)
	admin := Actor{RoleAdmin, 99}
	for _, to := range []Status{StatusAccepted, StatusPreparing, StatusReady} {
		mustTransition(t, svc, TransitionCommand{OrderID: o.ID, To: to, Actor: admin})
	}
	_, err := svc.Transition(context.Background(), TransitionCommand{OrderID: o.ID, To: StatusAssigned, Actor: admin, Override: true})
	if !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest, got %v", err)
	}
}

func TestOverrideIsRecorded(t *testing.T) {
	ctx := context.Background()
	svc, _, _, _ := newTestService(t, 5)
	o := createTestOrder(t, svc, 1)
	mustTransition(t, svc, TransitionCommand{OrderID: o.ID, To: StatusAccepted, Actor: Actor{RoleAdmin, 99}, Note: "phone", Override: true})

	evs, _ := svc.Timeline(ctx, o.ID)
	last := evs[len(evs)-1]
	if last.Note != "override: phone" || last.ActorType != RoleAdmin || types.Deref(last.ActorID) != 99 {
		t.Fatalf("unexpected override row %+v", last)
	}
}

func TestTransitionHookErrorAborts(t *testing.T) {
	ctx := context.Background()
	svc, _, _, pub := newTestService(t, 5)
	o := createTestOrder(t, svc, 1)
	boom := errors.New("offer already resolved")

	_, err := svc.Transition(ctx, TransitionCommand{
		OrderID: o.ID,
		To:      StatusAccepted,
		Actor:   Actor{RoleStore, testStore},
		InTx:    func(context.Context, infra.DBTX) error { return boom },
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected hook error, got %v", err)
	}
	got, _ := svc.Get(ctx, o.ID)
	if got.Status != StatusCreated || got.StatusVersion != 0 {
		t.Fatalf("order changed after aborted hook: %s v%d", got.Status, got.StatusVersion)
	}
	if len(pub.eventTypes()) != 1 {
		t.Fatalf("aborted transition published events: %v", pub.eventTypes())
	}
}

func TestConfirmPaymentOnce(t *testing.T) {
	ctx := context.Background()
	svc, _, _, pub := newTestService(t, 5)
	o := createTestOrder(t, svc, 1)
	paidAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	got, applied, err := svc.ConfirmPayment(ctx, PaymentCommand{OrderID: o.ID, Source: PaymentGateway, At: paidAt})
	if err != nil || !applied {
		t.Fatalf("first confirm: applied=%v err=%v", applied, err)
	}
	if got.PaidAt == nil || !got.PaidAt.Equal(paidAt) || !got.SLAStartAt().Equal(paidAt) {
		t.Fatalf("paid_at not recorded: %+v", got.PaidAt)
	}

	again, applied, err := svc.ConfirmPayment(ctx, PaymentCommand{OrderID: o.ID, Source: PaymentManual})
	if err != nil || applied {
		t.Fatalf("second confirm: applied=%v err=%v", applied, err)
	}
	if again.PaymentReceivedAt != nil {
		t.Fatal("second confirm overwrote payment")
	}
	if again.Status != StatusCreated {
		t.Fatalf("payment must not move status, got %s", again.Status)
	}

	evs, _ := svc.Timeline(ctx, o.ID)
	if len(evs) != 2 || evs[1].Type != EventPaymentConfirmed {
		t.Fatalf("expected one payment row, got %+v", evs)
	}
	count := 0
	for _, typ := range pub.eventTypes() {
		if typ == events.TypePaymentConfirmed {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected one payment event, got %d", count)
	}

	if _, _, err := svc.ConfirmPayment(ctx, PaymentCommand{OrderID: 404, Source: PaymentGateway}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, _, err := svc.ConfirmPayment(ctx, PaymentCommand{OrderID: o.ID, Source: "wire"}); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest, got %v", err)
	}
}

func TestListenersSeeCommittedTransition(t *testing.T) {
	svc, _, _, _ := newTestService(t, 5)
	var seen []Status
	svc.OnTransition(func(_ context.Context, o *Order, from Status) {
		seen = append(seen, from, o.Status)
	})
	o := createTestOrder(t, svc, 1)
	mustTransition(t, svc, TransitionCommand{OrderID: o.ID, To: StatusAccepted, Actor: Actor{RoleStore, testStore}})
	if len(seen) != 2 || seen[0] != StatusCreated || seen[1] != StatusAccepted {
		t.Fatalf("unexpected listener calls %v", seen)
	}
}

func TestStatusChangeEventTargetsPreviousDriver(t *testing.T) {
	svc, _, _, pub := newTestService(t, 5)
	o := createTestOrder(t, svc, 1)
	admin := Actor{RoleAdmin, 99}
	for _, to := range []Status{StatusAccepted, StatusPreparing, StatusReady} {
		mustTransition(t, svc, TransitionCommand{OrderID: o.ID, To: to, Actor: admin})
	}
	mustTransition(t, svc, TransitionCommand{OrderID: o.ID, To: StatusAssigned, Actor: admin, DriverID: testDriver.Ptr(), Override: true})
	mustTransition(t, svc, TransitionCommand{OrderID: o.ID, To: StatusCancelled, Actor: admin})

	pub.mu.Lock()
	last := pub.evs[len(pub.evs)-1]
	pub.mu.Unlock()
	if last.DriverID != nil || types.Deref(last.PreviousDriverID) != testDriver {
		t.Fatalf("cancel event should name the unassigned driver: %+v", last)
	}
}

func TestMemoryStoreRejectsStaleVersion(t *testing.T) {
	ctx := context.Background()
	svc, store, _, _ := newTestService(t, 5)
	o := createTestOrder(t, svc, 1)

	_, err := store.Transition(ctx, StoreTransition{
		OrderID: o.ID,
		From:    StatusCreated,
		To:      StatusAccepted,
		Version: 3,
		Event:   &Event{Type: EventStatusChanged, FromStatus: StatusCreated, ToStatus: StatusAccepted, ActorType: RoleSystem},
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestAuditTimeline(t *testing.T) {
	ctx := context.Background()
	svc, _, _, _ := newTestService(t, 10)
	o := createTestOrder(t, svc, 1)
	mustTransition(t, svc, TransitionCommand{OrderID: o.ID, To: StatusAccepted, Actor: Actor{RoleStore, testStore}})

	a, err := svc.AuditTimeline(ctx, o.ID)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if !a.Consistent() || a.Replayed != StatusAccepted || a.Rows != 2 {
		t.Fatalf("unexpected audit %+v", a)
	}
	if _, err := svc.AuditTimeline(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
