// README: Concurrency tests for order transitions and checkout against PostgreSQL (run with -race).
package order

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"tomo/internal/infra"
	"tomo/internal/modules/inventory"
	"tomo/internal/types"
)

func TestConcurrentAcceptVsCancel(t *testing.T) {
	ctx := context.Background()
	store, db := setupTestStore(t)
	ledger := inventory.NewLedger(db)
	seedStock(t, ledger, 10)
	svc := NewService(store, ledger, nil, nil)

	o := createTestOrder(t, svc, 1)

	var wg sync.WaitGroup
	errs := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := svc.Transition(ctx, TransitionCommand{OrderID: o.ID, To: StatusAccepted, Actor: Actor{RoleStore, testStore}})
		errs <- err
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := svc.Transition(ctx, TransitionCommand{OrderID: o.ID, To: StatusCancelled, Actor: Actor{RoleCustomer, testUser}})
		errs <- err
	}()

	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		if !isRaceLoss(err) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly 1 success, got %d", success)
	}

	got, err := svc.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Status != StatusAccepted && got.Status != StatusCancelled {
		t.Fatalf("unexpected final status: %s", got.Status)
	}
	if got.StatusVersion != 1 {
		t.Fatalf("expected version 1, got %d", got.StatusVersion)
	}
}

func TestConcurrentSameTransition(t *testing.T) {
	ctx := context.Background()
	store, db := setupTestStore(t)
	ledger := inventory.NewLedger(db)
	seedStock(t, ledger, 10)
	svc := NewService(store, ledger, nil, nil)

	o := createTestOrder(t, svc, 1)

	const attempts = 8
	var wg sync.WaitGroup
	errs := make(chan error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Transition(ctx, TransitionCommand{OrderID: o.ID, To: StatusAccepted, Actor: Actor{RoleStore, testStore}})
			errs <- err
		}()
	}

	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		if !isRaceLoss(err) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly 1 success, got %d", success)
	}

	evs, err := svc.Timeline(ctx, o.ID)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("expected 2 activity rows, got %d", len(evs))
	}
	if got, err := ReplayStatus(evs); err != nil || got != StatusAccepted {
		t.Fatalf("replay mismatch %s %v", got, err)
	}
}

func TestConcurrentCheckoutNeverOversells(t *testing.T) {
	ctx := context.Background()
	store, db := setupTestStore(t)
	ledger := inventory.NewLedger(db)
	seedStock(t, ledger, 5)
	svc := NewService(store, ledger, nil, nil)

	const buyers = 12
	var wg sync.WaitGroup
	errs := make(chan error, buyers)

	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(user types.ID) {
			defer wg.Done()
			_, err := svc.Create(ctx, CreateCommand{
				UserID:  user,
				StoreID: testStore,
				Items:   []ItemInput{{ProductID: testProduct, Quantity: 1, UnitPrice: decimal.NewFromInt(3)}},
			})
			errs <- err
		}(types.ID(100 + i))
	}

	wg.Wait()
	close(errs)

	created := 0
	for err := range errs {
		if err == nil {
			created++
			continue
		}
		if !errors.Is(err, inventory.ErrInsufficientStock) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if created != 5 {
		t.Fatalf("expected 5 orders, got %d", created)
	}

	rec, err := ledger.Get(ctx, testStore, testProduct)
	if err != nil {
		t.Fatalf("get stock: %v", err)
	}
	if rec.Quantity != 0 {
		t.Fatalf("expected stock 0, got %d", rec.Quantity)
	}
}

func TestCancelReleasesReservations(t *testing.T) {
	ctx := context.Background()
	store, db := setupTestStore(t)
	ledger := inventory.NewLedger(db)
	seedStock(t, ledger, 4)
	svc := NewService(store, ledger, nil, nil)

	o := createTestOrder(t, svc, 3)
	if rec, _ := ledger.Get(ctx, testStore, testProduct); rec.Quantity != 1 {
		t.Fatalf("expected 1 left after checkout, got %d", rec.Quantity)
	}

	mustTransition(t, svc, TransitionCommand{OrderID: o.ID, To: StatusCancelled, Actor: Actor{RoleCustomer, testUser}})

	rec, err := ledger.Get(ctx, testStore, testProduct)
	if err != nil {
		t.Fatalf("get stock: %v", err)
	}
	if rec.Quantity != 4 {
		t.Fatalf("expected stock restored to 4, got %d", rec.Quantity)
	}
	n, err := ledger.Release(ctx, o.ID)
	if err != nil || n != 0 {
		t.Fatalf("second release should be a no-op, got %d %v", n, err)
	}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, db := setupTestStore(t)
	ledger := inventory.NewLedger(db)
	seedStock(t, ledger, 4)
	svc := NewService(store, ledger, nil, nil)

	o := createTestOrder(t, svc, 2)
	got, err := svc.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.PublicCode != o.PublicCode || got.TotalAmount.String() != "11.00" || len(got.Items) != 1 {
		t.Fatalf("unexpected round trip %+v", got)
	}
	if got.Items[0].Quantity != 2 || got.Items[0].UnitPrice.String() != "4.50" {
		t.Fatalf("unexpected item %+v", got.Items[0])
	}

	if _, err := svc.Get(ctx, o.ID+1000); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if _, applied, err := svc.ConfirmPayment(ctx, PaymentCommand{OrderID: o.ID, Source: PaymentCash}); err != nil || !applied {
		t.Fatalf("confirm: %v %v", applied, err)
	}
	if _, applied, _ := svc.ConfirmPayment(ctx, PaymentCommand{OrderID: o.ID, Source: PaymentCash}); applied {
		t.Fatal("payment applied twice")
	}
	got, _ = svc.Get(ctx, o.ID)
	if got.PaymentReceivedAt == nil || got.PaidAt != nil {
		t.Fatalf("cash payment should set payment_received_at only: %+v", got)
	}
}

func isRaceLoss(err error) bool {
	var te *TransitionError
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrForbidden) || errors.As(err, &te)
}

func seedStock(t *testing.T, ledger *inventory.Ledger, qty int) {
	t.Helper()
	err := ledger.Set(context.Background(), inventory.Record{
		StoreID:   testStore,
		ProductID: testProduct,
		Quantity:  qty,
		Available: true,
	})
	if err != nil {
		t.Fatalf("seed stock: %v", err)
	}
}

func setupTestStore(t *testing.T) (*Store, *pgxpool.Pool) {
	t.Helper()

	dsn := os.Getenv("TOMO_TEST_DSN")
	if dsn == "" {
		t.Skip("TOMO_TEST_DSN not set; skipping DB-backed race tests")
	}

	ctx := context.Background()
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	root, err := repoRoot()
	if err != nil {
		t.Fatalf("repo root: %v", err)
	}
	if err := infra.ApplyMigrationFile(ctx, db, filepath.Join(root, "migrations", "0001_init.sql")); err != nil {
		t.Fatalf("apply migration: %v", err)
	}

	if _, err := db.Exec(ctx, `TRUNCATE TABLE dispatch_offers, inventory_reservations, store_inventory,
		order_events, order_items, orders RESTART IDENTITY`); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}

	return NewStore(db), db
}

func repoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for i := 0; i < 6; i++ {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", os.ErrNotExist
}
