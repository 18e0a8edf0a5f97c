package inventory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tomo/internal/infra"
	"tomo/internal/types"
)

const (
	testStore   types.ID = 10
	testProduct types.ID = 500
)

func TestReserveInsufficientStock(t *testing.T) {
	ctx := context.Background()
	ledger, _ := setupTestLedger(t)
	seed(t, ledger, testProduct, 2, true)

	err := ledger.Reserve(ctx, testStore, testProduct, 3)
	var re *ReservationError
	if !errors.As(err, &re) || !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if re.Requested != 3 || re.Available != 2 {
		t.Fatalf("unexpected detail %+v", re)
	}

	rec, err := ledger.Get(ctx, testStore, testProduct)
	if err != nil || rec.Quantity != 2 {
		t.Fatalf("failed reserve changed stock: %+v %v", rec, err)
	}
}

func TestReserveReasons(t *testing.T) {
	ctx := context.Background()
	ledger, _ := setupTestLedger(t)
	seed(t, ledger, testProduct, 5, false)

	cases := []struct {
		name    string
		product types.ID
		qty     int
		want    error
	}{
		{"unavailable", testProduct, 1, ErrUnavailable},
		{"missing row", testProduct + 1, 1, ErrNotFound},
		{"zero quantity", testProduct, 0, ErrInvalidQuantity},
		{"negative quantity", testProduct, -2, ErrInvalidQuantity},
	}
	for _, tc := range cases {
		err := ledger.Reserve(ctx, testStore, tc.product, tc.qty)
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestConcurrentReserveNeverOversells(t *testing.T) {
	ctx := context.Background()
	ledger, _ := setupTestLedger(t)
	seed(t, ledger, testProduct, 7, true)

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- ledger.Reserve(ctx, testStore, testProduct, 1)
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		if !errors.Is(err, ErrInsufficientStock) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 7 {
		t.Fatalf("expected 7 reservations, got %d", ok)
	}
	rec, _ := ledger.Get(ctx, testStore, testProduct)
	if rec.Quantity != 0 {
		t.Fatalf("expected 0 left, got %d", rec.Quantity)
	}
}

func TestReserveOrderIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	ledger, db := setupTestLedger(t)
	seed(t, ledger, testProduct, 5, true)
	seed(t, ledger, testProduct+1, 1, true)
	orderID := insertOrder(t, db)

	lines := []Line{
		{ProductID: testProduct + 1, Quantity: 2},
		{ProductID: testProduct, Quantity: 3},
	}
	err := infra.InTx(ctx, db, func(tx pgx.Tx) error {
		return ledger.ReserveOrderTx(ctx, tx, orderID, testStore, lines)
	})
	var re *ReservationError
	if !errors.As(err, &re) || re.ProductID != testProduct+1 {
		t.Fatalf("expected failure on product %d, got %v", testProduct+1, err)
	}

	rec, _ := ledger.Get(ctx, testStore, testProduct)
	if rec.Quantity != 5 {
		t.Fatalf("partial reserve leaked: %d", rec.Quantity)
	}
	res, err := ledger.Reservations(ctx, orderID)
	if err != nil || len(res) != 0 {
		t.Fatalf("expected no reservations, got %d %v", len(res), err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	ledger, db := setupTestLedger(t)
	seed(t, ledger, testProduct, 5, true)
	seed(t, ledger, testProduct+1, 5, true)
	orderID := insertOrder(t, db)

	lines := []Line{{ProductID: testProduct, Quantity: 2}, {ProductID: testProduct + 1, Quantity: 4}}
	if err := infra.InTx(ctx, db, func(tx pgx.Tx) error {
		return ledger.ReserveOrderTx(ctx, tx, orderID, testStore, lines)
	}); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	var wg sync.WaitGroup
	counts := make(chan int, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := ledger.Release(ctx, orderID)
			if err != nil {
				t.Errorf("release: %v", err)
			}
			counts <- n
		}()
	}
	wg.Wait()
	close(counts)

	total := 0
	for n := range counts {
		total += n
	}
	if total != 2 {
		t.Fatalf("expected 2 lines released in total, got %d", total)
	}
	for _, p := range []types.ID{testProduct, testProduct + 1} {
		rec, _ := ledger.Get(ctx, testStore, p)
		if rec.Quantity != 5 {
			t.Fatalf("product %d: expected 5, got %d", p, rec.Quantity)
		}
	}
	res, _ := ledger.Reservations(ctx, orderID)
	for _, r := range res {
		if r.ReleasedAt == nil {
			t.Fatalf("reservation for product %d not marked released", r.ProductID)
		}
	}
}

func TestCheckAndSet(t *testing.T) {
	ctx := context.Background()
	ledger, _ := setupTestLedger(t)

	if ok, err := ledger.Check(ctx, testStore, testProduct, 1); err != nil || ok {
		t.Fatalf("missing row should not be available: %v %v", ok, err)
	}
	seed(t, ledger, testProduct, 3, true)
	if ok, _ := ledger.Check(ctx, testStore, testProduct, 3); !ok {
		t.Fatal("expected 3 available")
	}
	if ok, _ := ledger.Check(ctx, testStore, testProduct, 4); ok {
		t.Fatal("4 should not be available")
	}
	if err := ledger.Set(ctx, Record{StoreID: testStore, ProductID: testProduct, Quantity: -1}); !errors.Is(err, ErrInvalidQuantity) {
		t.Fatalf("expected ErrInvalidQuantity, got %v", err)
	}
	if _, err := ledger.Get(ctx, testStore, testProduct+9); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func seed(t *testing.T, l *Ledger, product types.ID, qty int, available bool) {
	t.Helper()
	if err := l.Set(context.Background(), Record{StoreID: testStore, ProductID: product, Quantity: qty, Available: available}); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

var orderSeq int

func insertOrder(t *testing.T, db *pgxpool.Pool) types.ID {
	t.Helper()
	orderSeq++
	var id types.ID
	err := db.QueryRow(context.Background(), `
		INSERT INTO orders (public_code, user_id, store_id, total_amount)
		VALUES ($1, 1, $2, 0)
		RETURNING id`, fmt.Sprintf("TM-LEDGER%d", orderSeq), testStore).Scan(&id)
	if err != nil {
		t.Fatalf("insert order: %v", err)
	}
	return id
}

func setupTestLedger(t *testing.T) (*Ledger, *pgxpool.Pool) {
	t.Helper()

	dsn := os.Getenv("TOMO_TEST_DSN")
	if dsn == "" {
		t.Skip("TOMO_TEST_DSN not set; skipping DB-backed ledger tests")
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
	return NewLedger(db), db
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
