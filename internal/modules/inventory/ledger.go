// README: Inventory ledger backed by PostgreSQL; reserve is a single conditional decrement.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tomo/internal/infra"
	"tomo/internal/metrics"
	"tomo/internal/types"
)

var (
	ErrNotFound          = errors.New("inventory record not found")
	ErrUnavailable       = errors.New("product unavailable")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidQuantity   = errors.New("invalid quantity")
)

// ReservationError carries item-level detail for a failed reserve.
type ReservationError struct {
	StoreID   types.ID
	ProductID types.ID
	Requested int
	Available int
	Err       error
}

func (e *ReservationError) Error() string {
	return fmt.Sprintf("product %d at store %d: %v (requested %d, available %d)",
		e.ProductID, e.StoreID, e.Err, e.Requested, e.Available)
}

func (e *ReservationError) Unwrap() error { return e.Err }

type Line struct {
	ProductID types.ID
	Quantity  int
}

type Record struct {
	StoreID   types.ID
	ProductID types.ID
	Quantity  int
	Available bool
	UpdatedAt time.Time
}

type Reservation struct {
	OrderID    types.ID
	StoreID    types.ID
	ProductID  types.ID
	Quantity   int
	CreatedAt  time.Time
	ReleasedAt *time.Time
}

type Ledger struct {
	db *pgxpool.Pool
}

func NewLedger(db *pgxpool.Pool) *Ledger {
	return &Ledger{db: db}
}

// Reserve decrements one ledger row outside any order.
func (l *Ledger) Reserve(ctx context.Context, storeID, productID types.ID, qty int) error {
	return reserve(ctx, l.db, storeID, productID, qty)
}

// ReserveOrderTx reserves every line inside the caller's transaction and
// records what was taken so Release can undo it. Lines are locked in product
// order to keep concurrent checkouts from deadlocking.
func (l *Ledger) ReserveOrderTx(ctx context.Context, q infra.DBTX, orderID, storeID types.ID, lines []Line) error {
	sorted := make([]Line, len(lines))
	copy(sorted, lines)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ProductID < sorted[j].ProductID })

	for _, ln := range sorted {
		if err := reserve(ctx, q, storeID, ln.ProductID, ln.Quantity); err != nil {
			return err
		}
		if _, err := q.Exec(ctx, `
			INSERT INTO inventory_reservations (order_id, store_id, product_id, quantity)
			VALUES ($1, $2, $3, $4)`,
			orderID, storeID, ln.ProductID, ln.Quantity,
		); err != nil {
			return err
		}
	}
	return nil
}

func reserve(ctx context.Context, q infra.DBTX, storeID, productID types.ID, qty int) error {
	if qty <= 0 {
		return &ReservationError{StoreID: storeID, ProductID: productID, Requested: qty, Err: ErrInvalidQuantity}
	}
	tag, err := q.Exec(ctx, `
		UPDATE store_inventory
		SET quantity = quantity - $3, updated_at = NOW()
		WHERE store_id = $1 AND product_id = $2 AND is_available AND quantity >= $3`,
		storeID, productID, qty,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Nothing matched; read the row only to explain why.
	rerr := &ReservationError{StoreID: storeID, ProductID: productID, Requested: qty}
	var available bool
	err = q.QueryRow(ctx, `
		SELECT quantity, is_available FROM store_inventory
		WHERE store_id = $1 AND product_id = $2`,
		storeID, productID,
	).Scan(&rerr.Available, &available)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		rerr.Err = ErrNotFound
	case err != nil:
		return err
	case !available:
		rerr.Err = ErrUnavailable
	default:
		rerr.Err = ErrInsufficientStock
	}
	metrics.StockReservationFailuresTotal.WithLabelValues(reasonLabel(rerr.Err)).Inc()
	return rerr
}

// Release returns every unreleased reservation of the order to the ledger
// and reports how many lines were restored. Releasing twice is a no-op.
func (l *Ledger) Release(ctx context.Context, orderID types.ID) (int, error) {
	released := 0
	err := infra.InTx(ctx, l.db, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			UPDATE inventory_reservations
			SET released_at = NOW()
			WHERE order_id = $1 AND released_at IS NULL
			RETURNING store_id, product_id, quantity`, orderID)
		if err != nil {
			return err
		}
		var lines []Reservation
		for rows.Next() {
			var r Reservation
			if err := rows.Scan(&r.StoreID, &r.ProductID, &r.Quantity); err != nil {
				rows.Close()
				return err
			}
			lines = append(lines, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, r := range lines {
			if _, err := tx.Exec(ctx, `
				UPDATE store_inventory
				SET quantity = quantity + $3, updated_at = NOW()
				WHERE store_id = $1 AND product_id = $2`,
				r.StoreID, r.ProductID, r.Quantity,
			); err != nil {
				return err
			}
		}
		released = len(lines)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return released, nil
}

// Check reports availability without reserving anything.
func (l *Ledger) Check(ctx context.Context, storeID, productID types.ID, qty int) (bool, error) {
	var ok bool
	err := l.db.QueryRow(ctx, `
		SELECT is_available AND quantity >= $3 FROM store_inventory
		WHERE store_id = $1 AND product_id = $2`,
		storeID, productID, qty,
	).Scan(&ok)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return ok, err
}

func (l *Ledger) Get(ctx context.Context, storeID, productID types.ID) (*Record, error) {
	r := Record{StoreID: storeID, ProductID: productID}
	err := l.db.QueryRow(ctx, `
		SELECT quantity, is_available, updated_at FROM store_inventory
		WHERE store_id = $1 AND product_id = $2`,
		storeID, productID,
	).Scan(&r.Quantity, &r.Available, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Set upserts a ledger row. Used by store staff restocks and seeding.
func (l *Ledger) Set(ctx context.Context, r Record) error {
	if r.Quantity < 0 {
		return ErrInvalidQuantity
	}
	_, err := l.db.Exec(ctx, `
		INSERT INTO store_inventory (store_id, product_id, quantity, is_available, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (store_id, product_id)
		DO UPDATE SET quantity = EXCLUDED.quantity, is_available = EXCLUDED.is_available, updated_at = NOW()`,
		r.StoreID, r.ProductID, r.Quantity, r.Available,
	)
	return err
}

func (l *Ledger) Reservations(ctx context.Context, orderID types.ID) ([]Reservation, error) {
	rows, err := l.db.Query(ctx, `
		SELECT order_id, store_id, product_id, quantity, created_at, released_at
		FROM inventory_reservations
		WHERE order_id = $1
		ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Reservation
	for rows.Next() {
		var r Reservation
		if err := rows.Scan(&r.OrderID, &r.StoreID, &r.ProductID, &r.Quantity, &r.CreatedAt, &r.ReleasedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func reasonLabel(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	}
	return "invalid"
}
