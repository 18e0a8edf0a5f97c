// README: Order store backed by PostgreSQL; every status write goes through Transition.
package order

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"tomo/internal/infra"
	"tomo/internal/types"
)

// TxHook runs inside the transition transaction after the status update.
// Returning an error rolls back the whole unit.
type TxHook func(ctx context.Context, q infra.DBTX) error

// ReserveHook runs inside the checkout transaction once the order row exists.
type ReserveHook func(ctx context.Context, q infra.DBTX, orderID types.ID) error

type StoreTransition struct {
	OrderID     types.ID
	From        Status
	To          Status
	Version     int
	DriverID    *types.ID
	ClearDriver bool
	Event       *Event
	InTx        TxHook
}

type PaymentSource string

const (
	PaymentGateway PaymentSource = "gateway"
	PaymentCash    PaymentSource = "cash"
	PaymentManual  PaymentSource = "manual"
)

func (p PaymentSource) Valid() bool {
	return p == PaymentGateway || p == PaymentCash || p == PaymentManual
}

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const orderColumns = `id, public_code, user_id, store_id, driver_id, status, status_version,
	total_amount::text, delivery_fee::text, delivery_address, payment_method,
	created_at, updated_at, paid_at, payment_received_at, sla_start_at,
	accepted_at, assigned_at, picked_up_at, delivered_at, cancelled_at`

func (s *Store) Create(ctx context.Context, o *Order, ev *Event, reserve ReserveHook) error {
	return infra.InTx(ctx, s.db, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO orders (
				public_code, user_id, store_id, status, status_version,
				total_amount, delivery_fee, delivery_address, payment_method
			) VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $8)
			RETURNING id, created_at, updated_at`,
			o.PublicCode,
			o.UserID,
			o.StoreID,
			o.Status,
			o.TotalAmount.Amount.String(),
			o.DeliveryFee.Amount.String(),
			o.DeliveryAddress,
			o.PaymentMethod,
		).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
		if err != nil {
			return err
		}
		for i, it := range o.Items {
			if _, err := tx.Exec(ctx, `
				INSERT INTO order_items (order_id, line_no, product_id, quantity, unit_price)
				VALUES ($1, $2, $3, $4, $5)`,
				o.ID, i+1, it.ProductID, it.Quantity, it.UnitPrice.Amount.String(),
			); err != nil {
				return err
			}
		}
		if reserve != nil {
			if err := reserve(ctx, tx, o.ID); err != nil {
				return err
			}
		}
		ev.OrderID = o.ID
		ev.CreatedAt = o.CreatedAt
		return insertEvent(ctx, tx, ev)
	})
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Order, error) {
	o, err := scanOrder(s.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, `
		SELECT product_id, quantity, unit_price::text
		FROM order_items
		WHERE order_id = $1
		ORDER BY line_no`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var it Item
		var price string
		if err := rows.Scan(&it.ProductID, &it.Quantity, &price); err != nil {
			return nil, err
		}
		if it.UnitPrice, err = types.ParseMoney(price); err != nil {
			return nil, err
		}
		o.Items = append(o.Items, it)
	}
	return o, rows.Err()
}

// Transition applies a compare-and-set on (status, status_version), appends
// the activity row and runs the hook, all in one transaction. A lost race
// returns ErrConflict.
func (s *Store) Transition(ctx context.Context, t StoreTransition) (*Order, error) {
	var out *Order
	err := infra.InTx(ctx, s.db, func(tx pgx.Tx) error {
		o, err := scanOrder(tx.QueryRow(ctx, `
			UPDATE orders
			SET status = $1,
			    status_version = status_version + 1,
			    driver_id = CASE WHEN $2 THEN NULL ELSE COALESCE($3, driver_id) END,
			    accepted_at = CASE WHEN $1 = 'ACCEPTED' THEN NOW() ELSE accepted_at END,
			    assigned_at = CASE WHEN $1 = 'ASSIGNED' THEN NOW() ELSE assigned_at END,
			    picked_up_at = CASE WHEN $1 = 'PICKED_UP' THEN NOW() ELSE picked_up_at END,
			    delivered_at = CASE WHEN $1 = 'DELIVERED' THEN NOW() ELSE delivered_at END,
			    cancelled_at = CASE WHEN $1 = 'CANCELLED' THEN NOW() ELSE cancelled_at END,
			    updated_at = NOW()
			WHERE id = $4 AND status = $5 AND status_version = $6
			RETURNING `+orderColumns,
			t.To, t.ClearDriver, t.DriverID, t.OrderID, t.From, t.Version,
		))
		if errors.Is(err, ErrNotFound) {
			return ErrConflict
		}
		if err != nil {
			return err
		}
		t.Event.OrderID = o.ID
		t.Event.CreatedAt = o.UpdatedAt
		if err := insertEvent(ctx, tx, t.Event); err != nil {
			return err
		}
		if t.InTx != nil {
			if err := t.InTx(ctx, tx); err != nil {
				return err
			}
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ConfirmPayment stamps paid_at (gateway) or payment_received_at (cash,
// manual) once. applied is false when either was already set.
func (s *Store) ConfirmPayment(ctx context.Context, id types.ID, src PaymentSource, at time.Time, ev *Event) (*Order, bool, error) {
	var out *Order
	applied := false
	err := infra.InTx(ctx, s.db, func(tx pgx.Tx) error {
		o, err := scanOrder(tx.QueryRow(ctx, `
			UPDATE orders
			SET paid_at = CASE WHEN $2 = 'gateway' THEN $3::timestamptz ELSE paid_at END,
			    payment_received_at = CASE WHEN $2 <> 'gateway' THEN $3::timestamptz ELSE payment_received_at END,
			    updated_at = NOW()
			WHERE id = $1 AND paid_at IS NULL AND payment_received_at IS NULL
			RETURNING `+orderColumns,
			id, string(src), at,
		))
		if errors.Is(err, ErrNotFound) {
			out, err = scanOrder(tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
			return err
		}
		if err != nil {
			return err
		}
		ev.OrderID = o.ID
		ev.FromStatus = o.Status
		ev.ToStatus = o.Status
		ev.CreatedAt = o.UpdatedAt
		if err := insertEvent(ctx, tx, ev); err != nil {
			return err
		}
		out, applied = o, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, applied, nil
}

func (s *Store) Timeline(ctx context.Context, id types.ID) ([]Event, error) {
	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, order_id, event_type, from_status, to_status, actor_type, actor_id, note, created_at
		FROM order_events
		WHERE order_id = $1
		ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.OrderID, &e.Type, &e.FromStatus, &e.ToStatus, &e.ActorType, &e.ActorID, &e.Note, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) ListByDriver(ctx context.Context, driverID types.ID, statuses []Status) ([]Order, error) {
	return s.list(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE driver_id = $1 AND status = ANY($2)
		ORDER BY updated_at DESC`, driverID, statusStrings(statuses))
}

func (s *Store) ListByStore(ctx context.Context, storeID types.ID, statuses []Status) ([]Order, error) {
	return s.list(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE store_id = $1 AND status = ANY($2)
		ORDER BY created_at`, storeID, statusStrings(statuses))
}

func (s *Store) ListActive(ctx context.Context) ([]Order, error) {
	return s.list(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE status NOT IN ('DELIVERED', 'CANCELLED')
		ORDER BY created_at`)
}

// BusyDrivers returns drivers currently holding an ASSIGNED or PICKED_UP order.
func (s *Store) BusyDrivers(ctx context.Context) (map[types.ID]bool, error) {
	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT driver_id FROM orders
		WHERE driver_id IS NOT NULL AND status IN ('ASSIGNED', 'PICKED_UP')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[types.ID]bool{}
	for rows.Next() {
		var id types.ID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

func (s *Store) list(ctx context.Context, sql string, args ...any) ([]Order, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// AppendEvent writes a non-status activity row.
func (s *Store) AppendEvent(ctx context.Context, ev *Event) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	err := insertEvent(ctx, s.db, ev)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return ErrNotFound
	}
	return err
}

func insertEvent(ctx context.Context, q infra.DBTX, e *Event) error {
	return q.QueryRow(ctx, `
		INSERT INTO order_events (
			order_id, event_type, from_status, to_status, actor_type, actor_id, note, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		e.OrderID, e.Type, e.FromStatus, e.ToStatus, e.ActorType, e.ActorID, e.Note, e.CreatedAt,
	).Scan(&e.ID)
}

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	var total, fee, status string
	err := row.Scan(
		&o.ID, &o.PublicCode, &o.UserID, &o.StoreID, &o.DriverID, &status, &o.StatusVersion,
		&total, &fee, &o.DeliveryAddress, &o.PaymentMethod,
		&o.CreatedAt, &o.UpdatedAt, &o.PaidAt, &o.PaymentReceivedAt, &o.SLAStartOverride,
		&o.AcceptedAt, &o.AssignedAt, &o.PickedUpAt, &o.DeliveredAt, &o.CancelledAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	// Rows imported from the previous system may still carry old names.
	o.Status = MapLegacyStatus(status)
	if o.TotalAmount, err = types.ParseMoney(total); err != nil {
		return nil, err
	}
	if o.DeliveryFee, err = types.ParseMoney(fee); err != nil {
		return nil, err
	}
	return &o, nil
}

func statusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
