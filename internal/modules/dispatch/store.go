// README: Offer store backed by PostgreSQL; acceptance and sibling invalidation run in the caller's transaction.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tomo/internal/infra"
	"tomo/internal/types"
)

type OfferStore interface {
	CreateBatch(ctx context.Context, offers []Offer) error
	Get(ctx context.Context, id uuid.UUID) (*Offer, error)
	ListPendingByDriver(ctx context.Context, driverID types.ID, now time.Time) ([]Offer, error)
	ListByOrder(ctx context.Context, orderID types.ID) ([]Offer, error)
	// AcceptTx resolves the offer and supersedes its pending siblings.
	AcceptTx(ctx context.Context, q infra.DBTX, id uuid.UUID, driverID types.ID, now time.Time) error
	Reject(ctx context.Context, id uuid.UUID, driverID types.ID, now time.Time) error
	MarkExpired(ctx context.Context, id uuid.UUID) error
	RejectPendingTx(ctx context.Context, q infra.DBTX, orderID types.ID, reason string) (int, error)
}

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const offerColumns = `id, batch_id, order_id, driver_id, state, reason, created_at, expires_at, resolved_at`

func (s *Store) CreateBatch(ctx context.Context, offers []Offer) error {
	return infra.InTx(ctx, s.db, func(tx pgx.Tx) error {
		for _, o := range offers {
			if _, err := tx.Exec(ctx, `
				INSERT INTO dispatch_offers (id, batch_id, order_id, driver_id, state, reason, created_at, expires_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				o.ID, o.BatchID, o.OrderID, o.DriverID, o.State, o.Reason, o.CreatedAt, o.ExpiresAt,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Offer, error) {
	return getOffer(ctx, s.db, id)
}

func (s *Store) ListPendingByDriver(ctx context.Context, driverID types.ID, now time.Time) ([]Offer, error) {
	return s.list(ctx, `SELECT `+offerColumns+` FROM dispatch_offers
		WHERE driver_id = $1 AND state = 'PENDING' AND expires_at >= $2
		ORDER BY created_at`, driverID, now)
}

func (s *Store) ListByOrder(ctx context.Context, orderID types.ID) ([]Offer, error) {
	return s.list(ctx, `SELECT `+offerColumns+` FROM dispatch_offers
		WHERE order_id = $1
		ORDER BY created_at`, orderID)
}

func (s *Store) AcceptTx(ctx context.Context, q infra.DBTX, id uuid.UUID, driverID types.ID, now time.Time) error {
	var orderID types.ID
	err := q.QueryRow(ctx, `
		UPDATE dispatch_offers
		SET state = 'ACCEPTED', resolved_at = $3
		WHERE id = $1 AND driver_id = $2 AND state = 'PENDING' AND expires_at >= $3
		RETURNING order_id`,
		id, driverID, now,
	).Scan(&orderID)
	if errors.Is(err, pgx.ErrNoRows) {
		return classifyUnresolvable(ctx, q, id, driverID, now)
	}
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, `
		UPDATE dispatch_offers
		SET state = 'REJECTED', reason = $3, resolved_at = $4
		WHERE order_id = $1 AND id <> $2 AND state = 'PENDING'`,
		orderID, id, ReasonSuperseded, now,
	)
	return err
}

func (s *Store) Reject(ctx context.Context, id uuid.UUID, driverID types.ID, now time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE dispatch_offers
		SET state = 'REJECTED', reason = $3, resolved_at = $4
		WHERE id = $1 AND driver_id = $2 AND state = 'PENDING' AND expires_at >= $4`,
		id, driverID, ReasonDriver, now,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return classifyUnresolvable(ctx, s.db, id, driverID, now)
}

func (s *Store) MarkExpired(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec(ctx, `
		UPDATE dispatch_offers
		SET state = 'EXPIRED', resolved_at = expires_at
		WHERE id = $1 AND state = 'PENDING' AND expires_at < NOW()`, id)
	return err
}

func (s *Store) RejectPendingTx(ctx context.Context, q infra.DBTX, orderID types.ID, reason string) (int, error) {
	tag, err := q.Exec(ctx, `
		UPDATE dispatch_offers
		SET state = 'REJECTED', reason = $2, resolved_at = NOW()
		WHERE order_id = $1 AND state = 'PENDING'`,
		orderID, reason,
	)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) list(ctx context.Context, sql string, args ...any) ([]Offer, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// classifyUnresolvable explains why a conditional resolve matched nothing.
func classifyUnresolvable(ctx context.Context, q infra.DBTX, id uuid.UUID, driverID types.ID, now time.Time) error {
	o, err := getOffer(ctx, q, id)
	if err != nil {
		return err
	}
	if o.DriverID != driverID {
		return ErrOfferNotFound
	}
	if o.EffectiveState(now) == OfferExpired {
		return ErrExpired
	}
	return ErrAlreadyResolved
}

func getOffer(ctx context.Context, q infra.DBTX, id uuid.UUID) (*Offer, error) {
	o, err := scanOffer(q.QueryRow(ctx, `SELECT `+offerColumns+` FROM dispatch_offers WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOfferNotFound
	}
	return o, err
}

func scanOffer(row pgx.Row) (*Offer, error) {
	var o Offer
	if err := row.Scan(&o.ID, &o.BatchID, &o.OrderID, &o.DriverID, &o.State, &o.Reason, &o.CreatedAt, &o.ExpiresAt, &o.ResolvedAt); err != nil {
		return nil, err
	}
	return &o, nil
}
