// README: Presence service handles driver heartbeats and answers "who is online".
package location

import (
	"context"
	"errors"
	"time"

	"tomo/internal/types"
)

var (
	ErrUnknownDriver = errors.New("driver has no presence")
	ErrBadPosition   = errors.New("invalid position")
)

type Service struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

func NewService(store Store, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Service{store: store, ttl: ttl, now: time.Now}
}

type Update struct {
	DriverID types.ID
	Position types.Point
	Online   bool
}

// Update records a heartbeat. Going offline removes the driver from
// candidate lists immediately.
func (s *Service) Update(ctx context.Context, u Update) error {
	if u.DriverID == 0 {
		return ErrUnknownDriver
	}
	if !u.Online {
		return s.store.Remove(ctx, u.DriverID)
	}
	if !u.Position.Valid() {
		return ErrBadPosition
	}
	return s.store.Put(ctx, Presence{
		DriverID: u.DriverID,
		Position: u.Position,
		Online:   true,
		SeenAt:   s.now(),
	})
}

// OnlineDrivers lists drivers whose heartbeat is within the TTL, freshest first.
func (s *Service) OnlineDrivers(ctx context.Context) ([]types.ID, error) {
	return s.store.SeenSince(ctx, s.now().Add(-s.ttl))
}

func (s *Service) Get(ctx context.Context, driverID types.ID) (*Presence, error) {
	p, err := s.store.Get(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if p.SeenAt.Before(s.now().Add(-s.ttl)) {
		p.Online = false
	}
	return p, nil
}
