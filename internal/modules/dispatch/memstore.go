package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tomo/internal/infra"
	"tomo/internal/types"
)

// MemoryStore is an in-process OfferStore with the same resolution rules as
// Store. The DBTX argument of the Tx methods is ignored.
type MemoryStore struct {
	mu     sync.Mutex
	offers map[uuid.UUID]*Offer
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{offers: make(map[uuid.UUID]*Offer)}
}

func (m *MemoryStore) CreateBatch(_ context.Context, offers []Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range offers {
		o := offers[i]
		m.offers[o.ID] = &o
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[id]
	if !ok {
		return nil, ErrOfferNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) ListPendingByDriver(_ context.Context, driverID types.ID, now time.Time) ([]Offer, error) {
	return m.filter(func(o *Offer) bool {
		return o.DriverID == driverID && o.EffectiveState(now) == OfferPending
	}), nil
}

func (m *MemoryStore) ListByOrder(_ context.Context, orderID types.ID) ([]Offer, error) {
	return m.filter(func(o *Offer) bool { return o.OrderID == orderID }), nil
}

func (m *MemoryStore) AcceptTx(_ context.Context, _ infra.DBTX, id uuid.UUID, driverID types.ID, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[id]
	if !ok || o.DriverID != driverID {
		return ErrOfferNotFound
	}
	switch o.EffectiveState(now) {
	case OfferExpired:
		return ErrExpired
	case OfferPending:
	default:
		return ErrAlreadyResolved
	}
	o.State = OfferAccepted
	o.ResolvedAt = &now
	for _, sib := range m.offers {
		if sib.OrderID == o.OrderID && sib.ID != id && sib.State == OfferPending {
			sib.State = OfferRejected
			sib.Reason = ReasonSuperseded
			sib.ResolvedAt = &now
		}
	}
	return nil
}

func (m *MemoryStore) Reject(_ context.Context, id uuid.UUID, driverID types.ID, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[id]
	if !ok || o.DriverID != driverID {
		return ErrOfferNotFound
	}
	switch o.EffectiveState(now) {
	case OfferExpired:
		return ErrExpired
	case OfferPending:
	default:
		return ErrAlreadyResolved
	}
	o.State = OfferRejected
	o.Reason = ReasonDriver
	o.ResolvedAt = &now
	return nil
}

func (m *MemoryStore) MarkExpired(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.offers[id]; ok && o.State == OfferPending {
		o.State = OfferExpired
		at := o.ExpiresAt
		o.ResolvedAt = &at
	}
	return nil
}

func (m *MemoryStore) RejectPendingTx(_ context.Context, _ infra.DBTX, orderID types.ID, reason string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	n := 0
	for _, o := range m.offers {
		if o.OrderID == orderID && o.State == OfferPending {
			o.State = OfferRejected
			o.Reason = reason
			o.ResolvedAt = &now
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) filter(keep func(*Offer) bool) []Offer {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Offer
	for _, o := range m.offers {
		if keep(o) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].DriverID < out[j].DriverID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
