package location

import (
	"context"
	"sort"
	"sync"
	"time"

	"tomo/internal/types"
)

// MemoryStore keeps presence in process. Used when Redis is not configured
// and in tests.
type MemoryStore struct {
	mu   sync.Mutex
	seen map[types.ID]Presence
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[types.ID]Presence)}
}

func (s *MemoryStore) Put(_ context.Context, p Presence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[p.DriverID] = p
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, driverID types.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seen, driverID)
	return nil
}

func (s *MemoryStore) SeenSince(_ context.Context, t time.Time) ([]types.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]Presence, 0, len(s.seen))
	for _, p := range s.seen {
		if !p.SeenAt.Before(t) {
			list = append(list, p)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].SeenAt.Equal(list[j].SeenAt) {
			return list[i].DriverID < list[j].DriverID
		}
		return list[i].SeenAt.After(list[j].SeenAt)
	})
	ids := make([]types.ID, len(list))
	for i, p := range list {
		ids[i] = p.DriverID
	}
	return ids, nil
}

func (s *MemoryStore) Get(_ context.Context, driverID types.ID) (*Presence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.seen[driverID]
	if !ok {
		return nil, ErrUnknownDriver
	}
	return &p, nil
}
