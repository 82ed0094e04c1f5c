package trip

import (
	"context"
	"sort"
	"sync"

	"carpool/internal/types"
)

// MemStore is an in-process Store used by tests and single-node runs without a database.
type MemStore struct {
	mu     sync.Mutex
	trips  map[types.ID]*Trip
	events map[types.ID][]Event
	nextID int64
}

func NewMemStore() *MemStore {
	return &MemStore{
		trips:  make(map[types.ID]*Trip),
		events: make(map[types.ID][]Event),
	}
}

func (s *MemStore) Create(_ context.Context, t *Trip, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.trips[t.ID]; ok {
		return ErrBadRequest
	}
	if s.activeByRiderLocked(t.RiderID) {
		return ErrActiveTrip
	}
	s.trips[t.ID] = t.Clone()
	s.appendLocked(e)
	return nil
}

func (s *MemStore) Get(_ context.Context, id types.ID) (*Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trips[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (s *MemStore) CompareAndSwap(_ context.Context, next *Trip, expectedVersion int, e *Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.trips[next.ID]
	if !ok {
		return false, ErrNotFound
	}
	if cur.Version != expectedVersion {
		return false, nil
	}
	s.trips[next.ID] = next.Clone()
	s.appendLocked(e)
	return true, nil
}

func (s *MemStore) HasActiveByRider(_ context.Context, riderID types.ID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeByRiderLocked(riderID), nil
}

func (s *MemStore) ListByStatus(_ context.Context, status Status) ([]*Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Trip
	for _, t := range s.trips {
		if t.Status == status {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

func (s *MemStore) Events(_ context.Context, id types.ID) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events[id]...), nil
}

func (s *MemStore) activeByRiderLocked(riderID types.ID) bool {
	for _, t := range s.trips {
		if t.RiderID == riderID && !t.Status.IsTerminal() {
			return true
		}
	}
	return false
}

func (s *MemStore) appendLocked(e *Event) {
	if e == nil {
		return
	}
	s.nextID++
	ev := *e
	ev.ID = s.nextID
	ev.ActorID = cloneID(e.ActorID)
	s.events[e.TripID] = append(s.events[e.TripID], ev)
}
