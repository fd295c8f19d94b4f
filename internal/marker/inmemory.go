package marker

import (
	"context"
	"sync"
)

type InMemoryStore struct {
	mu      sync.Mutex
	markers map[int64]Marker
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{markers: make(map[int64]Marker)}
}

func (s *InMemoryStore) Claim(_ context.Context, itemID int64) error {
	if err := validateItemID(itemID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markers[itemID]; ok {
		return ErrExists
	}
	s.markers[itemID] = Marker{State: StateClaimed}
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, itemID int64) (Marker, bool, error) {
	if err := validateItemID(itemID); err != nil {
		return Marker{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markers[itemID]
	return m, ok, nil
}

func (s *InMemoryStore) Put(_ context.Context, itemID int64, m Marker) error {
	if err := validateItemID(itemID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers[itemID] = m
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, itemID int64) error {
	if err := validateItemID(itemID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.markers, itemID)
	return nil
}
