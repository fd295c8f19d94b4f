package transient

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

type inMemoryEntry struct {
	value     string
	expiresAt time.Time
}

type InMemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]inMemoryEntry
}

func NewInMemoryStore() *InMemoryStore {
	return NewInMemoryStoreWithClock(nil)
}

// NewInMemoryStoreWithClock lets tests drive expiry with a simulated clock.
func NewInMemoryStoreWithClock(now func() time.Time) *InMemoryStore {
	if now == nil {
		now = time.Now
	}
	return &InMemoryStore{
		now:     now,
		entries: make(map[string]inMemoryEntry),
	}
}

func (s *InMemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("key is required")
	}
	if ttl <= 0 {
		return errors.New("ttl must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = inMemoryEntry{
		value:     value,
		expiresAt: s.now().UTC().Add(ttl),
	}
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", false, errors.New("key is required")
	}

	now := s.now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return "", false, nil
	}
	if !now.Before(entry.expiresAt) {
		delete(s.entries, key)
		return "", false, nil
	}
	return entry.value, true, nil
}

func (s *InMemoryStore) Delete(_ context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *InMemoryStore) DeleteIfValue(_ context.Context, key, value string) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, errors.New("key is required")
	}

	now := s.now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok || !now.Before(entry.expiresAt) || entry.value != value {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}
