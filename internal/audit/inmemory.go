package audit

import (
	"context"
	"sync"
)

// InMemoryStore keeps audit events in process for local/dev use.
type InMemoryStore struct {
	mu     sync.RWMutex
	events map[string][]Event
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{events: make(map[string][]Event)}
}

func (s *InMemoryStore) Record(_ context.Context, ev Event) error {
	ev = normalize(ev)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.SessionID] = append(s.events[ev.SessionID], ev)
	return nil
}

func (s *InMemoryStore) ListSession(_ context.Context, sessionID string, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.events[sessionID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]Event, 0, limit)
	for i := len(arr) - limit; i < len(arr); i++ {
		out = append(out, arr[i])
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
