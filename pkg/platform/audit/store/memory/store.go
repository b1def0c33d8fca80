// Package memory holds audit events in process memory. Dev and test only.
package memory

import (
	"context"
	"sync"

	audit "gatekeeper/pkg/platform/audit"
)

type Store struct {
	mu     sync.RWMutex
	events []audit.Event
}

func New() *Store {
	return &Store{}
}

func (s *Store) Append(_ context.Context, event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// List returns all recorded events in emission order.
func (s *Store) List() []audit.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]audit.Event{}, s.events...)
}

// ListByUser returns the events concerning one user.
func (s *Store) ListByUser(userID string) []audit.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.Event
	for _, event := range s.events {
		if event.UserID == userID {
			out = append(out, event)
		}
	}
	return out
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
}
