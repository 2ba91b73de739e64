// Package store keeps the committed detection events of a session.
//
// Events are treated as immutable values: writers replace an event wholesale under the
// write lock and readers only ever receive copies, so a reader can never observe a
// half-applied evidence update.
package store

import (
	"errors"
	"sync"

	"road-service/internal/models"
)

// ErrEventNotFound is returned when no event has the requested id.
var ErrEventNotFound = errors.New("event not found")

// Store is an append-mostly, id-indexed event list safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	events []models.DetectionEvent
	index  map[string]int
}

// New creates an empty Store.
func New() *Store {
	return &Store{index: make(map[string]int)}
}

// Add appends ev. It reports false, leaving the store unchanged, when an event with the
// same id already exists, which makes replays idempotent.
func (s *Store) Add(ev models.DetectionEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[ev.ID]; ok {
		return false
	}
	s.index[ev.ID] = len(s.events)
	s.events = append(s.events, ev.Clone())
	return true
}

// Get returns a copy of the event with the given id.
func (s *Store) Get(id string) (models.DetectionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.index[id]
	if !ok {
		return models.DetectionEvent{}, ErrEventNotFound
	}
	return s.events[i].Clone(), nil
}

// Update replaces the event with fn's result. fn receives a private copy and runs under
// the write lock; it must not call back into the Store. The id cannot be changed.
func (s *Store) Update(id string, fn func(models.DetectionEvent) models.DetectionEvent) (models.DetectionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[id]
	if !ok {
		return models.DetectionEvent{}, ErrEventNotFound
	}
	next := fn(s.events[i].Clone())
	next.ID = id
	s.events[i] = next.Clone()
	return next, nil
}

// Snapshot returns a point-in-time copy of all events in insertion order.
func (s *Store) Snapshot() []models.DetectionEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.DetectionEvent, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Clone()
	}
	return out
}

// Len returns the number of stored events.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// Reset drops all events.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
	s.index = make(map[string]int)
}
