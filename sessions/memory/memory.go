// Package memory provides an in-process implementation of
// sessions.ContextStore. History lives exactly as long as the process.
package memory

import (
	"context"
	"sync"

	"github.com/ggoodman/mqtt-gateway-go/sessions"
	"github.com/google/uuid"
)

// Store implements sessions.ContextStore with a single mutex-guarded map.
type Store struct {
	mu       sync.RWMutex
	contexts map[uuid.UUID][]sessions.HistoryEntry
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		contexts: make(map[uuid.UUID][]sessions.HistoryEntry),
	}
}

// Create implements sessions.ContextStore.Create
func (s *Store) Create(ctx context.Context, sessionID uuid.UUID, seed string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.contexts[sessionID]; exists {
		return false, nil
	}
	s.contexts[sessionID] = []sessions.HistoryEntry{{Payload: seed}}
	return true, nil
}

// Append implements sessions.ContextStore.Append
func (s *Store) Append(ctx context.Context, sessionID uuid.UUID, payload, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	history, exists := s.contexts[sessionID]
	if !exists {
		return nil
	}
	s.contexts[sessionID] = append(history, sessions.HistoryEntry{Payload: payload, Channel: channel})
	return nil
}

// Get implements sessions.ContextStore.Get
func (s *Store) Get(ctx context.Context, sessionID uuid.UUID) (*sessions.Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history, exists := s.contexts[sessionID]
	if !exists {
		return nil, nil
	}
	// Copy so later appends never show through a snapshot.
	snapshot := make([]sessions.HistoryEntry, len(history))
	copy(snapshot, history)
	return &sessions.Context{SessionID: sessionID, History: snapshot}, nil
}

// Remove implements sessions.ContextStore.Remove
func (s *Store) Remove(ctx context.Context, sessionID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.contexts[sessionID]; !exists {
		return false, nil
	}
	delete(s.contexts, sessionID)
	return true, nil
}

// Len returns the number of live contexts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.contexts)
}

// Compile-time interface check
var _ sessions.ContextStore = (*Store)(nil)
