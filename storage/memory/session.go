// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sync"

	"github.com/absmach/logmq/storage"
)

var _ storage.SessionStore = (*SessionStore)(nil)

// SessionStore is an in-memory implementation of storage.SessionStore.
type SessionStore struct {
	mu   sync.RWMutex
	data map[string]*storage.SessionState
}

// NewSessionStore creates a new in-memory session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		data: make(map[string]*storage.SessionState),
	}
}

// Get retrieves a session state by client ID.
func (s *SessionStore) Get(_ context.Context, clientID string) (*storage.SessionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.data[clientID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return storage.CopySessionState(st), nil
}

// Save persists a session state.
func (s *SessionStore) Save(_ context.Context, st *storage.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[st.ClientID] = storage.CopySessionState(st)
	return nil
}

// Delete removes a session state.
func (s *SessionStore) Delete(_ context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, clientID)
	return nil
}

// List returns all session states.
func (s *SessionStore) List(_ context.Context) ([]*storage.SessionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*storage.SessionState, 0, len(s.data))
	for _, st := range s.data {
		result = append(result, storage.CopySessionState(st))
	}
	return result, nil
}
