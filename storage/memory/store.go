// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"github.com/absmach/logmq/storage"
)

var _ storage.Store = (*Store)(nil)

// Store is the composite in-memory store.
type Store struct {
	log      *LogStore
	retained *RetainedStore
	sessions *SessionStore
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		log:      NewLogStore(),
		retained: NewRetainedStore(),
		sessions: NewSessionStore(),
	}
}

// Log returns the topic log store.
func (s *Store) Log() storage.LogStore {
	return s.log
}

// Retained returns the retained message store.
func (s *Store) Retained() storage.RetainedStore {
	return s.retained
}

// Sessions returns the session store.
func (s *Store) Sessions() storage.SessionStore {
	return s.sessions
}

// Close closes all stores (no-op for memory).
func (s *Store) Close() error {
	return nil
}
