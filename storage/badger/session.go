// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/absmach/logmq/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.SessionStore = (*SessionStore)(nil)

const sessionPrefix = "session:"

// SessionStore implements storage.SessionStore using BadgerDB.
//
// Key format: session:{clientID}
type SessionStore struct {
	db    *badger.DB
	codec codec
}

// NewSessionStore creates a new BadgerDB session store.
func NewSessionStore(db *badger.DB) *SessionStore {
	return &SessionStore{db: db, codec: codec{compression: CompressionNone}}
}

// Get retrieves a session state by client ID.
func (s *SessionStore) Get(_ context.Context, clientID string) (*storage.SessionState, error) {
	var st *storage.SessionState

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(sessionPrefix + clientID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			return err
		}

		return item.Value(func(val []byte) error {
			st = &storage.SessionState{}
			return s.codec.decode(val, st)
		})
	})
	if err != nil {
		return nil, err
	}

	return st, nil
}

// Save persists a session state.
func (s *SessionStore) Save(_ context.Context, st *storage.SessionState) error {
	data, err := s.codec.encode(st)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(sessionPrefix+st.ClientID), data)
	})
}

// Delete removes a session state.
func (s *SessionStore) Delete(_ context.Context, clientID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(sessionPrefix + clientID))
	})
}

// List returns all session states.
func (s *SessionStore) List(_ context.Context) ([]*storage.SessionState, error) {
	var result []*storage.SessionState

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(sessionPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			st := &storage.SessionState{}
			if err := it.Item().Value(func(val []byte) error {
				return s.codec.decode(val, st)
			}); err != nil {
				return err
			}
			result = append(result, st)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}
