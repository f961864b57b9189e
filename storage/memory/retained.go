// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sync"

	"github.com/absmach/logmq/storage"
)

var _ storage.RetainedStore = (*RetainedStore)(nil)

// RetainedStore is an in-memory implementation of storage.RetainedStore.
type RetainedStore struct {
	mu   sync.RWMutex
	data map[string]*storage.Message // topic -> message
}

// NewRetainedStore creates a new in-memory retained message store.
func NewRetainedStore() *RetainedStore {
	return &RetainedStore{
		data: make(map[string]*storage.Message),
	}
}

// Set stores or updates a retained message.
// Empty payload deletes the retained message.
func (s *RetainedStore) Set(_ context.Context, msg *storage.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A late writer must not replace or clear a newer retained message.
	if cur, ok := s.data[msg.Topic]; ok && cur.Offset > msg.Offset {
		return nil
	}
	if len(msg.Payload) == 0 {
		delete(s.data, msg.Topic)
		return nil
	}
	s.data[msg.Topic] = storage.CopyMessage(msg)
	return nil
}

// Get retrieves the retained message of topic stored at or after fromOffset.
func (s *RetainedStore) Get(_ context.Context, topic string, fromOffset int64) (*storage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.data[topic]
	if !ok || msg.Offset < fromOffset {
		return nil, storage.ErrNotFound
	}
	return storage.CopyMessage(msg), nil
}

// OldestOffset returns the offset of the retained message, 0 if there is none.
func (s *RetainedStore) OldestOffset(_ context.Context, topic string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if msg, ok := s.data[topic]; ok {
		return msg.Offset, nil
	}
	return 0, nil
}

// Delete removes a retained message.
func (s *RetainedStore) Delete(_ context.Context, topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, topic)
	return nil
}
