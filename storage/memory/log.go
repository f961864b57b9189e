// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sync"
	"time"

	"github.com/absmach/logmq/storage"
)

var _ storage.LogStore = (*LogStore)(nil)

// LogStore is an in-memory append-only log per topic.
type LogStore struct {
	topics sync.Map // map[string]*topicLog
}

type topicLog struct {
	mu       sync.RWMutex
	messages []*storage.Message
}

// NewLogStore creates a new in-memory log store.
func NewLogStore() *LogStore {
	return &LogStore{}
}

func (s *LogStore) log(topic string) *topicLog {
	if v, ok := s.topics.Load(topic); ok {
		return v.(*topicLog)
	}
	v, _ := s.topics.LoadOrStore(topic, &topicLog{})
	return v.(*topicLog)
}

// Append adds a message to the end of its topic's log.
func (s *LogStore) Append(_ context.Context, msg *storage.Message) (int64, error) {
	tl := s.log(msg.Topic)

	tl.mu.Lock()
	defer tl.mu.Unlock()

	msg.Offset = int64(len(tl.messages))
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	tl.messages = append(tl.messages, storage.CopyMessage(msg))

	return msg.Offset, nil
}

// Get retrieves the message at a specific offset.
func (s *LogStore) Get(_ context.Context, topic string, offset int64) (*storage.Message, error) {
	v, ok := s.topics.Load(topic)
	if !ok {
		return nil, storage.ErrNotFound
	}
	tl := v.(*topicLog)

	tl.mu.RLock()
	defer tl.mu.RUnlock()

	if offset < 0 || offset >= int64(len(tl.messages)) {
		return nil, storage.ErrNotFound
	}
	return storage.CopyMessage(tl.messages[offset]), nil
}

// LatestOffset returns the offset of the last message, -1 if the log is empty.
func (s *LogStore) LatestOffset(_ context.Context, topic string) (int64, error) {
	v, ok := s.topics.Load(topic)
	if !ok {
		return -1, nil
	}
	tl := v.(*topicLog)

	tl.mu.RLock()
	defer tl.mu.RUnlock()

	return int64(len(tl.messages)) - 1, nil
}
