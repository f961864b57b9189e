// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/absmach/logmq/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.LogStore = (*LogStore)(nil)

// Key prefixes for the topic log.
const (
	logMessagePrefix = "log:msg:"  // log:msg:{topic}:{offset}
	logTailPrefix    = "log:tail:" // log:tail:{topic}
)

// LogStore implements storage.LogStore using BadgerDB.
type LogStore struct {
	db    *badger.DB
	codec codec
	locks sync.Map // topic -> *sync.Mutex
}

// NewLogStore creates a new BadgerDB log store.
func NewLogStore(db *badger.DB, compression Compression) *LogStore {
	return &LogStore{db: db, codec: codec{compression: compression}}
}

// Append adds a message to the end of its topic's log.
func (s *LogStore) Append(_ context.Context, msg *storage.Message) (int64, error) {
	// Serialized per topic: concurrent tail updates would otherwise conflict.
	mu := s.lock(msg.Topic)
	mu.Lock()
	defer mu.Unlock()

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	var offset int64
	err := s.db.Update(func(txn *badger.Txn) error {
		tailKey := s.tailKey(msg.Topic)
		tail, err := getUint64(txn, tailKey)
		if err != nil {
			return err
		}

		offset = int64(tail)
		msg.Offset = offset

		data, err := s.codec.encode(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := txn.Set([]byte(s.messageKey(msg.Topic, offset)), data); err != nil {
			return err
		}

		return txn.Set([]byte(tailKey), uint64ToBytes(tail+1))
	})
	if err != nil {
		return 0, err
	}

	return offset, nil
}

// Get retrieves the message at a specific offset.
func (s *LogStore) Get(_ context.Context, topic string, offset int64) (*storage.Message, error) {
	if offset < 0 {
		return nil, storage.ErrNotFound
	}

	var msg *storage.Message
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(s.messageKey(topic, offset)))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			return err
		}

		return item.Value(func(val []byte) error {
			msg = &storage.Message{}
			return s.codec.decode(val, msg)
		})
	})
	if err != nil {
		return nil, err
	}

	return msg, nil
}

// LatestOffset returns the offset of the last message, -1 if the log is empty.
func (s *LogStore) LatestOffset(_ context.Context, topic string) (int64, error) {
	var tail uint64
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		tail, err = getUint64(txn, s.tailKey(topic))
		return err
	})
	if err != nil {
		return -1, err
	}

	return int64(tail) - 1, nil
}

func (s *LogStore) lock(topic string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(topic, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (s *LogStore) messageKey(topic string, offset int64) string {
	return fmt.Sprintf("%s%s:%020d", logMessagePrefix, topic, offset)
}

func (s *LogStore) tailKey(topic string) string {
	return logTailPrefix + topic
}

// getUint64 returns 0 for a missing key.
func getUint64(txn *badger.Txn, key string) (uint64, error) {
	item, err := txn.Get([]byte(key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, err
	}

	var val uint64
	err = item.Value(func(v []byte) error {
		val = bytesToUint64(v)
		return nil
	})
	return val, err
}

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func bytesToUint64(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
