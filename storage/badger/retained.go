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

var _ storage.RetainedStore = (*RetainedStore)(nil)

const retainedPrefix = "retained:"

// RetainedStore implements storage.RetainedStore using BadgerDB.
//
// Key format: retained:{topic}
type RetainedStore struct {
	db    *badger.DB
	codec codec
}

// NewRetainedStore creates a new BadgerDB retained message store.
func NewRetainedStore(db *badger.DB, compression Compression) *RetainedStore {
	return &RetainedStore{db: db, codec: codec{compression: compression}}
}

// Set stores or updates a retained message.
// Empty payload deletes the retained message.
func (r *RetainedStore) Set(_ context.Context, msg *storage.Message) error {
	clearing := len(msg.Payload) == 0

	var data []byte
	if !clearing {
		var err error
		if data, err = r.codec.encode(msg); err != nil {
			return fmt.Errorf("failed to marshal retained message: %w", err)
		}
	}

	key := []byte(retainedPrefix + msg.Topic)
	return r.db.Update(func(txn *badger.Txn) error {
		cur, err := r.read(txn, key)
		switch {
		case err == nil && cur.Offset > msg.Offset:
			return nil
		case errors.Is(err, storage.ErrNotFound):
			if clearing {
				return nil
			}
		case err != nil:
			return err
		}
		if clearing {
			return txn.Delete(key)
		}
		return txn.Set(key, data)
	})
}

// Get retrieves the retained message of topic stored at or after fromOffset.
func (r *RetainedStore) Get(_ context.Context, topic string, fromOffset int64) (*storage.Message, error) {
	var msg *storage.Message
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		msg, err = r.read(txn, []byte(retainedPrefix+topic))
		return err
	})
	if err != nil {
		return nil, err
	}
	if msg.Offset < fromOffset {
		return nil, storage.ErrNotFound
	}

	return msg, nil
}

// OldestOffset returns the offset of the retained message, 0 if there is none.
func (r *RetainedStore) OldestOffset(ctx context.Context, topic string) (int64, error) {
	msg, err := r.Get(ctx, topic, 0)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	return msg.Offset, nil
}

// Delete removes a retained message.
func (r *RetainedStore) Delete(_ context.Context, topic string) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(retainedPrefix + topic))
	})
}

func (r *RetainedStore) read(txn *badger.Txn, key []byte) (*storage.Message, error) {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}

	msg := &storage.Message{}
	err = item.Value(func(val []byte) error {
		return r.codec.decode(val, msg)
	})
	if err != nil {
		return nil, err
	}

	return msg, nil
}
