// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"testing"

	"github.com/absmach/logmq/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ctx = context.Background()

func TestLogStore(t *testing.T) {
	s := NewLogStore()

	latest, err := s.LatestOffset(ctx, "a/b")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), latest)

	msg := &storage.Message{Topic: "a/b", Payload: []byte("hello"), QoS: 1}
	off, err := s.Append(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, int64(0), off)
	assert.Equal(t, int64(0), msg.Offset)

	off, err = s.Append(ctx, &storage.Message{Topic: "a/b", Payload: []byte("world")})
	require.NoError(t, err)
	assert.Equal(t, int64(1), off)

	latest, err = s.LatestOffset(ctx, "a/b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), latest)

	// Mutation isolation
	msg.Payload[0] = 'x'
	got, err := s.Get(ctx, "a/b", 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got.Payload))
	assert.False(t, got.CreatedAt.IsZero())

	_, err = s.Get(ctx, "a/b", 2)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.Get(ctx, "a/b", -1)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.Get(ctx, "missing", 0)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRetainedStore(t *testing.T) {
	s := NewRetainedStore()

	off, err := s.OldestOffset(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, int64(0), off)

	require.NoError(t, s.Set(ctx, &storage.Message{Topic: "t", Payload: []byte("v"), Offset: 3}))

	got, err := s.Get(ctx, "t", 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got.Payload)

	_, err = s.Get(ctx, "t", 4)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	off, err = s.OldestOffset(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, int64(3), off)

	require.NoError(t, s.Set(ctx, &storage.Message{Topic: "t", Payload: []byte("stale"), Offset: 1}))
	got, err = s.Get(ctx, "t", 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got.Payload)

	// A clear older than the stored message is ignored.
	require.NoError(t, s.Set(ctx, &storage.Message{Topic: "t", Offset: 2}))
	got, err = s.Get(ctx, "t", 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got.Payload)

	// Empty payload clears
	require.NoError(t, s.Set(ctx, &storage.Message{Topic: "t", Offset: 5}))
	_, err = s.Get(ctx, "t", 0)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.Set(ctx, &storage.Message{Topic: "t", Payload: []byte("v"), Offset: 6}))
	require.NoError(t, s.Delete(ctx, "t"))
	_, err = s.Get(ctx, "t", 0)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSessionStore(t *testing.T) {
	s := NewSessionStore()

	_, err := s.Get(ctx, "c1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	st := &storage.SessionState{
		ClientID: "c1",
		Subscriptions: []storage.SubscriptionState{{
			Filter:  "a/#",
			QoS:     2,
			Cursors: []storage.CursorState{{Topic: "a/b", NextOffset: 9}},
		}},
		NextPacketID: 3,
	}
	require.NoError(t, s.Save(ctx, st))

	st.Subscriptions[0].Cursors[0].NextOffset = 100
	got, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(9), got.Subscriptions[0].Cursors[0].NextOffset)

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.Delete(ctx, "c1"))
	_, err = s.Get(ctx, "c1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore(t *testing.T) {
	s := New()
	assert.NotNil(t, s.Log())
	assert.NotNil(t, s.Retained())
	assert.NotNil(t, s.Sessions())
	assert.NoError(t, s.Close())
}
