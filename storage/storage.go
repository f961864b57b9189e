// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var ErrNotFound = errors.New("not found")

// Store is the composite storage interface providing access to all storage backends.
type Store interface {
	// Log returns the per-topic append-only message log.
	Log() LogStore

	// Retained returns the retained message store.
	Retained() RetainedStore

	// Sessions returns the store holding resumable session state.
	Sessions() SessionStore

	// Close closes all storage backends.
	Close() error
}

// Message is a published message as recorded in a topic log.
type Message struct {
	CreatedAt   time.Time `json:"created_at"`
	Topic       string    `json:"topic"`
	PublisherID string    `json:"publisher_id,omitempty"`
	Payload     []byte    `json:"payload,omitempty"`
	Offset      int64     `json:"offset"`
	QoS         byte      `json:"qos"`
	Retain      bool      `json:"retain"`
}

// CopyMessage creates a deep copy of a message.
func CopyMessage(msg *Message) *Message {
	if msg == nil {
		return nil
	}
	cp := *msg
	if len(msg.Payload) > 0 {
		cp.Payload = make([]byte, len(msg.Payload))
		copy(cp.Payload, msg.Payload)
	}
	return &cp
}

// LogStore is the append-only, offset-addressed log kept per topic.
// Offsets of a topic start at 0 and grow by one per appended message.
type LogStore interface {
	// Append records msg under msg.Topic, assigns msg.Offset and returns it.
	Append(ctx context.Context, msg *Message) (int64, error)

	// Get returns the message at offset, or ErrNotFound.
	Get(ctx context.Context, topic string, offset int64) (*Message, error)

	// LatestOffset returns the offset of the last appended message, -1 for an empty log.
	LatestOffset(ctx context.Context, topic string) (int64, error)
}

// RetainedStore keeps the latest retained message per topic.
type RetainedStore interface {
	// Set stores or replaces the retained message of msg.Topic.
	// Empty payload deletes the retained message.
	Set(ctx context.Context, msg *Message) error

	// Get returns the retained message of topic if its offset is at or after fromOffset,
	// otherwise ErrNotFound.
	Get(ctx context.Context, topic string, fromOffset int64) (*Message, error)

	// OldestOffset returns the log offset of the retained message, 0 when none is stored.
	OldestOffset(ctx context.Context, topic string) (int64, error)

	// Delete removes the retained message of topic.
	Delete(ctx context.Context, topic string) error
}

// CursorState is the persisted position of one subscriber in one topic log.
type CursorState struct {
	Topic         string `json:"topic"`
	NextOffset    int64  `json:"next_offset"`
	RetainOffset  int64  `json:"retain_offset"`
	RetainPending bool   `json:"retain_pending,omitempty"`
}

// SubscriptionState is a persisted filter subscription with the cursors it owned.
type SubscriptionState struct {
	Filter  string        `json:"filter"`
	Cursors []CursorState `json:"cursors,omitempty"`
	QoS     byte          `json:"qos"`
}

// SessionState is the minimal state a non-clean session needs to resume.
type SessionState struct {
	SavedAt       time.Time           `json:"saved_at"`
	ClientID      string              `json:"client_id"`
	Subscriptions []SubscriptionState `json:"subscriptions,omitempty"`
	PendingIDs    []uint16            `json:"pending_ids,omitempty"`
	NextPacketID  uint16              `json:"next_packet_id"`
}

// CopySessionState creates a deep copy of a session state.
func CopySessionState(st *SessionState) *SessionState {
	if st == nil {
		return nil
	}
	cp := &SessionState{
		SavedAt:      st.SavedAt,
		ClientID:     st.ClientID,
		NextPacketID: st.NextPacketID,
	}
	if len(st.PendingIDs) > 0 {
		cp.PendingIDs = append([]uint16(nil), st.PendingIDs...)
	}
	for _, sub := range st.Subscriptions {
		sc := SubscriptionState{Filter: sub.Filter, QoS: sub.QoS}
		if len(sub.Cursors) > 0 {
			sc.Cursors = append([]CursorState(nil), sub.Cursors...)
		}
		cp.Subscriptions = append(cp.Subscriptions, sc)
	}
	return cp
}

// SessionStore handles resumable session persistence.
type SessionStore interface {
	// Save persists the state of a session, replacing any previous state.
	Save(ctx context.Context, st *SessionState) error

	// Get retrieves the state of a session by client ID, or ErrNotFound.
	Get(ctx context.Context, clientID string) (*SessionState, error)

	// Delete removes the state of a session.
	Delete(ctx context.Context, clientID string) error

	// List returns all stored session states (for debugging/metrics).
	List(ctx context.Context) ([]*SessionState, error)
}
