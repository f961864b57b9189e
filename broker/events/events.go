// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event type constants.
const (
	TypeSessionCreated          = "session.created"
	TypeSessionDestroyed        = "session.destroyed"
	TypeTopicCreated            = "topic.created"
	TypeMessagePublished        = "message.published"
	TypeMessageDelivered        = "message.delivered"
	TypeRetainedMessageSet      = "message.retained"
	TypeSubscriptionEstablished = "subscription.established"
	TypeSubscriptionRemoved     = "subscription.removed"
)

// Event is the common interface for all broker notifications.
type Event interface {
	// Type returns the event type identifier (e.g., "session.created")
	Type() string

	// Topic returns the topic or filter the event concerns, empty for session events
	Topic() string

	// Wrap wraps the event in a common envelope with metadata
	Wrap(brokerID string) *Envelope
}

// Envelope is the common wrapper for all events.
type Envelope struct {
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	BrokerID  string `json:"broker_id"`
	Data      any    `json:"data"`
}

// MarshalJSON serializes the envelope to JSON.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	type plain Envelope
	return json.Marshal((*plain)(e))
}

func wrap(e Event, brokerID string) *Envelope {
	return &Envelope{
		EventType: e.Type(),
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		BrokerID:  brokerID,
		Data:      e,
	}
}

// SessionCreated is emitted when a client session is established.
type SessionCreated struct {
	ClientID     string `json:"client_id"`
	CleanSession bool   `json:"clean_session"`
	Resumed      bool   `json:"resumed"`
}

func (e SessionCreated) Type() string                   { return TypeSessionCreated }
func (e SessionCreated) Topic() string                  { return "" }
func (e SessionCreated) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// SessionDestroyed is emitted when a session ends.
type SessionDestroyed struct {
	ClientID string `json:"client_id"`
	Reason   string `json:"reason"` // "normal", "error", "takeover", "shutdown"
	Saved    bool   `json:"saved"`
}

func (e SessionDestroyed) Type() string                   { return TypeSessionDestroyed }
func (e SessionDestroyed) Topic() string                  { return "" }
func (e SessionDestroyed) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// TopicCreated is emitted once per topic, on first reference.
type TopicCreated struct {
	Name       string `json:"topic"`
	BaseOffset int64  `json:"base_offset"`
}

func (e TopicCreated) Type() string                   { return TypeTopicCreated }
func (e TopicCreated) Topic() string                  { return e.Name }
func (e TopicCreated) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// MessagePublished is emitted when a message is appended to a topic log.
type MessagePublished struct {
	ClientID     string `json:"client_id,omitempty"`
	MessageTopic string `json:"topic"`
	Offset       int64  `json:"offset"`
	QoS          byte   `json:"qos"`
	Retained     bool   `json:"retained"`
	PayloadSize  int    `json:"payload_size"`
	Payload      string `json:"payload,omitempty"` // base64 encoded, optional
}

func (e MessagePublished) Type() string                   { return TypeMessagePublished }
func (e MessagePublished) Topic() string                  { return e.MessageTopic }
func (e MessagePublished) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// MessageDelivered is emitted when a message is sent to a subscriber.
type MessageDelivered struct {
	ClientID     string `json:"client_id"` // subscriber
	MessageTopic string `json:"topic"`
	Offset       int64  `json:"offset"`
	QoS          byte   `json:"qos"`
	Retained     bool   `json:"retained"`
	PayloadSize  int    `json:"payload_size"`
}

func (e MessageDelivered) Type() string                   { return TypeMessageDelivered }
func (e MessageDelivered) Topic() string                  { return e.MessageTopic }
func (e MessageDelivered) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// RetainedMessageSet is emitted when a retained message is set or cleared.
type RetainedMessageSet struct {
	MessageTopic string `json:"topic"`
	PayloadSize  int    `json:"payload_size"` // 0 if cleared
	Cleared      bool   `json:"cleared"`
}

func (e RetainedMessageSet) Type() string                   { return TypeRetainedMessageSet }
func (e RetainedMessageSet) Topic() string                  { return e.MessageTopic }
func (e RetainedMessageSet) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// SubscriptionEstablished is emitted when a filter subscription is in place.
type SubscriptionEstablished struct {
	ClientID    string `json:"client_id"`
	TopicFilter string `json:"topic_filter"`
	QoS         byte   `json:"qos"`
	Topics      int    `json:"topics"` // topics matched at subscribe time
}

func (e SubscriptionEstablished) Type() string                   { return TypeSubscriptionEstablished }
func (e SubscriptionEstablished) Topic() string                  { return e.TopicFilter }
func (e SubscriptionEstablished) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// SubscriptionRemoved is emitted when a client unsubscribes from a filter.
type SubscriptionRemoved struct {
	ClientID    string `json:"client_id"`
	TopicFilter string `json:"topic_filter"`
}

func (e SubscriptionRemoved) Type() string                   { return TypeSubscriptionRemoved }
func (e SubscriptionRemoved) Topic() string                  { return e.TopicFilter }
func (e SubscriptionRemoved) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }
