// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/absmach/logmq/storage"
)

// replayRetained delivers the retained message of c's topic ahead of the live
// stream. It reports whether the gate was handed off, in which case run must
// not continue into the live push.
func (b *Broker) replayRetained(c *cursor) bool {
	s := c.session

	msg, err := b.retained.Get(context.Background(), c.topic, c.retainOffset.Load())
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			b.logError("retained_replay", err, slog.String("client_id", s.clientID), slog.String("topic", c.topic))
		}
		c.retainPending.Store(false)
		return false
	}
	if !c.wantsRetained(msg) {
		c.retainPending.Store(false)
		return false
	}

	d := &Delivery{
		Topic:   msg.Topic,
		Payload: msg.Payload,
		Offset:  msg.Offset,
		QoS:     min(c.qos, msg.QoS, b.maxQoS),
		Retain:  true,
	}

	if d.QoS == 0 {
		b.stats.IncrementRetainedSent()
		b.send(s, d)
		b.retainedDone(c, msg.Offset)
		return false
	}

	off := msg.Offset
	id, err := s.allocate(off, func() {
		b.retainedDone(c, off)
		if !b.scheduler.Submit(func() { b.run(c) }) {
			c.pushing.Store(false)
		}
	})
	if err != nil {
		// The session wakes every cursor once the window drains.
		if errors.Is(err, ErrWindowFull) {
			b.stats.IncrementWindowFull()
		}
		c.pushing.Store(false)
		if !s.inflight.IsFull() {
			b.schedule(c)
		}
		return true
	}

	d.PacketID = id
	b.stats.IncrementRetainedSent()
	b.send(s, d)
	return true
}

func (b *Broker) retainedDone(c *cursor, off int64) {
	c.retainOffset.Store(off + 1)
	c.retainPending.Store(false)
}
