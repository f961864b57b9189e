// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/absmach/logmq/storage"
)

// schedule submits a batch push for c.
func (b *Broker) schedule(c *cursor) {
	b.scheduler.Submit(func() { b.batchPush(c) })
}

// batchPush delivers the backlog of c unless a batch is already in progress.
func (b *Broker) batchPush(c *cursor) {
	if !c.active() {
		return
	}
	if !c.pushing.CompareAndSwap(false, true) {
		return
	}
	b.run(c)
}

// run executes with the push gate held. The gate passes to whichever
// goroutine completes the batch: the loop itself, or the ack callback that
// commits its last slot.
func (b *Broker) run(c *cursor) {
	if !c.active() {
		c.pushing.Store(false)
		return
	}
	if c.retainPending.Load() && b.replayRetained(c) {
		return
	}
	b.push(c)
}

func (b *Broker) push(c *cursor) {
	ctx := context.Background()
	s := c.session

	c.outstanding.Store(1)
	start := c.next.Load()
	var count int64
	for c.active() && !s.inflight.IsFull() {
		msg, err := b.log.Get(ctx, c.topic, start+count)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				b.logError("batch_push", err, slog.String("client_id", s.clientID), slog.String("topic", c.topic), slog.Int64("offset", start+count))
			}
			break
		}
		if !b.deliver(c, msg) {
			break
		}
		count++
	}

	b.logOp("batch_push",
		slog.String("client_id", s.clientID),
		slog.String("topic", c.topic),
		slog.Int64("offset", start),
		slog.Int64("count", count))

	if c.outstanding.Add(-1) == 0 {
		b.finishBatch(c)
	}
}

// deliver sends msg to the session of c. QoS 0 commits immediately; QoS 1/2
// occupy an inflight slot until acknowledged. It returns false when the
// window has no room.
func (b *Broker) deliver(c *cursor, msg *storage.Message) bool {
	s := c.session
	d := &Delivery{
		Topic:   msg.Topic,
		Payload: msg.Payload,
		Offset:  msg.Offset,
		QoS:     min(c.qos, msg.QoS, b.maxQoS),
	}

	if d.QoS == 0 {
		b.send(s, d)
		// The loop token alone means no earlier slot of this batch is pending.
		if c.outstanding.Load() > 1 {
			c.hold(msg.Offset)
		} else {
			c.advance(msg.Offset + 1)
		}
		return true
	}

	c.outstanding.Add(1)
	off := msg.Offset
	id, err := s.allocate(off, func() { b.committed(c, off) })
	if err != nil {
		c.outstanding.Add(-1)
		if errors.Is(err, ErrWindowFull) {
			b.stats.IncrementWindowFull()
		}
		return false
	}
	d.PacketID = id
	b.send(s, d)
	return true
}

// committed runs once the slot holding off leaves the window.
func (b *Broker) committed(c *cursor, off int64) {
	c.advance(off + 1)
	if c.outstanding.Add(-1) == 0 {
		b.finishBatch(c)
	}
}

// finishBatch runs with the gate held after every slot of a batch committed.
func (b *Broker) finishBatch(c *cursor) {
	c.releaseHeld()
	if !c.active() {
		c.pushing.Store(false)
		return
	}

	if b.hasBacklog(c) && !c.session.inflight.IsFull() {
		if b.scheduler.Submit(func() { b.run(c) }) {
			return
		}
	}

	c.pushing.Store(false)

	// A publish may have landed between the check and the release.
	if b.hasBacklog(c) && !c.session.inflight.IsFull() {
		b.schedule(c)
	}
}

func (b *Broker) hasBacklog(c *cursor) bool {
	latest, err := b.log.LatestOffset(context.Background(), c.topic)
	if err != nil {
		return false
	}
	return latest >= c.next.Load()
}

func (b *Broker) send(s *Session, d *Delivery) {
	if err := s.conn.Deliver(d); err != nil {
		b.logError("deliver", err,
			slog.String("client_id", s.clientID),
			slog.String("topic", d.Topic),
			slog.Int64("offset", d.Offset))
		return
	}

	b.stats.IncrementPublishSent()
	if b.metrics != nil {
		b.metrics.RecordMessageSent(d.QoS, int64(len(d.Payload)))
	}
	if b.webhooks != nil {
		b.notify(context.Background(), messageDelivered(s.clientID, d))
	}
}
