// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync/atomic"
	"time"

	"github.com/absmach/logmq/storage"
)

// cursor is the consumption state of one session on one topic log.
type cursor struct {
	session *Session
	filter  *filterSubscription
	topic   string

	// subscribedAt and liveStart bound which retained message is replayed.
	subscribedAt time.Time
	liveStart    int64
	qos          byte

	next          atomic.Int64 // next offset to deliver, all before it are committed
	retainOffset  atomic.Int64
	retainPending atomic.Bool
	pushing       atomic.Bool // push gate
	enabled       atomic.Bool

	// held is the highest QoS 0 offset sent while earlier slots of the
	// batch were unacknowledged, -1 if none.
	held atomic.Int64

	// outstanding counts unresolved slots of the running batch plus one token
	// held by the loop that sends it. Whoever drops it to zero finishes the batch.
	outstanding atomic.Int32
}

type cursorStart struct {
	next          int64
	retainOffset  int64
	retainPending bool
}

func newCursor(s *Session, fs *filterSubscription, topic string, start cursorStart) *cursor {
	c := &cursor{
		session:      s,
		filter:       fs,
		topic:        topic,
		subscribedAt: time.Now(),
		liveStart:    start.next,
		qos:          fs.qos,
	}
	c.next.Store(start.next)
	c.retainOffset.Store(start.retainOffset)
	c.retainPending.Store(start.retainPending)
	c.held.Store(-1)
	c.enabled.Store(true)
	return c
}

// NextOffset returns the committed consumer offset.
func (c *cursor) NextOffset() int64 { return c.next.Load() }

// advance moves the committed offset forward, never backward.
func (c *cursor) advance(next int64) {
	for {
		cur := c.next.Load()
		if next <= cur || c.next.CompareAndSwap(cur, next) {
			return
		}
	}
}

// hold records a QoS 0 offset that may only commit after the pending slots
// of the current batch.
func (c *cursor) hold(off int64) {
	for {
		cur := c.held.Load()
		if off <= cur || c.held.CompareAndSwap(cur, off) {
			return
		}
	}
}

// releaseHeld commits the held offset. The batch must have no pending slots.
func (c *cursor) releaseHeld() {
	if off := c.held.Swap(-1); off >= 0 {
		c.advance(off + 1)
	}
}

func (c *cursor) active() bool {
	return c.enabled.Load() && !c.session.closed.Load()
}

// wantsRetained reports whether msg predates this subscription's live stream.
func (c *cursor) wantsRetained(msg *storage.Message) bool {
	return !msg.CreatedAt.After(c.subscribedAt) && msg.Offset < c.liveStart
}

func (c *cursor) state() storage.CursorState {
	return storage.CursorState{
		Topic:         c.topic,
		NextOffset:    c.next.Load(),
		RetainOffset:  c.retainOffset.Load(),
		RetainPending: c.retainPending.Load(),
	}
}

// detach removes the cursor from its topic and filter subscription and disables it.
func (c *cursor) detach(reg *Registry) {
	c.enabled.Store(false)
	if t, ok := reg.Get(c.topic); ok {
		t.cursors.CompareAndDelete(c.session.clientID, c)
	}
	c.filter.cursors.CompareAndDelete(c.topic, c)
}
