// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync"
	"sync/atomic"

	"github.com/absmach/logmq/storage"
	"github.com/absmach/logmq/topics"
)

// filterSubscription groups the cursors one subscribe call created, so
// unsubscribe and re-subscribe act on every matched topic at once.
type filterSubscription struct {
	filter  topics.Filter
	cursors sync.Map     // topic -> *cursor
	cancel  func()       // stops watching topic creation, nil for exact filters
	resume  *resumePoint // saved offsets when restored, nil otherwise
	closed  atomic.Bool
	qos     byte
}

func newFilterSubscription(f topics.Filter, qos byte) *filterSubscription {
	return &filterSubscription{filter: f, qos: qos}
}

// Filter returns the subscribed filter string.
func (fs *filterSubscription) Filter() string { return fs.filter.String() }

// QoS returns the granted QoS.
func (fs *filterSubscription) QoS() byte { return fs.qos }

func (fs *filterSubscription) cursor(topic string) (*cursor, bool) {
	v, ok := fs.cursors.Load(topic)
	if !ok {
		return nil, false
	}
	return v.(*cursor), true
}

func (fs *filterSubscription) rangeCursors(fn func(c *cursor)) {
	fs.cursors.Range(func(_, v any) bool {
		fn(v.(*cursor))
		return true
	})
}

// close stops watching and detaches every owned cursor.
func (fs *filterSubscription) close(reg *Registry) {
	if !fs.closed.CompareAndSwap(false, true) {
		return
	}
	if fs.cancel != nil {
		fs.cancel()
	}
	fs.rangeCursors(func(c *cursor) {
		c.detach(reg)
	})
}

func (fs *filterSubscription) state() storage.SubscriptionState {
	st := storage.SubscriptionState{
		Filter: fs.filter.String(),
		QoS:    fs.qos,
	}
	fs.rangeCursors(func(c *cursor) {
		st.Cursors = append(st.Cursors, c.state())
	})
	return st
}
