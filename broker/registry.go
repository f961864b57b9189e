// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/logmq/storage"
	"github.com/absmach/logmq/topics"
)

// Topic is a concrete publish destination and the cursors consuming it.
type Topic struct {
	createdAt  time.Time
	name       string
	baseOffset int64
	cursors    sync.Map // clientID -> *cursor
}

// Name returns the topic name.
func (t *Topic) Name() string { return t.name }

// BaseOffset returns the log offset following the last message present when the topic was registered.
func (t *Topic) BaseOffset() int64 { return t.baseOffset }

// CreatedAt returns the registration time.
func (t *Topic) CreatedAt() time.Time { return t.createdAt }

// Subscribers returns the client IDs with a cursor on the topic.
func (t *Topic) Subscribers() []string {
	var ids []string
	t.cursors.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	return ids
}

func (t *Topic) cursor(clientID string) (*cursor, bool) {
	v, ok := t.cursors.Load(clientID)
	if !ok {
		return nil, false
	}
	return v.(*cursor), true
}

func (t *Topic) rangeCursors(fn func(c *cursor)) {
	t.cursors.Range(func(_, v any) bool {
		fn(v.(*cursor))
		return true
	})
}

type topicWatcher struct {
	match    func(topic string) bool
	onCreate func(t *Topic)
}

// Registry owns every topic known to the broker. Topics are never removed.
type Registry struct {
	log    storage.LogStore
	topics sync.Map // name -> *Topic
	count  atomic.Int64

	mu          sync.RWMutex
	watchers    map[uint64]*topicWatcher
	nextWatcher uint64
}

// NewRegistry creates a registry resolving initial offsets from log.
func NewRegistry(log storage.LogStore) *Registry {
	return &Registry{
		log:      log,
		watchers: make(map[uint64]*topicWatcher),
	}
}

// GetOrCreate returns the topic named name, registering it on first use.
// Watchers whose predicate matches are notified exactly once per new topic,
// synchronously and before GetOrCreate returns.
func (r *Registry) GetOrCreate(ctx context.Context, name string) (*Topic, bool, error) {
	if v, ok := r.topics.Load(name); ok {
		return v.(*Topic), false, nil
	}

	if err := topics.ValidateTopicName(name); err != nil {
		return nil, false, err
	}

	latest, err := r.log.LatestOffset(ctx, name)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read log tail of %s: %w", name, err)
	}

	t := &Topic{
		createdAt:  time.Now(),
		name:       name,
		baseOffset: latest + 1,
	}
	v, loaded := r.topics.LoadOrStore(name, t)
	if loaded {
		return v.(*Topic), false, nil
	}
	r.count.Add(1)

	for _, w := range r.snapshotWatchers() {
		if w.match(name) {
			w.onCreate(t)
		}
	}

	return t, true, nil
}

// Get returns an existing topic.
func (r *Registry) Get(name string) (*Topic, bool) {
	v, ok := r.topics.Load(name)
	if !ok {
		return nil, false
	}
	return v.(*Topic), true
}

// List returns all registered topics.
func (r *Registry) List() []*Topic {
	ret := make([]*Topic, 0, r.count.Load())
	r.topics.Range(func(_, v any) bool {
		ret = append(ret, v.(*Topic))
		return true
	})
	return ret
}

// Len returns the number of registered topics.
func (r *Registry) Len() int {
	return int(r.count.Load())
}

// Watch calls onCreate for every topic created after Watch returns whose name
// satisfies match. The returned function cancels the watch.
func (r *Registry) Watch(match func(topic string) bool, onCreate func(t *Topic)) func() {
	r.mu.Lock()
	id := r.nextWatcher
	r.nextWatcher++
	r.watchers[id] = &topicWatcher{match: match, onCreate: onCreate}
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.watchers, id)
			r.mu.Unlock()
		})
	}
}

// Watchers returns the number of live watches.
func (r *Registry) Watchers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.watchers)
}

func (r *Registry) snapshotWatchers() []*topicWatcher {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ws := make([]*topicWatcher, 0, len(r.watchers))
	for _, w := range r.watchers {
		ws = append(ws, w)
	}
	return ws
}
