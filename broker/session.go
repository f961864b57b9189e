// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/logmq/storage"
	"github.com/absmach/logmq/topics"
)

// Conn is the transport side of a session. Deliver and Release may be called
// concurrently from delivery workers.
type Conn interface {
	// Deliver sends a PUBLISH to the client.
	Deliver(d *Delivery) error

	// Release sends a PUBREL for an outbound QoS 2 message.
	Release(packetID uint16) error

	// Close terminates the connection.
	Close() error
}

// Delivery is an outbound message addressed to one session.
type Delivery struct {
	Topic    string
	Payload  []byte
	Offset   int64
	PacketID uint16 // 0 for QoS 0
	QoS      byte
	Retain   bool
}

// ConnectOptions describes a connecting client.
type ConnectOptions struct {
	Conn         Conn
	Will         *storage.Message
	ClientID     string
	CleanSession bool
}

// Session is the broker side of a connected client.
type Session struct {
	broker      *Broker
	conn        Conn
	will        *storage.Message
	logger      *slog.Logger
	connectedAt time.Time
	clientID    string
	clean       bool

	mu       sync.Mutex // serializes subscribe, unsubscribe and attach
	filters  sync.Map   // filter -> *filterSubscription
	inflight *inflightWindow

	idMu   sync.Mutex
	nextID uint16
	stale  map[uint16]struct{} // ids pending on a previous connection

	inboundMu sync.Mutex
	inbound   map[uint16]struct{} // QoS 2 publishes awaiting PUBREL

	closed atomic.Bool
}

func newSession(b *Broker, clientID string, opts ConnectOptions) *Session {
	return &Session{
		broker:      b,
		conn:        opts.Conn,
		will:        opts.Will,
		logger:      b.logger.With(slog.String("client_id", clientID)),
		connectedAt: time.Now(),
		clientID:    clientID,
		clean:       opts.CleanSession,
		inflight:    newInflightWindow(b.maxInflight),
		stale:       make(map[uint16]struct{}),
		inbound:     make(map[uint16]struct{}),
	}
}

// ClientID returns the client identifier.
func (s *Session) ClientID() string { return s.clientID }

// Clean reports whether the session state is discarded on disconnect.
func (s *Session) Clean() bool { return s.clean }

// ConnectedAt returns the time the session was created.
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// Closed reports whether the session has ended.
func (s *Session) Closed() bool { return s.closed.Load() }

// Inflight returns the number of occupied inflight slots.
func (s *Session) Inflight() int { return s.inflight.Len() }

// Subscriptions returns the granted QoS per subscribed filter.
func (s *Session) Subscriptions() map[string]byte {
	subs := make(map[string]byte)
	s.filters.Range(func(k, v any) bool {
		subs[k.(string)] = v.(*filterSubscription).qos
		return true
	})
	return subs
}

// Cursor returns the committed offset of the session on topic.
func (s *Session) Cursor(topic string) (int64, bool) {
	t, ok := s.broker.registry.Get(topic)
	if !ok {
		return 0, false
	}
	c, ok := t.cursor(s.clientID)
	if !ok {
		return 0, false
	}
	return c.NextOffset(), true
}

// Subscribe subscribes the session to filter and returns the granted QoS.
// Re-subscribing an existing filter replaces it.
func (s *Session) Subscribe(ctx context.Context, filter string, qos byte) (byte, error) {
	if qos > 2 {
		return 0, ErrInvalidQoS
	}
	b := s.broker
	if b.rateLimiter != nil && !b.rateLimiter.AllowSubscribe(s.clientID) {
		return 0, ErrRateLimited
	}

	f, err := topics.ParseFilter(filter)
	if err != nil {
		return 0, err
	}

	if err := s.subscribe(ctx, f, qos, nil); err != nil {
		return 0, err
	}

	b.subscriptionEstablished(ctx, s, filter, qos)
	return min(qos, b.maxQoS), nil
}

// Unsubscribe removes filter. Unknown filters are ignored.
func (s *Session) Unsubscribe(ctx context.Context, filter string) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}

	s.mu.Lock()
	v, ok := s.filters.LoadAndDelete(filter)
	if ok {
		v.(*filterSubscription).close(s.broker.registry)
	}
	s.mu.Unlock()

	if ok {
		s.broker.subscriptionRemoved(ctx, s, filter)
	}
	return nil
}

// Publish publishes a message received from the client. QoS 2 publishes are
// de-duplicated by packetID until PubRel.
func (s *Session) Publish(ctx context.Context, packetID uint16, msg *storage.Message) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	b := s.broker
	if b.rateLimiter != nil && !b.rateLimiter.AllowPublish(s.clientID) {
		return ErrRateLimited
	}

	msg.PublisherID = s.clientID
	exactlyOnce := msg.QoS == 2 && packetID != 0
	if exactlyOnce {
		s.inboundMu.Lock()
		_, dup := s.inbound[packetID]
		if !dup {
			s.inbound[packetID] = struct{}{}
		}
		s.inboundMu.Unlock()
		if dup {
			return nil
		}
	}

	if err := b.Publish(ctx, msg); err != nil {
		if exactlyOnce {
			s.inboundMu.Lock()
			delete(s.inbound, packetID)
			s.inboundMu.Unlock()
		}
		return err
	}
	return nil
}

// PubRel completes an inbound QoS 2 publish.
func (s *Session) PubRel(packetID uint16) error {
	s.inboundMu.Lock()
	defer s.inboundMu.Unlock()

	if _, ok := s.inbound[packetID]; !ok {
		return ErrUnknownPacketID
	}
	delete(s.inbound, packetID)
	return nil
}

// Ack acknowledges an outbound message (PUBACK for QoS 1, PUBCOMP for QoS 2).
func (s *Session) Ack(packetID uint16) error {
	if s.consumeStale(packetID) {
		return nil
	}

	_, freed, err := s.inflight.Commit(packetID)
	if err != nil {
		return err
	}
	s.broker.stats.IncrementAcks()

	// Cursors that stopped on the full window have no pending ack to resume them.
	if freed {
		s.wake()
	}
	return nil
}

// PubRec records receipt of an outbound QoS 2 message and sends PUBREL.
func (s *Session) PubRec(packetID uint16) error {
	s.idMu.Lock()
	_, stale := s.stale[packetID]
	s.idMu.Unlock()

	if !stale {
		if err := s.inflight.Release(packetID); err != nil {
			return err
		}
	}
	return s.conn.Release(packetID)
}

// Disconnect ends the session. A graceful disconnect discards the will message.
func (s *Session) Disconnect(ctx context.Context, graceful bool) error {
	reason := reasonNormal
	if !graceful {
		reason = reasonError
	}
	return s.broker.disconnect(ctx, s, reason)
}

func (s *Session) subscribe(ctx context.Context, f topics.Filter, qos byte, rp *resumePoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return ErrSessionClosed
	}

	b := s.broker
	fs := newFilterSubscription(f, qos)
	fs.resume = rp
	if prev, ok := s.filters.Swap(f.String(), fs); ok {
		prev.(*filterSubscription).close(b.registry)
	}

	if !f.IsWildcard() {
		t, _, err := b.registry.GetOrCreate(ctx, f.String())
		if err != nil {
			s.filters.CompareAndDelete(f.String(), fs)
			return err
		}
		return s.attach(ctx, fs, t, rp, false)
	}

	fs.cancel = b.registry.Watch(f.Match, func(t *Topic) {
		// Runs on the creating goroutine, which may hold s.mu.
		b.scheduler.Submit(func() { s.attachCreated(fs, t) })
	})

	for _, t := range b.registry.List() {
		if !f.Match(t.Name()) {
			continue
		}
		if err := s.attach(ctx, fs, t, rp, false); err != nil {
			b.logError("attach_cursor", err, slog.String("client_id", s.clientID), slog.String("topic", t.Name()))
		}
	}
	return nil
}

// attachCreated attaches fs to a topic created after the subscription.
func (s *Session) attachCreated(fs *filterSubscription, t *Topic) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() || fs.closed.Load() {
		return
	}
	// Another subscription of this session already claimed the topic.
	if _, ok := t.cursor(s.clientID); ok {
		return
	}
	if err := s.attach(context.Background(), fs, t, fs.resume, true); err != nil {
		s.broker.logError("attach_cursor", err, slog.String("client_id", s.clientID), slog.String("topic", t.Name()))
	}
}

// attach creates the cursor of fs on t, replacing any cursor the session
// already has on t. Must be called with s.mu held.
func (s *Session) attach(ctx context.Context, fs *filterSubscription, t *Topic, rp *resumePoint, created bool) error {
	if fs.closed.Load() {
		return nil
	}
	if _, ok := fs.cursor(t.Name()); ok {
		return nil
	}

	b := s.broker
	start, err := b.cursorStart(ctx, t, rp, created)
	if err != nil {
		return err
	}

	if prev, ok := t.cursor(s.clientID); ok {
		prev.detach(b.registry)
	}

	c := newCursor(s, fs, t.Name(), start)
	fs.cursors.Store(t.Name(), c)
	if v, loaded := t.cursors.LoadOrStore(s.clientID, c); loaded {
		b.logError("attach_cursor", ErrDuplicateSubscription,
			slog.String("client_id", s.clientID),
			slog.String("topic", t.Name()),
			slog.String("filter", fs.Filter()))
		v.(*cursor).detach(b.registry)
		t.cursors.Store(s.clientID, c)
	}

	b.logOp("attach_cursor",
		slog.String("client_id", s.clientID),
		slog.String("topic", t.Name()),
		slog.Int64("offset", start.next))
	b.schedule(c)
	return nil
}

// allocate assigns a free packet ID to an outbound message and registers it
// in the inflight window.
func (s *Session) allocate(offset int64, onAdvance func()) (uint16, error) {
	s.idMu.Lock()
	defer s.idMu.Unlock()

	if s.inflight.IsFull() {
		return 0, ErrWindowFull
	}

	for range 1 << 16 {
		s.nextID++
		id := s.nextID
		if id == 0 {
			continue
		}
		if _, ok := s.stale[id]; ok || s.inflight.Has(id) {
			continue
		}
		if err := s.inflight.Add(id, offset, onAdvance); err != nil {
			return 0, err
		}
		return id, nil
	}
	return 0, ErrPacketIDExhausted
}

func (s *Session) consumeStale(packetID uint16) bool {
	s.idMu.Lock()
	defer s.idMu.Unlock()

	if _, ok := s.stale[packetID]; !ok {
		return false
	}
	delete(s.stale, packetID)
	return true
}

// wake schedules a batch push for every cursor of the session.
func (s *Session) wake() {
	s.filters.Range(func(_, v any) bool {
		v.(*filterSubscription).rangeCursors(s.broker.schedule)
		return true
	})
}

// teardown detaches every cursor and drops pending window slots.
func (s *Session) teardown() *storage.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state()
	s.filters.Range(func(k, v any) bool {
		v.(*filterSubscription).close(s.broker.registry)
		s.filters.Delete(k)
		return true
	})
	s.inflight.Clear()
	return st
}

func (s *Session) state() *storage.SessionState {
	st := &storage.SessionState{
		SavedAt:  time.Now(),
		ClientID: s.clientID,
	}
	s.filters.Range(func(_, v any) bool {
		st.Subscriptions = append(st.Subscriptions, v.(*filterSubscription).state())
		return true
	})
	sort.Slice(st.Subscriptions, func(i, j int) bool {
		return st.Subscriptions[i].Filter < st.Subscriptions[j].Filter
	})

	s.idMu.Lock()
	st.NextPacketID = s.nextID
	// Stale IDs are not carried over: their messages were redelivered under
	// the IDs now in the window.
	st.PendingIDs = s.inflight.PendingIDs()
	s.idMu.Unlock()

	return st
}

// restore rebuilds subscriptions and cursors from a saved state. Ack callbacks
// of the previous connection are not recoverable: unacknowledged messages are
// redelivered from the stored offsets and their old IDs acknowledge nothing.
func (s *Session) restore(ctx context.Context, st *storage.SessionState) {
	s.idMu.Lock()
	s.nextID = st.NextPacketID
	for _, id := range st.PendingIDs {
		s.stale[id] = struct{}{}
	}
	s.idMu.Unlock()

	for _, sub := range st.Subscriptions {
		f, err := topics.ParseFilter(sub.Filter)
		if err != nil {
			s.broker.logError("restore_subscription", err, slog.String("client_id", s.clientID), slog.String("filter", sub.Filter))
			continue
		}
		if err := s.subscribe(ctx, f, sub.QoS, newResumePoint(st.SavedAt, sub.Cursors)); err != nil {
			s.broker.logError("restore_subscription", err, slog.String("client_id", s.clientID), slog.String("filter", sub.Filter))
		}
	}
}

// resumePoint is where a restored filter subscription left off.
type resumePoint struct {
	savedAt time.Time
	cursors map[string]storage.CursorState // by topic
}

func newResumePoint(savedAt time.Time, cursors []storage.CursorState) *resumePoint {
	rp := &resumePoint{
		savedAt: savedAt,
		cursors: make(map[string]storage.CursorState, len(cursors)),
	}
	for _, cs := range cursors {
		rp.cursors[cs.Topic] = cs
	}
	return rp
}
