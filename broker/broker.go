// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/logmq/broker/events"
	"github.com/absmach/logmq/broker/webhook"
	"github.com/absmach/logmq/config"
	"github.com/absmach/logmq/server/otel"
	"github.com/absmach/logmq/storage"
	"github.com/absmach/logmq/storage/memory"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Session end reasons.
const (
	reasonNormal   = "normal"
	reasonError    = "error"
	reasonTakeover = "takeover"
	reasonShutdown = "shutdown"
)

// ClientRateLimiter limits client publish and subscribe rates.
type ClientRateLimiter interface {
	AllowPublish(clientID string) bool
	AllowSubscribe(clientID string) bool
	RemoveClient(clientID string)
}

// Broker is the delivery engine: it owns the topic registry and the live
// sessions, appends publishes to the topic logs and drives every cursor.
type Broker struct {
	sessionLocks clientLocks
	sessions     sync.Map // clientID -> *Session
	sessionCount atomic.Int64

	registry     *Registry
	log          storage.LogStore
	retained     storage.RetainedStore
	sessionStore storage.SessionStore

	scheduler Scheduler
	pool      *workerPool // nil when an external scheduler is set

	rateLimiter ClientRateLimiter // nil if rate limiting disabled
	logger      *slog.Logger
	stats       *Stats
	webhooks    webhook.Notifier // nil if webhooks disabled
	metrics     *otel.Metrics    // nil if metrics disabled
	tracer      trace.Tracer     // nil if tracing disabled

	unwatch func()
	closed  atomic.Bool

	nodeID          string
	maxInflight     int
	maxMessageSize  int
	maxSessions     int
	persistSessions bool
	maxQoS          byte
}

// NewBroker creates a new broker instance.
// Parameters:
//   - store: Storage backend for topic logs, retained messages and session state (nil uses memory)
//   - logger: Logger instance (nil uses default)
//   - stats: Stats collector (nil creates new one)
//   - webhooks: Webhook notifier (nil if webhooks disabled)
//   - metrics: OTel metrics instance (nil if metrics disabled)
//   - tracer: OTel tracer (nil if tracing disabled)
func NewBroker(store storage.Store, logger *slog.Logger, stats *Stats, webhooks webhook.Notifier, metrics *otel.Metrics, tracer trace.Tracer, brokerCfg config.BrokerConfig, sessionCfg config.SessionConfig) *Broker {
	if store == nil {
		store = memory.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if stats == nil {
		stats = NewStats()
	}

	maxQoS := brokerCfg.MaxQoS
	if maxQoS > 2 {
		maxQoS = 2
	}
	maxInflight := brokerCfg.MaxInflight
	if maxInflight < 1 {
		maxInflight = 10
	}

	pool := newWorkerPool(brokerCfg.PushWorkers)
	b := &Broker{
		registry:        NewRegistry(store.Log()),
		log:             store.Log(),
		retained:        store.Retained(),
		sessionStore:    store.Sessions(),
		scheduler:       pool,
		pool:            pool,
		logger:          logger,
		stats:           stats,
		webhooks:        webhooks,
		metrics:         metrics,
		tracer:          tracer,
		nodeID:          brokerCfg.NodeID,
		maxInflight:     maxInflight,
		maxMessageSize:  brokerCfg.MaxMessageSize,
		maxSessions:     sessionCfg.MaxSessions,
		persistSessions: sessionCfg.PersistSessions,
		maxQoS:          maxQoS,
	}
	b.unwatch = b.registry.Watch(func(string) bool { return true }, b.topicCreated)

	return b
}

// SetScheduler replaces the internal worker pool. It must be called before
// the first session connects.
func (b *Broker) SetScheduler(s Scheduler) {
	if b.pool != nil {
		b.pool.Close()
		b.pool = nil
	}
	b.scheduler = s
}

// SetClientRateLimiter sets the client rate limiter for publish/subscribe rate limiting.
func (b *Broker) SetClientRateLimiter(rl ClientRateLimiter) {
	b.rateLimiter = rl
}

// Registry returns the topic registry.
func (b *Broker) Registry() *Registry {
	return b.registry
}

// Stats returns the broker statistics.
func (b *Broker) Stats() *Stats {
	return b.stats
}

// Snapshot returns broker statistics including the topic count.
func (b *Broker) Snapshot() StatsSnapshot {
	snap := b.stats.Snapshot()
	snap.Topics = b.registry.Len()
	return snap
}

// MaxQoS returns the maximum QoS level delivered by this broker.
func (b *Broker) MaxQoS() byte {
	return b.maxQoS
}

// Ready reports whether the broker accepts sessions.
func (b *Broker) Ready() bool {
	return !b.closed.Load()
}

// Session returns the live session of clientID.
func (b *Broker) Session(clientID string) (*Session, bool) {
	v, ok := b.sessions.Load(clientID)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// Connect creates a session for opts.ClientID, closing any live session with
// the same ID first. A non-clean connect resumes stored state and reports so.
func (b *Broker) Connect(ctx context.Context, opts ConnectOptions) (*Session, bool, error) {
	if b.closed.Load() {
		return nil, false, ErrBrokerClosed
	}
	if opts.Conn == nil {
		return nil, false, fmt.Errorf("connection cannot be nil")
	}

	clientID := opts.ClientID
	if clientID == "" {
		if !opts.CleanSession {
			return nil, false, ErrInvalidClientID
		}
		clientID = uuid.NewString()
	}

	unlock := b.sessionLocks.lock(clientID)
	defer unlock()

	if old, ok := b.Session(clientID); ok {
		b.logger.Info("session takeover",
			slog.String("client_id", clientID),
			slog.String("error", ErrSessionConflict.Error()))
		b.stats.IncrementTakeovers()
		if err := b.closeSession(ctx, old, reasonTakeover); err != nil {
			b.logError("takeover", err, slog.String("client_id", clientID))
		}
	}

	if b.maxSessions > 0 && b.sessionCount.Load() >= int64(b.maxSessions) {
		return nil, false, ErrMaxSessions
	}

	s := newSession(b, clientID, opts)

	resumed := false
	if opts.CleanSession {
		if err := b.sessionStore.Delete(ctx, clientID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			b.logError("delete_session_state", err, slog.String("client_id", clientID))
		}
	} else {
		st, err := b.sessionStore.Get(ctx, clientID)
		switch {
		case err == nil:
			s.restore(ctx, st)
			resumed = true
		case !errors.Is(err, storage.ErrNotFound):
			return nil, false, fmt.Errorf("failed to load session state: %w", err)
		}
	}

	b.sessions.Store(clientID, s)
	b.sessionCount.Add(1)
	b.stats.IncrementSessions()
	if b.metrics != nil {
		b.metrics.RecordSessionCreated()
	}
	b.notify(ctx, events.SessionCreated{
		ClientID:     clientID,
		CleanSession: opts.CleanSession,
		Resumed:      resumed,
	})

	b.logger.Info("session created",
		slog.String("client_id", clientID),
		slog.Bool("clean_session", opts.CleanSession),
		slog.Bool("resumed", resumed))

	return s, resumed, nil
}

func (b *Broker) disconnect(ctx context.Context, s *Session, reason string) error {
	unlock := b.sessionLocks.lock(s.clientID)
	defer unlock()

	return b.closeSession(ctx, s, reason)
}

// closeSession ends s. Must be called with the client lock held.
func (b *Broker) closeSession(ctx context.Context, s *Session, reason string) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	if b.sessions.CompareAndDelete(s.clientID, s) {
		b.sessionCount.Add(-1)
		b.stats.DecrementSessions()
	}

	st := s.teardown()

	var errs []error
	saved := false
	if !s.clean && b.persistSessions {
		if err := b.sessionStore.Save(ctx, st); err != nil {
			errs = append(errs, fmt.Errorf("failed to save session state: %w", err))
		} else {
			saved = true
		}
	}

	if s.will != nil && (reason == reasonError || reason == reasonTakeover) {
		will := storage.CopyMessage(s.will)
		will.PublisherID = s.clientID
		if err := b.Publish(ctx, will); err != nil {
			errs = append(errs, fmt.Errorf("failed to publish will: %w", err))
		}
	}

	if reason == reasonTakeover || reason == reasonShutdown {
		if err := s.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if b.rateLimiter != nil {
		b.rateLimiter.RemoveClient(s.clientID)
	}
	if b.metrics != nil {
		b.metrics.RecordSessionDestroyed(reason)
	}
	b.notify(ctx, events.SessionDestroyed{
		ClientID: s.clientID,
		Reason:   reason,
		Saved:    saved,
	})

	b.logger.Info("session destroyed",
		slog.String("client_id", s.clientID),
		slog.String("reason", reason),
		slog.Duration("connected_for", time.Since(s.ConnectedAt())),
		slog.Bool("saved", saved))

	return errors.Join(errs...)
}

// Publish appends msg to its topic log, updates the retained store and wakes
// every cursor on the topic. msg.Offset and msg.CreatedAt are set on return.
func (b *Broker) Publish(ctx context.Context, msg *storage.Message) (err error) {
	if b.closed.Load() {
		return ErrBrokerClosed
	}

	start := time.Now()
	if b.tracer != nil {
		var span trace.Span
		ctx, span = b.tracer.Start(ctx, "broker.publish",
			trace.WithAttributes(
				attribute.String("mqtt.topic", msg.Topic),
				attribute.Int("mqtt.qos", int(msg.QoS)),
				attribute.Bool("mqtt.retain", msg.Retain),
			))
		defer func() {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}()
	}

	if msg.QoS > 2 {
		return ErrInvalidQoS
	}
	if b.maxMessageSize > 0 && len(msg.Payload) > b.maxMessageSize {
		return ErrMessageTooLarge
	}

	t, _, err := b.registry.GetOrCreate(ctx, msg.Topic)
	if err != nil {
		return err
	}

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if _, err := b.log.Append(ctx, msg); err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}

	if msg.Retain {
		if err := b.setRetained(ctx, msg); err != nil {
			return err
		}
	}

	b.logOp("publish",
		slog.String("topic", msg.Topic),
		slog.Int64("offset", msg.Offset),
		slog.Int("qos", int(msg.QoS)),
		slog.Bool("retain", msg.Retain))

	b.stats.IncrementPublishReceived()
	b.stats.AddBytesReceived(uint64(len(msg.Payload)))
	if b.metrics != nil {
		b.metrics.RecordMessageReceived(msg.QoS, int64(len(msg.Payload)))
		b.metrics.RecordPublishDuration(float64(time.Since(start).Microseconds()) / 1000)
	}
	if b.webhooks != nil {
		b.notify(ctx, events.MessagePublished{
			ClientID:     msg.PublisherID,
			MessageTopic: msg.Topic,
			Offset:       msg.Offset,
			QoS:          msg.QoS,
			Retained:     msg.Retain,
			PayloadSize:  len(msg.Payload),
			Payload:      base64.StdEncoding.EncodeToString(msg.Payload),
		})
	}

	t.rangeCursors(func(c *cursor) {
		if !c.session.inflight.IsFull() {
			b.schedule(c)
		}
	})

	return nil
}

func (b *Broker) setRetained(ctx context.Context, msg *storage.Message) error {
	if err := b.retained.Set(ctx, msg); err != nil {
		return fmt.Errorf("failed to store retained message: %w", err)
	}

	cleared := len(msg.Payload) == 0
	if b.metrics != nil {
		if cleared {
			b.metrics.RecordRetainedDeleted()
		} else {
			b.metrics.RecordRetainedSet()
		}
	}
	b.notify(ctx, events.RetainedMessageSet{
		MessageTopic: msg.Topic,
		PayloadSize:  len(msg.Payload),
		Cleared:      cleared,
	})
	return nil
}

// cursorStart computes where a new cursor on t begins. Cursors attached
// because t was just created start at its base offset so the creating
// publish is not missed. On resume, so do cursors on topics created while
// the session was offline.
func (b *Broker) cursorStart(ctx context.Context, t *Topic, rp *resumePoint, created bool) (cursorStart, error) {
	if rp != nil {
		if cs, ok := rp.cursors[t.Name()]; ok {
			return cursorStart{
				next:          cs.NextOffset,
				retainOffset:  cs.RetainOffset,
				retainPending: cs.RetainPending,
			}, nil
		}
		if !t.CreatedAt().Before(rp.savedAt) {
			created = true
		}
	}

	next := t.BaseOffset()
	if !created {
		latest, err := b.log.LatestOffset(ctx, t.Name())
		if err != nil {
			return cursorStart{}, fmt.Errorf("failed to read log tail: %w", err)
		}
		next = latest + 1
	}

	retainOffset, err := b.retained.OldestOffset(ctx, t.Name())
	if err != nil {
		return cursorStart{}, fmt.Errorf("failed to read retained offset: %w", err)
	}

	return cursorStart{
		next:          next,
		retainOffset:  retainOffset,
		retainPending: true,
	}, nil
}

func (b *Broker) topicCreated(t *Topic) {
	b.logOp("topic_created", slog.String("topic", t.Name()), slog.Int64("base_offset", t.BaseOffset()))
	if b.metrics != nil {
		b.metrics.RecordTopicCreated()
	}
	b.notify(context.Background(), events.TopicCreated{
		Name:       t.Name(),
		BaseOffset: t.BaseOffset(),
	})
}

func (b *Broker) subscriptionEstablished(ctx context.Context, s *Session, filter string, qos byte) {
	matched := 0
	if v, ok := s.filters.Load(filter); ok {
		v.(*filterSubscription).rangeCursors(func(*cursor) { matched++ })
	}

	b.logOp("subscribe",
		slog.String("client_id", s.clientID),
		slog.String("filter", filter),
		slog.Int("qos", int(qos)),
		slog.Int("topics", matched))

	b.stats.IncrementSubscriptions()
	if b.metrics != nil {
		b.metrics.RecordSubscriptionAdded()
	}
	b.notify(ctx, events.SubscriptionEstablished{
		ClientID:    s.clientID,
		TopicFilter: filter,
		QoS:         qos,
		Topics:      matched,
	})
}

func (b *Broker) subscriptionRemoved(ctx context.Context, s *Session, filter string) {
	b.logOp("unsubscribe", slog.String("client_id", s.clientID), slog.String("filter", filter))

	b.stats.IncrementUnsubscriptions()
	if b.metrics != nil {
		b.metrics.RecordSubscriptionRemoved()
	}
	b.notify(ctx, events.SubscriptionRemoved{
		ClientID:    s.clientID,
		TopicFilter: filter,
	})
}

func messageDelivered(clientID string, d *Delivery) events.MessageDelivered {
	return events.MessageDelivered{
		ClientID:     clientID,
		MessageTopic: d.Topic,
		Offset:       d.Offset,
		QoS:          d.QoS,
		Retained:     d.Retain,
		PayloadSize:  len(d.Payload),
	}
}

func (b *Broker) notify(ctx context.Context, ev events.Event) {
	if b.webhooks == nil {
		return
	}
	if err := b.webhooks.Notify(ctx, ev); err != nil {
		b.logError("webhook_notify", err, slog.String("event_type", ev.Type()))
	}
}

// Close ends every session, saving resumable state, and stops the workers.
func (b *Broker) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	ctx := context.Background()
	var errs []error
	b.sessions.Range(func(_, v any) bool {
		if err := b.disconnect(ctx, v.(*Session), reasonShutdown); err != nil {
			errs = append(errs, err)
		}
		return true
	})

	b.unwatch()
	if b.pool != nil {
		b.pool.Close()
	}

	b.logger.Info("broker stopped")
	return errors.Join(errs...)
}

func (b *Broker) logOp(op string, attrs ...any) {
	b.logger.Debug(op, attrs...)
}

func (b *Broker) logError(op string, err error, attrs ...any) {
	if err != nil {
		allAttrs := append([]any{slog.String("error", err.Error())}, attrs...)
		b.logger.Error(op, allAttrs...)
	}
}
