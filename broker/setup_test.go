// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/absmach/logmq/config"
	"github.com/absmach/logmq/storage"
	"github.com/absmach/logmq/storage/memory"
	"github.com/stretchr/testify/require"
)

// manualScheduler queues tasks until the test drains them, making delivery
// order deterministic.
type manualScheduler struct {
	mu     sync.Mutex
	tasks  []func()
	closed bool
}

func (m *manualScheduler) Submit(fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.tasks = append(m.tasks, fn)
	return true
}

// drain runs tasks, including those they submit, until none are left.
func (m *manualScheduler) drain() {
	for {
		m.mu.Lock()
		if len(m.tasks) == 0 {
			m.mu.Unlock()
			return
		}
		fn := m.tasks[0]
		m.tasks = m.tasks[1:]
		m.mu.Unlock()
		fn()
	}
}

type recordingConn struct {
	mu         sync.Mutex
	deliveries []*Delivery
	releases   []uint16
	closed     bool
}

func (c *recordingConn) Deliver(d *Delivery) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *d
	c.deliveries = append(c.deliveries, &cp)
	return nil
}

func (c *recordingConn) Release(packetID uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releases = append(c.releases, packetID)
	return nil
}

func (c *recordingConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// take returns and forgets the deliveries received so far.
func (c *recordingConn) take() []*Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	ds := c.deliveries
	c.deliveries = nil
	return ds
}

func (c *recordingConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.deliveries)
}

func (c *recordingConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type testBroker struct {
	*Broker
	sched *manualScheduler
	store storage.Store
}

type brokerOption func(*config.BrokerConfig, *config.SessionConfig)

func withInflight(n int) brokerOption {
	return func(b *config.BrokerConfig, _ *config.SessionConfig) { b.MaxInflight = n }
}

func withMaxQoS(q byte) brokerOption {
	return func(b *config.BrokerConfig, _ *config.SessionConfig) { b.MaxQoS = q }
}

func withMaxSessions(n int) brokerOption {
	return func(_ *config.BrokerConfig, s *config.SessionConfig) { s.MaxSessions = n }
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newBrokerConfig(opts []brokerOption) (config.BrokerConfig, config.SessionConfig) {
	cfg := config.Default()
	bc, sc := cfg.Broker, cfg.Session
	for _, o := range opts {
		o(&bc, &sc)
	}
	return bc, sc
}

// newTestBroker returns a broker driven by a manual scheduler.
func newTestBroker(t *testing.T, opts ...brokerOption) *testBroker {
	t.Helper()
	bc, sc := newBrokerConfig(opts)
	store := memory.New()
	b := NewBroker(store, discardLogger(), nil, nil, nil, nil, bc, sc)
	sched := &manualScheduler{}
	b.SetScheduler(sched)
	t.Cleanup(func() { _ = b.Close() })
	return &testBroker{Broker: b, sched: sched, store: store}
}

// newPooledBroker returns a broker using its own worker pool.
func newPooledBroker(t *testing.T, opts ...brokerOption) *Broker {
	t.Helper()
	bc, sc := newBrokerConfig(opts)
	b := NewBroker(memory.New(), discardLogger(), nil, nil, nil, nil, bc, sc)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func connect(t *testing.T, b *Broker, clientID string, clean bool) (*Session, *recordingConn) {
	t.Helper()
	conn := &recordingConn{}
	s, _, err := b.Connect(context.Background(), ConnectOptions{Conn: conn, ClientID: clientID, CleanSession: clean})
	require.NoError(t, err)
	return s, conn
}

func subscribe(t *testing.T, s *Session, filter string, qos byte) {
	t.Helper()
	_, err := s.Subscribe(context.Background(), filter, qos)
	require.NoError(t, err)
}

func publish(t *testing.T, b *Broker, topic, payload string, qos byte, retain bool) *storage.Message {
	t.Helper()
	msg := &storage.Message{Topic: topic, Payload: []byte(payload), QoS: qos, Retain: retain}
	require.NoError(t, b.Publish(context.Background(), msg))
	return msg
}

func payloads(ds []*Delivery) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = string(d.Payload)
	}
	return out
}
