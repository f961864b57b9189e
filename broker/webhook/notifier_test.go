// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/logmq/broker/events"
	"github.com/absmach/logmq/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu       sync.Mutex
	calls    atomic.Int32
	fail     atomic.Int32 // number of leading calls that fail
	payloads [][]byte
}

func (f *fakeSender) Send(_ context.Context, _ string, _ map[string]string, payload []byte, _ time.Duration) error {
	n := f.calls.Add(1)
	if n <= f.fail.Load() {
		return errors.New("endpoint down")
	}
	f.mu.Lock()
	f.payloads = append(f.payloads, payload)
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) delivered() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.payloads...)
}

func testWebhookConfig(endpoints ...config.WebhookEndpoint) config.WebhookConfig {
	return config.WebhookConfig{
		Enabled:         true,
		QueueSize:       100,
		DropPolicy:      "oldest",
		Workers:         2,
		ShutdownTimeout: time.Second,
		Defaults: config.WebhookDefaults{
			Timeout: time.Second,
			Retry: config.RetryConfig{
				MaxAttempts:     3,
				InitialInterval: 10 * time.Millisecond,
				MaxInterval:     50 * time.Millisecond,
				Multiplier:      2,
			},
			CircuitBreaker: config.CircuitBreakerConfig{
				FailureThreshold: 10,
				ResetTimeout:     time.Second,
			},
		},
		Endpoints: endpoints,
	}
}

func newTestNotifier(t *testing.T, cfg config.WebhookConfig, s Sender) *GenericNotifier {
	t.Helper()
	n, err := NewNotifier(cfg, "node-1", s, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func TestNewNotifierValidation(t *testing.T) {
	_, err := NewNotifier(testWebhookConfig(), "node-1", nil, nil)
	assert.Error(t, err)

	cfg := testWebhookConfig(config.WebhookEndpoint{Name: "bad", URL: "http://x", TopicFilters: []string{"a/#/b"}})
	_, err = NewNotifier(cfg, "node-1", &fakeSender{}, nil)
	assert.Error(t, err)
}

func TestNotifierDeliversEnvelope(t *testing.T) {
	s := &fakeSender{}
	n := newTestNotifier(t, testWebhookConfig(config.WebhookEndpoint{Name: "all", URL: "http://x"}), s)

	require.NoError(t, n.Notify(context.Background(), events.SessionCreated{ClientID: "c1", CleanSession: true}))

	require.Eventually(t, func() bool { return len(s.delivered()) == 1 }, time.Second, 5*time.Millisecond)

	var env map[string]any
	require.NoError(t, json.Unmarshal(s.delivered()[0], &env))
	assert.Equal(t, events.TypeSessionCreated, env["event_type"])
	assert.Equal(t, "node-1", env["broker_id"])
}

func TestNotifierFilters(t *testing.T) {
	cases := []struct {
		desc  string
		ep    config.WebhookEndpoint
		event events.Event
		want  bool
	}{
		{
			desc:  "event type accepted",
			ep:    config.WebhookEndpoint{Events: []string{events.TypeTopicCreated}},
			event: events.TopicCreated{Name: "a/b"},
			want:  true,
		},
		{
			desc:  "event type rejected",
			ep:    config.WebhookEndpoint{Events: []string{events.TypeTopicCreated}},
			event: events.SessionCreated{ClientID: "c"},
			want:  false,
		},
		{
			desc:  "topic filter wildcard match",
			ep:    config.WebhookEndpoint{TopicFilters: []string{"sensors/+/temp"}},
			event: events.MessagePublished{MessageTopic: "sensors/k/temp"},
			want:  true,
		},
		{
			desc:  "topic filter no match",
			ep:    config.WebhookEndpoint{TopicFilters: []string{"sensors/#"}},
			event: events.MessagePublished{MessageTopic: "alerts/k"},
			want:  false,
		},
		{
			desc:  "topicless event passes topic filter",
			ep:    config.WebhookEndpoint{TopicFilters: []string{"sensors/#"}},
			event: events.SessionDestroyed{ClientID: "c"},
			want:  true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			tc.ep.Name, tc.ep.URL = "ep", "http://x"
			s := &fakeSender{}
			n := newTestNotifier(t, testWebhookConfig(tc.ep), s)

			require.NoError(t, n.Notify(context.Background(), tc.event))
			if tc.want {
				require.Eventually(t, func() bool { return s.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
				return
			}
			time.Sleep(50 * time.Millisecond)
			assert.Zero(t, s.calls.Load())
		})
	}
}

func TestNotifierPayloadStripped(t *testing.T) {
	s := &fakeSender{}
	n := newTestNotifier(t, testWebhookConfig(config.WebhookEndpoint{Name: "ep", URL: "http://x"}), s)

	require.NoError(t, n.Notify(context.Background(), events.MessagePublished{MessageTopic: "a", Payload: "aGk=", PayloadSize: 2}))
	require.Eventually(t, func() bool { return len(s.delivered()) == 1 }, time.Second, 5*time.Millisecond)
	assert.NotContains(t, string(s.delivered()[0]), "aGk=")
}

func TestNotifierRetry(t *testing.T) {
	s := &fakeSender{}
	s.fail.Store(2)
	n := newTestNotifier(t, testWebhookConfig(config.WebhookEndpoint{Name: "ep", URL: "http://x"}), s)

	require.NoError(t, n.Notify(context.Background(), events.TopicCreated{Name: "t"}))
	require.Eventually(t, func() bool { return len(s.delivered()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), s.calls.Load())
}

func TestNotifierGivesUpAfterMaxAttempts(t *testing.T) {
	s := &fakeSender{}
	s.fail.Store(100)
	n := newTestNotifier(t, testWebhookConfig(config.WebhookEndpoint{Name: "ep", URL: "http://x"}), s)

	require.NoError(t, n.Notify(context.Background(), events.TopicCreated{Name: "t"}))
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(3), s.calls.Load())
}

func TestNotifierClosed(t *testing.T) {
	n, err := NewNotifier(testWebhookConfig(), "node-1", &fakeSender{}, nil)
	require.NoError(t, err)
	require.NoError(t, n.Close())
	assert.ErrorIs(t, n.Notify(context.Background(), events.TopicCreated{Name: "t"}), ErrNotifierClosed)
}

func TestRetryDelay(t *testing.T) {
	cfg := config.RetryConfig{InitialInterval: 100 * time.Millisecond, MaxInterval: time.Second, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, retryDelay(1, cfg))
	assert.Equal(t, 400*time.Millisecond, retryDelay(3, cfg))
	assert.Equal(t, time.Second, retryDelay(10, cfg))
}
