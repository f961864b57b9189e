// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/absmach/logmq/broker/events"
	"github.com/absmach/logmq/config"
	"github.com/absmach/logmq/topics"
	"github.com/sony/gobreaker"
)

var _ Notifier = (*GenericNotifier)(nil)

// ErrNotifierClosed is returned by Notify after Close.
var ErrNotifierClosed = errors.New("webhook notifier closed")

// GenericNotifier fans events out to the configured endpoints through a
// bounded queue, a worker pool and one circuit breaker per endpoint.
type GenericNotifier struct {
	cfg            config.WebhookConfig
	brokerID       string
	endpoints      []endpoint
	queue          chan job
	breakers       map[string]*gobreaker.CircuitBreaker
	sender         Sender
	logger         *slog.Logger
	wg             sync.WaitGroup
	ctx            context.Context
	cancel         context.CancelFunc
	includePayload bool
}

type endpoint struct {
	name         string
	url          string
	events       map[string]bool // empty accepts all
	topicFilters []string        // empty accepts all
	headers      map[string]string
	timeout      time.Duration
	retry        config.RetryConfig
}

type job struct {
	event    events.Event
	endpoint endpoint
	attempt  int
}

// NewNotifier creates a new webhook notifier and starts its workers.
func NewNotifier(cfg config.WebhookConfig, brokerID string, sender Sender, logger *slog.Logger) (*GenericNotifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if sender == nil {
		return nil, fmt.Errorf("sender cannot be nil")
	}
	for _, ep := range cfg.Endpoints {
		for _, f := range ep.TopicFilters {
			if err := topics.ValidateFilter(f); err != nil {
				return nil, fmt.Errorf("endpoint %s: %w", ep.Name, err)
			}
		}
	}

	endpoints := make([]endpoint, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		evs := make(map[string]bool, len(ep.Events))
		for _, t := range ep.Events {
			evs[t] = true
		}

		timeout := cfg.Defaults.Timeout
		if ep.Timeout > 0 {
			timeout = ep.Timeout
		}
		retry := cfg.Defaults.Retry
		if ep.Retry != nil {
			retry = *ep.Retry
		}

		endpoints = append(endpoints, endpoint{
			name:         ep.Name,
			url:          ep.URL,
			events:       evs,
			topicFilters: ep.TopicFilters,
			headers:      ep.Headers,
			timeout:      timeout,
			retry:        retry,
		})
	}

	threshold := uint32(max(cfg.Defaults.CircuitBreaker.FailureThreshold, 1))
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(endpoints))
	for _, ep := range endpoints {
		breakers[ep.name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        ep.name,
			MaxRequests: 1,
			Timeout:     cfg.Defaults.CircuitBreaker.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("webhook circuit breaker state changed",
					slog.String("endpoint", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &GenericNotifier{
		cfg:            cfg,
		brokerID:       brokerID,
		endpoints:      endpoints,
		queue:          make(chan job, max(cfg.QueueSize, 1)),
		breakers:       breakers,
		sender:         sender,
		logger:         logger,
		ctx:            ctx,
		cancel:         cancel,
		includePayload: cfg.IncludePayload,
	}

	workers := max(cfg.Workers, 1)
	for range workers {
		n.wg.Add(1)
		go n.worker()
	}

	logger.Info("webhook notifier started",
		slog.Int("workers", workers),
		slog.Int("queue_size", cap(n.queue)),
		slog.Int("endpoints", len(endpoints)))

	return n, nil
}

// Notify queues ev for every endpoint that accepts it. A full queue drops
// events according to the drop policy.
func (n *GenericNotifier) Notify(_ context.Context, ev events.Event) error {
	if n.ctx.Err() != nil {
		return ErrNotifierClosed
	}

	if mp, ok := ev.(events.MessagePublished); ok && !n.includePayload {
		mp.Payload = ""
		ev = mp
	}

	for _, ep := range n.endpoints {
		if !ep.accepts(ev) {
			continue
		}
		n.enqueue(job{event: ev, endpoint: ep})
	}
	return nil
}

func (n *GenericNotifier) enqueue(j job) {
	select {
	case n.queue <- j:
		return
	default:
	}

	if n.cfg.DropPolicy == "oldest" {
		select {
		case <-n.queue:
		default:
		}
		select {
		case n.queue <- j:
			return
		default:
		}
	}

	n.logger.Error("webhook queue full, event dropped",
		slog.String("event_type", j.event.Type()),
		slog.String("endpoint", j.endpoint.name))
}

func (ep endpoint) accepts(ev events.Event) bool {
	if len(ep.events) > 0 && !ep.events[ev.Type()] {
		return false
	}

	topic := ev.Topic()
	if topic == "" || len(ep.topicFilters) == 0 {
		return true
	}
	for _, f := range ep.topicFilters {
		if topics.TopicMatch(f, topic) {
			return true
		}
	}
	return false
}

func (n *GenericNotifier) worker() {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			return
		case j := <-n.queue:
			n.process(j)
		}
	}
}

// process sends one job through the endpoint's breaker, scheduling a retry
// with exponential backoff on failure.
func (n *GenericNotifier) process(j job) {
	breaker := n.breakers[j.endpoint.name]

	_, err := breaker.Execute(func() (any, error) {
		return nil, n.send(j)
	})
	if err == nil {
		return
	}

	if j.attempt >= j.endpoint.retry.MaxAttempts-1 {
		n.logger.Error("webhook delivery failed after max retries",
			slog.String("endpoint", j.endpoint.name),
			slog.String("event_type", j.event.Type()),
			slog.Int("attempts", j.attempt+1),
			slog.String("error", err.Error()))
		return
	}

	j.attempt++
	delay := retryDelay(j.attempt, j.endpoint.retry)
	n.logger.Debug("webhook delivery failed, retrying",
		slog.String("endpoint", j.endpoint.name),
		slog.String("event_type", j.event.Type()),
		slog.Int("attempt", j.attempt),
		slog.Duration("retry_after", delay),
		slog.String("error", err.Error()))

	time.AfterFunc(delay, func() {
		if n.ctx.Err() != nil {
			return
		}
		select {
		case n.queue <- j:
		default:
			n.logger.Error("failed to requeue event for retry",
				slog.String("endpoint", j.endpoint.name),
				slog.String("event_type", j.event.Type()))
		}
	})
}

func (n *GenericNotifier) send(j job) error {
	payload, err := json.Marshal(j.event.Wrap(n.brokerID))
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(n.ctx, j.endpoint.timeout)
	defer cancel()

	if err := n.sender.Send(ctx, j.endpoint.url, j.endpoint.headers, payload, j.endpoint.timeout); err != nil {
		return err
	}

	n.logger.Debug("webhook delivered",
		slog.String("endpoint", j.endpoint.name),
		slog.String("event_type", j.event.Type()))
	return nil
}

func retryDelay(attempt int, cfg config.RetryConfig) time.Duration {
	delay := float64(cfg.InitialInterval) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxInterval > 0 && delay > float64(cfg.MaxInterval) {
		delay = float64(cfg.MaxInterval)
	}
	return time.Duration(delay)
}

// Close drains queued events until the shutdown timeout and stops the workers.
func (n *GenericNotifier) Close() error {
	n.logger.Info("shutting down webhook notifier")

	deadline := time.After(n.cfg.ShutdownTimeout)
drain:
	for len(n.queue) > 0 {
		select {
		case <-deadline:
			n.logger.Warn("webhook notifier shutdown timeout, some events may be lost",
				slog.Int("queue_depth", len(n.queue)))
			break drain
		case <-time.After(10 * time.Millisecond):
		}
	}

	n.cancel()
	n.wg.Wait()
	n.logger.Info("webhook notifier stopped")
	return nil
}
