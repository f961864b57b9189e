// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "logmq-broker"

// Metrics holds the broker's metric instruments.
type Metrics struct {
	sessionsTotal     metric.Int64Counter
	sessionsEnded     metric.Int64Counter
	sessionsActive    metric.Int64UpDownCounter
	topicsTotal       metric.Int64Counter
	subscriptions     metric.Int64UpDownCounter
	retained          metric.Int64UpDownCounter
	messagesReceived  metric.Int64Counter
	messagesSent      metric.Int64Counter
	bytesReceived     metric.Int64Counter
	bytesSent         metric.Int64Counter
	messageSize       metric.Int64Histogram
	publishDurationMs metric.Float64Histogram
}

// NewMetrics creates all instruments on mp, or on the global provider when mp is nil.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)

	m := &Metrics{}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.sessionsTotal, "logmq.sessions.total", "Sessions established"},
		{&m.sessionsEnded, "logmq.sessions.ended.total", "Sessions ended, by reason"},
		{&m.topicsTotal, "logmq.topics.total", "Topics created"},
		{&m.messagesReceived, "logmq.messages.received.total", "Messages appended to topic logs"},
		{&m.messagesSent, "logmq.messages.sent.total", "Messages pushed to subscribers"},
		{&m.bytesReceived, "logmq.bytes.received.total", "Payload bytes received"},
		{&m.bytesSent, "logmq.bytes.sent.total", "Payload bytes sent"},
	}
	for _, c := range counters {
		inst, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = inst
	}

	gauges := []struct {
		dst  *metric.Int64UpDownCounter
		name string
		desc string
	}{
		{&m.sessionsActive, "logmq.sessions.active", "Live sessions"},
		{&m.subscriptions, "logmq.subscriptions.active", "Active filter subscriptions"},
		{&m.retained, "logmq.retained.messages", "Retained messages held"},
	}
	for _, g := range gauges {
		inst, err := meter.Int64UpDownCounter(g.name, metric.WithDescription(g.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s gauge: %w", g.name, err)
		}
		*g.dst = inst
	}

	var err error
	m.messageSize, err = meter.Int64Histogram("logmq.message.size.bytes",
		metric.WithDescription("Published payload size"),
		metric.WithUnit("By"))
	if err != nil {
		return nil, fmt.Errorf("failed to create message size histogram: %w", err)
	}
	m.publishDurationMs, err = meter.Float64Histogram("logmq.publish.duration.ms",
		metric.WithDescription("Time to append and fan out a publish"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("failed to create publish duration histogram: %w", err)
	}

	return m, nil
}

// RecordSessionCreated counts a new live session.
func (m *Metrics) RecordSessionCreated() {
	ctx := context.Background()
	m.sessionsTotal.Add(ctx, 1)
	m.sessionsActive.Add(ctx, 1)
}

// RecordSessionDestroyed counts a session end.
func (m *Metrics) RecordSessionDestroyed(reason string) {
	ctx := context.Background()
	m.sessionsEnded.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	m.sessionsActive.Add(ctx, -1)
}

func (m *Metrics) RecordTopicCreated() {
	m.topicsTotal.Add(context.Background(), 1)
}

// RecordMessageReceived records an accepted publish.
func (m *Metrics) RecordMessageReceived(qos byte, sizeBytes int64) {
	ctx := context.Background()
	m.messagesReceived.Add(ctx, 1, metric.WithAttributes(attribute.Int("qos", int(qos))))
	m.bytesReceived.Add(ctx, sizeBytes)
	m.messageSize.Record(ctx, sizeBytes)
}

// RecordMessageSent records a delivery handed to a subscriber connection.
func (m *Metrics) RecordMessageSent(qos byte, sizeBytes int64) {
	ctx := context.Background()
	m.messagesSent.Add(ctx, 1, metric.WithAttributes(attribute.Int("qos", int(qos))))
	m.bytesSent.Add(ctx, sizeBytes)
}

func (m *Metrics) RecordPublishDuration(durationMs float64) {
	m.publishDurationMs.Record(context.Background(), durationMs)
}

func (m *Metrics) RecordSubscriptionAdded() {
	m.subscriptions.Add(context.Background(), 1)
}

func (m *Metrics) RecordSubscriptionRemoved() {
	m.subscriptions.Add(context.Background(), -1)
}

func (m *Metrics) RecordRetainedSet() {
	m.retained.Add(context.Background(), 1)
}

func (m *Metrics) RecordRetainedDeleted() {
	m.retained.Add(context.Background(), -1)
}
