// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync/atomic"
	"time"
)

// Stats tracks broker statistics.
type Stats struct {
	startTime time.Time

	// Session stats
	totalSessions   atomic.Uint64
	currentSessions atomic.Int64
	takeovers       atomic.Uint64

	// Message stats
	publishReceived atomic.Uint64
	publishSent     atomic.Uint64
	retainedSent    atomic.Uint64
	acks            atomic.Uint64
	bytesReceived   atomic.Uint64

	// Subscription stats
	subscriptions   atomic.Uint64
	unsubscriptions atomic.Uint64

	// Flow control
	windowFull atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Uptime          string `json:"uptime"`
	TotalSessions   uint64 `json:"total_sessions"`
	CurrentSessions int64  `json:"current_sessions"`
	Takeovers       uint64 `json:"takeovers"`
	PublishReceived uint64 `json:"publish_received"`
	PublishSent     uint64 `json:"publish_sent"`
	RetainedSent    uint64 `json:"retained_sent"`
	Acks            uint64 `json:"acks"`
	BytesReceived   uint64 `json:"bytes_received"`
	Subscriptions   uint64 `json:"subscriptions"`
	Unsubscriptions uint64 `json:"unsubscriptions"`
	WindowFull      uint64 `json:"window_full"`
	Topics          int    `json:"topics"`
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
	}
}

// Session tracking.
func (s *Stats) IncrementSessions() {
	s.totalSessions.Add(1)
	s.currentSessions.Add(1)
}

func (s *Stats) DecrementSessions() {
	s.currentSessions.Add(-1)
}

func (s *Stats) IncrementTakeovers() {
	s.takeovers.Add(1)
}

func (s *Stats) GetCurrentSessions() int64 {
	return s.currentSessions.Load()
}

// Message tracking.
func (s *Stats) IncrementPublishReceived() {
	s.publishReceived.Add(1)
}

func (s *Stats) IncrementPublishSent() {
	s.publishSent.Add(1)
}

func (s *Stats) IncrementRetainedSent() {
	s.retainedSent.Add(1)
}

func (s *Stats) IncrementAcks() {
	s.acks.Add(1)
}

func (s *Stats) AddBytesReceived(n uint64) {
	s.bytesReceived.Add(n)
}

func (s *Stats) GetPublishReceived() uint64 {
	return s.publishReceived.Load()
}

func (s *Stats) GetPublishSent() uint64 {
	return s.publishSent.Load()
}

// Subscription tracking.
func (s *Stats) IncrementSubscriptions() {
	s.subscriptions.Add(1)
}

func (s *Stats) IncrementUnsubscriptions() {
	s.unsubscriptions.Add(1)
}

// IncrementWindowFull counts pushes stopped by a full inflight window.
func (s *Stats) IncrementWindowFull() {
	s.windowFull.Add(1)
}

func (s *Stats) GetWindowFull() uint64 {
	return s.windowFull.Load()
}

// GetUptime returns the time since the stats were created.
func (s *Stats) GetUptime() time.Duration {
	return time.Since(s.startTime)
}

// Snapshot copies the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Uptime:          s.GetUptime().Round(time.Second).String(),
		TotalSessions:   s.totalSessions.Load(),
		CurrentSessions: s.currentSessions.Load(),
		Takeovers:       s.takeovers.Load(),
		PublishReceived: s.publishReceived.Load(),
		PublishSent:     s.publishSent.Load(),
		RetainedSent:    s.retainedSent.Load(),
		Acks:            s.acks.Load(),
		BytesReceived:   s.bytesReceived.Load(),
		Subscriptions:   s.subscriptions.Load(),
		Unsubscriptions: s.unsubscriptions.Load(),
		WindowFull:      s.windowFull.Load(),
	}
}
