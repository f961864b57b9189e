// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides token-bucket limiters keyed by client ID and by
// remote IP.
package ratelimit

import (
	"net"
	"sync"
	"time"

	"github.com/absmach/logmq/config"
	"golang.org/x/time/rate"
)

// keyed holds one limiter per key and forgets keys idle for longer than ttl.
type keyed struct {
	mu      sync.Mutex
	entries map[string]*entry
	limit   rate.Limit
	burst   int
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newKeyed(r float64, burst int) *keyed {
	return &keyed{
		entries: make(map[string]*entry),
		limit:   rate.Limit(r),
		burst:   burst,
	}
}

func (k *keyed) allow(key string) bool {
	now := time.Now()

	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(k.limit, k.burst)}
		k.entries[key] = e
	}
	e.lastSeen = now
	k.mu.Unlock()

	return e.limiter.AllowN(now, 1)
}

func (k *keyed) remove(key string) {
	k.mu.Lock()
	delete(k.entries, key)
	k.mu.Unlock()
}

func (k *keyed) evictBefore(t time.Time) int {
	k.mu.Lock()
	defer k.mu.Unlock()

	n := 0
	for key, e := range k.entries {
		if e.lastSeen.Before(t) {
			delete(k.entries, key)
			n++
		}
	}
	return n
}

func (k *keyed) len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

// ClientRateLimiter limits publish and subscribe requests per client.
type ClientRateLimiter struct {
	publish   *keyed
	subscribe *keyed
}

// NewClientRateLimiter creates a client limiter from rates in requests per second.
func NewClientRateLimiter(publishRate float64, publishBurst int, subscribeRate float64, subscribeBurst int) *ClientRateLimiter {
	return &ClientRateLimiter{
		publish:   newKeyed(publishRate, publishBurst),
		subscribe: newKeyed(subscribeRate, subscribeBurst),
	}
}

// NewFromConfig returns nil when rate limiting is disabled.
func NewFromConfig(cfg config.RateLimitConfig) *ClientRateLimiter {
	if !cfg.Enabled {
		return nil
	}
	return NewClientRateLimiter(cfg.PublishRate, cfg.PublishBurst, cfg.SubscribeRate, cfg.SubscribeBurst)
}

// AllowPublish reports whether clientID may publish now.
func (l *ClientRateLimiter) AllowPublish(clientID string) bool {
	return l.publish.allow(clientID)
}

// AllowSubscribe reports whether clientID may subscribe now.
func (l *ClientRateLimiter) AllowSubscribe(clientID string) bool {
	return l.subscribe.allow(clientID)
}

// RemoveClient drops the limiters of a client whose session ended.
func (l *ClientRateLimiter) RemoveClient(clientID string) {
	l.publish.remove(clientID)
	l.subscribe.remove(clientID)
}

// IPRateLimiter limits connection attempts per remote IP.
type IPRateLimiter struct {
	limits  *keyed
	idle    time.Duration
	stop    chan struct{}
	stopped sync.Once
}

// NewIPRateLimiter starts a limiter that evicts IPs idle for two cleanup intervals.
func NewIPRateLimiter(r float64, burst int, cleanupInterval time.Duration) *IPRateLimiter {
	l := &IPRateLimiter{
		limits: newKeyed(r, burst),
		idle:   2 * cleanupInterval,
		stop:   make(chan struct{}),
	}
	go l.evictLoop(cleanupInterval)
	return l
}

// Allow reports whether a connection from addr is allowed. Addresses without
// a usable IP are always allowed.
func (l *IPRateLimiter) Allow(addr net.Addr) bool {
	ip := extractIP(addr)
	if ip == "" {
		return true
	}
	return l.limits.allow(ip)
}

// AllowRemote is Allow for a "host:port" string as found on http.Request.
func (l *IPRateLimiter) AllowRemote(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	if host == "" {
		return true
	}
	return l.limits.allow(host)
}

func (l *IPRateLimiter) evictLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case now := <-t.C:
			l.limits.evictBefore(now.Add(-l.idle))
		case <-l.stop:
			return
		}
	}
}

// Stop ends the eviction loop. It is safe to call more than once.
func (l *IPRateLimiter) Stop() {
	l.stopped.Do(func() { close(l.stop) })
}

func extractIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}

	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	}

	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
