// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"net"
	"testing"
	"time"

	"github.com/absmach/logmq/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientRateLimiterBurst(t *testing.T) {
	l := NewClientRateLimiter(1, 3, 1, 1)

	for i := range 3 {
		assert.True(t, l.AllowPublish("c1"), "publish %d", i)
	}
	assert.False(t, l.AllowPublish("c1"))

	assert.True(t, l.AllowSubscribe("c1"))
	assert.False(t, l.AllowSubscribe("c1"))

	// Buckets are per client.
	assert.True(t, l.AllowPublish("c2"))
	assert.True(t, l.AllowSubscribe("c2"))
}

func TestClientRateLimiterRemoveClient(t *testing.T) {
	l := NewClientRateLimiter(1, 1, 1, 1)
	require.True(t, l.AllowPublish("c1"))
	require.False(t, l.AllowPublish("c1"))

	l.RemoveClient("c1")
	assert.Zero(t, l.publish.len())
	assert.True(t, l.AllowPublish("c1"))
}

func TestNewFromConfig(t *testing.T) {
	assert.Nil(t, NewFromConfig(config.RateLimitConfig{Enabled: false}))

	l := NewFromConfig(config.RateLimitConfig{Enabled: true, PublishRate: 1, PublishBurst: 1, SubscribeRate: 1, SubscribeBurst: 1})
	require.NotNil(t, l)
	assert.True(t, l.AllowPublish("c"))
	assert.False(t, l.AllowPublish("c"))
}

func TestIPRateLimiter(t *testing.T) {
	l := NewIPRateLimiter(1, 2, time.Minute)
	defer l.Stop()

	a := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 1000}
	b := &net.TCPAddr{IP: net.ParseIP("10.0.0.2"), Port: 1000}

	assert.True(t, l.Allow(a))
	assert.True(t, l.Allow(&net.TCPAddr{IP: a.IP, Port: 2000}))
	assert.False(t, l.Allow(a))
	assert.True(t, l.Allow(b))

	assert.True(t, l.Allow(nil))
	assert.False(t, l.AllowRemote("10.0.0.1:5555"))
	assert.True(t, l.AllowRemote("10.0.0.3:5555"))

	l.Stop()
}

func TestKeyedEviction(t *testing.T) {
	k := newKeyed(1, 1)
	k.allow("a")
	k.allow("b")

	assert.Equal(t, 0, k.evictBefore(time.Now().Add(-time.Hour)))
	assert.Equal(t, 2, k.evictBefore(time.Now().Add(time.Second)))
	assert.Zero(t, k.len())
}

func TestExtractIP(t *testing.T) {
	cases := []struct {
		desc string
		addr net.Addr
		want string
	}{
		{desc: "nil", addr: nil, want: ""},
		{desc: "tcp v4", addr: &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 80}, want: "192.168.1.1"},
		{desc: "tcp v6", addr: &net.TCPAddr{IP: net.ParseIP("::1"), Port: 80}, want: "::1"},
		{desc: "udp", addr: &net.UDPAddr{IP: net.ParseIP("10.1.1.1"), Port: 53}, want: "10.1.1.1"},
		{desc: "unix", addr: &net.UnixAddr{Name: "/tmp/sock", Net: "unix"}, want: "/tmp/sock"},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			assert.Equal(t, tc.want, extractIP(tc.addr))
		})
	}
}
