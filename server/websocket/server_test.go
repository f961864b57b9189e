// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/absmach/logmq/broker"
	"github.com/absmach/logmq/config"
	"github.com/absmach/logmq/ratelimit"
	"github.com/absmach/logmq/storage/memory"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, limiter *ratelimit.IPRateLimiter) (*broker.Broker, string) {
	t.Helper()
	cfg := config.Default()
	b := broker.NewBroker(memory.New(), nil, nil, nil, nil, nil, cfg.Broker, cfg.Session)
	t.Cleanup(func() { _ = b.Close() })

	s := New(Config{Path: "/ws", ShutdownTimeout: time.Second}, b, limiter, nil)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return b, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

type client struct {
	t  *testing.T
	ws *websocket.Conn
}

func dial(t *testing.T, url string) *client {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return &client{t: t, ws: ws}
}

func (c *client) send(f Frame) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteJSON(f))
}

func (c *client) recv() Frame {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f Frame
	require.NoError(c.t, c.ws.ReadJSON(&f))
	return f
}

func (c *client) connect(id string, clean bool) Frame {
	c.t.Helper()
	c.send(Frame{Type: frameConnect, ClientID: id, CleanSession: clean})
	f := c.recv()
	require.Equal(c.t, frameConnAck, f.Type, f.Error)
	return f
}

func TestConnectRequiresConnectFrame(t *testing.T) {
	_, url := newTestServer(t, nil)
	c := dial(t, url)

	c.send(Frame{Type: frameSubscribe, Filter: "a"})
	f := c.recv()
	assert.Equal(t, frameError, f.Type)
	assert.Equal(t, errConnectExpected.Error(), f.Error)
}

func TestConnectAssignsClientID(t *testing.T) {
	_, url := newTestServer(t, nil)
	c := dial(t, url)

	ack := c.connect("", true)
	assert.NotEmpty(t, ack.ClientID)
	assert.False(t, ack.Resumed)
}

func TestPublishSubscribeQoS1(t *testing.T) {
	_, url := newTestServer(t, nil)

	sub := dial(t, url)
	sub.connect("sub", true)
	sub.send(Frame{Type: frameSubscribe, Filter: "sensors/+", QoS: 1})
	ack := sub.recv()
	require.Equal(t, frameSubAck, ack.Type)
	assert.Equal(t, byte(1), ack.QoS)

	pub := dial(t, url)
	pub.connect("pub", true)
	pub.send(Frame{Type: framePublish, Topic: "sensors/t1", Payload: []byte("21.5"), QoS: 1, PacketID: 7})
	puback := pub.recv()
	assert.Equal(t, framePubAck, puback.Type)
	assert.Equal(t, uint16(7), puback.PacketID)

	msg := sub.recv()
	require.Equal(t, framePublish, msg.Type)
	assert.Equal(t, "sensors/t1", msg.Topic)
	assert.Equal(t, []byte("21.5"), msg.Payload)
	assert.Equal(t, byte(1), msg.QoS)
	assert.NotZero(t, msg.PacketID)

	sub.send(Frame{Type: framePubAck, PacketID: msg.PacketID})

	pub.send(Frame{Type: framePublish, Topic: "sensors/t1", Payload: []byte("22"), QoS: 1, PacketID: 8})
	require.Equal(t, framePubAck, pub.recv().Type)

	next := sub.recv()
	assert.Equal(t, []byte("22"), next.Payload)
	assert.Equal(t, msg.Offset+1, next.Offset)
}

func TestQoS2Flows(t *testing.T) {
	_, url := newTestServer(t, nil)

	sub := dial(t, url)
	sub.connect("sub", true)
	sub.send(Frame{Type: frameSubscribe, Filter: "x", QoS: 2})
	require.Equal(t, frameSubAck, sub.recv().Type)

	pub := dial(t, url)
	pub.connect("pub", true)
	pub.send(Frame{Type: framePublish, Topic: "x", Payload: []byte("once"), QoS: 2, PacketID: 1})
	require.Equal(t, framePubRec, pub.recv().Type)

	// A retransmission before PUBREL is not published again.
	pub.send(Frame{Type: framePublish, Topic: "x", Payload: []byte("once"), QoS: 2, PacketID: 1})
	require.Equal(t, framePubRec, pub.recv().Type)

	pub.send(Frame{Type: framePubRel, PacketID: 1})
	comp := pub.recv()
	assert.Equal(t, framePubComp, comp.Type)

	msg := sub.recv()
	require.Equal(t, framePublish, msg.Type)
	assert.Equal(t, byte(2), msg.QoS)

	sub.send(Frame{Type: framePubRec, PacketID: msg.PacketID})
	rel := sub.recv()
	assert.Equal(t, framePubRel, rel.Type)
	assert.Equal(t, msg.PacketID, rel.PacketID)
	sub.send(Frame{Type: framePubComp, PacketID: msg.PacketID})

	pub.send(Frame{Type: framePublish, Topic: "x", Payload: []byte("second"), QoS: 0})
	next := sub.recv()
	assert.Equal(t, []byte("second"), next.Payload)
	assert.Equal(t, msg.Offset+1, next.Offset)
}

func TestUnknownFrame(t *testing.T) {
	_, url := newTestServer(t, nil)
	c := dial(t, url)
	c.connect("c", true)

	c.send(Frame{Type: "bogus"})
	f := c.recv()
	assert.Equal(t, frameError, f.Type)
	assert.Contains(t, f.Error, "bogus")
}

func TestConnectionLossPublishesWill(t *testing.T) {
	_, url := newTestServer(t, nil)

	watcher := dial(t, url)
	watcher.connect("watcher", true)
	watcher.send(Frame{Type: frameSubscribe, Filter: "status/#"})
	require.Equal(t, frameSubAck, watcher.recv().Type)

	dev := dial(t, url)
	dev.send(Frame{Type: frameConnect, ClientID: "dev", CleanSession: true, Will: &WillFrame{Topic: "status/dev", Payload: []byte("gone")}})
	require.Equal(t, frameConnAck, dev.recv().Type)
	require.NoError(t, dev.ws.Close())

	will := watcher.recv()
	assert.Equal(t, "status/dev", will.Topic)
	assert.Equal(t, []byte("gone"), will.Payload)
}

func TestGracefulDisconnectDropsWill(t *testing.T) {
	b, url := newTestServer(t, nil)

	dev := dial(t, url)
	dev.send(Frame{Type: frameConnect, ClientID: "dev", CleanSession: true, Will: &WillFrame{Topic: "status/dev", Payload: []byte("gone")}})
	require.Equal(t, frameConnAck, dev.recv().Type)
	dev.send(Frame{Type: frameDisconnect})

	require.Eventually(t, func() bool {
		_, ok := b.Session("dev")
		return !ok
	}, time.Second, 5*time.Millisecond)
	_, ok := b.Registry().Get("status/dev")
	assert.False(t, ok)
}

func TestTakeoverClosesOldConnection(t *testing.T) {
	_, url := newTestServer(t, nil)

	first := dial(t, url)
	first.connect("same", true)

	second := dial(t, url)
	second.connect("same", true)

	require.NoError(t, first.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f Frame
	assert.Error(t, first.ws.ReadJSON(&f))
}

func TestConnectionRateLimit(t *testing.T) {
	limiter := ratelimit.NewIPRateLimiter(0.001, 1, time.Minute)
	defer limiter.Stop()
	_, url := newTestServer(t, limiter)

	dial(t, url)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}
