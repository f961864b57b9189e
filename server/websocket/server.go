// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package websocket serves broker sessions over a JSON framed WebSocket.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/logmq/broker"
	"github.com/absmach/logmq/ratelimit"
	"github.com/absmach/logmq/storage"
	"github.com/gorilla/websocket"
)

const (
	defaultPath           = "/ws"
	defaultConnectTimeout = 10 * time.Second
	writeTimeout          = 10 * time.Second
)

var errConnectExpected = errors.New("first frame must be connect")

type Config struct {
	Address         string
	Path            string
	ShutdownTimeout time.Duration
	ConnectTimeout  time.Duration
}

// Server accepts WebSocket clients and binds each to a broker session.
type Server struct {
	config   Config
	broker   *broker.Broker
	limiter  *ratelimit.IPRateLimiter // nil disables connection limiting
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
}

func New(cfg Config, b *broker.Broker, limiter *ratelimit.IPRateLimiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = defaultPath
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}

	s := &Server{
		config:  cfg,
		broker:  b,
		limiter: limiter,
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.server = &http.Server{
		Addr:    cfg.Address,
		Handler: s.Handler(),
	}

	return s
}

// Handler returns the upgrade route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.config.Path, s.handleWebSocket)
	return mux
}

func (s *Server) Listen(ctx context.Context) error {
	s.logger.Info("websocket server listening",
		slog.String("addr", s.config.Address),
		slog.String("path", s.config.Path))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("websocket server shutdown error", slog.String("error", err.Error()))
			return err
		}
		s.logger.Info("websocket server stopped")
		return nil
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.AllowRemote(r.RemoteAddr) {
		s.logger.Warn("connection rate limited", slog.String("remote_addr", r.RemoteAddr))
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &conn{ws: ws, remoteAddr: r.RemoteAddr}
	defer c.Close()

	s.serve(r.Context(), c)
}

func (s *Server) serve(ctx context.Context, c *conn) {
	sess, err := s.connect(ctx, c)
	if err != nil {
		s.logger.Debug("connect rejected",
			slog.String("remote_addr", c.remoteAddr),
			slog.String("error", err.Error()))
		_ = c.write(&Frame{Type: frameError, Error: err.Error()})
		return
	}
	logger := s.logger.With(slog.String("client_id", sess.ClientID()))

	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if !sess.Closed() {
				logger.Debug("connection lost", slog.String("error", err.Error()))
				if err := sess.Disconnect(context.Background(), false); err != nil {
					logger.Error("disconnect failed", slog.String("error", err.Error()))
				}
			}
			return
		}

		if f.Type == frameDisconnect {
			if err := sess.Disconnect(ctx, true); err != nil {
				logger.Error("disconnect failed", slog.String("error", err.Error()))
			}
			return
		}

		if err := s.handle(ctx, sess, c, &f); err != nil {
			logger.Debug("frame rejected",
				slog.String("type", f.Type),
				slog.String("error", err.Error()))
			if werr := c.write(&Frame{Type: frameError, PacketID: f.PacketID, Error: err.Error()}); werr != nil {
				_ = sess.Disconnect(context.Background(), false)
				return
			}
		}
	}
}

func (s *Server) connect(ctx context.Context, c *conn) (*broker.Session, error) {
	if err := c.ws.SetReadDeadline(time.Now().Add(s.config.ConnectTimeout)); err != nil {
		return nil, err
	}
	var f Frame
	if err := c.ws.ReadJSON(&f); err != nil {
		return nil, err
	}
	if f.Type != frameConnect {
		return nil, errConnectExpected
	}
	if err := c.ws.SetReadDeadline(time.Time{}); err != nil {
		return nil, err
	}

	opts := broker.ConnectOptions{
		Conn:         c,
		ClientID:     f.ClientID,
		CleanSession: f.CleanSession,
	}
	if f.Will != nil {
		opts.Will = &storage.Message{
			Topic:   f.Will.Topic,
			Payload: f.Will.Payload,
			QoS:     f.Will.QoS,
			Retain:  f.Will.Retain,
		}
	}

	sess, resumed, err := s.broker.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := c.write(&Frame{Type: frameConnAck, ClientID: sess.ClientID(), Resumed: resumed}); err != nil {
		_ = sess.Disconnect(context.Background(), false)
		return nil, err
	}
	return sess, nil
}

func (s *Server) handle(ctx context.Context, sess *broker.Session, c *conn, f *Frame) error {
	switch f.Type {
	case frameSubscribe:
		granted, err := sess.Subscribe(ctx, f.Filter, f.QoS)
		if err != nil {
			return err
		}
		return c.write(&Frame{Type: frameSubAck, Filter: f.Filter, QoS: granted})

	case frameUnsubscribe:
		if err := sess.Unsubscribe(ctx, f.Filter); err != nil {
			return err
		}
		return c.write(&Frame{Type: frameUnsubAck, Filter: f.Filter})

	case framePublish:
		msg := &storage.Message{
			Topic:   f.Topic,
			Payload: f.Payload,
			QoS:     f.QoS,
			Retain:  f.Retain,
		}
		if err := sess.Publish(ctx, f.PacketID, msg); err != nil {
			return err
		}
		switch f.QoS {
		case 1:
			return c.write(&Frame{Type: framePubAck, PacketID: f.PacketID})
		case 2:
			return c.write(&Frame{Type: framePubRec, PacketID: f.PacketID})
		}
		return nil

	case framePubRel:
		if err := sess.PubRel(f.PacketID); err != nil {
			return err
		}
		return c.write(&Frame{Type: framePubComp, PacketID: f.PacketID})

	case framePubAck, framePubComp:
		return sess.Ack(f.PacketID)

	case framePubRec:
		return sess.PubRec(f.PacketID)
	}

	return fmt.Errorf("unknown frame type %q", f.Type)
}

// conn adapts a WebSocket to broker.Conn. Writes are serialized since
// deliveries arrive from broker workers.
type conn struct {
	ws         *websocket.Conn
	remoteAddr string

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

var _ broker.Conn = (*conn)(nil)

func (c *conn) Deliver(d *broker.Delivery) error {
	return c.write(&Frame{
		Type:     framePublish,
		Topic:    d.Topic,
		Payload:  d.Payload,
		Offset:   d.Offset,
		PacketID: d.PacketID,
		QoS:      d.QoS,
		Retain:   d.Retain,
	})
}

func (c *conn) Release(packetID uint16) error {
	return c.write(&Frame{Type: framePubRel, PacketID: packetID})
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

func (c *conn) write(f *Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(f)
}
