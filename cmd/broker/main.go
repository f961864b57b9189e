// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/logmq/broker"
	"github.com/absmach/logmq/broker/webhook"
	"github.com/absmach/logmq/config"
	"github.com/absmach/logmq/ratelimit"
	"github.com/absmach/logmq/server/health"
	"github.com/absmach/logmq/server/otel"
	"github.com/absmach/logmq/server/websocket"
	"github.com/absmach/logmq/storage"
	"github.com/absmach/logmq/storage/badger"
	"github.com/absmach/logmq/storage/memory"
	"go.opentelemetry.io/otel/trace"
)

const version = "0.1.0"

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("broker exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func openStore(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "", "memory":
		return memory.New(), nil
	case "badger":
		compression, err := badger.ParseCompression(cfg.Compression)
		if err != nil {
			return nil, err
		}
		return badger.New(badger.Config{Dir: cfg.BadgerDir, Compression: compression})
	}
	return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting logmq broker",
		slog.String("version", version),
		slog.String("node_id", cfg.Broker.NodeID),
		slog.String("storage", cfg.Storage.Type))

	store, err := openStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}

	var (
		metrics *otel.Metrics
		tracer  trace.Tracer
	)
	if cfg.Server.MetricsEnabled {
		shutdown, err := otel.InitProvider(ctx, cfg.Server, cfg.Broker.NodeID)
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				logger.Error("telemetry shutdown failed", slog.String("error", err.Error()))
			}
		}()

		if metrics, err = otel.NewMetrics(nil); err != nil {
			return fmt.Errorf("failed to create metrics: %w", err)
		}
		if cfg.Server.OtelTracesEnabled {
			tracer = otel.Tracer()
		}
	}

	var notifier webhook.Notifier
	if cfg.Webhook.Enabled {
		n, err := webhook.NewNotifier(cfg.Webhook, cfg.Broker.NodeID, webhook.NewHTTPSender(), logger)
		if err != nil {
			return fmt.Errorf("failed to create webhook notifier: %w", err)
		}
		notifier = n
	}

	b := broker.NewBroker(store, logger, nil, notifier, metrics, tracer, cfg.Broker, cfg.Session)
	if rl := ratelimit.NewFromConfig(cfg.RateLimit); rl != nil {
		b.SetClientRateLimiter(rl)
	}

	var ipLimiter *ratelimit.IPRateLimiter
	if cfg.RateLimit.Enabled {
		ipLimiter = ratelimit.NewIPRateLimiter(cfg.RateLimit.ConnectRate, cfg.RateLimit.ConnectBurst, time.Minute)
		defer ipLimiter.Stop()
	}

	srvCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	serve := func(listen func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := listen(srvCtx); err != nil {
				errCh <- err
				cancel()
			}
		}()
	}

	if cfg.Server.WSEnabled {
		ws := websocket.New(websocket.Config{
			Address:         cfg.Server.WSAddr,
			Path:            cfg.Server.WSPath,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, b, ipLimiter, logger)
		serve(ws.Listen)
	}
	if cfg.Server.HealthEnabled {
		hs := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, b, logger)
		serve(hs.Listen)
	}

	logger.Info("logmq broker started")
	<-srvCtx.Done()
	wg.Wait()
	close(errCh)

	logger.Info("shutting down")
	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	if err := b.Close(); err != nil {
		errs = append(errs, fmt.Errorf("broker close: %w", err))
	}
	if notifier != nil {
		if err := notifier.Close(); err != nil {
			errs = append(errs, fmt.Errorf("webhook close: %w", err))
		}
	}
	if err := store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("storage close: %w", err))
	}

	logger.Info("logmq broker stopped")
	return errors.Join(errs...)
}
