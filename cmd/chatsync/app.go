// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/bureau-foundation/chatsync/lib/clock"
	"github.com/bureau-foundation/chatsync/lib/codec"
	"github.com/bureau-foundation/chatsync/lib/config"
	"github.com/bureau-foundation/chatsync/lib/connection"
	"github.com/bureau-foundation/chatsync/lib/conversation"
	"github.com/bureau-foundation/chatsync/lib/coordinator"
	"github.com/bureau-foundation/chatsync/lib/historycache"
	"github.com/bureau-foundation/chatsync/lib/hub"
	"github.com/bureau-foundation/chatsync/lib/metrics"
	"github.com/bureau-foundation/chatsync/lib/scroll"
	"github.com/bureau-foundation/chatsync/messaging"
)

const (
	shutdownTimeout = 5 * time.Second

	// Supervisor backoff between failed Connect calls. Reconnection
	// within a live session is the hub's own retry schedule; this
	// only covers the initial dial and sessions that gave up.
	superviseInitialDelay = time.Second
	superviseMaxDelay     = 30 * time.Second
)

func loadConfig(opts *options) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.configPath != "" {
		cfg, err = config.LoadFile(opts.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if opts.mode != "" {
		cfg.Widget.Mode = opts.mode
	}
	if opts.metricsListen != "" {
		cfg.Metrics.Listen = opts.metricsListen
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// app owns everything that talks to the backend. It is built once per
// run by newApp and torn down by close.
type app struct {
	config *config.Config
	logger *slog.Logger

	client        *messaging.Client
	messages      *connection.Manager
	notifications *connection.Manager
	cache         *historycache.Cache
	coordinator   *coordinator.Coordinator
	metrics       *metrics.Metrics
	metricsServer *http.Server
}

type appOptions struct {
	// Capacity overrides widget.capacity when larger.
	Capacity int

	OnUpdate func(conversation.Update)
	OnChange func()

	Logger *slog.Logger
}

func newApp(ctx context.Context, cfg *config.Config, options appOptions) (_ *app, err error) {
	logger := options.Logger
	protocol, err := codec.ParseProtocol(cfg.Server.Protocol)
	if err != nil {
		return nil, err
	}
	mode, err := coordinator.ParseMode(cfg.Widget.Mode)
	if err != nil {
		return nil, err
	}

	a := &app{config: cfg, logger: logger, metrics: metrics.New()}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	token := messaging.FileToken(cfg.Server.TokenFile)
	a.client, err = messaging.NewClient(messaging.ClientConfig{
		BaseURL:       cfg.Server.APIURL,
		TokenProvider: token,
		Logger:        logger.With("component", "api"),
	})
	if err != nil {
		return nil, err
	}

	newManager := func(name, url string) *connection.Manager {
		return connection.New(connection.Config{
			Hub: hub.Config{
				Name:             name,
				URL:              url,
				TokenProvider:    token,
				Protocol:         protocol,
				RetryDelays:      cfg.Hub.RetrySchedule(),
				HandshakeTimeout: cfg.Hub.HandshakeTimeout.Std(),
			},
			InvokeTimeout: cfg.Hub.InvokeTimeout.Std(),
			Metrics:       a.metrics,
			Logger:        logger.With("hub", name),
		})
	}
	a.messages = newManager("message", cfg.Server.MessageHubURL)
	a.notifications = newManager("notification", cfg.Server.NotificationHubURL)

	var cache conversation.Cache
	if cfg.Cache.Enabled {
		compression, err := historycache.ParseCompression(cfg.Cache.Compression)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(cfg.Cache.Path), 0o700); err != nil {
			return nil, fmt.Errorf("creating cache directory: %w", err)
		}
		a.cache, err = historycache.Open(ctx, historycache.Config{
			Path:        cfg.Cache.Path,
			Compression: compression,
			MaxMessages: cfg.Cache.MaxMessages,
			Logger:      logger.With("component", "historycache"),
		})
		if err != nil {
			return nil, err
		}
		cache = a.cache
	}

	a.coordinator, err = coordinator.New(coordinator.Config{
		Mode:     mode,
		Capacity: max(cfg.Widget.Capacity, options.Capacity),
		User: messaging.User{
			ID:     cfg.User.ID,
			Name:   cfg.User.Name,
			Avatar: cfg.User.Avatar,
		},
		Hub:       a.messages,
		Fetcher:   a.client,
		Uploader:  a.client,
		Cache:     cache,
		CacheSize: cfg.Cache.MaxMessages,
		PageSize:  cfg.History.PageSize,
		Scroll: scroll.Config{
			NearBottomThreshold: cfg.Scroll.NearBottomThreshold,
			SettleDelay:         cfg.Scroll.SettleDelay.Std(),
		},
		OnUpdate: options.OnUpdate,
		OnChange: options.OnChange,
		Metrics:  a.metrics,
		Logger:   logger.With("component", "coordinator"),
	})
	if err != nil {
		return nil, err
	}
	a.coordinator.Register(a.messages, a.notifications)

	if cfg.Metrics.Listen != "" {
		if err := a.serveMetrics(cfg.Metrics.Listen); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// start connects both hubs in the background and loads the
// conversation directory. A directory failure is logged; the hubs
// still deliver conversation summaries as they change.
func (a *app) start(ctx context.Context) {
	go supervise(ctx, a.messages, clock.Real(), a.logger)
	go supervise(ctx, a.notifications, clock.Real(), a.logger)

	conversations, err := a.client.ListConversations(ctx)
	if err != nil {
		a.logger.Warn("loading conversation list failed", "error", err)
		return
	}
	a.coordinator.SetConversations(conversations)
}

func (a *app) serveMetrics(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	a.metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := a.metricsServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "error", err)
		}
	}()
	a.logger.Info("serving metrics", "address", listener.Addr().String())
	return nil
}

// close tears down in dependency order: sessions first so their
// final snapshots reach the cache, then the hubs, then the cache.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.coordinator != nil {
		if err := a.coordinator.Shutdown(ctx); err != nil {
			a.logger.Warn("coordinator shutdown", "error", err)
		}
	}
	for _, manager := range []*connection.Manager{a.messages, a.notifications} {
		if manager == nil {
			continue
		}
		if err := manager.Close(); err != nil {
			a.logger.Warn("closing hub", "hub", manager.Name(), "error", err)
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Warn("closing history cache", "error", err)
		}
	}
	if a.client != nil {
		a.client.CloseIdleConnections()
	}
	if a.metricsServer != nil {
		a.metricsServer.Shutdown(ctx)
	}
}

// supervise keeps manager connected until ctx is done or the manager
// is closed. Connect failures back off exponentially; a live session
// that ends Disconnected (the hub exhausted its retry schedule) is
// dialed again from scratch.
func supervise(ctx context.Context, manager *connection.Manager, clk clock.Clock, logger *slog.Logger) {
	dropped := make(chan struct{}, 1)
	manager.Watch(func(from, to connection.State) {
		if to == connection.Disconnected {
			select {
			case dropped <- struct{}{}:
			default:
			}
		}
	})

	delay := superviseInitialDelay
	for {
		err := manager.Connect(ctx)
		if errors.Is(err, hub.ErrClosed) || ctx.Err() != nil {
			return
		}
		if err == nil {
			delay = superviseInitialDelay
			select {
			case <-dropped:
				continue
			case <-ctx.Done():
				return
			}
		}

		logger.Warn("hub unavailable, retrying",
			"hub", manager.Name(),
			"delay", delay,
			"error", err,
		)
		select {
		case <-clk.After(delay):
		case <-ctx.Done():
			return
		}
		delay = min(delay*2, superviseMaxDelay)
	}
}
