// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/bureau-foundation/chatsync/lib/chatui"
	"github.com/bureau-foundation/chatsync/lib/config"
	"github.com/bureau-foundation/chatsync/lib/coordinator"
	"github.com/bureau-foundation/chatsync/messaging"
)

func newLogger(handler slog.Handler) *slog.Logger {
	return slog.New(handler).With("service", "chatsync")
}

func runTUI(cfg *config.Config, opts *options) error {
	level, _ := parseLevel(opts.logLevel)

	// The terminal belongs to the TUI: warnings go to the status bar
	// and, with --log-output, everything at level goes to the file.
	tuiHandler := chatui.NewLogHandler(slog.LevelWarn)
	var handler slog.Handler = tuiHandler
	if opts.logOutput != "" {
		fileHandler, closeFile, err := openFileLogHandler(opts.logOutput, level)
		if err != nil {
			return err
		}
		defer closeFile()
		handler = fanoutHandler{tuiHandler, fileHandler}
	}
	logger := newLogger(handler)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	notifier := chatui.NewNotifier()
	a, err := newApp(ctx, cfg, appOptions{
		OnUpdate: notifier.OnUpdate,
		OnChange: notifier.OnChange,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer a.close()

	mode, _ := coordinator.ParseMode(cfg.Widget.Mode)
	model := chatui.NewModel(chatui.Config{
		Coordinator: a.coordinator,
		Mode:        mode,
		User: messaging.User{
			ID:     cfg.User.ID,
			Name:   cfg.User.Name,
			Avatar: cfg.User.Avatar,
		},
		Context: ctx,
	})

	program := tea.NewProgram(model,
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
		tea.WithContext(ctx),
	)
	notifier.SetProgram(program)
	tuiHandler.SetProgram(program)

	// Directory and startup windows load off the update loop; their
	// results arrive as ChangedMsg and UpdateMsg.
	go func() {
		a.start(ctx)
		for _, conversationID := range opts.conversations {
			if _, err := a.coordinator.Open(ctx, conversationID); err != nil {
				logger.Warn("opening conversation", "conversation", conversationID, "error", err)
			}
		}
	}()

	if _, err := program.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("running TUI: %w", err)
	}
	// Stop background loads before the app is torn down.
	stop()
	return nil
}
