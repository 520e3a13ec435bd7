// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/bureau-foundation/chatsync/lib/config"
	"github.com/bureau-foundation/chatsync/lib/conversation"
	"github.com/bureau-foundation/chatsync/lib/merge"
	"github.com/bureau-foundation/chatsync/messaging"
)

// followRecord is one line of --follow output.
type followRecord struct {
	ConversationID string            `json:"conversationId"`
	Kind           string            `json:"kind"`
	Pending        bool              `json:"pending,omitempty"`
	Message        messaging.Message `json:"message"`
}

// followWriter serializes updates from every session onto one stream.
type followWriter struct {
	mu      sync.Mutex
	encoder *json.Encoder
	onError func(error)
}

func newFollowWriter(w io.Writer, onError func(error)) *followWriter {
	return &followWriter{encoder: json.NewEncoder(w), onError: onError}
}

func (f *followWriter) OnUpdate(update conversation.Update) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, change := range update.Changes {
		switch change.Kind {
		case merge.ChangeNone, merge.ChangeConflict:
			continue
		}
		record := followRecord{
			ConversationID: update.ConversationID,
			Kind:           change.Kind.String(),
			Pending:        change.Message.Pending(),
			Message:        change.Message,
		}
		if err := f.encoder.Encode(record); err != nil {
			f.onError(err)
			return
		}
	}
}

func runFollow(cfg *config.Config, opts *options) error {
	level, _ := parseLevel(opts.logLevel)
	handler := newStderrHandler(level)
	if opts.logOutput != "" {
		fileHandler, closeFile, err := openFileLogHandler(opts.logOutput, level)
		if err != nil {
			return err
		}
		defer closeFile()
		handler = fanoutHandler{handler, fileHandler}
	}
	logger := newLogger(handler)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	writer := newFollowWriter(os.Stdout, func(err error) {
		logger.Error("writing output", "error", err)
		stop()
	})
	a, err := newApp(ctx, cfg, appOptions{
		// Every followed conversation stays visible.
		Capacity: len(opts.conversations),
		OnUpdate: writer.OnUpdate,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer a.close()

	a.start(ctx)
	for _, conversationID := range opts.conversations {
		if _, err := a.coordinator.Open(ctx, conversationID); err != nil {
			logger.Warn("opening conversation", "conversation", conversationID, "error", err)
		}
	}

	<-ctx.Done()
	return nil
}
