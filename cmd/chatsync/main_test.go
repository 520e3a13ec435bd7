// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/chatsync/lib/clock"
	"github.com/bureau-foundation/chatsync/lib/connection"
	"github.com/bureau-foundation/chatsync/lib/conversation"
	"github.com/bureau-foundation/chatsync/lib/hub"
	"github.com/bureau-foundation/chatsync/lib/hub/hubtest"
	"github.com/bureau-foundation/chatsync/lib/merge"
	"github.com/bureau-foundation/chatsync/lib/testutil"
	"github.com/bureau-foundation/chatsync/messaging"
)

func TestParseFlags(t *testing.T) {
	opts, _, err := parseFlags([]string{"--follow", "-c", "general", "--conversation", "ops", "--mode", "inbox"})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if !opts.follow || opts.mode != "inbox" {
		t.Errorf("opts = %+v", opts)
	}
	if got := strings.Join(opts.conversations, ","); got != "general,ops" {
		t.Errorf("conversations = %q", got)
	}
}

func TestParseFlagsUsageErrors(t *testing.T) {
	cases := map[string][]string{
		"follow without conversation": {"--follow"},
		"unknown mode":                {"--mode", "tiles"},
		"positional argument":         {"general"},
		"bad log level":               {"--log-level", "loud"},
		"unknown flag":                {"--nope"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := parseFlags(args)
			var usage *usageError
			if !errors.As(err, &usage) {
				t.Fatalf("parseFlags(%v) = %v, want a usage error", args, err)
			}
			if usage.ExitCode() != 2 {
				t.Errorf("ExitCode() = %d, want 2", usage.ExitCode())
			}
		})
	}
}

func TestParseFlagsHelp(t *testing.T) {
	opts, _, err := parseFlags([]string{"--help"})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if !opts.help {
		t.Error("help not set")
	}
}

func TestFollowWriterSkipsNoOps(t *testing.T) {
	var buffer bytes.Buffer
	writer := newFollowWriter(&buffer, func(err error) { t.Errorf("write error: %v", err) })

	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	writer.OnUpdate(conversation.Update{
		ConversationID: "general",
		Changes: []merge.Change{
			{Kind: merge.ChangeInserted, Message: messaging.Message{
				LocalID: "local-1", ConversationID: "general", SenderID: "ada", Body: "hi", CreatedAt: created,
			}},
			{Kind: merge.ChangeNone},
			{Kind: merge.ChangeConflict},
			{Kind: merge.ChangeReplaced, Message: messaging.Message{
				ID: "m1", ConversationID: "general", SenderID: "ada", Body: "hi", CreatedAt: created,
			}},
		},
	})

	lines := strings.Split(strings.TrimSpace(buffer.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2:\n%s", len(lines), buffer.String())
	}
	var first, second followRecord
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatal(err)
	}
	if first.Kind != "inserted" || !first.Pending || first.ConversationID != "general" {
		t.Errorf("first = %+v", first)
	}
	if second.Kind != "replaced" || second.Pending || second.Message.ID != "m1" {
		t.Errorf("second = %+v", second)
	}
}

func TestSuperviseRetriesAndRedials(t *testing.T) {
	server := hubtest.NewServer(t)
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	manager := connection.New(connection.Config{
		Hub: hub.Config{
			Name:          "message",
			URL:           server.URL,
			TokenProvider: func(context.Context) (string, error) { return "token", nil },
			// No in-session reconnection: a drop ends the session.
			RetryDelays: []time.Duration{},
			KeepAlive:   -1,
		},
		Clock:  fake,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.Cleanup(func() {
		cancel()
		manager.Close()
		testutil.RequireClosed(t, done, 5*time.Second, "supervise returned")
	})

	server.SetRefusing(true)
	go func() {
		defer close(done)
		supervise(ctx, manager, fake, slog.New(slog.NewTextHandler(io.Discard, nil)))
	}()

	// The first dial fails and supervise waits out its backoff.
	fake.WaitForTimers(1)
	server.SetRefusing(false)
	fake.Advance(superviseInitialDelay)
	testutil.RequireReceive(t, server.Connected(), 5*time.Second, "connected after backoff")

	// A session that ends is dialed again without waiting.
	server.DropAll()
	testutil.RequireReceive(t, server.Connected(), 5*time.Second, "redialed after drop")
}
