// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chatui

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/bureau-foundation/chatsync/lib/conversation"
)

// UpdateMsg delivers a session list update to the model.
type UpdateMsg struct {
	conversation.Update
}

// ChangedMsg reports that windows, unread counters or the directory
// changed.
type ChangedMsg struct{}

// logRecordMsg shows a log record in the status bar.
type logRecordMsg struct {
	Summary string
	Level   slog.Level
}

// statusFadeDelay is how long a status message stays before the help
// line returns.
const statusFadeDelay = 5 * time.Second

// Notifier forwards coordinator callbacks into a running program.
// Create it before the coordinator (its methods are the coordinator's
// OnUpdate and OnChange), then call SetProgram once the program
// exists. Callbacks before SetProgram are dropped; the model reads
// the full state when it receives its first ChangedMsg.
type Notifier struct {
	program atomic.Pointer[tea.Program]
}

func NewNotifier() *Notifier { return &Notifier{} }

// SetProgram enables delivery. Safe to call from any goroutine.
func (n *Notifier) SetProgram(program *tea.Program) {
	n.program.Store(program)
}

// OnUpdate is a coordinator.Config.OnUpdate callback.
func (n *Notifier) OnUpdate(update conversation.Update) {
	if program := n.program.Load(); program != nil {
		program.Send(UpdateMsg{Update: update})
	}
}

// OnChange is a coordinator.Config.OnChange callback.
func (n *Notifier) OnChange() {
	if program := n.program.Load(); program != nil {
		program.Send(ChangedMsg{})
	}
}

// LogHandler is a slog.Handler that shows records in the client's
// status bar. Records below the configured level are dropped, as are
// records arriving before SetProgram.
//
// Handlers derived via WithAttrs/WithGroup share the program pointer,
// so a single SetProgram call on the root reaches all of them.
type LogHandler struct {
	level   slog.Level
	program *atomic.Pointer[tea.Program]
	attrs   []slog.Attr
	group   string
}

func NewLogHandler(level slog.Level) *LogHandler {
	return &LogHandler{
		level:   level,
		program: &atomic.Pointer[tea.Program]{},
	}
}

func (handler *LogHandler) SetProgram(program *tea.Program) {
	handler.program.Store(program)
}

func (handler *LogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= handler.level
}

// Handle formats "message (key=value, ...)" and sends it to the
// program.
func (handler *LogHandler) Handle(_ context.Context, record slog.Record) error {
	program := handler.program.Load()
	if program == nil {
		return nil
	}
	program.Send(logRecordMsg{Summary: handler.summarize(record), Level: record.Level})
	return nil
}

func (handler *LogHandler) summarize(record slog.Record) string {
	var parts []string
	for _, attr := range handler.attrs {
		parts = append(parts, handler.format(attr))
	}
	record.Attrs(func(attr slog.Attr) bool {
		parts = append(parts, handler.format(attr))
		return true
	})
	if len(parts) == 0 {
		return record.Message
	}
	return record.Message + " (" + strings.Join(parts, ", ") + ")"
}

func (handler *LogHandler) format(attr slog.Attr) string {
	key := attr.Key
	if handler.group != "" {
		key = handler.group + "." + key
	}
	return fmt.Sprintf("%s=%s", key, attr.Value)
}

func (handler *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	derived := *handler
	derived.attrs = append(append([]slog.Attr(nil), handler.attrs...), attrs...)
	return &derived
}

func (handler *LogHandler) WithGroup(name string) slog.Handler {
	derived := *handler
	if derived.group != "" {
		derived.group += "." + name
	} else {
		derived.group = name
	}
	return &derived
}
