// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chatui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/bureau-foundation/chatsync/lib/coordinator"
	"github.com/bureau-foundation/chatsync/messaging"
)

// groupWindow is how close two messages from the same sender must be
// for the second to skip its header line.
const groupWindow = 5 * time.Minute

// renderMessages renders a conversation oldest first, wrapped to
// width. Consecutive messages from one sender share a header; a date
// line separates days.
func renderMessages(messages []messaging.Message, userID string, width int, theme Theme) string {
	if width < 10 {
		width = 10
	}
	ownName := lipgloss.NewStyle().Foreground(theme.OwnName).Bold(true)
	otherName := lipgloss.NewStyle().Foreground(theme.OtherName).Bold(true)
	faint := lipgloss.NewStyle().Foreground(theme.FaintText)
	pending := lipgloss.NewStyle().Foreground(theme.Pending).Italic(true).Width(width)
	body := lipgloss.NewStyle().Foreground(theme.NormalText).Width(width)

	var lines []string
	var previous *messaging.Message
	for index := range messages {
		message := &messages[index]
		local := message.CreatedAt.Local()

		if previous == nil || !sameDay(previous.CreatedAt.Local(), local) {
			lines = append(lines, dateLine(local, width, faint))
		}

		grouped := previous != nil &&
			previous.SenderID == message.SenderID &&
			sameDay(previous.CreatedAt.Local(), local) &&
			message.CreatedAt.Sub(previous.CreatedAt) < groupWindow
		if !grouped {
			nameStyle := otherName
			if message.IsOwn(userID) {
				nameStyle = ownName
			}
			name := message.SenderName
			if name == "" {
				name = message.SenderID
			}
			header := nameStyle.Render(ansi.Truncate(name, width-8, "…")) + " " + faint.Render(local.Format("15:04"))
			lines = append(lines, header)
		}

		text := message.Body
		if message.IsMedia {
			text = "[attachment] " + text
		}
		switch {
		case message.Pending():
			lines = append(lines, pending.Render(text+" (sending)"))
		case message.UpdatedAt != nil:
			lines = append(lines, body.Render(text+" (edited)"))
		default:
			lines = append(lines, body.Render(text))
		}
		previous = message
	}
	return strings.Join(lines, "\n")
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func dateLine(day time.Time, width int, style lipgloss.Style) string {
	label := " " + day.Format("Mon Jan 2") + " "
	return style.Render(lipgloss.PlaceHorizontal(width, lipgloss.Center, label, lipgloss.WithWhitespaceChars("─")))
}

// renderSidebar lists conversations two rows each (name and preview),
// starting at offset.
func renderSidebar(entries []coordinator.Entry, cursor, offset, width, height int, focused bool, theme Theme) string {
	nameWidth := width - 6
	normal := lipgloss.NewStyle().Foreground(theme.NormalText).Width(width)
	selected := lipgloss.NewStyle().
		Foreground(theme.SelectedForeground).
		Background(theme.SelectedBackground).
		Width(width)
	faint := lipgloss.NewStyle().Foreground(theme.FaintText)
	badge := lipgloss.NewStyle().Foreground(theme.UnreadBadge).Bold(true)

	var rows []string
	for index := offset; index < len(entries) && len(rows)+2 <= height; index++ {
		entry := entries[index]
		marker := " "
		switch entry.State {
		case coordinator.Open:
			marker = "●"
		case coordinator.Minimized:
			marker = "◦"
		}
		name := entry.Name
		if name == "" {
			name = entry.ID
		}
		line := marker + " " + ansi.Truncate(name, nameWidth, "…")
		if entry.Unread > 0 {
			line += " " + badge.Render(fmt.Sprintf("%d", entry.Unread))
		}
		preview := "  " + faint.Render(ansi.Truncate(strings.ReplaceAll(entry.Preview, "\n", " "), width-2, "…"))

		style := normal
		if index == cursor && focused {
			style = selected
		}
		rows = append(rows, style.Render(line), style.Render(preview))
	}
	if len(entries) == 0 {
		rows = append(rows, faint.Render("No conversations"))
	}
	return lipgloss.NewStyle().Width(width).Height(height).Render(strings.Join(rows, "\n"))
}

// renderWindowBar shows widget-mode windows in stacking order, the
// active one highlighted.
func renderWindowBar(windows []coordinator.Window, active string, width int, theme Theme) string {
	header := lipgloss.NewStyle().Foreground(theme.HeaderForeground).Bold(true)
	tab := lipgloss.NewStyle().Foreground(theme.NormalText).Padding(0, 1)
	current := tab.Foreground(theme.SelectedForeground).Background(theme.SelectedBackground)
	minimized := tab.Foreground(theme.Minimized)
	badge := lipgloss.NewStyle().Foreground(theme.UnreadBadge)

	parts := []string{header.Render("chatsync")}
	for _, window := range windows {
		label := window.Name
		if label == "" {
			label = window.ConversationID
		}
		label = ansi.Truncate(label, 18, "…")
		if window.Unread > 0 {
			label += " " + badge.Render(fmt.Sprintf("(%d)", window.Unread))
		}
		style := tab
		switch {
		case window.ConversationID == active:
			style = current
		case window.State == coordinator.Minimized:
			style = minimized
		}
		parts = append(parts, style.Render(label))
	}
	return ansi.Truncate(strings.Join(parts, " "), width, "…")
}
