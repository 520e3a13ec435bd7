// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chatui

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines the key bindings for the chat client. Letter keys
// are only bound in the sidebar; in the composer they type.
type KeyMap struct {
	Up   key.Binding // Sidebar cursor.
	Down key.Binding

	Open key.Binding // Sidebar: open the selected conversation.
	Send key.Binding // Composer: send the typed message.

	// Message pane scrolling. PageUp at the top loads older history.
	PageUp   key.Binding
	PageDown key.Binding
	Bottom   key.Binding

	FocusToggle key.Binding

	NextWindow     key.Binding
	PreviousWindow key.Binding
	Minimize       key.Binding
	CloseWindow    key.Binding

	Quit key.Binding
}

// DefaultKeyMap is the built-in key binding set.
var DefaultKeyMap = KeyMap{
	Up: key.NewBinding(
		key.WithKeys("k", "up"),
		key.WithHelp("k/↑", "up"),
	),
	Down: key.NewBinding(
		key.WithKeys("j", "down"),
		key.WithHelp("j/↓", "down"),
	),
	Open: key.NewBinding(
		key.WithKeys("enter"),
		key.WithHelp("enter", "open"),
	),
	Send: key.NewBinding(
		key.WithKeys("enter"),
		key.WithHelp("enter", "send"),
	),
	PageUp: key.NewBinding(
		key.WithKeys("pgup"),
		key.WithHelp("pgup", "older"),
	),
	PageDown: key.NewBinding(
		key.WithKeys("pgdown"),
		key.WithHelp("pgdn", "newer"),
	),
	Bottom: key.NewBinding(
		key.WithKeys("end"),
		key.WithHelp("end", "latest"),
	),
	FocusToggle: key.NewBinding(
		key.WithKeys("tab"),
		key.WithHelp("tab", "switch pane"),
	),
	NextWindow: key.NewBinding(
		key.WithKeys("ctrl+n"),
		key.WithHelp("C-n", "next window"),
	),
	PreviousWindow: key.NewBinding(
		key.WithKeys("ctrl+p"),
		key.WithHelp("C-p", "previous window"),
	),
	Minimize: key.NewBinding(
		key.WithKeys("ctrl+o"),
		key.WithHelp("C-o", "minimize"),
	),
	CloseWindow: key.NewBinding(
		key.WithKeys("ctrl+w"),
		key.WithHelp("C-w", "close"),
	),
	Quit: key.NewBinding(
		key.WithKeys("ctrl+c"),
		key.WithHelp("C-c", "quit"),
	),
}
