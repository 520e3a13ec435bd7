// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package chatui is the terminal chat client: a bubbletea program
// over a [coordinator.Coordinator].
//
// The left column lists conversations by last activity with unread
// badges. The right pane shows the focused window's messages in a
// bubbles viewport and a composer below it. In widget mode a bar
// above the pane lists the open and minimized windows.
//
// The viewport's offset is driven by the window's
// [scroll.Controller]: every list update is rendered, measured and
// passed to OnMutation, and the returned decision sets the offset.
// User scrolling is reported back through OnScroll, which is what
// lets a window settle at the bottom and mark itself read.
//
// Coordinator callbacks arrive on hub and timer goroutines. A
// [Notifier] forwards them into the program as messages; every
// coordinator call that can wait on the network runs in a tea.Cmd so
// the update loop never blocks a hub's read goroutine.
package chatui
