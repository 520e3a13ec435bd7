// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package connection owns the lifecycle of one logical hub connection.
//
// A [Manager] wraps a [hub.Conn] with the state machine
//
//	Disconnected → Connecting → Connected → Reconnecting → Connected
//	                                        Reconnecting → Disconnected
//
// and a rejoin queue. The transport does the reconnect backoff; the
// manager only tracks state and, on every transition into Connected,
// replays joinConversation for every joined conversation and markRead
// for every conversation whose read marker could not be delivered
// while the connection was down.
//
// One Manager per hub is shared by every conversation window. Only the
// Manager changes the connection's lifecycle; windows call Join, Leave,
// MarkRead and Invoke.
package connection
