// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for chatsync.
//
// Configuration is loaded from a single file named by either the
// CHATSYNC_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There is no automatic file search.
//
// The file may contain environment-specific sections (development,
// staging, production) whose non-zero fields override the base values
// when [Config].Environment matches.
//
// After loading, ${VAR} and ${VAR:-default} patterns are expanded in
// URL and path fields. ${CHATSYNC_STATE} expands to the state
// directory, which defaults to ~/.local/state/chatsync.
//
// Key exports:
//
//   - [Config] -- server, user, hub, history, widget, scroll, cache
//     and metrics sections
//   - [Default] -- a Config with every default filled in
//   - [Load] and [LoadFile] -- the two entry points for loading
//   - [Config.Validate] -- reports every problem at once
//
// This package depends on no other chatsync packages.
package config
