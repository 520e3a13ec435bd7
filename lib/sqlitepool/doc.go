// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens the client's local SQLite databases.
//
// It wraps zombiezen.com/go/sqlite's sqlitex.Pool with the pragmas
// every local store uses (WAL, NORMAL sync, a busy timeout) and a
// numbered migration list tracked in PRAGMA user_version. Callers
// [Pool.Take] a connection and [Pool.Put] it back, or use
// [Pool.WithConn]. Connections are not safe for concurrent use.
//
//	pool, err := sqlitepool.Open(ctx, sqlitepool.Config{
//	    Path:       filepath.Join(stateDir, "history.db"),
//	    Migrations: []string{createSnapshots},
//	})
package sqlitepool
