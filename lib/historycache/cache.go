// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package historycache keeps the newest messages of each conversation
// in a local SQLite database so a window can render before its first
// history page arrives.
//
// One row per conversation holds a CBOR snapshot of the message list,
// compressed with zstd (default) or lz4. A blake3 digest of the
// uncompressed snapshot lets Store skip rewriting a conversation whose
// messages have not changed since the last close.
package historycache

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/zeebo/blake3"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/chatsync/lib/codec"
	"github.com/bureau-foundation/chatsync/lib/sqlitepool"
	"github.com/bureau-foundation/chatsync/messaging"
)

// DefaultMaxMessages bounds a snapshot when Config.MaxMessages is zero.
const DefaultMaxMessages = 200

var migrations = []string{
	`CREATE TABLE snapshots (
		conversation_id TEXT PRIMARY KEY,
		digest          BLOB NOT NULL,
		body            BLOB NOT NULL,
		compression     TEXT NOT NULL,
		size            INTEGER NOT NULL,
		message_count   INTEGER NOT NULL,
		updated_at      INTEGER NOT NULL
	);`,
}

type Config struct {
	// Path is the SQLite database file.
	Path string

	Compression Compression

	// MaxMessages keeps only the newest messages of each snapshot.
	MaxMessages int

	// Now stamps rows; defaults to time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

// Cache is safe for concurrent use.
type Cache struct {
	pool        *sqlitepool.Pool
	compression Compression
	maxMessages int
	now         func() time.Time
	logger      *slog.Logger
}

// Open opens (creating if needed) the cache database.
func Open(ctx context.Context, config Config) (*Cache, error) {
	compression, err := ParseCompression(string(config.Compression))
	if err != nil {
		return nil, err
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	maxMessages := config.MaxMessages
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}

	pool, err := sqlitepool.Open(ctx, sqlitepool.Config{
		Path:       config.Path,
		Migrations: migrations,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("historycache: %w", err)
	}
	return &Cache{
		pool:        pool,
		compression: compression,
		maxMessages: maxMessages,
		now:         now,
		logger:      logger,
	}, nil
}

// Close closes the database.
func (c *Cache) Close() error {
	return c.pool.Close()
}

type snapshot struct {
	body        []byte
	digest      []byte
	compression Compression
	size        int
}

// Load returns the cached messages for a conversation, oldest first,
// or nil if nothing is cached.
func (c *Cache) Load(ctx context.Context, conversationID string) ([]messaging.Message, error) {
	var found *snapshot
	err := c.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT body, digest, compression, size FROM snapshots WHERE conversation_id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{conversationID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					found = &snapshot{
						body:        columnBytes(stmt, 0),
						digest:      columnBytes(stmt, 1),
						compression: Compression(stmt.ColumnText(2)),
						size:        stmt.ColumnInt(3),
					}
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("historycache: loading %s: %w", conversationID, err)
	}
	if found == nil {
		return nil, nil
	}

	data, err := decompress(found.body, found.compression, found.size)
	if err != nil {
		return nil, fmt.Errorf("historycache: loading %s: %w", conversationID, err)
	}
	if digest := blake3.Sum256(data); !bytes.Equal(digest[:], found.digest) {
		return nil, fmt.Errorf("historycache: loading %s: snapshot digest mismatch", conversationID)
	}
	var messages []messaging.Message
	if err := codec.Unmarshal(data, &messages); err != nil {
		return nil, fmt.Errorf("historycache: decoding %s: %w", conversationID, err)
	}
	return messages, nil
}

// Store replaces the snapshot for a conversation with the newest
// MaxMessages of messages. Optimistic rows without a server id are
// dropped. An empty list deletes the snapshot.
func (c *Cache) Store(ctx context.Context, conversationID string, messages []messaging.Message) error {
	confirmed := make([]messaging.Message, 0, len(messages))
	for _, message := range messages {
		if !message.Pending() {
			confirmed = append(confirmed, message)
		}
	}
	if len(confirmed) > c.maxMessages {
		confirmed = confirmed[len(confirmed)-c.maxMessages:]
	}
	if len(confirmed) == 0 {
		return c.Forget(ctx, conversationID)
	}

	data, err := codec.Marshal(confirmed)
	if err != nil {
		return fmt.Errorf("historycache: encoding %s: %w", conversationID, err)
	}
	digest := blake3.Sum256(data)

	return c.pool.WithConn(ctx, func(conn *sqlite.Conn) (err error) {
		unchanged := false
		err = sqlitex.Execute(conn,
			`SELECT digest FROM snapshots WHERE conversation_id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{conversationID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					unchanged = bytes.Equal(columnBytes(stmt, 0), digest[:])
					return nil
				},
			})
		if err != nil {
			return fmt.Errorf("historycache: storing %s: %w", conversationID, err)
		}
		if unchanged {
			c.logger.Debug("history snapshot unchanged", "conversation_id", conversationID)
			return nil
		}

		body, used, err := compress(data, c.compression)
		if err != nil {
			return err
		}
		err = sqlitex.Execute(conn,
			`INSERT INTO snapshots (conversation_id, digest, body, compression, size, message_count, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (conversation_id) DO UPDATE SET
				digest = excluded.digest,
				body = excluded.body,
				compression = excluded.compression,
				size = excluded.size,
				message_count = excluded.message_count,
				updated_at = excluded.updated_at`,
			&sqlitex.ExecOptions{
				Args: []any{conversationID, digest[:], body, string(used), len(data), len(confirmed), c.now().UnixMilli()},
			})
		if err != nil {
			return fmt.Errorf("historycache: storing %s: %w", conversationID, err)
		}
		c.logger.Debug("history snapshot stored",
			"conversation_id", conversationID,
			"messages", len(confirmed),
			"size", len(data),
			"stored_size", len(body),
			"compression", string(used),
		)
		return nil
	})
}

// Forget deletes a conversation's snapshot.
func (c *Cache) Forget(ctx context.Context, conversationID string) error {
	return c.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `DELETE FROM snapshots WHERE conversation_id = ?`,
			&sqlitex.ExecOptions{Args: []any{conversationID}})
		if err != nil {
			return fmt.Errorf("historycache: forgetting %s: %w", conversationID, err)
		}
		return nil
	})
}

// Entry describes one cached conversation.
type Entry struct {
	ConversationID string
	Messages       int
	Size           int
	StoredSize     int
	Compression    Compression
	UpdatedAt      time.Time
}

// Entries lists cached conversations, most recently stored first.
func (c *Cache) Entries(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	err := c.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT conversation_id, message_count, size, length(body), compression, updated_at
			 FROM snapshots ORDER BY updated_at DESC, conversation_id`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					entries = append(entries, Entry{
						ConversationID: stmt.ColumnText(0),
						Messages:       stmt.ColumnInt(1),
						Size:           stmt.ColumnInt(2),
						StoredSize:     stmt.ColumnInt(3),
						Compression:    Compression(stmt.ColumnText(4)),
						UpdatedAt:      time.UnixMilli(stmt.ColumnInt64(5)),
					})
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("historycache: listing: %w", err)
	}
	return entries, nil
}

func columnBytes(stmt *sqlite.Stmt, column int) []byte {
	data := make([]byte, stmt.ColumnLen(column))
	stmt.ColumnBytes(column, data)
	return data
}
