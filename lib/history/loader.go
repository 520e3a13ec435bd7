// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package history pages backward through one conversation's message
// history. The first load fetches page 1, the most recent page; each
// later load fetches the next older page. The cursor only advances
// when a fetch succeeds, so a failed load is retried by calling
// LoadNext again and asks for the same page.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/chatsync/lib/metrics"
	"github.com/bureau-foundation/chatsync/messaging"
)

var (
	// ErrNoMoreHistory is returned by LoadNext after the oldest page
	// has been loaded, or after the server reported no pages at all.
	ErrNoMoreHistory = errors.New("history: no older pages")

	// ErrLoadInProgress is returned by LoadNext while another load for
	// the same conversation is in flight.
	ErrLoadInProgress = errors.New("history: load already in progress")
)

// DefaultPageSize is used when Config.PageSize is zero.
const DefaultPageSize = 30

// Fetcher retrieves one page of history. *messaging.Client satisfies
// it.
type Fetcher interface {
	FetchPage(ctx context.Context, request messaging.PageRequest) (*messaging.Page, error)
}

// Config holds optional Loader parameters.
type Config struct {
	PageSize int
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Loader is the pagination cursor for one conversation. Safe for
// concurrent use; at most one load runs at a time.
type Loader struct {
	fetcher        Fetcher
	conversationID string
	pageSize       int
	metrics        *metrics.Metrics
	logger         *slog.Logger

	mu         sync.Mutex
	nextPage   int
	totalPages int
	loaded     bool
	loading    bool
	generation int
}

// New creates a Loader positioned before page 1.
func New(fetcher Fetcher, conversationID string, config Config) *Loader {
	pageSize := config.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Loader{
		fetcher:        fetcher,
		conversationID: conversationID,
		pageSize:       pageSize,
		metrics:        config.Metrics,
		logger:         logger.With("conversation_id", conversationID),
		nextPage:       1,
	}
}

// ConversationID returns the conversation this loader pages through.
func (l *Loader) ConversationID() string { return l.conversationID }

// LoadNext fetches the next older page. Fetch failures are returned as
// they come from the Fetcher (a *messaging.RequestError for the REST
// client) and leave the cursor where it was.
func (l *Loader) LoadNext(ctx context.Context) (*messaging.Page, error) {
	l.mu.Lock()
	if l.loading {
		l.mu.Unlock()
		return nil, ErrLoadInProgress
	}
	if l.loaded && l.nextPage > l.totalPages {
		l.mu.Unlock()
		return nil, ErrNoMoreHistory
	}
	l.loading = true
	page := l.nextPage
	generation := l.generation
	l.mu.Unlock()

	result, err := l.fetcher.FetchPage(ctx, messaging.PageRequest{
		ConversationID: l.conversationID,
		Page:           page,
		PageSize:       l.pageSize,
	})

	l.mu.Lock()
	defer l.mu.Unlock()
	l.loading = false

	if err != nil {
		l.metrics.ObservePage(metrics.ResultRequestError)
		l.logger.Warn("history page fetch failed", "page", page, "error", err)
		return nil, err
	}
	if result == nil {
		l.metrics.ObservePage(metrics.ResultRequestError)
		return nil, fmt.Errorf("history: fetcher returned no page %d for %s", page, l.conversationID)
	}
	l.metrics.ObservePage(metrics.ResultOK)

	if result.CurrentPage == 0 {
		result.CurrentPage = page
	}
	if generation != l.generation {
		// Reset ran while the fetch was in flight; the page is still
		// valid merge input but must not move the new cursor.
		return result, nil
	}

	l.loaded = true
	l.totalPages = result.TotalPages
	l.nextPage = result.CurrentPage + 1
	l.logger.Debug("history page loaded",
		"page", result.CurrentPage,
		"total_pages", result.TotalPages,
		"messages", len(result.Messages),
	)
	return result, nil
}

// HasMore reports whether an older page can be loaded. It is true
// before the first load, and false once the server has reported
// currentPage >= totalPages (including a conversation with zero
// pages).
func (l *Loader) HasMore() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.loaded || l.nextPage <= l.totalPages
}

// Loaded reports whether at least one page has been fetched.
func (l *Loader) Loaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loaded
}

// Loading reports whether a fetch is in flight.
func (l *Loader) Loading() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loading
}

// NextPage returns the page number the next LoadNext will request.
func (l *Loader) NextPage() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextPage
}

// Reset moves the cursor back before page 1. A fetch in flight still
// returns its page but no longer advances the cursor.
func (l *Loader) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextPage = 1
	l.totalPages = 0
	l.loaded = false
	l.generation++
}
