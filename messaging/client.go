// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/bureau-foundation/chatsync/lib/netutil"
)

// TokenProvider returns the current access token. It is called for
// every REST request and every hub (re)connect.
type TokenProvider func(ctx context.Context) (string, error)

// StaticToken returns a TokenProvider that always yields token.
func StaticToken(token string) TokenProvider {
	return func(context.Context) (string, error) { return token, nil }
}

// FileToken returns a TokenProvider that reads the token from path on
// every call, so an external refresher can rotate it in place.
func FileToken(path string) TokenProvider {
	return func(context.Context) (string, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("messaging: reading token file: %w", err)
		}
		token := strings.TrimSpace(string(data))
		if token == "" {
			return "", fmt.Errorf("messaging: token file %s is empty", path)
		}
		return token, nil
	}
}

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// BaseURL is the REST API root (e.g., "https://chat.example.com").
	BaseURL string
	// TokenProvider supplies the bearer token. Required.
	TokenProvider TokenProvider
	// HTTPClient is used for all requests. If nil, http.DefaultClient is used.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Client is an authenticated REST client for conversations, history
// and uploads. Safe for concurrent use.
type Client struct {
	baseURL    string
	token      TokenProvider
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("messaging: BaseURL is required")
	}
	parsed, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("messaging: invalid BaseURL %q: %w", config.BaseURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("messaging: BaseURL %q must be http or https", config.BaseURL)
	}
	if config.TokenProvider == nil {
		return nil, fmt.Errorf("messaging: TokenProvider is required")
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		token:      config.TokenProvider,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// CloseIdleConnections drops pooled HTTP connections, so requests
// after a network change open fresh ones.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

// ListConversations returns the conversations visible to the current
// user.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/conversations", nil, "", nil)
	if err != nil {
		return nil, &RequestError{Op: "list conversations", Err: err}
	}

	var conversations []Conversation
	if err := json.Unmarshal(body, &conversations); err != nil {
		return nil, &RequestError{Op: "list conversations", Err: fmt.Errorf("parsing response: %w", err)}
	}
	return conversations, nil
}

// FetchPage returns one page of a conversation's history. A
// conversation with no messages yields a page with TotalPages 0, not
// an error.
func (c *Client) FetchPage(ctx context.Context, request PageRequest) (*Page, error) {
	if request.ConversationID == "" {
		return nil, fmt.Errorf("messaging: ConversationID is required")
	}
	if request.Page < 1 {
		return nil, fmt.Errorf("messaging: page must be >= 1, got %d", request.Page)
	}

	op := fmt.Sprintf("fetch page %d of %s", request.Page, request.ConversationID)
	query := url.Values{}
	query.Set("page", strconv.Itoa(request.Page))
	if request.PageSize > 0 {
		query.Set("pageSize", strconv.Itoa(request.PageSize))
	}
	path := "/api/conversations/" + url.PathEscape(request.ConversationID) + "/messages"

	body, err := c.doRequest(ctx, http.MethodGet, path, query, "", nil)
	if err != nil {
		return nil, &RequestError{Op: op, Err: err}
	}

	var page Page
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, &RequestError{Op: op, Err: fmt.Errorf("parsing response: %w", err)}
	}
	for i := range page.Messages {
		if page.Messages[i].ConversationID == "" {
			page.Messages[i].ConversationID = request.ConversationID
		}
	}

	c.logger.Debug("history page fetched",
		"conversation_id", request.ConversationID,
		"page", page.CurrentPage,
		"total_pages", page.TotalPages,
		"messages", len(page.Messages),
	)
	return &page, nil
}

// Upload stores body and returns the URL to send in a media message.
func (c *Client) Upload(ctx context.Context, filename, contentType string, body io.Reader) (string, error) {
	if filename == "" {
		return "", &UploadError{Filename: filename, Err: fmt.Errorf("filename is required")}
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	query := url.Values{}
	query.Set("filename", filename)
	responseBody, err := c.doRequest(ctx, http.MethodPost, "/api/uploads", query, contentType, body)
	if err != nil {
		return "", &UploadError{Filename: filename, Err: err}
	}

	var response UploadResponse
	if err := json.Unmarshal(responseBody, &response); err != nil {
		return "", &UploadError{Filename: filename, Err: fmt.Errorf("parsing response: %w", err)}
	}
	if response.URL == "" {
		return "", &UploadError{Filename: filename, Err: fmt.Errorf("response has no url")}
	}
	return response.URL, nil
}

// doRequest performs an authenticated request and returns the response
// body. Non-2xx responses return *APIError.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, contentType string, body io.Reader) ([]byte, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtaining access token: %w", err)
	}

	requestURL := c.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	request, err := http.NewRequestWithContext(ctx, method, requestURL, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	request.Header.Set("Authorization", "Bearer "+token)
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		responseBody, err := netutil.ReadResponse(response.Body)
		if err != nil {
			return nil, fmt.Errorf("reading response body: %w", err)
		}
		return responseBody, nil
	}

	raw := netutil.ErrorBody(response.Body)
	apiErr := &APIError{StatusCode: response.StatusCode}
	if jsonErr := json.Unmarshal([]byte(raw), apiErr); jsonErr != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(bytes.ToValidUTF8([]byte(raw), nil)))
	}
	return nil, apiErr
}
