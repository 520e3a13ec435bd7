// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is a non-2xx response from the REST API. Callers extract it
// with errors.As:
//
//	var apiErr *APIError
//	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound { ... }
type APIError struct {
	// StatusCode is the HTTP status of the response.
	StatusCode int `json:"-"`
	// Code is the server's machine-readable error code, if any.
	Code string `json:"code,omitempty"`
	// Message is the server's human-readable description, or the raw
	// body when the response was not JSON.
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api: %s (%d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api: %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

// IsAPIError reports whether err wraps an *APIError with the given
// status code.
func IsAPIError(err error, statusCode int) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == statusCode
	}
	return false
}

// TransportError reports that a hub connection is down or could not be
// established. It is shown as a connectivity indicator; the connection
// layer recovers on its own and callers do not retry.
type TransportError struct {
	Hub string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("messaging: %s hub unavailable: %v", e.Hub, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RequestError reports that a single REST fetch or hub invocation
// failed. It is surfaced to the action that issued the request and is
// never retried automatically, so a failed send is never duplicated.
type RequestError struct {
	// Op names the failed request ("fetch page", "sendMessage").
	Op  string
	Err error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("messaging: %s failed: %v", e.Op, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// UploadError reports that an attachment upload failed. The pending
// send is abandoned; Filename lets the caller restore its input.
type UploadError struct {
	Filename string
	Err      error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("messaging: uploading %s failed: %v", e.Filename, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }
