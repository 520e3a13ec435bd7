// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil holds I/O helpers shared by the REST client and the
// hub transport.
//
// Response helpers bound every body read at MaxResponseSize so a
// misbehaving server cannot make the client allocate without limit.
// History pages and conversation listings are small JSON documents;
// uploads stream through multipart writers and never pass through
// these helpers.
package netutil

import (
	"encoding/json"
	"fmt"
	"io"
)

// MaxResponseSize bounds JSON response body reads: 32 MB.
const MaxResponseSize int64 = 32 << 20

// maxErrorBody bounds how much of an error body is quoted in an error
// message.
const maxErrorBody = 1 << 10

// ReadResponse reads a response body up to MaxResponseSize bytes.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}

// DecodeResponse reads a response body (up to MaxResponseSize bytes)
// and JSON-decodes it into v.
func DecodeResponse(body io.Reader, v any) error {
	data, err := ReadResponse(body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	return json.Unmarshal(data, v)
}

// ErrorBody returns the start of an error response body for use in an
// error message. Read errors yield whatever was read before them.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, maxErrorBody))
	return string(data)
}
