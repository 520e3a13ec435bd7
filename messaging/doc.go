// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging defines the chat wire contract and the REST client
// that consumes it.
//
// [Message] is the unit of conversation history. A message sent from
// this client exists first as an optimistic copy with only a LocalID;
// the server-confirmed copy carries the real ID. [Event] is the closed
// set of live changes delivered by the message hub:
// [MessageCreated], [MessageUpdated] and [MessageDeleted]. Consumers
// switch on the concrete type; there is no untyped payload path.
//
// [Client] talks to the REST API: conversation listing, backward
// history paging ([Client.FetchPage], page 1 is the newest) and file
// upload. Every request asks the injected [TokenProvider] for the
// current access token, so a refreshed token is picked up by the next
// request without rebuilding the client.
//
// Failures follow a fixed taxonomy. [*TransportError] means a hub
// connection is down; the connection layer recovers it. [*RequestError]
// means a single fetch or invocation failed and is reported to the
// action that started it, never retried. [*UploadError] aborts a
// pending attachment send. Non-2xx REST responses unwrap to
// [*APIError].
package messaging
