// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package merge

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/chatsync/messaging"
)

// Signature identifies a logical message independently of its id: a
// BLAKE3 digest of (conversationId, senderId, createdAt truncated to
// the millisecond, body). An optimistic copy and its server echo share
// a signature.
type Signature [32]byte

// SignatureOf computes the signature of m.
func SignatureOf(m messaging.Message) Signature {
	hasher := blake3.New()
	writeField(hasher, m.ConversationID)
	writeField(hasher, m.SenderID)
	var millis [8]byte
	binary.BigEndian.PutUint64(millis[:], uint64(m.CreatedAt.UnixMilli()))
	hasher.Write(millis[:])
	writeField(hasher, m.Body)

	var signature Signature
	copy(signature[:], hasher.Sum(nil))
	return signature
}

// writeField writes a length-prefixed string so that field boundaries
// can't be shifted between adjacent fields.
func writeField(hasher *blake3.Hasher, value string) {
	var length [8]byte
	binary.BigEndian.PutUint64(length[:], uint64(len(value)))
	hasher.Write(length[:])
	hasher.Write([]byte(value))
}

// String returns the first 8 bytes in hex, for logs.
func (s Signature) String() string {
	return hex.EncodeToString(s[:8])
}
