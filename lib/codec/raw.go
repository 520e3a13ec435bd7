// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import "errors"

// Raw is an already-encoded value embedded in a larger structure. It
// holds bytes in whichever format encoded the enclosing structure, so a
// frame decoded with JSON carries a JSON payload and a frame decoded
// with CBOR carries a CBOR payload. Decode it with the same Protocol.
//
// Raw behaves like json.RawMessage under encoding/json and like
// cbor.RawMessage under this package's CBOR modes.
type Raw []byte

// cborNull is the CBOR encoding of null (simple value 22).
var cborNull = []byte{0xf6}

func (r Raw) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

func (r *Raw) UnmarshalJSON(data []byte) error {
	if r == nil {
		return errors.New("codec: UnmarshalJSON on nil *Raw")
	}
	*r = append((*r)[:0], data...)
	return nil
}

func (r Raw) MarshalCBOR() ([]byte, error) {
	if len(r) == 0 {
		return cborNull, nil
	}
	return r, nil
}

func (r *Raw) UnmarshalCBOR(data []byte) error {
	if r == nil {
		return errors.New("codec: UnmarshalCBOR on nil *Raw")
	}
	*r = append((*r)[:0], data...)
	return nil
}
