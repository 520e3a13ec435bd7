// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package historycache

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects how snapshot bodies are stored. The name is
// written next to each row, so rows written under one setting stay
// readable after the setting changes.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionLZ4  Compression = "lz4"
	CompressionZstd Compression = "zstd"
)

// ParseCompression accepts "none", "lz4", "zstd", or "" (zstd).
func ParseCompression(name string) (Compression, error) {
	switch Compression(name) {
	case "":
		return CompressionZstd, nil
	case CompressionNone, CompressionLZ4, CompressionZstd:
		return Compression(name), nil
	default:
		return "", fmt.Errorf("historycache: unknown compression %q", name)
	}
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("historycache: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("historycache: zstd decoder initialization failed: " + err.Error())
	}
}

// compress returns the stored body and the compression actually used.
// LZ4 falls back to none for incompressible input.
func compress(data []byte, compression Compression) ([]byte, Compression, error) {
	switch compression {
	case CompressionNone:
		return data, CompressionNone, nil
	case CompressionZstd:
		return zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)/2)), CompressionZstd, nil
	case CompressionLZ4:
		destination := make([]byte, lz4.CompressBlockBound(len(data)))
		written, err := lz4.CompressBlock(data, destination, nil)
		if err != nil {
			return nil, "", fmt.Errorf("historycache: lz4 compress: %w", err)
		}
		if written == 0 || written >= len(data) {
			return data, CompressionNone, nil
		}
		return destination[:written], CompressionLZ4, nil
	default:
		return nil, "", fmt.Errorf("historycache: unknown compression %q", compression)
	}
}

// decompress needs the uncompressed size for LZ4 blocks.
func decompress(body []byte, compression Compression, size int) ([]byte, error) {
	switch compression {
	case CompressionNone:
		return body, nil
	case CompressionZstd:
		data, err := zstdDecoder.DecodeAll(body, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("historycache: zstd decompress: %w", err)
		}
		return data, nil
	case CompressionLZ4:
		data := make([]byte, size)
		read, err := lz4.UncompressBlock(body, data)
		if err != nil {
			return nil, fmt.Errorf("historycache: lz4 decompress: %w", err)
		}
		if read != size {
			return nil, fmt.Errorf("historycache: lz4 decompressed %d bytes, expected %d", read, size)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("historycache: unknown compression %q", compression)
	}
}
