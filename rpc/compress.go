// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionTag identifies the compression algorithm applied to an
// envelope payload. The tag travels in the envelope flags byte. These
// values are protocol constants — changing them breaks wire
// compatibility with the server.
type CompressionTag uint8

const (
	// CompressionNone indicates an uncompressed payload. Used for
	// small payloads and for data that does not compress (digests,
	// already-compact CBOR).
	CompressionNone CompressionTag = 0

	// CompressionLZ4 indicates LZ4 block compression. Fast default
	// when the payload compresses somewhat but not enough to justify
	// zstd's CPU cost.
	CompressionLZ4 CompressionTag = 1

	// CompressionZstd indicates zstd at the default level. Best for
	// the highly repetitive payloads in this protocol: workspace
	// manifests are long lists of near-identical path rows.
	CompressionZstd CompressionTag = 2
)

// String returns the human-readable name of a compression tag.
func (tag CompressionTag) String() string {
	switch tag {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", tag)
	}
}

// compressPayload compresses data using the specified algorithm.
// For CompressionNone, returns the input unchanged (no copy).
func compressPayload(data []byte, tag CompressionTag) ([]byte, error) {
	switch tag {
	case CompressionNone:
		return data, nil

	case CompressionLZ4:
		return compressLZ4(data)

	case CompressionZstd:
		return compressZstd(data)

	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}

// decompressPayload decompresses a payload that was compressed with
// the specified algorithm. The uncompressedSize must match the
// original length exactly — this is verified and a mismatch returns
// an error.
func decompressPayload(compressed []byte, tag CompressionTag, uncompressedSize int) ([]byte, error) {
	switch tag {
	case CompressionNone:
		return compressed, nil

	case CompressionLZ4:
		return decompressLZ4(compressed, uncompressedSize)

	case CompressionZstd:
		return decompressZstd(compressed, uncompressedSize)

	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}

// LZ4 compression: block-mode LZ4.

func compressLZ4(data []byte) ([]byte, error) {
	bound := lz4.CompressBlockBound(len(data))
	destination := make([]byte, bound)

	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}

	// CompressBlock returns 0 when it determines the data is
	// incompressible. Also reject output that is not actually
	// smaller than the input.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}

	return destination[:written], nil
}

func decompressLZ4(compressed []byte, uncompressedSize int) ([]byte, error) {
	destination := make([]byte, uncompressedSize)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if read != uncompressedSize {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, uncompressedSize)
	}
	return destination, nil
}

// Zstd compression: default level, shared encoder/decoder. Both are
// safe for concurrent use, so one of each serves every session.

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		panic("rpc: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("rpc: zstd decoder initialization failed: " + err.Error())
	}
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}

func decompressZstd(compressed []byte, uncompressedSize int) ([]byte, error) {
	destination := make([]byte, 0, uncompressedSize)
	result, err := zstdDecoder.DecodeAll(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(result) != uncompressedSize {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), uncompressedSize)
	}
	return result, nil
}

// errIncompressible is returned by compression functions when the
// compressed output is not smaller than the input. The caller falls
// back to CompressionNone.
var errIncompressible = fmt.Errorf("data is incompressible")

// isIncompressible returns true if the error indicates that data
// could not be compressed smaller than its original size.
func isIncompressible(err error) bool {
	return err == errIncompressible
}

// selectCompression probes the payload to pick an algorithm. It
// compresses with zstd once and checks the ratio: above 1.5x zstd is
// worth its CPU cost, between 1.1x and 1.5x LZ4 wins on speed, below
// 1.1x the payload is treated as incompressible. Callers skip the
// probe entirely for payloads under the configured floor.
func selectCompression(data []byte) CompressionTag {
	if len(data) == 0 {
		return CompressionNone
	}

	compressed := zstdEncoder.EncodeAll(data, nil)
	ratio := float64(len(data)) / float64(len(compressed))

	switch {
	case ratio >= 1.5:
		return CompressionZstd
	case ratio >= 1.1:
		return CompressionLZ4
	default:
		return CompressionNone
	}
}
