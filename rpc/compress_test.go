// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func compressibleData() []byte {
	return bytes.Repeat([]byte("manifest row: src/engine/session.go 4096 1756167000\n"), 100)
}

func randomData(t *testing.T, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	return data
}

func TestCompressRoundtrip(t *testing.T) {
	original := compressibleData()

	for _, tag := range []CompressionTag{CompressionLZ4, CompressionZstd} {
		t.Run(tag.String(), func(t *testing.T) {
			compressed, err := compressPayload(original, tag)
			if err != nil {
				t.Fatalf("compress: %v", err)
			}
			if len(compressed) >= len(original) {
				t.Fatalf("compressed %d bytes, input %d", len(compressed), len(original))
			}

			restored, err := decompressPayload(compressed, tag, len(original))
			if err != nil {
				t.Fatalf("decompress: %v", err)
			}
			if !bytes.Equal(restored, original) {
				t.Error("roundtrip does not match input")
			}
		})
	}
}

func TestCompressNonePassthrough(t *testing.T) {
	data := []byte("as-is")
	result, err := compressPayload(data, CompressionNone)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if &result[0] != &data[0] {
		t.Error("CompressionNone copied the input")
	}
}

func TestIncompressibleData(t *testing.T) {
	random := randomData(t, 4096)

	for _, tag := range []CompressionTag{CompressionLZ4, CompressionZstd} {
		t.Run(tag.String(), func(t *testing.T) {
			_, err := compressPayload(random, tag)
			if !isIncompressible(err) {
				t.Errorf("compressing random data: %v, want incompressible", err)
			}
		})
	}
}

func TestDecompressSizeMismatch(t *testing.T) {
	original := compressibleData()

	for _, tag := range []CompressionTag{CompressionLZ4, CompressionZstd} {
		t.Run(tag.String(), func(t *testing.T) {
			compressed, err := compressPayload(original, tag)
			if err != nil {
				t.Fatalf("compress: %v", err)
			}
			if _, err := decompressPayload(compressed, tag, len(original)-1); err == nil {
				t.Error("decompress accepted wrong declared size")
			}
		})
	}
}

func TestSelectCompression(t *testing.T) {
	if got := selectCompression(compressibleData()); got != CompressionZstd {
		t.Errorf("repetitive data selected %v, want %v", got, CompressionZstd)
	}
	if got := selectCompression(randomData(t, 4096)); got != CompressionNone {
		t.Errorf("random data selected %v, want %v", got, CompressionNone)
	}
	if got := selectCompression(nil); got != CompressionNone {
		t.Errorf("empty data selected %v, want %v", got, CompressionNone)
	}
}

func TestCompressionTagString(t *testing.T) {
	tests := []struct {
		tag  CompressionTag
		want string
	}{
		{tag: CompressionNone, want: "none"},
		{tag: CompressionLZ4, want: "lz4"},
		{tag: CompressionZstd, want: "zstd"},
		{tag: CompressionTag(9), want: "unknown(9)"},
	}
	for _, test := range tests {
		if got := test.tag.String(); got != test.want {
			t.Errorf("String(%d) = %q, want %q", uint8(test.tag), got, test.want)
		}
	}
}

func TestUnsupportedTagRejected(t *testing.T) {
	if _, err := compressPayload([]byte("x"), CompressionTag(9)); err == nil {
		t.Error("compress accepted unknown tag")
	}
	if _, err := decompressPayload([]byte("x"), CompressionTag(9), 1); err == nil {
		t.Error("decompress accepted unknown tag")
	}
}
