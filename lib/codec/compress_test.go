// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"crypto/rand"
	"strings"
	"testing"
)

func TestPackUnpack(t *testing.T) {
	text := []byte(strings.Repeat("<Layer><Name>roads</Name></Layer>", 200))
	random := make([]byte, 4096)
	if _, err := rand.Read(random); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}

	tests := []struct {
		name string
		tag  CompressionTag
		data []byte
	}{
		{"none", CompressionNone, text},
		{"lz4 text", CompressionLZ4, text},
		{"zstd text", CompressionZstd, text},
		{"lz4 random", CompressionLZ4, random},
		{"zstd random", CompressionZstd, random},
		{"zstd empty", CompressionZstd, nil},
		{"lz4 empty", CompressionLZ4, []byte{}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			frame, err := Pack(test.data, test.tag)
			if err != nil {
				t.Fatalf("Pack: %v", err)
			}
			unpacked, err := Unpack(frame)
			if err != nil {
				t.Fatalf("Unpack: %v", err)
			}
			if !bytes.Equal(unpacked, test.data) {
				t.Fatalf("roundtrip mismatch: got %d bytes, want %d", len(unpacked), len(test.data))
			}
		})
	}
}

func TestPackShrinksCompressibleData(t *testing.T) {
	text := []byte(strings.Repeat("feature ", 4096))
	for _, tag := range []CompressionTag{CompressionLZ4, CompressionZstd} {
		frame, err := Pack(text, tag)
		if err != nil {
			t.Fatalf("Pack(%s): %v", tag, err)
		}
		if len(frame) >= len(text) {
			t.Errorf("Pack(%s) produced %d bytes from %d", tag, len(frame), len(text))
		}
	}
}

func TestPackFallsBackForIncompressible(t *testing.T) {
	random := make([]byte, 1024)
	if _, err := rand.Read(random); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	frame, err := Pack(random, CompressionZstd)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	var envelope packed
	if err := Unmarshal(frame, &envelope); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if envelope.Tag != CompressionNone {
		t.Errorf("Tag = %s, want none for random input", envelope.Tag)
	}
}

func TestUnpackRejectsBadFrames(t *testing.T) {
	sizeMismatch, err := Marshal(packed{Tag: CompressionNone, Size: 10, Data: []byte("abc")})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	unknownTag, err := Marshal(packed{Tag: 9, Size: 3, Data: []byte("abc")})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	hugeSize, err := Marshal(packed{Tag: CompressionLZ4, Size: maxUnpackedSize + 1, Data: []byte("abc")})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	for name, frame := range map[string][]byte{
		"garbage":       {0xFF, 0x00},
		"size mismatch": sizeMismatch,
		"unknown tag":   unknownTag,
		"huge size":     hugeSize,
	} {
		if _, err := Unpack(frame); err == nil {
			t.Errorf("%s: Unpack succeeded, want error", name)
		}
	}
}

func TestParseCompressionTag(t *testing.T) {
	for name, want := range map[string]CompressionTag{
		"":     CompressionNone,
		"none": CompressionNone,
		"lz4":  CompressionLZ4,
		"zstd": CompressionZstd,
	} {
		got, err := ParseCompressionTag(name)
		if err != nil {
			t.Fatalf("ParseCompressionTag(%q): %v", name, err)
		}
		if got != want {
			t.Errorf("ParseCompressionTag(%q) = %s, want %s", name, got, want)
		}
	}
	if _, err := ParseCompressionTag("gzip"); err == nil {
		t.Error("ParseCompressionTag(gzip) succeeded, want error")
	}
}
