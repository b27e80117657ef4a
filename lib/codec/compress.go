// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionTag identifies the algorithm used for a packed body.
// The numeric values appear inside packed frames and must not change.
type CompressionTag uint8

const (
	// CompressionNone stores the data unchanged.
	CompressionNone CompressionTag = 0

	// CompressionLZ4 is LZ4 block compression. Cheap to produce,
	// suited to binary tiles and images that compress poorly.
	CompressionLZ4 CompressionTag = 1

	// CompressionZstd is zstd at the default level. Better ratios
	// on XML and JSON documents.
	CompressionZstd CompressionTag = 2
)

// String returns the configuration name of the tag.
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

// ParseCompressionTag parses a configuration name. The empty string
// is CompressionNone.
func ParseCompressionTag(name string) (CompressionTag, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression %q (want none, lz4, or zstd)", name)
	}
}

// packed is the self-describing envelope produced by Pack. Size is the
// uncompressed length, which LZ4 block decoding needs up front.
type packed struct {
	Tag  CompressionTag `cbor:"t"`
	Size int            `cbor:"n"`
	Data []byte         `cbor:"d"`
}

// maxUnpackedSize bounds the allocation Unpack makes from an
// attacker-controlled size field.
const maxUnpackedSize = 256 * 1024 * 1024

// Pack compresses data with tag and wraps it in an envelope carrying
// the algorithm actually used. Data that does not shrink is stored
// with CompressionNone, so Unpack never needs to know what the sender
// asked for.
func Pack(data []byte, tag CompressionTag) ([]byte, error) {
	compressed, used, err := compress(data, tag)
	if err != nil {
		return nil, err
	}
	return Marshal(packed{Tag: used, Size: len(data), Data: compressed})
}

// Unpack reverses Pack.
func Unpack(frame []byte) ([]byte, error) {
	var envelope packed
	if err := Unmarshal(frame, &envelope); err != nil {
		return nil, fmt.Errorf("decoding packed frame: %w", err)
	}
	if envelope.Size < 0 || envelope.Size > maxUnpackedSize {
		return nil, fmt.Errorf("packed frame declares invalid size %d", envelope.Size)
	}

	switch envelope.Tag {
	case CompressionNone:
		if len(envelope.Data) != envelope.Size {
			return nil, fmt.Errorf("uncompressed frame: size %d does not match declared %d",
				len(envelope.Data), envelope.Size)
		}
		return envelope.Data, nil
	case CompressionLZ4:
		return decompressLZ4(envelope.Data, envelope.Size)
	case CompressionZstd:
		return decompressZstd(envelope.Data, envelope.Size)
	default:
		return nil, fmt.Errorf("unsupported compression tag %d", envelope.Tag)
	}
}

// compress returns the compressed bytes and the tag that describes
// them. Incompressible input falls back to CompressionNone.
func compress(data []byte, tag CompressionTag) ([]byte, CompressionTag, error) {
	var (
		compressed []byte
		err        error
	)
	switch tag {
	case CompressionNone:
		return data, CompressionNone, nil
	case CompressionLZ4:
		compressed, err = compressLZ4(data)
	case CompressionZstd:
		compressed, err = compressZstd(data)
	default:
		return nil, 0, fmt.Errorf("unsupported compression tag %d", tag)
	}
	if errors.Is(err, errIncompressible) {
		return data, CompressionNone, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return compressed, tag, nil
}

// errIncompressible means the compressed form was not smaller than
// the input.
var errIncompressible = errors.New("data is incompressible")

func compressLZ4(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errIncompressible
	}
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock reports 0 for input it cannot shrink.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func decompressLZ4(compressed []byte, size int) ([]byte, error) {
	destination := make([]byte, size)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if read != size {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
	}
	return destination, nil
}

// zstd.Encoder and zstd.Decoder are safe for concurrent use through
// EncodeAll and DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("codec: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("codec: zstd decoder initialization failed: " + err.Error())
	}
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}

func decompressZstd(compressed []byte, size int) ([]byte, error) {
	result, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(result) != size {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), size)
	}
	return result, nil
}
