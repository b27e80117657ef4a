// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR encoding configuration shared by
// every mapbroker protocol, and the optional body compression applied
// to reply frames.
//
// CBOR carries all internal envelopes: requests and reply headers
// between client, broker, and workers, supervisor notifications, and
// admin socket calls. The encoder uses Core Deterministic Encoding
// (RFC 8949 §4.2) so that equal values always produce equal bytes.
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented use (the admin socket):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// # Compression
//
// [Pack] compresses a reply body or chunk with LZ4 or zstd and wraps
// it in a small envelope naming the algorithm and the original size.
// [Unpack] needs no out-of-band information. Data that does not shrink
// is stored uncompressed inside the envelope.
package codec
