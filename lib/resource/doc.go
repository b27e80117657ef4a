// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package resource is the worker's cache of expensive-to-load
// documents.
//
// A key has the form "scheme:path". The scheme selects a [Protocol]
// from a registry built once at startup from configuration; the path
// is interpreted by the protocol. The only built-in protocol is
// "file", which serves files below a root directory and reloads a file
// when its modification time changes.
//
// [Cache.Lookup] reports whether the returned resource was (re)loaded
// by this call, so the caller can rebuild anything derived from it. A
// key that cannot be resolved yields an error matching [ErrNotFound].
//
// A Cache is owned by one worker process and serves one request at a
// time, but its methods are safe for concurrent use.
package resource
