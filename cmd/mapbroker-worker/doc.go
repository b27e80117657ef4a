// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// mapbroker-worker serves project documents to the broker. The pool
// in the mapbroker process spawns it; running it by hand is useful
// only against a standalone broker.
//
// The worker connects a DEALER socket to the broker backend, a SUB
// socket to the broadcast channel, and a PUSH socket to the
// supervisor, all addressed by the shared configuration file. Each
// request names a document with the MAP query parameter ("file:" is
// assumed when no scheme is given). Documents are held in an LRU
// resource cache and reloaded when the file changes. A matching
// If-None-Match answers 304; documents above 256 KiB stream as a
// partial reply.
//
// The process exits 0 on RESTART, after its request limit, and after
// a handler failure, and non-zero when a socket fails.
package main
