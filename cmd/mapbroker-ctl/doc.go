// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// mapbroker-ctl talks to a running mapbroker over its admin socket.
//
//	mapbroker-ctl status            pool workers, busy workers, broker counters
//	mapbroker-ctl report            per-worker requests, memory, cache size
//	mapbroker-ctl restart           recycle every worker
//
// The socket is taken from --socket, else from the configuration named
// by --config or MAPBROKER_CONFIG, else from the default configuration.
// --json prints the raw response.
package main
