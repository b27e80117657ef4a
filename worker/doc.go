// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package worker is the request loop run by every worker process.
//
// A [Runtime] announces READY to the broker, waits for one request,
// tells the supervisor it is busy, runs the [Handler], completes the
// reply, tells the supervisor it is done, and announces READY again.
// While idle it sends HEARTBEAT on every tick and answers broadcasts:
// RESTART ends the loop with [ErrRestart], and REPORT pushes process
// statistics to the supervisor. Whatever ends the loop, the worker
// says DISCONNECT on its way out. Broadcasts are read
// only between requests, so a request in progress is never
// interrupted.
//
// Handlers write through a [ResponseWriter]. A single Flush with
// more=false sends a full reply. Flushing with more=true turns the
// reply into a partial one (status 206) whose chunks end with an empty
// terminator frame.
//
// A handler that fails or panics before its header is sent gets a 500
// reply and the loop ends with [ErrHandlerFailure]: the process state
// is suspect and the pool will start a fresh one. After the header is
// sent, a failure only terminates the stream.
package worker
