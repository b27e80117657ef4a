// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package supervisor kills workers that stay busy too long, and
// collects worker reports.
//
// Workers push notifications over a PUSH socket using [Notifier]: BUSY
// before a handler runs, DONE after the reply is complete, and REPORT
// in answer to a report broadcast. The [Supervisor] arms a one-shot
// timer on BUSY and cancels it on DONE. If the timer fires the worker
// is killed with SIGKILL; the pool then starts a replacement. This
// catches hangs inside native code that no request timeout can
// interrupt, and needs no knowledge of what the worker was doing.
//
// All state is owned by the goroutine running [Supervisor.Serve].
// Timer callbacks and queries post into it.
package supervisor
