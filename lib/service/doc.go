// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package service implements the mapbroker admin control socket.
//
// The protocol is one CBOR request and one CBOR response per Unix
// socket connection. A request is a map with an "action" field plus
// action-specific fields; the response is a [Response] envelope whose
// data field carries the action's result.
//
// [SocketServer] dispatches actions to registered handlers.
// [RegisterAdmin] installs the three actions the mapbroker process
// serves:
//
//   - status: version, pool worker PIDs, busy PIDs, broker counters
//   - report: clear stored reports, broadcast REPORT, wait the
//     collection window, return what arrived
//   - restart: broadcast RESTART so every worker recycles
//
// [Client] is the calling side used by mapbroker-ctl.
package service
