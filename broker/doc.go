// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package broker implements the rendezvous between clients and
// workers.
//
// The broker binds two ROUTER sockets. Clients send requests to the
// frontend; workers announce READY on the backend and send their
// replies there. Requests wait in a bounded FIFO until a worker is
// ready; the oldest request goes to the worker that has been ready
// longest.
//
// A request arriving at a full queue is rejected at once with status
// 509. A request that waits longer than the timeout is dropped without
// reply; by then its client has stopped waiting. Replies are forwarded
// to the client verbatim, and a reply for a client that has gone away
// is dropped.
//
// A dispatched worker is assigned until it sends READY again. Idle
// workers send HEARTBEAT, which the broker ignores for assigned
// workers, and DISCONNECT when they leave. ZeroMQ does not report
// vanished peers, so workers silent longer than the configured expiry
// are forgotten.
//
// Malformed messages are logged and ignored. Only a socket failure
// ends [Broker.Serve].
package broker
