// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport provides the message sockets that connect
// clients, the broker, workers, and the supervisor.
//
// A [Socket] sends and receives multi-frame messages. A [Network]
// creates the six socket types the system uses:
//
//   - ROUTER (bound): the broker's frontend and backend. Received
//     messages carry the sender's identity as the first frame; sends
//     are addressed by an identity frame.
//   - DEALER (connected): clients and workers, each with an explicit
//     identity.
//   - PUB / SUB: the restart and report broadcast.
//   - PUSH / PULL: worker notifications to the supervisor.
//
// [ZMQNetwork] is the production implementation over
// github.com/go-zeromq/zmq4. ZeroMQ does not report vanished peers: a
// ROUTER send to an identity that has never sent fails with
// [ErrUnreachable], but a send to one that sent and then disconnected
// is dropped without an error. Callers that must notice lost peers do
// so by liveness, as the broker does with heartbeats.
//
// [MemoryNetwork] is an in-process implementation for tests; it
// delivers synchronously into unbounded mailboxes and reports a
// vanished peer as [ErrUnreachable] at once.
package transport
