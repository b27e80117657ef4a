// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
)

var (
	// ErrUnreachable is returned by Send when the addressed peer is
	// known not to be connected: a ROUTER send to an identity it has
	// not heard from, or, in memory, to a peer that has closed.
	ErrUnreachable = errors.New("transport: peer unreachable")

	// ErrClosed is returned by operations on a closed socket.
	ErrClosed = errors.New("transport: socket closed")

	// ErrUnsupported is returned by Send on receive-only sockets
	// (SUB, PULL) and Recv on send-only sockets (PUB, PUSH).
	ErrUnsupported = errors.New("transport: operation not supported by socket type")
)

// Socket is a message socket. A message is a list of frames; frames
// are delivered together and in order.
//
// Send and Recv may be called from different goroutines, but each
// must have at most one caller at a time.
type Socket interface {
	// Send transmits one message. For a ROUTER socket, frames[0] is
	// the destination identity and is stripped before delivery.
	Send(ctx context.Context, frames ...[]byte) error

	// Recv blocks for the next message. A ROUTER socket prepends the
	// sender's identity as frames[0].
	Recv(ctx context.Context) ([][]byte, error)

	// Close releases the socket. Blocked Recv calls return ErrClosed.
	Close() error
}

// Network creates sockets. Binding constructors own the endpoint;
// connecting constructors attach to it.
type Network interface {
	// Router binds a ROUTER socket: fair-queued input from every
	// connected Dealer, output addressed by identity.
	Router(endpoint string) (Socket, error)

	// Dealer connects a DEALER socket under the given identity.
	Dealer(endpoint string, identity []byte) (Socket, error)

	// Publisher binds a PUB socket. Messages go to every connected
	// Subscriber; nothing is queued for absent subscribers.
	Publisher(endpoint string) (Socket, error)

	// Subscriber connects a SUB socket subscribed to all messages.
	Subscriber(endpoint string) (Socket, error)

	// Puller binds a PULL socket collecting messages from Pushers.
	Puller(endpoint string) (Socket, error)

	// Pusher connects a PUSH socket.
	Pusher(endpoint string) (Socket, error)
}
