// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/mapbroker/lib/wire"
	"github.com/bureau-foundation/mapbroker/transport"
)

// Notifier is the worker side of the supervisor channel.
type Notifier struct {
	socket transport.Socket
	pid    int
}

// NewNotifier returns a Notifier sending on socket, a PUSH socket
// connected to the supervisor address, on behalf of pid.
func NewNotifier(socket transport.Socket, pid int) *Notifier {
	return &Notifier{socket: socket, pid: pid}
}

// Busy tells the supervisor a request has started.
func (n *Notifier) Busy(ctx context.Context) error {
	return n.send(ctx, wire.Notification{PID: n.pid, Tag: wire.NotifyBusy})
}

// Done tells the supervisor the reply is complete.
func (n *Notifier) Done(ctx context.Context) error {
	return n.send(ctx, wire.Notification{PID: n.pid, Tag: wire.NotifyDone})
}

// Report pushes process statistics.
func (n *Notifier) Report(ctx context.Context, report wire.Report) error {
	return n.send(ctx, wire.Notification{PID: n.pid, Tag: wire.NotifyReport, Report: &report})
}

func (n *Notifier) send(ctx context.Context, notification wire.Notification) error {
	frames, err := wire.EncodeNotification(notification)
	if err != nil {
		return fmt.Errorf("encoding %s notification: %w", notification.Tag, err)
	}
	if err := n.socket.Send(ctx, frames...); err != nil {
		return fmt.Errorf("sending %s notification: %w", notification.Tag, err)
	}
	return nil
}

// Close closes the socket.
func (n *Notifier) Close() error { return n.socket.Close() }
