// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package broadcast sends RESTART and REPORT to every worker.
//
// Delivery is at most once: a worker that is not connected when a
// message is published never sees it, and a busy worker reads it only
// when it next goes idle.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/mapbroker/lib/wire"
	"github.com/bureau-foundation/mapbroker/transport"
)

// Publisher owns the PUB socket workers subscribe to.
type Publisher struct {
	socket transport.Socket
	logger *slog.Logger
}

// NewPublisher returns a Publisher sending on socket, a PUB socket
// bound at the broadcast address.
func NewPublisher(socket transport.Socket, logger *slog.Logger) (*Publisher, error) {
	if socket == nil {
		return nil, errors.New("broadcast: socket is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{socket: socket, logger: logger}, nil
}

// Restart asks idle workers to exit so the pool replaces them.
func (p *Publisher) Restart(ctx context.Context) error {
	return p.publish(ctx, wire.CommandRestart)
}

// Report asks workers to push a report to the supervisor.
func (p *Publisher) Report(ctx context.Context) error {
	return p.publish(ctx, wire.CommandReport)
}

func (p *Publisher) publish(ctx context.Context, command wire.Command) error {
	if err := p.socket.Send(ctx, command.Frames()...); err != nil {
		return fmt.Errorf("broadcasting %s: %w", command, err)
	}
	p.logger.Info("broadcast sent", "command", string(command))
	return nil
}

// Close closes the socket.
func (p *Publisher) Close() error { return p.socket.Close() }

// Decode parses a message received on a SUB socket.
func Decode(frames [][]byte) (wire.Command, error) {
	return wire.DecodeCommand(frames)
}
