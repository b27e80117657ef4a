// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bureau-foundation/mapbroker/lib/clock"
	"github.com/bureau-foundation/mapbroker/lib/version"
	"github.com/bureau-foundation/mapbroker/lib/wire"
)

// Admin action names.
const (
	ActionStatus  = "status"
	ActionReport  = "report"
	ActionRestart = "restart"
)

// PoolView is the part of the process pool the admin socket reads.
type PoolView interface {
	Pids() []int
}

// SupervisorView is the part of the supervisor the admin socket reads.
type SupervisorView interface {
	Busy(ctx context.Context) ([]int, error)
	Reports(ctx context.Context) ([]wire.Report, error)
	ClearReports(ctx context.Context) error
}

// Broadcaster sends commands to every worker.
type Broadcaster interface {
	Restart(ctx context.Context) error
	Report(ctx context.Context) error
}

// StatusResult is the data of a status response.
type StatusResult struct {
	Version string `cbor:"version" json:"version"`
	Workers []int  `cbor:"workers" json:"workers"`
	Busy    []int  `cbor:"busy" json:"busy"`

	// Broker holds the embedded broker's counters, absent when the
	// broker runs as its own process.
	Broker any `cbor:"broker,omitempty" json:"broker,omitempty"`
}

// ReportResult is the data of a report response.
type ReportResult struct {
	Reports []wire.Report `cbor:"reports" json:"reports"`
}

// AdminConfig wires the admin actions to the running components.
type AdminConfig struct {
	Pool       PoolView
	Supervisor SupervisorView
	Broadcast  Broadcaster

	// BrokerStats returns the embedded broker's counters. Nil when no
	// broker runs in this process.
	BrokerStats func() any

	// ReportWindow is how long the report action waits for workers to
	// answer the REPORT broadcast.
	ReportWindow time.Duration

	Clock clock.Clock
}

// RegisterAdmin registers the status, report, and restart actions.
func RegisterAdmin(server *SocketServer, config AdminConfig) error {
	if config.Pool == nil {
		return errors.New("admin: Pool is required")
	}
	if config.Supervisor == nil {
		return errors.New("admin: Supervisor is required")
	}
	if config.Broadcast == nil {
		return errors.New("admin: Broadcast is required")
	}
	if config.ReportWindow <= 0 {
		return errors.New("admin: ReportWindow must be positive")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}

	server.Handle(ActionStatus, func(ctx context.Context, _ []byte) (any, error) {
		busy, err := config.Supervisor.Busy(ctx)
		if err != nil {
			return nil, fmt.Errorf("reading busy workers: %w", err)
		}
		result := StatusResult{
			Version: version.Info(),
			Workers: config.Pool.Pids(),
			Busy:    busy,
		}
		if config.BrokerStats != nil {
			result.Broker = config.BrokerStats()
		}
		return result, nil
	})

	server.Handle(ActionReport, func(ctx context.Context, _ []byte) (any, error) {
		if err := config.Supervisor.ClearReports(ctx); err != nil {
			return nil, fmt.Errorf("clearing reports: %w", err)
		}
		if err := config.Broadcast.Report(ctx); err != nil {
			return nil, fmt.Errorf("broadcasting REPORT: %w", err)
		}
		select {
		case <-config.Clock.After(config.ReportWindow):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		reports, err := config.Supervisor.Reports(ctx)
		if err != nil {
			return nil, fmt.Errorf("collecting reports: %w", err)
		}
		return ReportResult{Reports: reports}, nil
	})

	server.Handle(ActionRestart, func(ctx context.Context, _ []byte) (any, error) {
		if err := config.Broadcast.Restart(ctx); err != nil {
			return nil, fmt.Errorf("broadcasting RESTART: %w", err)
		}
		return nil, nil
	})
	return nil
}
