// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"log/slog"

	"github.com/bureau-foundation/mapbroker/worker"
)

// exitStatus maps the runtime's result to the process result. Planned
// stops exit 0 so the pool does not count them as failures. A handler
// failure exits 0 too: its request was already answered with a 500.
func exitStatus(err error, served int, logger *slog.Logger) error {
	switch {
	case err == nil:
		logger.Info("worker stopping", "served", served)
		return nil
	case errors.Is(err, worker.ErrRestart), errors.Is(err, worker.ErrRecycle):
		logger.Info("worker recycling", "reason", err, "served", served)
		return nil
	case errors.Is(err, worker.ErrHandlerFailure):
		logger.Warn("worker exiting after handler failure", "error", err, "served", served)
		return nil
	default:
		return err
	}
}
