// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/mapbroker/lib/codec"
	"github.com/bureau-foundation/mapbroker/lib/config"
	"github.com/bureau-foundation/mapbroker/lib/process"
	"github.com/bureau-foundation/mapbroker/lib/resource"
	"github.com/bureau-foundation/mapbroker/lib/version"
	"github.com/bureau-foundation/mapbroker/supervisor"
	"github.com/bureau-foundation/mapbroker/transport"
	"github.com/bureau-foundation/mapbroker/worker"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet("mapbroker-worker", pflag.ContinueOnError)
	configPath := flagSet.String("config", "", "path to mapbroker.yaml (default: $MAPBROKER_CONFIG)")
	showVersion := flagSet.Bool("version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Printf("mapbroker-worker %s\n", version.Full())
		return nil
	}

	cfg, err := config.LoadPath(*configPath)
	if err != nil {
		return err
	}
	logger, err := cfg.Log.NewLogger(os.Stderr)
	if err != nil {
		return err
	}
	pid := os.Getpid()
	logger = logger.With("component", "worker")

	// SIGTERM from the pool ends the current request first: Run
	// checks ctx only between requests.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	compression, err := codec.ParseCompressionTag(cfg.Worker.Compression)
	if err != nil {
		return err
	}
	cache, err := resource.NewCacheFromConfig(cfg.Worker.Resources)
	if err != nil {
		return fmt.Errorf("building resource cache: %w", err)
	}

	network := transport.NewZMQNetwork(ctx, logger)
	identity := fmt.Sprintf("worker-%d-%s", pid, uuid.NewString())
	requests, err := network.Dealer(cfg.Broker.Backend, []byte(identity))
	if err != nil {
		return fmt.Errorf("connecting to broker backend: %w", err)
	}
	defer requests.Close()
	broadcast, err := network.Subscriber(cfg.Broadcast.Address)
	if err != nil {
		return fmt.Errorf("connecting to broadcast channel: %w", err)
	}
	defer broadcast.Close()
	notifications, err := network.Pusher(cfg.Supervisor.Address)
	if err != nil {
		return fmt.Errorf("connecting to supervisor: %w", err)
	}
	notifier := supervisor.NewNotifier(notifications, pid)
	defer notifier.Close()

	runtime, err := worker.New(worker.Config{
		Identity:    identity,
		Requests:    requests,
		Broadcast:   broadcast,
		Notifier:    notifier,
		Handler:     &documentHandler{cache: cache},
		MaxRequests: cfg.Worker.MaxRequests,
		Heartbeat:   cfg.Worker.Heartbeat.Std(),
		Compression: compression,
		PID:         pid,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	return exitStatus(runtime.Run(ctx), runtime.Served(), logger)
}
