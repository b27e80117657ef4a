// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/mapbroker/broker"
	"github.com/bureau-foundation/mapbroker/gateway"
	"github.com/bureau-foundation/mapbroker/lib/config"
	"github.com/bureau-foundation/mapbroker/lib/metrics"
	"github.com/bureau-foundation/mapbroker/lib/process"
	"github.com/bureau-foundation/mapbroker/lib/version"
	"github.com/bureau-foundation/mapbroker/transport"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet("mapbroker-broker", pflag.ContinueOnError)
	configPath := flagSet.String("config", "", "path to mapbroker.yaml (default: $MAPBROKER_CONFIG)")
	metricsListen := flagSet.String("metrics-listen", "", "serve Prometheus metrics on this address (disabled if empty)")
	showVersion := flagSet.Bool("version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Printf("mapbroker-broker %s\n", version.Full())
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
	logger = logger.With("component", "broker")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	network := transport.NewZMQNetwork(ctx, logger)
	frontend, err := network.Router(cfg.Broker.Frontend)
	if err != nil {
		return err
	}
	backend, err := network.Router(cfg.Broker.Backend)
	if err != nil {
		frontend.Close()
		return err
	}
	instance, err := broker.New(broker.Config{
		Frontend:         frontend,
		Backend:          backend,
		MaxQueue:         cfg.Broker.MaxQueue,
		Timeout:          cfg.Broker.Timeout.Std(),
		WorkerExpiry:     cfg.Broker.WorkerExpiry.Std(),
		AssignmentExpiry: cfg.Broker.AssignmentExpiry.Std(),
		Logger:           logger,
		Metrics:          metrics.NewBroker(registry),
	})
	if err != nil {
		frontend.Close()
		backend.Close()
		return err
	}

	if *metricsListen != "" {
		server := gateway.NewServer(gateway.ServerConfig{
			Address: *metricsListen,
			Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			Logger:  logger,
		})
		go func() {
			if err := server.Serve(ctx); err != nil {
				logger.Error("metrics listener failed", "error", err)
			}
		}()
	}

	logger.Info("standalone broker starting",
		"version", version.Info(),
		"frontend", cfg.Broker.Frontend,
		"backend", cfg.Broker.Backend,
	)
	return instance.Serve(ctx)
}
