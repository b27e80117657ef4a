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
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"github.com/thejerf/suture/v4"

	"github.com/bureau-foundation/mapbroker/broadcast"
	"github.com/bureau-foundation/mapbroker/gateway"
	"github.com/bureau-foundation/mapbroker/lib/brokerclient"
	"github.com/bureau-foundation/mapbroker/lib/config"
	"github.com/bureau-foundation/mapbroker/lib/metrics"
	"github.com/bureau-foundation/mapbroker/lib/process"
	"github.com/bureau-foundation/mapbroker/lib/service"
	"github.com/bureau-foundation/mapbroker/lib/version"
	"github.com/bureau-foundation/mapbroker/pool"
	"github.com/bureau-foundation/mapbroker/transport"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet("mapbroker", pflag.ContinueOnError)
	configPath := flagSet.String("config", "", "path to mapbroker.yaml (default: $MAPBROKER_CONFIG)")
	showVersion := flagSet.Bool("version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Printf("mapbroker %s\n", version.Full())
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
	slog.SetDefault(logger)

	spawner, err := workerSpawner(cfg.Pool.WorkerBinary, *configPath)
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(signalCtx)
	defer cancel()

	s, err := newServer(ctx, cfg, logger, spawner, &fatal{cancel: cancel})
	if err != nil {
		return err
	}
	defer s.publisher.Close()
	return s.serve(ctx)
}

// workerSpawner starts binary, or the mapbroker-worker next to this
// executable when binary is empty. An explicit config path is passed
// on; otherwise workers inherit MAPBROKER_CONFIG.
func workerSpawner(binary, configPath string) (*pool.ExecSpawner, error) {
	if binary == "" {
		executable, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locating mapbroker-worker: %w", err)
		}
		binary = filepath.Join(filepath.Dir(executable), "mapbroker-worker")
	}
	var args []string
	if configPath != "" {
		absolute, err := filepath.Abs(configPath)
		if err != nil {
			return nil, fmt.Errorf("resolving config path: %w", err)
		}
		args = []string{"--config", absolute}
	}
	return &pool.ExecSpawner{Binary: binary, Args: args}, nil
}

// server is the mapbroker process: the components bound once at
// startup, and the service tree that runs the rest.
type server struct {
	config   *config.Config
	logger   *slog.Logger
	failure  *fatal
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	network  transport.Network

	publisher   *broadcast.Publisher
	workers     *pool.Pool
	supervision *supervisorService

	// embedded is nil when the broker runs as its own process.
	embedded *brokerService

	tree *suture.Supervisor
}

func newServer(ctx context.Context, cfg *config.Config, logger *slog.Logger, spawner pool.Spawner, failure *fatal) (*server, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s := &server{
		config:   cfg,
		logger:   logger,
		failure:  failure,
		registry: registry,
		metrics:  metrics.New(registry),
		network:  transport.NewZMQNetwork(ctx, logger),
	}

	publisherSocket, err := s.network.Publisher(cfg.Broadcast.Address)
	if err != nil {
		return nil, fmt.Errorf("binding broadcast channel: %w", err)
	}
	s.publisher, err = broadcast.NewPublisher(publisherSocket, logger.With("component", "broadcast"))
	if err != nil {
		publisherSocket.Close()
		return nil, err
	}

	s.workers, err = pool.New(pool.Config{
		Size:                  cfg.Pool.Size,
		Spawner:               spawner,
		EarlyFailureWindow:    cfg.Pool.EarlyFailureWindow.Std(),
		EarlyFailureThreshold: cfg.Pool.EarlyFailureThreshold,
		RestartRate:           cfg.Pool.RestartRate,
		TerminateTimeout:      cfg.Pool.TerminateTimeout.Std(),
		OnExit:                func(pid int) { s.supervision.workerExited(pid) },
		Logger:                logger.With("component", "pool"),
		Metrics:               s.metrics.Pool,
	})
	if err != nil {
		s.publisher.Close()
		return nil, err
	}

	s.supervision = &supervisorService{
		network: s.network,
		config:  cfg.Supervisor,
		logger:  logger.With("component", "supervisor"),
		metrics: s.metrics.Supervisor,
		kill:    s.workers.Kill,
	}
	if cfg.Broker.Embedded {
		s.embedded = newBrokerService(s.network, cfg.Broker, logger.With("component", "broker"), s.metrics.Broker)
	}

	s.tree = suture.New("mapbroker", suture.Spec{
		EventHook: eventLogger(logger.With("component", "tree")),
		// Stopping the pool may wait out the worker terminate timeout.
		Timeout: cfg.Pool.TerminateTimeout.Std() + 5*time.Second,
	})
	return s, nil
}

// serve runs the tree until ctx is cancelled or a component fails
// fatally. The bound components start first; the client dials the
// broker frontend only after an embedded broker has bound it.
func (s *server) serve(ctx context.Context) error {
	s.tree.Add(s.supervision)
	if s.embedded != nil {
		s.tree.Add(s.embedded)
	}
	treeDone := s.tree.ServeBackground(ctx)

	if s.embedded != nil {
		select {
		case <-s.embedded.Ready():
		case err := <-treeDone:
			return s.result(ctx, err)
		case <-ctx.Done():
			return s.result(ctx, <-treeDone)
		}
	}

	dealer, err := s.network.Dealer(s.config.Broker.Frontend, brokerclient.NewIdentity())
	if err != nil {
		s.failure.stop(fmt.Errorf("connecting to broker frontend: %w", err))
		return s.result(ctx, <-treeDone)
	}
	client, err := brokerclient.New(brokerclient.Config{Socket: dealer, Logger: s.logger.With("component", "client")})
	if err != nil {
		dealer.Close()
		s.failure.stop(err)
		return s.result(ctx, <-treeDone)
	}
	defer client.Close()

	handler, err := gateway.NewHandler(gateway.Config{
		Client:   client,
		Timeout:  s.config.HTTP.Timeout.Std(),
		Gatherer: s.registry,
		Logger:   s.logger.With("component", "gateway"),
		Metrics:  s.metrics.Gateway,
	})
	if err != nil {
		s.failure.stop(err)
		return s.result(ctx, <-treeDone)
	}

	s.tree.Add(namedService{name: "gateway", serve: func(ctx context.Context) error {
		return gateway.NewServer(gateway.ServerConfig{
			Address: s.config.HTTP.Listen,
			Handler: handler,
			Logger:  s.logger.With("component", "http"),
		}).Serve(ctx)
	}})
	s.tree.Add(namedService{name: "admin", serve: s.serveAdmin})
	s.tree.Add(&hangupService{publisher: s.publisher, logger: s.logger})
	s.tree.Add(namedService{name: "pool", serve: func(ctx context.Context) error {
		err := s.workers.Serve(ctx)
		if errors.Is(err, pool.ErrEarlyFailure) {
			return s.failure.stop(err)
		}
		return err
	}})

	s.logger.Info("mapbroker running",
		"version", version.Info(),
		"listen", s.config.HTTP.Listen,
		"workers", s.config.Pool.Size,
		"embedded_broker", s.embedded != nil,
	)
	return s.result(ctx, <-treeDone)
}

func (s *server) serveAdmin(ctx context.Context) error {
	socket := service.NewSocketServer(s.config.Admin.Socket, s.logger.With("component", "admin"))
	adminConfig := service.AdminConfig{
		Pool:         s.workers,
		Supervisor:   s.supervision,
		Broadcast:    s.publisher,
		ReportWindow: s.config.Supervisor.ReportWindow.Std(),
	}
	if s.embedded != nil {
		adminConfig.BrokerStats = s.embedded.Stats
	}
	if err := service.RegisterAdmin(socket, adminConfig); err != nil {
		return s.failure.stop(err)
	}
	return socket.Serve(ctx)
}

// result turns the tree's exit into the process result: the recorded
// fatal error if there is one, nothing after a shutdown signal.
func (s *server) result(ctx context.Context, treeErr error) error {
	if err := s.failure.Err(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		s.logger.Info("mapbroker stopped")
		return nil
	}
	return fmt.Errorf("service tree stopped: %w", treeErr)
}
