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
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/bureau-foundation/mapbroker/broker"
	"github.com/bureau-foundation/mapbroker/lib/config"
	"github.com/bureau-foundation/mapbroker/lib/metrics"
	"github.com/bureau-foundation/mapbroker/lib/wire"
	"github.com/bureau-foundation/mapbroker/supervisor"
	"github.com/bureau-foundation/mapbroker/transport"
)

// errNotRunning is returned by admin queries while a restartable
// component is between runs.
var errNotRunning = errors.New("component is not running")

// fatal records the first unrecoverable error and stops the tree.
type fatal struct {
	mu     sync.Mutex
	err    error
	cancel context.CancelFunc
}

// stop records err, cancels the tree, and returns the value that keeps
// suture from restarting the failed service.
func (f *fatal) stop(err error) error {
	f.mu.Lock()
	if f.err == nil {
		f.err = err
	}
	f.mu.Unlock()
	f.cancel()
	return suture.ErrDoNotRestart
}

// Err returns the first recorded error.
func (f *fatal) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// namedService adapts a function to suture.Service. The name appears in
// supervisor events.
type namedService struct {
	name  string
	serve func(ctx context.Context) error
}

func (s namedService) Serve(ctx context.Context) error { return s.serve(ctx) }

func (s namedService) String() string { return s.name }

// brokerService runs the embedded broker, binding fresh sockets on
// every start so that suture can restart it after a socket failure.
type brokerService struct {
	network transport.Network
	config  config.BrokerConfig
	logger  *slog.Logger
	metrics *metrics.Broker

	current   atomic.Pointer[broker.Broker]
	ready     chan struct{}
	readyOnce sync.Once
}

func newBrokerService(network transport.Network, settings config.BrokerConfig, logger *slog.Logger, collectors *metrics.Broker) *brokerService {
	return &brokerService{
		network: network,
		config:  settings,
		logger:  logger,
		metrics: collectors,
		ready:   make(chan struct{}),
	}
}

func (s *brokerService) String() string { return "broker" }

func (s *brokerService) Serve(ctx context.Context) error {
	frontend, err := s.network.Router(s.config.Frontend)
	if err != nil {
		return fmt.Errorf("broker frontend: %w", err)
	}
	backend, err := s.network.Router(s.config.Backend)
	if err != nil {
		frontend.Close()
		return fmt.Errorf("broker backend: %w", err)
	}
	instance, err := broker.New(broker.Config{
		Frontend:         frontend,
		Backend:          backend,
		MaxQueue:         s.config.MaxQueue,
		Timeout:          s.config.Timeout.Std(),
		WorkerExpiry:     s.config.WorkerExpiry.Std(),
		AssignmentExpiry: s.config.AssignmentExpiry.Std(),
		Logger:           s.logger,
		Metrics:          s.metrics,
	})
	if err != nil {
		frontend.Close()
		backend.Close()
		return err
	}
	s.current.Store(instance)
	s.readyOnce.Do(func() { close(s.ready) })
	defer s.current.Store(nil)
	return instance.Serve(ctx)
}

// Ready is closed once the broker has bound its sockets for the first
// time.
func (s *brokerService) Ready() <-chan struct{} { return s.ready }

// Stats returns the running broker's counters, or nil between runs.
func (s *brokerService) Stats() any {
	if instance := s.current.Load(); instance != nil {
		return instance.Stats()
	}
	return nil
}

// supervisorService runs the supervisor on a fresh PULL socket per
// start, and answers admin queries from whichever run is current.
type supervisorService struct {
	network transport.Network
	config  config.SupervisorConfig
	logger  *slog.Logger
	metrics *metrics.Supervisor

	// kill terminates a busy worker through the pool.
	kill func(pid int) error

	current atomic.Pointer[supervisor.Supervisor]
}

func (s *supervisorService) String() string { return "supervisor" }

func (s *supervisorService) Serve(ctx context.Context) error {
	socket, err := s.network.Puller(s.config.Address)
	if err != nil {
		return fmt.Errorf("supervisor socket: %w", err)
	}
	instance, err := supervisor.New(supervisor.Config{
		Socket:  socket,
		Timeout: s.config.BusyTimeout.Std(),
		Kill:    s.kill,
		Logger:  s.logger,
		Metrics: s.metrics,
	})
	if err != nil {
		socket.Close()
		return err
	}
	s.current.Store(instance)
	defer s.current.Store(nil)
	return instance.Serve(ctx)
}

func (s *supervisorService) running() (*supervisor.Supervisor, error) {
	if instance := s.current.Load(); instance != nil {
		return instance, nil
	}
	return nil, fmt.Errorf("supervisor: %w", errNotRunning)
}

// forgetTimeout bounds handing an exited pid to the supervisor.
const forgetTimeout = time.Second

// workerExited drops the busy record of a reaped worker. It runs on
// the pool's reaper goroutines.
func (s *supervisorService) workerExited(pid int) {
	instance := s.current.Load()
	if instance == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), forgetTimeout)
	defer cancel()
	if err := instance.Forget(ctx, pid); err != nil {
		s.logger.Debug("forgetting exited worker", "pid", pid, "error", err)
	}
}

func (s *supervisorService) Busy(ctx context.Context) ([]int, error) {
	instance, err := s.running()
	if err != nil {
		return nil, err
	}
	return instance.Busy(ctx)
}

func (s *supervisorService) Reports(ctx context.Context) ([]wire.Report, error) {
	instance, err := s.running()
	if err != nil {
		return nil, err
	}
	return instance.Reports(ctx)
}

func (s *supervisorService) ClearReports(ctx context.Context) error {
	instance, err := s.running()
	if err != nil {
		return err
	}
	return instance.ClearReports(ctx)
}

// restarter is the part of the broadcast publisher the hangup service
// uses.
type restarter interface {
	Restart(ctx context.Context) error
}

// hangupService broadcasts RESTART on every SIGHUP, so that workers
// reload after a deployment.
type hangupService struct {
	publisher restarter
	logger    *slog.Logger

	// signals is replaced in tests.
	signals func(chan<- os.Signal) func()
}

func (s *hangupService) String() string { return "hangup" }

func (s *hangupService) Serve(ctx context.Context) error {
	hangups := make(chan os.Signal, 1)
	subscribe := s.signals
	if subscribe == nil {
		subscribe = func(ch chan<- os.Signal) func() {
			signal.Notify(ch, syscall.SIGHUP)
			return func() { signal.Stop(ch) }
		}
	}
	unsubscribe := subscribe(hangups)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-hangups:
			s.logger.Info("SIGHUP received, restarting workers")
			if err := s.publisher.Restart(ctx); err != nil {
				return fmt.Errorf("broadcasting RESTART: %w", err)
			}
		}
	}
}

// eventLogger logs supervisor tree events.
func eventLogger(logger *slog.Logger) func(suture.Event) {
	return func(event suture.Event) {
		attributes := []any{"event", event.Type()}
		for key, value := range event.Map() {
			attributes = append(attributes, key, value)
		}
		switch event.Type() {
		case suture.EventTypeServicePanic, suture.EventTypeServiceTerminate, suture.EventTypeBackoff:
			logger.Warn("service tree event", attributes...)
		default:
			logger.Info("service tree event", attributes...)
		}
	}
}
