// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/bureau-foundation/mapbroker/lib/clock"
	"github.com/bureau-foundation/mapbroker/lib/metrics"
	"github.com/bureau-foundation/mapbroker/lib/process"
)

// ErrEarlyFailure is returned by Maintain and Serve when too many
// workers exit non-zero shortly after the pool started.
var ErrEarlyFailure = errors.New("pool: workers are failing at startup")

// ErrNotWorker is returned by Kill for a pid that is not a running
// worker of the pool.
var ErrNotWorker = errors.New("pool: not a running worker")

// Config describes the pool.
type Config struct {
	// Size is the number of workers kept alive.
	Size int

	Spawner Spawner

	// EarlyFailureWindow is measured from the first Maintain. Non-zero
	// exits inside it count toward EarlyFailureThreshold.
	EarlyFailureWindow time.Duration

	// EarlyFailureThreshold is the number of early failures that
	// aborts the pool. Zero means Size.
	EarlyFailureThreshold int

	// RestartRate limits respawns per second. Zero disables the limit.
	// The initial spawn of Size workers is never delayed.
	RestartRate float64

	// TerminateTimeout is how long Terminate waits after SIGTERM
	// before sending SIGKILL.
	TerminateTimeout time.Duration

	// CheckInterval is how often Serve runs Maintain when no child has
	// exited, so that rate-limited respawns are retried. Defaults to
	// one second.
	CheckInterval time.Duration

	// OnExit is called with the pid of each worker once it has been
	// reaped, before the pid can be handed to a new process. Optional.
	OnExit func(pid int)

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Pool
}

// Pool owns the worker processes.
type Pool struct {
	config  Config
	clock   clock.Clock
	logger  *slog.Logger
	limiter *rate.Limiter

	// exited is signalled (non-blocking, capacity 1) by reaper
	// goroutines so Serve wakes up promptly.
	exited chan struct{}

	mu            sync.Mutex
	workers       map[int]*child
	started       time.Time
	earlyFailures int
	terminated    bool
}

// child tracks one process. done is closed by its reaper goroutine
// after err is set.
type child struct {
	process Process
	done    chan struct{}
	err     error
}

// New validates config and returns a pool with no workers. Call
// Maintain or Serve to start them.
func New(config Config) (*Pool, error) {
	if config.Size < 1 {
		return nil, fmt.Errorf("pool: size must be at least 1, got %d", config.Size)
	}
	if config.Spawner == nil {
		return nil, errors.New("pool: spawner is required")
	}
	if config.EarlyFailureThreshold < 0 {
		return nil, fmt.Errorf("pool: early failure threshold must not be negative, got %d", config.EarlyFailureThreshold)
	}
	if config.RestartRate < 0 {
		return nil, fmt.Errorf("pool: restart rate must not be negative, got %v", config.RestartRate)
	}
	if config.EarlyFailureThreshold == 0 {
		config.EarlyFailureThreshold = config.Size
	}
	if config.TerminateTimeout <= 0 {
		config.TerminateTimeout = 10 * time.Second
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = time.Second
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	limit := rate.Inf
	if config.RestartRate > 0 {
		limit = rate.Limit(config.RestartRate)
	}
	return &Pool{
		config:  config,
		clock:   config.Clock,
		logger:  config.Logger,
		limiter: rate.NewLimiter(limit, config.Size),
		exited:  make(chan struct{}, 1),
		workers: make(map[int]*child),
	}, nil
}

// Serve maintains the pool until ctx is cancelled, then terminates
// all workers and returns nil. An early failure storm terminates the
// workers and returns an error wrapping ErrEarlyFailure.
func (p *Pool) Serve(ctx context.Context) error {
	ticker := p.clock.NewTicker(p.config.CheckInterval)
	defer ticker.Stop()

	for {
		if err := p.Maintain(); err != nil {
			p.Terminate()
			return err
		}
		select {
		case <-ctx.Done():
			p.Terminate()
			return nil
		case <-p.exited:
		case <-ticker.C:
		}
	}
}

// Maintain reaps exited workers and spawns replacements up to Size.
// It returns an error wrapping ErrEarlyFailure when the early failure
// threshold is reached; no workers are spawned in that case. After
// Terminate it does nothing.
func (p *Pool) Maintain() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminated {
		return nil
	}

	now := p.clock.Now()
	if p.started.IsZero() {
		p.started = now
	}
	early := now.Sub(p.started) < p.config.EarlyFailureWindow

	for _, pid := range p.sortedPidsLocked() {
		worker := p.workers[pid]
		select {
		case <-worker.done:
		default:
			continue
		}
		delete(p.workers, pid)
		p.classifyLocked(pid, worker.err, early)
	}

	if p.earlyFailures >= p.config.EarlyFailureThreshold {
		p.config.Metrics.Workers(len(p.workers))
		return fmt.Errorf("%w: %d workers exited non-zero within %v of startup",
			ErrEarlyFailure, p.earlyFailures, p.config.EarlyFailureWindow)
	}

	for len(p.workers) < p.config.Size {
		if !p.limiter.AllowN(now, 1) {
			p.logger.Debug("respawn rate limited", "workers", len(p.workers), "size", p.config.Size)
			break
		}
		if err := p.spawnLocked(); err != nil {
			p.logger.Error("spawning worker", "error", err)
			if early {
				p.earlyFailures++
				if p.earlyFailures >= p.config.EarlyFailureThreshold {
					p.config.Metrics.Workers(len(p.workers))
					return fmt.Errorf("%w: spawning worker: %v", ErrEarlyFailure, err)
				}
			}
			break
		}
	}
	p.config.Metrics.Workers(len(p.workers))
	return nil
}

func (p *Pool) classifyLocked(pid int, waitErr error, early bool) {
	code := process.ExitCode(waitErr)
	switch {
	case code == 0:
		p.logger.Info("worker exited", "pid", pid)
		p.config.Metrics.Exited(metrics.ExitClean)
	case early:
		p.earlyFailures++
		p.logger.Error("worker failed during startup window",
			"pid", pid, "exit_code", code, "error", waitErr,
			"early_failures", p.earlyFailures, "threshold", p.config.EarlyFailureThreshold)
		p.config.Metrics.Exited(metrics.ExitEarly)
	default:
		p.logger.Warn("worker failed", "pid", pid, "exit_code", code, "error", waitErr)
		p.config.Metrics.Exited(metrics.ExitFailure)
	}
}

func (p *Pool) spawnLocked() error {
	spawned, err := p.config.Spawner.Spawn()
	if err != nil {
		return err
	}
	worker := &child{process: spawned, done: make(chan struct{})}
	pid := spawned.Pid()
	p.workers[pid] = worker
	p.config.Metrics.Spawned()
	p.logger.Info("worker started", "pid", pid)

	// Reap in the background to avoid zombies.
	go func() {
		worker.err = spawned.Wait()
		close(worker.done)
		if p.config.OnExit != nil {
			p.config.OnExit(pid)
		}
		select {
		case p.exited <- struct{}{}:
		default:
		}
	}()
	return nil
}

// Terminate sends SIGTERM to every worker, waits up to
// TerminateTimeout for them to exit, and sends SIGKILL to the rest.
// Later calls return immediately, and Maintain stops respawning.
func (p *Pool) Terminate() {
	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return
	}
	p.terminated = true
	workers := make(map[int]*child, len(p.workers))
	for pid, worker := range p.workers {
		workers[pid] = worker
	}
	p.workers = make(map[int]*child)
	p.mu.Unlock()

	if len(workers) == 0 {
		return
	}
	p.logger.Info("terminating workers", "count", len(workers))
	for pid, worker := range workers {
		if err := worker.process.Signal(unix.SIGTERM); err != nil {
			p.logger.Debug("signalling worker", "pid", pid, "error", err)
		}
	}

	deadline := p.clock.After(p.config.TerminateTimeout)
wait:
	for pid, worker := range workers {
		select {
		case <-worker.done:
			delete(workers, pid)
		case <-deadline:
			break wait
		}
	}
	for pid, worker := range workers {
		select {
		case <-worker.done:
			continue
		default:
		}
		p.logger.Warn("worker ignored SIGTERM, killing", "pid", pid)
		if err := worker.process.Signal(unix.SIGKILL); err != nil {
			p.logger.Debug("killing worker", "pid", pid, "error", err)
		}
		<-worker.done
	}
	p.config.Metrics.Workers(0)
}

// Kill sends SIGKILL to a running worker. The signal goes through the
// process handle, so a pid that has been reaped, and possibly reused by
// an unrelated process, is refused with ErrNotWorker.
func (p *Pool) Kill(pid int) error {
	p.mu.Lock()
	worker, ok := p.workers[pid]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: pid %d", ErrNotWorker, pid)
	}
	select {
	case <-worker.done:
		return fmt.Errorf("%w: pid %d has exited", ErrNotWorker, pid)
	default:
	}
	if err := worker.process.Signal(unix.SIGKILL); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("%w: pid %d has exited", ErrNotWorker, pid)
		}
		return fmt.Errorf("killing pid %d: %w", pid, err)
	}
	return nil
}

// Pids returns the pids of live workers in ascending order.
func (p *Pool) Pids() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sortedPidsLocked()
}

func (p *Pool) sortedPidsLocked() []int {
	pids := make([]int, 0, len(p.workers))
	for pid := range p.workers {
		pids = append(pids, pid)
	}
	slices.Sort(pids)
	return pids
}
