// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/mapbroker/lib/clock"
	"github.com/bureau-foundation/mapbroker/lib/metrics"
	"github.com/bureau-foundation/mapbroker/lib/wire"
	"github.com/bureau-foundation/mapbroker/transport"
)

// Config describes a supervisor.
type Config struct {
	// Socket is the PULL socket workers push notifications to.
	Socket transport.Socket

	// Timeout is how long a worker may stay busy before it is killed.
	Timeout time.Duration

	// Kill terminates a worker. Defaults to SIGKILL by pid; a process
	// owner should supply one that refuses pids it has already reaped.
	Kill func(pid int) error

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Supervisor
}

// Supervisor tracks busy workers and reports.
type Supervisor struct {
	config Config
	clock  clock.Clock
	logger *slog.Logger

	expired chan expiry
	queries chan func()
	stopped chan struct{}

	// Owned by the Serve goroutine.
	busy       map[int]*busyRecord
	reports    map[int]wire.Report
	generation uint64
}

type busyRecord struct {
	generation uint64
	since      time.Time
	timer      *clock.Timer
}

type expiry struct {
	pid        int
	generation uint64
}

// New validates config and returns a supervisor.
func New(config Config) (*Supervisor, error) {
	if config.Socket == nil {
		return nil, errors.New("supervisor: socket is required")
	}
	if config.Timeout <= 0 {
		return nil, fmt.Errorf("supervisor: timeout must be positive, got %v", config.Timeout)
	}
	if config.Kill == nil {
		config.Kill = func(pid int) error { return unix.Kill(pid, unix.SIGKILL) }
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Supervisor{
		config:  config,
		clock:   config.Clock,
		logger:  config.Logger,
		expired: make(chan expiry),
		queries: make(chan func()),
		stopped: make(chan struct{}),
		busy:    make(map[int]*busyRecord),
		reports: make(map[int]wire.Report),
	}, nil
}

// Serve processes notifications until ctx is cancelled (nil) or the
// socket fails. The socket is closed on return and pending timers are
// stopped.
func (s *Supervisor) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	notifications := make(chan [][]byte)
	failed := make(chan error, 1)
	readerDone := make(chan struct{})

	go func() {
		defer close(readerDone)
		for {
			frames, err := s.config.Socket.Recv(ctx)
			if err != nil {
				if ctx.Err() == nil {
					failed <- err
				}
				return
			}
			select {
			case notifications <- frames:
			case <-ctx.Done():
				return
			}
		}
	}()
	defer func() {
		close(s.stopped)
		cancel()
		s.config.Socket.Close()
		<-readerDone
		for _, record := range s.busy {
			record.timer.Stop()
		}
	}()

	s.logger.Info("supervisor running", "timeout", s.config.Timeout)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-failed:
			return fmt.Errorf("supervisor socket: %w", err)
		case frames := <-notifications:
			s.handle(frames)
		case expired := <-s.expired:
			s.expire(expired)
		case query := <-s.queries:
			query()
		}
	}
}

func (s *Supervisor) handle(frames [][]byte) {
	notification, err := wire.DecodeNotification(frames)
	if err != nil {
		s.logger.Warn("ignoring notification", "error", err)
		return
	}
	pid := notification.PID

	switch notification.Tag {
	case wire.NotifyBusy:
		if previous, ok := s.busy[pid]; ok {
			// A missed DONE: restart the clock from this request.
			previous.timer.Stop()
		}
		s.generation++
		generation := s.generation
		s.busy[pid] = &busyRecord{
			generation: generation,
			since:      s.clock.Now(),
			timer: s.clock.AfterFunc(s.config.Timeout, func() {
				select {
				case s.expired <- expiry{pid: pid, generation: generation}:
				case <-s.stopped:
				}
			}),
		}
	case wire.NotifyDone:
		if record, ok := s.busy[pid]; ok {
			record.timer.Stop()
			delete(s.busy, pid)
		}
	case wire.NotifyReport:
		s.reports[pid] = *notification.Report
		s.config.Metrics.Reported()
	}
	s.config.Metrics.Busy(len(s.busy))
}

// expire kills the worker if the record that armed the timer is still
// current. A DONE or a newer BUSY in the meantime makes it stale.
func (s *Supervisor) expire(expired expiry) {
	record, ok := s.busy[expired.pid]
	if !ok || record.generation != expired.generation {
		return
	}
	delete(s.busy, expired.pid)
	s.config.Metrics.Busy(len(s.busy))

	s.logger.Warn("worker busy too long, killing",
		"pid", expired.pid, "busy_for", s.clock.Now().Sub(record.since))
	if err := s.config.Kill(expired.pid); err != nil {
		s.logger.Error("killing worker", "pid", expired.pid, "error", err)
		return
	}
	s.config.Metrics.Killed()
}

// query runs fn on the Serve goroutine.
func (s *Supervisor) query(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case s.queries <- func() { fn(); close(done) }:
	case <-s.stopped:
		return errors.New("supervisor: not running")
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// Forget drops the busy record of a worker that has exited, so that
// its timer cannot fire against a process that later reuses the pid.
func (s *Supervisor) Forget(ctx context.Context, pid int) error {
	return s.query(ctx, func() {
		record, ok := s.busy[pid]
		if !ok {
			return
		}
		record.timer.Stop()
		delete(s.busy, pid)
		s.config.Metrics.Busy(len(s.busy))
		s.logger.Debug("forgetting exited worker", "pid", pid)
	})
}

// Busy returns the pids currently busy, in ascending order.
func (s *Supervisor) Busy(ctx context.Context) ([]int, error) {
	var pids []int
	err := s.query(ctx, func() {
		for pid := range s.busy {
			pids = append(pids, pid)
		}
	})
	slices.Sort(pids)
	return pids, err
}

// Reports returns the reports collected since the last ClearReports,
// ordered by pid.
func (s *Supervisor) Reports(ctx context.Context) ([]wire.Report, error) {
	var reports []wire.Report
	err := s.query(ctx, func() {
		for _, report := range s.reports {
			reports = append(reports, report)
		}
	})
	slices.SortFunc(reports, func(a, b wire.Report) int { return a.PID - b.PID })
	return reports, err
}

// ClearReports discards collected reports. Callers clear before
// broadcasting REPORT so the next collection holds only fresh answers.
func (s *Supervisor) ClearReports(ctx context.Context) error {
	return s.query(ctx, func() { clear(s.reports) })
}
