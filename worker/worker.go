// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/mapbroker/lib/clock"
	"github.com/bureau-foundation/mapbroker/lib/codec"
	"github.com/bureau-foundation/mapbroker/lib/wire"
	"github.com/bureau-foundation/mapbroker/transport"
)

var (
	// ErrRestart is returned by Run when a RESTART broadcast arrives
	// while the worker is idle.
	ErrRestart = errors.New("worker: restart requested")

	// ErrRecycle is returned by Run after MaxRequests requests.
	ErrRecycle = errors.New("worker: request limit reached")

	// ErrHandlerFailure is returned by Run when a handler fails before
	// sending its reply header. The worker's state is suspect and the
	// process should exit.
	ErrHandlerFailure = errors.New("worker: handler failed")
)

// Handler serves one request. It writes the reply through w and may
// return before completing it; the runtime sends any unsent header and
// terminates an open stream.
type Handler interface {
	ServeRequest(ctx context.Context, request *wire.Request, w *ResponseWriter) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, request *wire.Request, w *ResponseWriter) error

// ServeRequest calls f.
func (f HandlerFunc) ServeRequest(ctx context.Context, request *wire.Request, w *ResponseWriter) error {
	return f(ctx, request, w)
}

// CacheReporter is implemented by handlers that hold a resource cache.
// Its size is included in reports.
type CacheReporter interface {
	CachedResources() int
}

// Notifier delivers busy transitions and reports to the supervisor.
type Notifier interface {
	Busy(ctx context.Context) error
	Done(ctx context.Context) error
	Report(ctx context.Context, report wire.Report) error
}

// Config holds a worker's sockets and behavior.
type Config struct {
	// Identity is the DEALER identity of Requests, included in
	// reports.
	Identity string

	// Requests is a DEALER socket connected to the broker backend.
	Requests transport.Socket

	// Broadcast is a SUB socket for RESTART and REPORT. Optional.
	Broadcast transport.Socket

	// Notifier reports busy transitions. Optional.
	Notifier Notifier

	Handler Handler

	// MaxRequests recycles the worker after this many requests. Zero
	// disables recycling.
	MaxRequests int

	// Heartbeat is the interval at which an idle worker sends
	// HEARTBEAT, keeping it alive in the broker and announcing it to a
	// restarted one.
	Heartbeat time.Duration

	// Compression is applied to reply bodies and chunks.
	Compression codec.CompressionTag

	// PID identifies the worker to the supervisor. Defaults to the
	// process id.
	PID int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Runtime processes requests one at a time.
type Runtime struct {
	config  Config
	clock   clock.Clock
	logger  *slog.Logger
	started time.Time
	served  int
}

// New validates config and returns a runtime.
func New(config Config) (*Runtime, error) {
	if config.Requests == nil {
		return nil, errors.New("worker: requests socket is required")
	}
	if config.Handler == nil {
		return nil, errors.New("worker: handler is required")
	}
	if config.Heartbeat <= 0 {
		return nil, fmt.Errorf("worker: heartbeat must be positive, got %v", config.Heartbeat)
	}
	if config.MaxRequests < 0 {
		return nil, fmt.Errorf("worker: max requests must not be negative, got %d", config.MaxRequests)
	}
	if config.PID == 0 {
		config.PID = os.Getpid()
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Runtime{
		config: config,
		clock:  config.Clock,
		logger: config.Logger.With("pid", config.PID),
	}, nil
}

// Served returns the number of requests handled so far.
func (r *Runtime) Served() int { return r.served }

// Run announces READY, serves requests, and answers broadcasts until
// ctx is cancelled (nil), a RESTART arrives (ErrRestart), the request
// limit is reached (ErrRecycle), a handler fails before its header
// (ErrHandlerFailure), or a socket fails. On the way out the worker
// sends DISCONNECT so the broker stops dispatching to it.
func (r *Runtime) Run(ctx context.Context) error {
	defer r.disconnect(ctx)
	ctx, cancel := context.WithCancel(ctx)
	requests := make(chan [][]byte)
	broadcasts := make(chan [][]byte)
	failures := make(chan error, 2)

	var readers sync.WaitGroup
	readers.Add(1)
	go pump(ctx, &readers, "requests", r.config.Requests, requests, failures)
	if r.config.Broadcast != nil {
		readers.Add(1)
		go pump(ctx, &readers, "broadcast", r.config.Broadcast, broadcasts, failures)
	}
	defer func() {
		cancel()
		readers.Wait()
	}()

	heartbeat := r.clock.NewTicker(r.config.Heartbeat)
	defer heartbeat.Stop()

	r.started = r.clock.Now()
	r.logger.Info("worker running", "identity", r.config.Identity, "max_requests", r.config.MaxRequests)
	for {
		if r.config.MaxRequests > 0 && r.served >= r.config.MaxRequests {
			r.logger.Info("request limit reached, recycling", "served", r.served)
			return ErrRecycle
		}
		if err := r.announce(ctx); err != nil {
			return err
		}

		frames, err := r.await(ctx, requests, broadcasts, failures, heartbeat)
		if err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := r.process(ctx, frames); err != nil {
			return err
		}
	}
}

func pump(ctx context.Context, readers *sync.WaitGroup, name string, socket transport.Socket, out chan<- [][]byte, failures chan<- error) {
	defer readers.Done()
	for {
		frames, err := socket.Recv(ctx)
		if err != nil {
			if ctx.Err() == nil {
				failures <- fmt.Errorf("worker %s socket: %w", name, err)
			}
			return
		}
		select {
		case out <- frames:
		case <-ctx.Done():
			return
		}
	}
}

func (r *Runtime) announce(ctx context.Context) error {
	if err := r.config.Requests.Send(ctx, wire.ControlMessage(wire.TagReady)...); err != nil {
		return fmt.Errorf("announcing READY: %w", err)
	}
	return nil
}

// disconnectTimeout bounds the farewell to the broker.
const disconnectTimeout = time.Second

func (r *Runtime) disconnect(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), disconnectTimeout)
	defer cancel()
	if err := r.config.Requests.Send(ctx, wire.ControlMessage(wire.TagDisconnect)...); err != nil {
		r.logger.Debug("sending DISCONNECT", "error", err)
	}
}

// await waits for the next request while idle, answering REPORT and
// heartbeats.
func (r *Runtime) await(ctx context.Context, requests, broadcasts <-chan [][]byte, failures <-chan error, heartbeat *clock.Ticker) ([][]byte, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case err := <-failures:
			return nil, err
		case frames := <-requests:
			return frames, nil
		case frames := <-broadcasts:
			command, err := wire.DecodeCommand(frames)
			if err != nil {
				r.logger.Warn("ignoring broadcast", "error", err)
				continue
			}
			switch command {
			case wire.CommandRestart:
				r.logger.Info("restart requested")
				return nil, ErrRestart
			case wire.CommandReport:
				r.report(ctx)
			}
		case <-heartbeat.C:
			if err := r.config.Requests.Send(ctx, wire.ControlMessage(wire.TagHeartbeat)...); err != nil {
				return nil, fmt.Errorf("sending HEARTBEAT: %w", err)
			}
		}
	}
}

// process serves one request. It returns an error only when the
// worker must stop.
func (r *Runtime) process(ctx context.Context, frames [][]byte) error {
	envelope, request, err := wire.ParseWorkerRequest(frames)
	if err != nil {
		r.logger.Warn("ignoring request", "error", err)
		return nil
	}
	logger := r.logger.With("correlation_id", string(envelope.Correlation))

	r.notify(ctx, "busy", func(n Notifier) error { return n.Busy(ctx) })
	defer r.notify(ctx, "done", func(n Notifier) error { return n.Done(ctx) })
	r.served++

	w := newResponseWriter(ctx, r.config.Requests, envelope, r.config.Compression)
	handlerErr := r.invoke(ctx, request, w)

	if handlerErr != nil && !w.HeaderSent() {
		logger.Error("handler failed before reply header, exiting",
			"method", request.Method, "target", request.Target, "error", handlerErr)
		if err := w.fail(handlerErr); err != nil {
			logger.Warn("sending failure reply", "error", err)
		}
		return fmt.Errorf("%w: %v", ErrHandlerFailure, handlerErr)
	}
	if handlerErr != nil {
		logger.Error("handler failed after reply header, terminating stream",
			"method", request.Method, "target", request.Target, "error", handlerErr)
	}
	if err := w.finish(); err != nil {
		logger.Warn("completing reply", "error", err)
	}
	return nil
}

// invoke runs the handler, converting a panic into an error.
func (r *Runtime) invoke(ctx context.Context, request *wire.Request, w *ResponseWriter) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("panic: %v", recovered)
		}
	}()
	return r.config.Handler.ServeRequest(ctx, request, w)
}

func (r *Runtime) notify(ctx context.Context, event string, call func(Notifier) error) {
	if r.config.Notifier == nil {
		return
	}
	if err := call(r.config.Notifier); err != nil {
		r.logger.Warn("notifying supervisor", "event", event, "error", err)
	}
}

// report pushes process statistics to the supervisor.
func (r *Runtime) report(ctx context.Context) {
	report := r.collect()
	r.notify(ctx, "report", func(n Notifier) error { return n.Report(ctx, report) })
}

func (r *Runtime) collect() wire.Report {
	report := wire.Report{
		PID:        r.config.PID,
		Identity:   r.config.Identity,
		Requests:   r.served,
		Goroutines: runtime.NumGoroutine(),
		Uptime:     r.clock.Now().Sub(r.started),
	}

	var usage unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &usage); err == nil {
		// Linux reports ru_maxrss in kilobytes.
		report.MaxRSS = int64(usage.Maxrss) * 1024
	}
	var memory runtime.MemStats
	runtime.ReadMemStats(&memory)
	report.HeapAlloc = memory.HeapAlloc

	if cache, ok := r.config.Handler.(CacheReporter); ok {
		report.CachedResources = cache.CachedResources()
	}
	return report
}
