// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/mapbroker/lib/clock"
	"github.com/bureau-foundation/mapbroker/lib/metrics"
	"github.com/bureau-foundation/mapbroker/lib/wire"
	"github.com/bureau-foundation/mapbroker/transport"
)

// Config holds the broker's sockets and limits.
type Config struct {
	// Frontend is a bound ROUTER socket that clients connect to.
	Frontend transport.Socket

	// Backend is a bound ROUTER socket that workers connect to.
	Backend transport.Socket

	// MaxQueue bounds the waiting queue. Must be positive.
	MaxQueue int

	// Timeout is how long a request may wait for a worker. Older
	// requests are dropped at dispatch time.
	Timeout time.Duration

	// WorkerExpiry is how long a ready worker stays in the ready set
	// without a READY or HEARTBEAT. ROUTER sockets do not report
	// peers that went away, so this is how a dead worker leaves the
	// ready set. Zero keeps ready workers until they are dispatched
	// to or disconnect.
	WorkerExpiry time.Duration

	// AssignmentExpiry is how long an assigned worker may stay silent
	// before the broker forgets the assignment. Zero keeps it until
	// the worker's next READY or DISCONNECT.
	AssignmentExpiry time.Duration

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Broker
}

// Stats is a snapshot of the broker's state and counters.
type Stats struct {
	Queued   int `cbor:"queued" json:"queued"`
	Ready    int `cbor:"ready" json:"ready"`
	Assigned int `cbor:"assigned" json:"assigned"`

	Dispatched uint64 `cbor:"dispatched" json:"dispatched"`
	Rejected   uint64 `cbor:"rejected" json:"rejected"`
	Expired    uint64 `cbor:"expired" json:"expired"`
	Requeued   uint64 `cbor:"requeued" json:"requeued"`
	Replies    uint64 `cbor:"replies" json:"replies"`
	Lost       uint64 `cbor:"lost" json:"lost"`
}

// pending is a request waiting for a worker.
type pending struct {
	arrived time.Time
	request wire.ClientRequest

	// pass is the dispatch pass in which this request was last
	// requeued after an unreachable worker.
	pass uint64
}

// Broker matches client requests to ready workers. All queue and
// worker state is owned by the Serve goroutine.
//
// A worker is in at most one of ready and assigned. Dispatch moves it
// from ready to assigned; only READY, sent after the worker finished
// its reply, moves it back.
type Broker struct {
	frontend         transport.Socket
	backend          transport.Socket
	maxQueue         int
	timeout          time.Duration
	workerExpiry     time.Duration
	assignmentExpiry time.Duration
	clock            clock.Clock
	logger           *slog.Logger
	metrics          *metrics.Broker

	queue []*pending
	ready []string
	pass  uint64

	// seen is the last READY or HEARTBEAT time of each ready worker.
	seen map[string]time.Time

	// assigned is the last dispatch or reply time of each busy worker.
	assigned map[string]time.Time

	statsMu sync.Mutex
	stats   Stats
}

// New validates config and returns a broker ready to Serve.
func New(config Config) (*Broker, error) {
	if config.Frontend == nil || config.Backend == nil {
		return nil, errors.New("broker: frontend and backend sockets are required")
	}
	if config.MaxQueue <= 0 {
		return nil, fmt.Errorf("broker: max queue must be positive, got %d", config.MaxQueue)
	}
	if config.Timeout <= 0 {
		return nil, fmt.Errorf("broker: timeout must be positive, got %v", config.Timeout)
	}
	if config.WorkerExpiry < 0 || config.AssignmentExpiry < 0 {
		return nil, errors.New("broker: worker and assignment expiry must not be negative")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Broker{
		frontend:         config.Frontend,
		backend:          config.Backend,
		maxQueue:         config.MaxQueue,
		timeout:          config.Timeout,
		workerExpiry:     config.WorkerExpiry,
		assignmentExpiry: config.AssignmentExpiry,
		clock:            config.Clock,
		logger:           config.Logger,
		metrics:          config.Metrics,
		seen:             make(map[string]time.Time),
		assigned:         make(map[string]time.Time),
	}, nil
}

// Serve runs the broker until ctx is cancelled or a socket fails. It
// closes both sockets before returning. Cancellation returns nil.
func (b *Broker) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	frontend := make(chan [][]byte)
	backend := make(chan [][]byte)
	failures := make(chan error, 2)

	var readers sync.WaitGroup
	readers.Add(2)
	go b.pump(ctx, &readers, "frontend", b.frontend, frontend, failures)
	go b.pump(ctx, &readers, "backend", b.backend, backend, failures)
	defer func() {
		cancel()
		b.frontend.Close()
		b.backend.Close()
		readers.Wait()
	}()

	b.logger.Info("broker serving", "max_queue", b.maxQueue, "timeout", b.timeout,
		"worker_expiry", b.workerExpiry)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-failures:
			return err
		case frames := <-backend:
			b.handleWorker(ctx, frames)
		case frames := <-frontend:
			b.handleClient(ctx, frames)
		}
		b.dispatch(ctx)
		b.publish()
	}
}

// pump feeds received messages into the Serve loop.
func (b *Broker) pump(ctx context.Context, readers *sync.WaitGroup, name string, socket transport.Socket, out chan<- [][]byte, failures chan<- error) {
	defer readers.Done()
	for {
		frames, err := socket.Recv(ctx)
		if err != nil {
			if ctx.Err() == nil {
				failures <- fmt.Errorf("broker %s: %w", name, err)
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

func (b *Broker) handleWorker(ctx context.Context, frames [][]byte) {
	message, err := wire.ParseWorkerMessage(frames)
	if err != nil {
		b.logger.Warn("ignoring worker message", "error", err)
		return
	}
	worker := string(message.Worker)
	now := b.clock.Now()
	switch message.Control {
	case wire.TagReady:
		delete(b.assigned, worker)
		b.markReady(worker, now)
		return
	case wire.TagHeartbeat:
		if _, busy := b.assigned[worker]; busy {
			// Sent before the worker received its request.
			return
		}
		b.markReady(worker, now)
		return
	case wire.TagDisconnect:
		delete(b.assigned, worker)
		b.removeReady(worker)
		b.logger.Debug("worker disconnected", "worker", worker)
		return
	}

	if _, busy := b.assigned[worker]; busy {
		b.assigned[worker] = now
	}
	b.count(func(s *Stats) { s.Replies++ })
	b.metrics.Reply()
	if err := b.frontend.Send(ctx, message.Forward...); err != nil {
		// The client gave up; nobody is waiting for this frame.
		b.logger.Debug("dropping reply for unreachable client",
			"client", string(message.Forward[0]),
			"correlation_id", string(message.Forward[1]),
			"error", err)
	}
}

func (b *Broker) handleClient(ctx context.Context, frames [][]byte) {
	request, err := wire.ParseClientRequest(frames)
	if err != nil {
		b.logger.Warn("ignoring client message", "error", err)
		return
	}

	now := b.clock.Now()
	b.expire(now)
	if len(b.queue) >= b.maxQueue {
		b.count(func(s *Stats) { s.Rejected++ })
		b.metrics.Request(metrics.OutcomeRejected)
		reply, err := request.ErrorReply(wire.StatusBusy)
		if err != nil {
			b.logger.Error("encoding busy reply", "error", err)
			return
		}
		if err := b.frontend.Send(ctx, reply...); err != nil {
			b.logger.Debug("busy reply to unreachable client",
				"client", string(request.Client), "error", err)
		}
		return
	}

	b.queue = append(b.queue, &pending{arrived: now, request: request})
}

// expire drops requests at the head of the queue that can no longer
// be delivered, so that they do not hold capacity while no worker is
// ready.
func (b *Broker) expire(now time.Time) {
	for len(b.queue) > 0 && now.Sub(b.queue[0].arrived) > b.timeout {
		b.drop(b.takeRequest(), now)
	}
}

func (b *Broker) drop(request *pending, now time.Time) {
	b.count(func(s *Stats) { s.Expired++ })
	b.metrics.Request(metrics.OutcomeExpired)
	b.logger.Debug("dropping expired request",
		"correlation_id", string(request.request.Correlation),
		"waited", now.Sub(request.arrived))
}

// markReady adds worker to the tail of the ready list, or refreshes
// its last-seen time if it is already there.
func (b *Broker) markReady(worker string, now time.Time) {
	if _, already := b.seen[worker]; !already {
		b.ready = append(b.ready, worker)
	}
	b.seen[worker] = now
}

func (b *Broker) removeReady(worker string) {
	if _, present := b.seen[worker]; !present {
		return
	}
	delete(b.seen, worker)
	b.ready = slices.DeleteFunc(b.ready, func(ready string) bool { return ready == worker })
}

func (b *Broker) takeReady(now time.Time) string {
	worker := b.ready[0]
	b.ready = b.ready[1:]
	delete(b.seen, worker)
	b.assigned[worker] = now
	return worker
}

// forget drops ready workers that stopped sending heartbeats and
// assignments whose worker went silent.
func (b *Broker) forget(now time.Time) {
	if b.workerExpiry > 0 {
		b.ready = slices.DeleteFunc(b.ready, func(worker string) bool {
			if now.Sub(b.seen[worker]) <= b.workerExpiry {
				return false
			}
			delete(b.seen, worker)
			b.count(func(s *Stats) { s.Lost++ })
			b.metrics.LostWorker()
			b.logger.Info("forgetting silent worker", "worker", worker)
			return true
		})
	}
	if b.assignmentExpiry > 0 {
		for worker, last := range b.assigned {
			if now.Sub(last) > b.assignmentExpiry {
				delete(b.assigned, worker)
				b.count(func(s *Stats) { s.Lost++ })
				b.metrics.LostWorker()
				b.logger.Info("forgetting silent busy worker", "worker", worker)
			}
		}
	}
}

func (b *Broker) takeRequest() *pending {
	request := b.queue[0]
	b.queue[0] = nil
	b.queue = b.queue[1:]
	return request
}

// dispatch pairs the oldest waiting requests with the longest-ready
// workers. A request whose worker turns out to be gone goes back to
// the head of the queue once per pass; a second failure in the same
// pass leaves it at the head for the next pass.
func (b *Broker) dispatch(ctx context.Context) {
	b.pass++
	now := b.clock.Now()
	b.forget(now)
	for len(b.ready) > 0 && len(b.queue) > 0 {
		request := b.takeRequest()
		if now.Sub(request.arrived) > b.timeout {
			b.drop(request, now)
			continue
		}

		worker := b.takeReady(now)
		err := b.backend.Send(ctx, request.request.ForWorker([]byte(worker))...)
		if err == nil {
			b.count(func(s *Stats) { s.Dispatched++ })
			b.metrics.Request(metrics.OutcomeDispatched)
			continue
		}
		if !errors.Is(err, transport.ErrUnreachable) {
			b.logger.Error("dispatching request", "worker", worker, "error", err)
		} else {
			b.logger.Debug("worker vanished before dispatch", "worker", worker)
		}
		delete(b.assigned, worker)

		b.queue = append([]*pending{request}, b.queue...)
		if request.pass == b.pass {
			return
		}
		request.pass = b.pass
		b.count(func(s *Stats) { s.Requeued++ })
		b.metrics.Request(metrics.OutcomeRequeued)
	}
}

func (b *Broker) count(update func(*Stats)) {
	b.statsMu.Lock()
	update(&b.stats)
	b.statsMu.Unlock()
}

// publish copies the loop-owned sizes into the stats snapshot.
func (b *Broker) publish() {
	b.statsMu.Lock()
	b.stats.Queued = len(b.queue)
	b.stats.Ready = len(b.ready)
	b.stats.Assigned = len(b.assigned)
	b.statsMu.Unlock()
	b.metrics.Observe(len(b.queue), len(b.ready))
}

// Stats returns a snapshot. Safe to call from any goroutine.
func (b *Broker) Stats() Stats {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return b.stats
}
