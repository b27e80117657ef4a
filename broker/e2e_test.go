// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bureau-foundation/mapbroker/broker"
	"github.com/bureau-foundation/mapbroker/lib/brokerclient"
	"github.com/bureau-foundation/mapbroker/lib/testutil"
	"github.com/bureau-foundation/mapbroker/lib/wire"
	"github.com/bureau-foundation/mapbroker/supervisor"
	"github.com/bureau-foundation/mapbroker/transport"
	"github.com/bureau-foundation/mapbroker/worker"
)

const (
	frontend   = "inproc://frontend"
	backend    = "inproc://backend"
	supervised = "inproc://supervisor"
	wait       = 5 * time.Second
)

// system is a broker, a supervisor, and any number of in-process
// workers and clients on one memory network.
type system struct {
	t       *testing.T
	network *transport.MemoryNetwork
	broker  *broker.Broker
	logger  *slog.Logger
	killed  chan int
}

type systemConfig struct {
	maxQueue    int
	timeout     time.Duration
	busyTimeout time.Duration
	kill        func(pid int) error
}

func startSystem(t *testing.T, config systemConfig) *system {
	t.Helper()
	s := &system{
		t:       t,
		network: transport.NewMemoryNetwork(),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		killed:  make(chan int, 8),
	}
	frontendSocket, err := s.network.Router(frontend)
	if err != nil {
		t.Fatalf("binding frontend: %v", err)
	}
	backendSocket, err := s.network.Router(backend)
	if err != nil {
		t.Fatalf("binding backend: %v", err)
	}
	s.broker, err = broker.New(broker.Config{
		Frontend: frontendSocket,
		Backend:  backendSocket,
		MaxQueue: config.maxQueue,
		Timeout:  config.timeout,
		Logger:   s.logger,
	})
	if err != nil {
		t.Fatalf("broker.New: %v", err)
	}

	pull, err := s.network.Puller(supervised)
	if err != nil {
		t.Fatalf("binding supervisor: %v", err)
	}
	kill := config.kill
	if kill == nil {
		kill = func(pid int) error {
			s.killed <- pid
			return nil
		}
	}
	busyTimeout := config.busyTimeout
	if busyTimeout == 0 {
		busyTimeout = time.Minute
	}
	watchdog, err := supervisor.New(supervisor.Config{
		Socket:  pull,
		Timeout: busyTimeout,
		Kill:    kill,
		Logger:  s.logger,
	})
	if err != nil {
		t.Fatalf("supervisor.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	brokerDone := make(chan error, 1)
	supervisorDone := make(chan error, 1)
	go func() { brokerDone <- s.broker.Serve(ctx) }()
	go func() { supervisorDone <- watchdog.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		testutil.RequireReceive(t, brokerDone, wait, "broker shutdown")
		testutil.RequireReceive(t, supervisorDone, wait, "supervisor shutdown")
	})
	return s
}

// startWorker runs a worker runtime with the given pid. It stops when
// the test ends.
func (s *system) startWorker(pid int, handler worker.Handler) {
	s.t.Helper()
	identity := fmt.Sprintf("worker-%d", pid)
	requests, err := s.network.Dealer(backend, []byte(identity))
	if err != nil {
		s.t.Fatalf("worker dealer: %v", err)
	}
	push, err := s.network.Pusher(supervised)
	if err != nil {
		s.t.Fatalf("worker pusher: %v", err)
	}
	runtime, err := worker.New(worker.Config{
		Identity:  identity,
		Requests:  requests,
		Notifier:  supervisor.NewNotifier(push, pid),
		Handler:   handler,
		Heartbeat: time.Hour,
		PID:       pid,
		Logger:    s.logger,
	})
	if err != nil {
		s.t.Fatalf("worker.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runtime.Run(ctx) }()
	s.t.Cleanup(func() {
		cancel()
		testutil.RequireReceive(s.t, done, wait, "worker %d shutdown", pid)
		requests.Close()
		push.Close()
	})
}

func (s *system) client(name string) *brokerclient.Client {
	s.t.Helper()
	dealer, err := s.network.Dealer(frontend, []byte(name))
	if err != nil {
		s.t.Fatalf("client dealer: %v", err)
	}
	client, err := brokerclient.New(brokerclient.Config{Socket: dealer, Logger: s.logger})
	if err != nil {
		s.t.Fatalf("brokerclient.New: %v", err)
	}
	s.t.Cleanup(func() { client.Close() })
	return client
}

func (s *system) waitQueued(n int) {
	s.t.Helper()
	testutil.Eventually(s.t, wait, func() bool { return s.broker.Stats().Queued == n }, "queue length %d", n)
}

type result struct {
	response *brokerclient.Response
	err      error
}

func fetch(client *brokerclient.Client, target string, timeout time.Duration) <-chan result {
	out := make(chan result, 1)
	go func() {
		response, err := client.Fetch(context.Background(), wire.Request{Method: "GET", Target: target}, timeout)
		out <- result{response, err}
	}()
	return out
}

// echo replies with the request target and records the order in
// which targets were served.
type echo struct {
	served chan string
	count  atomic.Int64
}

func newEcho() *echo { return &echo{served: make(chan string, 256)} }

func (e *echo) ServeRequest(_ context.Context, request *wire.Request, w *worker.ResponseWriter) error {
	e.count.Add(1)
	e.served <- request.Target
	return w.Flush([]byte(request.Target), false)
}

func TestBusyScenarioThreeClientsOneWorker(t *testing.T) {
	s := startSystem(t, systemConfig{maxQueue: 2, timeout: wait})
	first, second, third := s.client("client-a"), s.client("client-b"), s.client("client-c")

	pendingFirst := fetch(first, "/1", wait)
	s.waitQueued(1)
	pendingSecond := fetch(second, "/2", wait)
	s.waitQueued(2)

	rejected := testutil.RequireReceive(t, fetch(third, "/3", wait), wait, "third request")
	if status, ok := brokerclient.ProxyStatus(rejected.err); !ok || status != wire.StatusBusy {
		t.Fatalf("third request = %v, want 509", rejected.err)
	}

	handler := newEcho()
	s.startWorker(101, handler)

	for _, want := range []string{"/1", "/2"} {
		if got := testutil.RequireReceive(t, handler.served, wait); got != want {
			t.Errorf("worker served %q, want %q", got, want)
		}
	}
	for want, pending := range map[string]<-chan result{"/1": pendingFirst, "/2": pendingSecond} {
		got := testutil.RequireReceive(t, pending, wait, "reply to %s", want)
		if got.err != nil || string(got.response.Body) != want {
			t.Errorf("reply to %s = %+v, %v", want, got.response, got.err)
		}
	}
}

func TestEveryRequestAnsweredExactlyOnce(t *testing.T) {
	s := startSystem(t, systemConfig{maxQueue: 100, timeout: wait})
	handler := newEcho()
	for pid := 201; pid <= 203; pid++ {
		s.startWorker(pid, handler)
	}

	const perClient = 20
	var group sync.WaitGroup
	for c := range 3 {
		client := s.client(fmt.Sprintf("client-%d", c))
		group.Add(1)
		go func() {
			defer group.Done()
			for i := range perClient {
				target := fmt.Sprintf("/c%d/r%d", c, i)
				response, err := client.Fetch(context.Background(), wire.Request{Method: "GET", Target: target}, wait)
				if err != nil {
					t.Errorf("%s: %v", target, err)
					continue
				}
				if string(response.Body) != target {
					t.Errorf("%s answered with %q", target, response.Body)
				}
			}
			if client.Outstanding() != 0 {
				t.Errorf("client %d has %d outstanding requests", c, client.Outstanding())
			}
		}()
	}
	group.Wait()

	if got := handler.count.Load(); got != 3*perClient {
		t.Errorf("workers handled %d requests, want %d", got, 3*perClient)
	}
	if replies := s.broker.Stats().Replies; replies != 3*perClient {
		t.Errorf("broker forwarded %d replies, want %d", replies, 3*perClient)
	}
}

func TestPartialReplyRoundTrip(t *testing.T) {
	s := startSystem(t, systemConfig{maxQueue: 4, timeout: wait})
	s.startWorker(301, worker.HandlerFunc(func(_ context.Context, _ *wire.Request, w *worker.ResponseWriter) error {
		if err := w.Flush([]byte("A"), true); err != nil {
			return err
		}
		if err := w.Flush([]byte("B"), true); err != nil {
			return err
		}
		return w.Flush(nil, false)
	}))
	client := s.client("client-stream")

	response, err := client.Fetch(context.Background(), wire.Request{Method: "GET", Target: "/tiles"}, wait)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !response.Partial() {
		t.Fatalf("Status = %d, want a partial reply", response.Status)
	}
	var chunks []string
	for chunk, err := range client.FetchMore(context.Background(), response, wait) {
		if err != nil {
			t.Fatalf("FetchMore: %v", err)
		}
		chunks = append(chunks, string(chunk))
	}
	if len(chunks) != 2 || chunks[0] != "A" || chunks[1] != "B" {
		t.Errorf("chunks = %q, want [A B]", chunks)
	}
}

func TestExpiredRequestNeverReachesWorker(t *testing.T) {
	const timeout = 100 * time.Millisecond
	s := startSystem(t, systemConfig{maxQueue: 4, timeout: timeout})
	client := s.client("client-late")

	pending := fetch(client, "/stale", 2*timeout)
	s.waitQueued(1)
	got := testutil.RequireReceive(t, pending, wait, "stale request")
	if !brokerclient.IsTimeout(got.err) {
		t.Fatalf("stale request = %v, want a timeout", got.err)
	}

	handler := newEcho()
	s.startWorker(401, handler)
	fresh := testutil.RequireReceive(t, fetch(client, "/fresh", wait), wait, "fresh request")
	if fresh.err != nil || string(fresh.response.Body) != "/fresh" {
		t.Fatalf("fresh request = %+v, %v", fresh.response, fresh.err)
	}
	if served := testutil.RequireReceive(t, handler.served, wait); served != "/fresh" {
		t.Errorf("worker first served %q, want /fresh", served)
	}
	if handler.count.Load() != 1 {
		t.Errorf("worker handled %d requests, want 1", handler.count.Load())
	}
	if s.broker.Stats().Expired != 1 {
		t.Errorf("Expired = %d, want 1", s.broker.Stats().Expired)
	}
}

func TestStuckWorkerIsKilledAfterBusyTimeout(t *testing.T) {
	const busyTimeout = 150 * time.Millisecond
	release := make(chan struct{})
	var started atomic.Int64
	killedAt := make(chan time.Time, 1)
	var once sync.Once
	s := startSystem(t, systemConfig{
		maxQueue:    4,
		timeout:     wait,
		busyTimeout: busyTimeout,
		kill: func(pid int) error {
			once.Do(func() {
				killedAt <- time.Now()
				close(release)
			})
			if pid != 501 {
				return errors.New("unexpected pid")
			}
			return nil
		},
	})
	s.startWorker(501, worker.HandlerFunc(func(_ context.Context, _ *wire.Request, w *worker.ResponseWriter) error {
		started.Store(time.Now().UnixNano())
		<-release
		return w.Flush([]byte("too late"), false)
	}))
	client := s.client("client-stuck")

	pending := fetch(client, "/hang", wait)
	at := testutil.RequireReceive(t, killedAt, wait, "kill")
	testutil.Eventually(t, wait, func() bool { return started.Load() != 0 }, "handler start")

	elapsed := at.Sub(time.Unix(0, started.Load()))
	if elapsed < busyTimeout-50*time.Millisecond {
		t.Errorf("killed after %v, before the %v busy timeout", elapsed, busyTimeout)
	}
	if elapsed > busyTimeout+2*time.Second {
		t.Errorf("killed after %v, long past the %v busy timeout", elapsed, busyTimeout)
	}
	testutil.RequireReceive(t, pending, wait, "reply after release")
}

func TestRestartedWorkerLeavesReadySet(t *testing.T) {
	s := startSystem(t, systemConfig{maxQueue: 10, timeout: wait})
	publisher, err := s.network.Publisher("inproc://broadcast")
	if err != nil {
		t.Fatalf("Publisher: %v", err)
	}
	defer publisher.Close()

	// The departing worker keeps its socket open, as a ZeroMQ peer
	// whose disconnect the broker never hears about.
	requests, _ := s.network.Dealer(backend, []byte("worker-201"))
	defer requests.Close()
	broadcast, _ := s.network.Subscriber("inproc://broadcast")
	defer broadcast.Close()
	runtime, err := worker.New(worker.Config{
		Identity:  "worker-201",
		Requests:  requests,
		Broadcast: broadcast,
		Handler:   newEcho(),
		Heartbeat: time.Hour,
		PID:       201,
		Logger:    s.logger,
	})
	if err != nil {
		t.Fatalf("worker.New: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- runtime.Run(context.Background()) }()
	testutil.Eventually(t, wait, func() bool { return s.broker.Stats().Ready == 1 }, "worker ready")

	if err := publisher.Send(context.Background(), wire.CommandRestart.Frames()...); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := testutil.RequireReceive(t, done, wait, "Run return"); !errors.Is(err, worker.ErrRestart) {
		t.Fatalf("Run = %v, want ErrRestart", err)
	}
	testutil.Eventually(t, wait, func() bool { return s.broker.Stats().Ready == 0 }, "worker left the ready set")

	pending := fetch(s.client("client-a"), "/after-restart", wait)
	s.waitQueued(1)
	replacement := newEcho()
	s.startWorker(202, replacement)
	got := testutil.RequireReceive(t, pending, wait, "reply")
	if got.err != nil || string(got.response.Body) != "/after-restart" {
		t.Fatalf("reply = %+v, %v", got.response, got.err)
	}
	if stats := s.broker.Stats(); stats.Requeued != 0 || stats.Dispatched != 1 {
		t.Errorf("stats = %+v, want one dispatch and no requeue", stats)
	}
}
