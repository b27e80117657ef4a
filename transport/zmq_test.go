// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/bureau-foundation/mapbroker/lib/testutil"
)

type zmqFixture struct {
	t         *testing.T
	network   *ZMQNetwork
	directory string
}

func newZMQFixture(t *testing.T) *zmqFixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	network := NewZMQNetwork(ctx, slog.New(slog.NewTextHandler(io.Discard, nil)))
	network.DialRetry = 20 * time.Millisecond
	network.DialAttempts = 50
	return &zmqFixture{t: t, network: network, directory: testutil.SocketDir(t)}
}

func (f *zmqFixture) endpoint(name string) string {
	return "ipc://" + filepath.Join(f.directory, name)
}

// must fails the test on err and closes socket at cleanup.
func (f *zmqFixture) must(socket Socket, err error) Socket {
	f.t.Helper()
	if err != nil {
		f.t.Fatalf("creating socket: %v", err)
	}
	f.t.Cleanup(func() { socket.Close() })
	return socket
}

func TestZMQRouterDealer(t *testing.T) {
	ctx := context.Background()
	f := newZMQFixture(t)
	router := f.must(f.network.Router(f.endpoint("backend.sock")))
	dealer := f.must(f.network.Dealer(f.endpoint("backend.sock"), []byte("worker-1")))

	if err := dealer.Send(ctx, []byte("READY")); err != nil {
		t.Fatalf("dealer Send: %v", err)
	}
	requireFrames(t, recvFrames(t, router), "worker-1", "READY")

	if err := router.Send(ctx, []byte("worker-1"), []byte("client-1"), []byte("cid-1"), []byte("GET")); err != nil {
		t.Fatalf("router Send: %v", err)
	}
	requireFrames(t, recvFrames(t, dealer), "client-1", "cid-1", "GET")
}

func TestZMQRouterRefusesUnknownIdentity(t *testing.T) {
	f := newZMQFixture(t)
	router := f.must(f.network.Router(f.endpoint("frontend.sock")))

	// No peer has ever connected; the send must not wait for one.
	sent := make(chan error, 1)
	go func() { sent <- router.Send(context.Background(), []byte("nobody"), []byte("x")) }()
	if err := testutil.RequireReceive(t, sent, 5*time.Second, "Send to unknown identity"); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("Send to unknown identity = %v, want ErrUnreachable", err)
	}
	if err := router.Send(context.Background(), []byte("nobody")); err == nil || errors.Is(err, ErrUnreachable) {
		t.Fatalf("Send without body = %v, want a framing error", err)
	}

	dealer := f.must(f.network.Dealer(f.endpoint("frontend.sock"), []byte("client-1")))
	if err := dealer.Send(context.Background(), []byte("cid-1"), []byte("GET")); err != nil {
		t.Fatalf("dealer Send: %v", err)
	}
	recvFrames(t, router)
	if err := router.Send(context.Background(), []byte("someone-else"), []byte("x")); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("Send to other identity = %v, want ErrUnreachable", err)
	}
}

func TestZMQRouterVanishedPeer(t *testing.T) {
	f := newZMQFixture(t)
	router := f.must(f.network.Router(f.endpoint("backend.sock")))
	dealer, err := f.network.Dealer(f.endpoint("backend.sock"), []byte("worker-gone"))
	if err != nil {
		t.Fatalf("Dealer: %v", err)
	}
	if err := dealer.Send(context.Background(), []byte("READY")); err != nil {
		t.Fatalf("dealer Send: %v", err)
	}
	recvFrames(t, router)
	dealer.Close()

	// ZeroMQ does not report the departure. The send either fails as
	// unreachable or is dropped, and never blocks.
	sent := make(chan error, 1)
	go func() {
		sent <- router.Send(context.Background(), []byte("worker-gone"), []byte("client-1"), []byte("cid-1"), []byte("GET"))
	}()
	if err := testutil.RequireReceive(t, sent, 5*time.Second, "Send to vanished peer"); err != nil && !errors.Is(err, ErrUnreachable) {
		t.Fatalf("Send to vanished peer = %v, want nil or ErrUnreachable", err)
	}
}

func TestZMQPushPull(t *testing.T) {
	f := newZMQFixture(t)
	puller := f.must(f.network.Puller(f.endpoint("supervisor.sock")))
	pusher := f.must(f.network.Pusher(f.endpoint("supervisor.sock")))

	for _, tag := range []string{"BUSY", "DONE"} {
		if err := pusher.Send(context.Background(), []byte("41"), []byte(tag)); err != nil {
			t.Fatalf("push %s: %v", tag, err)
		}
	}
	requireFrames(t, recvFrames(t, puller), "41", "BUSY")
	requireFrames(t, recvFrames(t, puller), "41", "DONE")

	if _, err := pusher.Recv(context.Background()); !errors.Is(err, ErrUnsupported) {
		t.Errorf("pusher Recv = %v, want ErrUnsupported", err)
	}
}

func TestZMQPublishSubscribe(t *testing.T) {
	f := newZMQFixture(t)
	publisher := f.must(f.network.Publisher(f.endpoint("broadcast.sock")))
	subscriber := f.must(f.network.Subscriber(f.endpoint("broadcast.sock")))

	// The subscription reaches the publisher asynchronously, and
	// messages published before it are lost. Repeat until one lands.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := publisher.Send(context.Background(), []byte("RESTART")); err != nil {
			t.Fatalf("publish: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		frames, err := subscriber.Recv(ctx)
		cancel()
		if err == nil {
			requireFrames(t, frames, "RESTART")
			return
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("subscriber Recv: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("subscriber never received a broadcast")
		}
	}
}

func TestZMQCloseUnblocksRecv(t *testing.T) {
	f := newZMQFixture(t)
	router, err := f.network.Router(f.endpoint("backend.sock"))
	if err != nil {
		t.Fatalf("Router: %v", err)
	}
	received := make(chan error, 1)
	go func() {
		_, err := router.Recv(context.Background())
		received <- err
	}()
	router.Close()
	if err := testutil.RequireReceive(t, received, 5*time.Second, "Recv after Close"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Recv after Close = %v, want ErrClosed", err)
	}
	if err := router.Send(context.Background(), []byte("x"), []byte("y")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after Close = %v, want ErrClosed", err)
	}
}
