// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
)

// Compile-time interface check.
var _ Network = (*ZMQNetwork)(nil)

// ZMQNetwork creates ZeroMQ sockets with github.com/go-zeromq/zmq4.
// Endpoints are ZeroMQ strings: tcp://host:port, ipc:///path, or
// inproc://name.
type ZMQNetwork struct {
	ctx    context.Context
	logger *slog.Logger

	// DialRetry is the interval between connection attempts while the
	// bound side is not yet listening.
	DialRetry time.Duration

	// DialAttempts bounds connection attempts, both initially and
	// when reconnecting after the bound side went away. Workers start
	// right after the server binds, so a short bound is enough.
	DialAttempts int
}

// maxKnownPeers bounds the identities a ROUTER remembers. The least
// recently heard from is forgotten first.
const maxKnownPeers = 4096

// NewZMQNetwork returns a network whose sockets live until ctx is
// cancelled or they are closed.
func NewZMQNetwork(ctx context.Context, logger *slog.Logger) *ZMQNetwork {
	return &ZMQNetwork{
		ctx:          ctx,
		logger:       logger,
		DialRetry:    250 * time.Millisecond,
		DialAttempts: 40,
	}
}

func (n *ZMQNetwork) options(extra ...zmq4.Option) []zmq4.Option {
	options := []zmq4.Option{
		zmq4.WithLogger(slog.NewLogLogger(n.logger.Handler(), slog.LevelDebug)),
		zmq4.WithDialerRetry(n.DialRetry),
		zmq4.WithDialerMaxRetries(n.DialAttempts),
	}
	return append(options, extra...)
}

// Router binds a ROUTER socket.
func (n *ZMQNetwork) Router(endpoint string) (Socket, error) {
	ctx, cancel := context.WithCancel(n.ctx)
	socket := zmq4.NewRouter(ctx, n.options()...)
	return n.listen(socket, cancel, endpoint, true, true)
}

// Dealer connects a DEALER socket with the given identity.
func (n *ZMQNetwork) Dealer(endpoint string, identity []byte) (Socket, error) {
	ctx, cancel := context.WithCancel(n.ctx)
	socket := zmq4.NewDealer(ctx, n.options(
		zmq4.WithID(zmq4.SocketIdentity(identity)),
		zmq4.WithAutomaticReconnect(true),
	)...)
	return n.dial(socket, cancel, endpoint, true)
}

// Publisher binds a PUB socket.
func (n *ZMQNetwork) Publisher(endpoint string) (Socket, error) {
	ctx, cancel := context.WithCancel(n.ctx)
	socket := zmq4.NewPub(ctx, n.options()...)
	return n.listen(socket, cancel, endpoint, false, false)
}

// Subscriber connects a SUB socket subscribed to every message.
func (n *ZMQNetwork) Subscriber(endpoint string) (Socket, error) {
	ctx, cancel := context.WithCancel(n.ctx)
	socket := zmq4.NewSub(ctx, n.options(zmq4.WithAutomaticReconnect(true))...)
	if err := socket.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		cancel()
		socket.Close()
		return nil, fmt.Errorf("subscribing on %s: %w", endpoint, err)
	}
	return n.dial(socket, cancel, endpoint, true)
}

// Puller binds a PULL socket.
func (n *ZMQNetwork) Puller(endpoint string) (Socket, error) {
	ctx, cancel := context.WithCancel(n.ctx)
	socket := zmq4.NewPull(ctx, n.options()...)
	return n.listen(socket, cancel, endpoint, false, true)
}

// Pusher connects a PUSH socket.
func (n *ZMQNetwork) Pusher(endpoint string) (Socket, error) {
	ctx, cancel := context.WithCancel(n.ctx)
	socket := zmq4.NewPush(ctx, n.options(zmq4.WithAutomaticReconnect(true))...)
	return n.dial(socket, cancel, endpoint, false)
}

func (n *ZMQNetwork) listen(socket zmq4.Socket, cancel context.CancelFunc, endpoint string, routed, readable bool) (Socket, error) {
	// A crashed server leaves its ipc socket file behind, and binding
	// over it fails.
	if path, ok := strings.CutPrefix(endpoint, "ipc://"); ok {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			n.logger.Warn("removing stale ipc socket", "path", path, "error", err)
		}
	}
	if err := socket.Listen(endpoint); err != nil {
		cancel()
		socket.Close()
		return nil, fmt.Errorf("binding %s: %w", endpoint, err)
	}
	return newZMQSocket(socket, cancel, routed, readable), nil
}

func (n *ZMQNetwork) dial(socket zmq4.Socket, cancel context.CancelFunc, endpoint string, readable bool) (Socket, error) {
	if err := socket.Dial(endpoint); err != nil {
		cancel()
		socket.Close()
		return nil, fmt.Errorf("connecting to %s: %w", endpoint, err)
	}
	return newZMQSocket(socket, cancel, false, readable), nil
}

// zmqSocket adapts a zmq4.Socket to Socket. zmq4's Recv takes no
// context, so a reader goroutine feeds messages into a channel that
// Recv selects on.
//
// A routed socket remembers the identities it has received from.
// zmq4 drops a ROUTER message for an identity without a connection and
// reports success, so an identity never heard from is refused here
// instead.
type zmqSocket struct {
	socket zmq4.Socket
	cancel context.CancelFunc
	routed bool

	peersMu sync.Mutex
	peers   map[string]time.Time

	messages chan [][]byte
	failed   chan struct{}
	recvErr  error
	closing  chan struct{}
	once     sync.Once
	readable bool
}

func newZMQSocket(socket zmq4.Socket, cancel context.CancelFunc, routed, readable bool) *zmqSocket {
	s := &zmqSocket{
		socket:   socket,
		cancel:   cancel,
		routed:   routed,
		readable: readable,
		messages: make(chan [][]byte, 64),
		failed:   make(chan struct{}),
		closing:  make(chan struct{}),
	}
	if routed {
		s.peers = make(map[string]time.Time)
	}
	if readable {
		go s.read()
	}
	return s
}

func (s *zmqSocket) read() {
	for {
		message, err := s.socket.Recv()
		if err != nil {
			s.recvErr = err
			close(s.failed)
			return
		}
		if s.routed && len(message.Frames) > 0 {
			s.heard(string(message.Frames[0]))
		}
		select {
		case s.messages <- message.Frames:
		case <-s.closing:
			return
		}
	}
}

func (s *zmqSocket) Send(ctx context.Context, frames ...[]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-s.closing:
		return ErrClosed
	default:
	}
	if s.routed {
		if len(frames) < 2 {
			return fmt.Errorf("router send needs an identity frame and a body")
		}
		if !s.known(string(frames[0])) {
			return fmt.Errorf("sending to %q: %w", frames[0], ErrUnreachable)
		}
	}
	err := s.socket.SendMulti(zmq4.NewMsgFrom(frames...))
	if err == nil {
		return nil
	}
	if s.routed {
		s.forget(string(frames[0]))
		return fmt.Errorf("sending to %q: %w: %v", frames[0], ErrUnreachable, err)
	}
	return fmt.Errorf("sending: %w", err)
}

func (s *zmqSocket) heard(identity string) {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	s.peers[identity] = time.Now()
	if len(s.peers) <= maxKnownPeers {
		return
	}
	var oldest string
	var oldestAt time.Time
	for peer, at := range s.peers {
		if oldestAt.IsZero() || at.Before(oldestAt) {
			oldest, oldestAt = peer, at
		}
	}
	delete(s.peers, oldest)
}

func (s *zmqSocket) known(identity string) bool {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	_, ok := s.peers[identity]
	return ok
}

func (s *zmqSocket) forget(identity string) {
	s.peersMu.Lock()
	delete(s.peers, identity)
	s.peersMu.Unlock()
}

func (s *zmqSocket) Recv(ctx context.Context) ([][]byte, error) {
	if !s.readable {
		return nil, ErrUnsupported
	}
	select {
	case message := <-s.messages:
		return message, nil
	case <-s.failed:
		select {
		case <-s.closing:
			return nil, ErrClosed
		default:
			return nil, fmt.Errorf("receiving: %w", s.recvErr)
		}
	case <-s.closing:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *zmqSocket) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closing)
		err = s.socket.Close()
		s.cancel()
	})
	return err
}
