// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"sync"
)

// Compile-time interface check.
var _ Network = (*MemoryNetwork)(nil)

// MemoryNetwork is an in-process Network for tests. Endpoints are
// arbitrary strings. Unlike ZeroMQ, connecting sockets require the
// endpoint to be bound first, and a send to a vanished peer fails
// immediately with ErrUnreachable.
type MemoryNetwork struct {
	mu        sync.Mutex
	endpoints map[string]*memoryEndpoint
}

// NewMemoryNetwork returns an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{endpoints: make(map[string]*memoryEndpoint)}
}

type socketKind int

const (
	kindRouter socketKind = iota
	kindPublisher
	kindPuller
)

func (k socketKind) String() string {
	switch k {
	case kindRouter:
		return "ROUTER"
	case kindPublisher:
		return "PUB"
	default:
		return "PULL"
	}
}

// memoryEndpoint is the bound side of an endpoint: its own inbox and
// the inboxes of every connected peer.
type memoryEndpoint struct {
	kind  socketKind
	inbox *mailbox

	mu    sync.Mutex
	peers map[string]*mailbox
	// order keeps publisher fan-out deterministic.
	order []string
}

func (e *memoryEndpoint) attach(name string, box *mailbox) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.peers[name]; !exists {
		e.order = append(e.order, name)
	}
	e.peers[name] = box
}

func (e *memoryEndpoint) detach(name string, box *mailbox) {
	e.mu.Lock()
	defer e.mu.Unlock()
	// A reconnect under the same identity may have replaced box.
	if e.peers[name] != box {
		return
	}
	delete(e.peers, name)
	for i, candidate := range e.order {
		if candidate == name {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
}

func (e *memoryEndpoint) peer(name string) *mailbox {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peers[name]
}

func (e *memoryEndpoint) subscribers() []*mailbox {
	e.mu.Lock()
	defer e.mu.Unlock()
	boxes := make([]*mailbox, 0, len(e.order))
	for _, name := range e.order {
		boxes = append(boxes, e.peers[name])
	}
	return boxes
}

func (n *MemoryNetwork) bind(endpoint string, kind socketKind) (*memoryEndpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.endpoints[endpoint]; exists {
		return nil, fmt.Errorf("binding %s: address already in use", endpoint)
	}
	bound := &memoryEndpoint{
		kind:  kind,
		inbox: newMailbox(),
		peers: make(map[string]*mailbox),
	}
	n.endpoints[endpoint] = bound
	return bound, nil
}

func (n *MemoryNetwork) unbind(endpoint string, bound *memoryEndpoint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.endpoints[endpoint] == bound {
		delete(n.endpoints, endpoint)
	}
}

func (n *MemoryNetwork) lookup(endpoint string, kind socketKind) (*memoryEndpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	bound, ok := n.endpoints[endpoint]
	if !ok {
		return nil, fmt.Errorf("connecting to %s: %w", endpoint, ErrUnreachable)
	}
	if bound.kind != kind {
		return nil, fmt.Errorf("connecting to %s: endpoint is a %s socket, want %s", endpoint, bound.kind, kind)
	}
	return bound, nil
}

// Router binds a ROUTER endpoint.
func (n *MemoryNetwork) Router(endpoint string) (Socket, error) {
	bound, err := n.bind(endpoint, kindRouter)
	if err != nil {
		return nil, err
	}
	return &memoryBound{network: n, endpoint: endpoint, bound: bound}, nil
}

// Publisher binds a PUB endpoint.
func (n *MemoryNetwork) Publisher(endpoint string) (Socket, error) {
	bound, err := n.bind(endpoint, kindPublisher)
	if err != nil {
		return nil, err
	}
	return &memoryBound{network: n, endpoint: endpoint, bound: bound}, nil
}

// Puller binds a PULL endpoint.
func (n *MemoryNetwork) Puller(endpoint string) (Socket, error) {
	bound, err := n.bind(endpoint, kindPuller)
	if err != nil {
		return nil, err
	}
	return &memoryBound{network: n, endpoint: endpoint, bound: bound}, nil
}

// Dealer connects to a bound ROUTER endpoint.
func (n *MemoryNetwork) Dealer(endpoint string, identity []byte) (Socket, error) {
	bound, err := n.lookup(endpoint, kindRouter)
	if err != nil {
		return nil, err
	}
	socket := &memoryConnected{bound: bound, name: string(identity), inbox: newMailbox(), canSend: true}
	bound.attach(socket.name, socket.inbox)
	return socket, nil
}

// Subscriber connects to a bound PUB endpoint.
func (n *MemoryNetwork) Subscriber(endpoint string) (Socket, error) {
	bound, err := n.lookup(endpoint, kindPublisher)
	if err != nil {
		return nil, err
	}
	socket := &memoryConnected{bound: bound, inbox: newMailbox()}
	socket.name = fmt.Sprintf("sub-%p", socket)
	bound.attach(socket.name, socket.inbox)
	return socket, nil
}

// Pusher connects to a bound PULL endpoint.
func (n *MemoryNetwork) Pusher(endpoint string) (Socket, error) {
	bound, err := n.lookup(endpoint, kindPuller)
	if err != nil {
		return nil, err
	}
	return &memoryConnected{bound: bound, canSend: true}, nil
}

// memoryBound is the socket returned by Router, Publisher, and Puller.
type memoryBound struct {
	network  *MemoryNetwork
	endpoint string
	bound    *memoryEndpoint
	once     sync.Once
}

func (s *memoryBound) Send(ctx context.Context, frames ...[]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.bound.inbox.isClosed() {
		return ErrClosed
	}
	switch s.bound.kind {
	case kindRouter:
		if len(frames) < 2 {
			return fmt.Errorf("router send needs an identity frame and a body")
		}
		peer := s.bound.peer(string(frames[0]))
		if peer == nil || !peer.push(copyFrames(frames[1:])) {
			return fmt.Errorf("sending to %q: %w", frames[0], ErrUnreachable)
		}
		return nil
	case kindPublisher:
		for _, subscriber := range s.bound.subscribers() {
			subscriber.push(copyFrames(frames))
		}
		return nil
	default:
		return ErrUnsupported
	}
}

func (s *memoryBound) Recv(ctx context.Context) ([][]byte, error) {
	if s.bound.kind == kindPublisher {
		return nil, ErrUnsupported
	}
	return s.bound.inbox.pop(ctx)
}

func (s *memoryBound) Close() error {
	s.once.Do(func() {
		s.bound.inbox.close()
		s.network.unbind(s.endpoint, s.bound)
	})
	return nil
}

// memoryConnected is the socket returned by Dealer, Subscriber, and
// Pusher.
type memoryConnected struct {
	bound   *memoryEndpoint
	name    string
	inbox   *mailbox
	canSend bool
	once    sync.Once
}

func (s *memoryConnected) Send(ctx context.Context, frames ...[]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.canSend {
		return ErrUnsupported
	}
	if s.inbox != nil && s.inbox.isClosed() {
		return ErrClosed
	}
	message := copyFrames(frames)
	if s.bound.kind == kindRouter {
		message = append([][]byte{[]byte(s.name)}, message...)
	}
	if !s.bound.inbox.push(message) {
		return fmt.Errorf("sending: %w", ErrUnreachable)
	}
	return nil
}

func (s *memoryConnected) Recv(ctx context.Context) ([][]byte, error) {
	if s.inbox == nil {
		return nil, ErrUnsupported
	}
	return s.inbox.pop(ctx)
}

func (s *memoryConnected) Close() error {
	s.once.Do(func() {
		if s.inbox != nil {
			s.inbox.close()
			s.bound.detach(s.name, s.inbox)
		}
	})
	return nil
}

// mailbox is an unbounded FIFO of messages with a wakeup channel.
type mailbox struct {
	mu       sync.Mutex
	messages [][][]byte
	closed   bool
	notify   chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

// push appends a message. It reports false if the mailbox is closed.
func (m *mailbox) push(message [][]byte) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.messages = append(m.messages, message)
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

func (m *mailbox) pop(ctx context.Context) ([][]byte, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		if len(m.messages) > 0 {
			message := m.messages[0]
			m.messages[0] = nil
			m.messages = m.messages[1:]
			m.mu.Unlock()
			return message, nil
		}
		m.mu.Unlock()

		select {
		case <-m.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.messages = nil
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func copyFrames(frames [][]byte) [][]byte {
	copied := make([][]byte, len(frames))
	for i, frame := range frames {
		copied[i] = append([]byte(nil), frame...)
	}
	return copied
}
