// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package brokerclient

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/mapbroker/lib/clock"
	"github.com/bureau-foundation/mapbroker/lib/codec"
	"github.com/bureau-foundation/mapbroker/lib/wire"
	"github.com/bureau-foundation/mapbroker/transport"
)

// NewIdentity returns a DEALER identity for a client in this process.
func NewIdentity() []byte {
	return []byte(fmt.Sprintf("client-%d-%s", os.Getpid(), uuid.NewString()))
}

// Config describes a client.
type Config struct {
	// Socket is a DEALER socket connected to the broker frontend. The
	// client owns it: Close closes it.
	Socket transport.Socket

	Clock  clock.Clock
	Logger *slog.Logger
}

// Client issues requests through the broker. It is safe for concurrent
// use.
type Client struct {
	socket transport.Socket
	clock  clock.Clock
	logger *slog.Logger

	// lifetime is cancelled by Close.
	lifetime context.Context
	shutdown context.CancelFunc

	mu      sync.Mutex
	pending map[string]*outstanding
	closed  bool

	// stopReceiving is non-nil while a receive loop runs. received
	// is closed when the most recent loop has exited.
	stopReceiving context.CancelFunc
	received      chan struct{}
}

// outstanding is a registered request. streaming is set by the receive
// loop once a partial header has been routed.
type outstanding struct {
	queue     *queue
	streaming bool
}

// Response is the header of a reply. For a partial reply, Body is
// empty and the chunks are read with FetchMore.
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte

	correlation string
	compressed  bool
	stream      *queue
	consumed    atomic.Bool
	release     func()
}

// Partial reports whether the reply continues in chunks.
func (r *Response) Partial() bool { return r.Status == wire.StatusPartial }

// Discard abandons the chunks of a partial reply that will not be read
// with FetchMore. Chunks that still arrive are dropped. It does nothing
// for a full reply or one FetchMore has already ranged over.
func (r *Response) Discard() {
	if r.stream == nil || !r.consumed.CompareAndSwap(false, true) {
		return
	}
	r.release()
}

// CorrelationID returns the id the request was sent with.
func (r *Response) CorrelationID() string { return r.correlation }

// New returns a client using config.Socket.
func New(config Config) (*Client, error) {
	if config.Socket == nil {
		return nil, errors.New("brokerclient: socket is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	lifetime, shutdown := context.WithCancel(context.Background())
	return &Client{
		socket:   config.Socket,
		clock:    config.Clock,
		logger:   config.Logger,
		lifetime: lifetime,
		shutdown: shutdown,
		pending:  make(map[string]*outstanding),
	}, nil
}

// Fetch sends request and waits up to timeout for the reply header.
// A non-positive timeout waits until ctx is done.
//
// A partial Response stays outstanding until FetchMore has ranged over
// it or Discard is called; until then its chunks are buffered and the
// receive loop keeps running.
//
// Over ZeroMQ a DEALER send succeeds while the broker is down, so an
// unreachable broker surfaces as a *TimeoutError rather than a
// *GatewayError.
func (c *Client) Fetch(ctx context.Context, request wire.Request, timeout time.Duration) (*Response, error) {
	payload, err := request.Encode()
	if err != nil {
		return nil, fmt.Errorf("brokerclient: encoding request: %w", err)
	}

	correlation := uuid.NewString()
	entry, err := c.register(correlation)
	if err != nil {
		return nil, &GatewayError{CorrelationID: correlation, Err: err}
	}
	if err := c.socket.Send(ctx, []byte(correlation), payload); err != nil {
		c.forget(correlation)
		return nil, &GatewayError{CorrelationID: correlation, Err: err}
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		deadline = c.clock.After(timeout)
	}
	item, err := entry.queue.pop(ctx, deadline)
	if err != nil {
		c.forget(correlation)
		if errors.Is(err, errDeadline) {
			return nil, &TimeoutError{CorrelationID: correlation, Timeout: timeout}
		}
		return nil, err
	}

	switch {
	case item.err != nil:
		return nil, item.err
	case item.reply.Failed():
		return nil, &ProxyError{CorrelationID: correlation, Status: item.reply.Status}
	case item.header == nil:
		// The receive loop only leaves header nil when it failed to
		// decode the frame.
		_, err := wire.DecodeReplyHeader(item.reply.Data)
		return nil, fmt.Errorf("brokerclient: request %s: %w", correlation, err)
	}

	header := item.header
	response := &Response{
		Status:      header.Status,
		Headers:     header.Headers,
		Body:        header.Body,
		correlation: correlation,
		compressed:  header.Compressed,
	}
	if header.Compressed && len(header.Body) > 0 {
		response.Body, err = codec.Unpack(header.Body)
		if err != nil {
			c.forget(correlation)
			return nil, fmt.Errorf("brokerclient: request %s: unpacking body: %w", correlation, err)
		}
	}
	if response.Partial() {
		response.stream = entry.queue
		response.release = func() { c.forget(correlation) }
	}
	return response, nil
}

// FetchMore yields the chunks of a partial reply in order, ending at
// the empty terminator. Each chunk must arrive within timeout of the
// previous one (a non-positive timeout waits until ctx is done). A
// stalled chunk yields a *TimeoutError. Stopping the iteration early
// abandons the rest of the reply. The sequence can be ranged over
// once; later ranges yield ErrStreamConsumed.
func (c *Client) FetchMore(ctx context.Context, response *Response, timeout time.Duration) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		if !response.Partial() || response.stream == nil {
			yield(nil, ErrNotPartial)
			return
		}
		if !response.consumed.CompareAndSwap(false, true) {
			yield(nil, ErrStreamConsumed)
			return
		}

		for {
			var deadline <-chan time.Time
			if timeout > 0 {
				deadline = c.clock.After(timeout)
			}
			item, err := response.stream.pop(ctx, deadline)
			if err != nil {
				c.forget(response.correlation)
				if errors.Is(err, errDeadline) {
					err = &TimeoutError{CorrelationID: response.correlation, Timeout: timeout, Chunk: true}
				}
				yield(nil, err)
				return
			}
			if item.err != nil {
				yield(nil, item.err)
				return
			}

			chunk := item.reply.Data
			if len(chunk) == 0 {
				return
			}
			if response.compressed {
				chunk, err = codec.Unpack(chunk)
				if err != nil {
					c.forget(response.correlation)
					yield(nil, fmt.Errorf("brokerclient: request %s: unpacking chunk: %w", response.correlation, err))
					return
				}
			}
			if !yield(chunk, nil) {
				c.forget(response.correlation)
				return
			}
		}
	}
}

// Outstanding returns the number of requests awaiting a reply or
// further chunks.
func (c *Client) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close fails outstanding requests with ErrClientClosed, stops the
// receive loop, and closes the socket.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for correlation, entry := range c.pending {
		entry.queue.push(delivery{err: &GatewayError{CorrelationID: correlation, Err: ErrClientClosed}})
	}
	clear(c.pending)
	c.stopReceiving = nil
	received := c.received
	c.mu.Unlock()

	c.shutdown()
	if received != nil {
		<-received
	}
	return c.socket.Close()
}

// register adds an outstanding request, starting the receive loop if
// none is running.
func (c *Client) register(correlation string) (*outstanding, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}
	entry := &outstanding{queue: newQueue()}
	c.pending[correlation] = entry

	if c.stopReceiving == nil {
		ctx, cancel := context.WithCancel(c.lifetime)
		previous := c.received
		received := make(chan struct{})
		c.stopReceiving = cancel
		c.received = received
		go c.receive(ctx, previous, received)
	}
	return entry, nil
}

// forget drops an outstanding request.
func (c *Client) forget(correlation string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(correlation)
}

// removeLocked deletes an entry and stops the receive loop when it was
// the last one.
func (c *Client) removeLocked(correlation string) {
	delete(c.pending, correlation)
	if len(c.pending) == 0 && c.stopReceiving != nil {
		c.stopReceiving()
		c.stopReceiving = nil
	}
}

// receive is the only reader of the socket. It waits for the previous
// loop to exit first, so that two loops never read concurrently.
func (c *Client) receive(ctx context.Context, previous, received chan struct{}) {
	defer close(received)
	if previous != nil {
		<-previous
	}
	for {
		frames, err := c.socket.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.fail(ctx, err)
			return
		}
		c.dispatch(frames)
	}
}

// dispatch routes one reply frame to its request.
func (c *Client) dispatch(frames [][]byte) {
	reply, err := wire.ParseClientReply(frames)
	if err != nil {
		c.logger.Warn("ignoring malformed reply", "error", err)
		return
	}

	c.mu.Lock()
	entry, ok := c.pending[reply.Correlation]
	if !ok {
		c.mu.Unlock()
		c.logger.Info("dropping reply for unknown correlation id", "correlation_id", reply.Correlation)
		return
	}

	item := delivery{reply: reply}
	terminal := true
	switch {
	case reply.Failed():
	case !entry.streaming:
		header, err := wire.DecodeReplyHeader(reply.Data)
		if err != nil {
			c.logger.Warn("malformed reply header", "correlation_id", reply.Correlation, "error", err)
			break
		}
		item.header = header
		if header.Partial() {
			entry.streaming = true
			terminal = false
		}
	default:
		terminal = len(reply.Data) == 0
	}
	if terminal {
		c.removeLocked(reply.Correlation)
	}
	c.mu.Unlock()

	entry.queue.push(item)
}

// fail delivers a receive error to every outstanding request of the
// loop that hit it.
func (c *Client) fail(ctx context.Context, cause error) {
	c.logger.Error("receiving replies", "error", cause)
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	for correlation, entry := range c.pending {
		entry.queue.push(delivery{err: &GatewayError{CorrelationID: correlation, Err: cause}})
	}
	clear(c.pending)
	c.stopReceiving()
	c.stopReceiving = nil
}
