// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package brokerclient

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/mapbroker/lib/clock"
	"github.com/bureau-foundation/mapbroker/lib/codec"
	"github.com/bureau-foundation/mapbroker/lib/testutil"
	"github.com/bureau-foundation/mapbroker/lib/wire"
	"github.com/bureau-foundation/mapbroker/transport"
)

const wait = 5 * time.Second

// fakeBroker is the frontend ROUTER, driven by the test.
type fakeBroker struct {
	t      *testing.T
	socket transport.Socket
}

type received struct {
	client      []byte
	correlation []byte
	request     *wire.Request
}

func (b *fakeBroker) next() received {
	b.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	frames, err := b.socket.Recv(ctx)
	if err != nil {
		b.t.Fatalf("broker Recv: %v", err)
	}
	parsed, err := wire.ParseClientRequest(frames)
	if err != nil {
		b.t.Fatalf("ParseClientRequest: %v", err)
	}
	request, err := wire.DecodeRequest(parsed.Payload)
	if err != nil {
		b.t.Fatalf("DecodeRequest: %v", err)
	}
	return received{client: parsed.Client, correlation: parsed.Correlation, request: request}
}

func (b *fakeBroker) send(to received, frames ...[]byte) {
	b.t.Helper()
	message := append([][]byte{to.client, to.correlation}, frames...)
	if err := b.socket.Send(context.Background(), message...); err != nil {
		b.t.Fatalf("broker Send: %v", err)
	}
}

func (b *fakeBroker) header(to received, header wire.ReplyHeader) {
	b.t.Helper()
	encoded, err := header.Encode()
	if err != nil {
		b.t.Fatalf("Encode: %v", err)
	}
	b.send(to, encoded)
}

func (b *fakeBroker) reject(to received, status int) {
	b.t.Helper()
	frames, err := wire.ClientRequest{Client: to.client, Correlation: to.correlation}.ErrorReply(status)
	if err != nil {
		b.t.Fatalf("ErrorReply: %v", err)
	}
	if err := b.socket.Send(context.Background(), frames...); err != nil {
		b.t.Fatalf("broker Send: %v", err)
	}
}

func setup(t *testing.T, clk clock.Clock) (*Client, *fakeBroker) {
	t.Helper()
	network := transport.NewMemoryNetwork()
	router, err := network.Router("inproc://frontend")
	if err != nil {
		t.Fatalf("Router: %v", err)
	}
	dealer, err := network.Dealer("inproc://frontend", []byte("client-1"))
	if err != nil {
		t.Fatalf("Dealer: %v", err)
	}
	client, err := New(Config{
		Socket: dealer,
		Clock:  clk,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		client.Close()
		router.Close()
	})
	return client, &fakeBroker{t: t, socket: router}
}

type fetchResult struct {
	response *Response
	err      error
}

func fetchAsync(client *Client, request wire.Request, timeout time.Duration) <-chan fetchResult {
	result := make(chan fetchResult, 1)
	go func() {
		response, err := client.Fetch(context.Background(), request, timeout)
		result <- fetchResult{response, err}
	}()
	return result
}

func collect(t *testing.T, sequence func(func([]byte, error) bool)) ([]string, error) {
	t.Helper()
	var chunks []string
	for chunk, err := range sequence {
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, string(chunk))
	}
	return chunks, nil
}

func TestFetchFullReply(t *testing.T) {
	client, broker := setup(t, clock.Real())
	pending := fetchAsync(client, wire.Request{Method: "GET", Target: "/ows?REQUEST=GetCapabilities"}, wait)

	request := broker.next()
	if string(request.client) != "client-1" || request.request.Query().Get("REQUEST") != "GetCapabilities" {
		t.Fatalf("broker received %+v", request)
	}
	broker.header(request, wire.ReplyHeader{Status: 200, Headers: map[string]string{"Content-Type": "text/xml"}, Body: []byte("<caps/>")})

	result := testutil.RequireReceive(t, pending, wait, "Fetch")
	if result.err != nil {
		t.Fatalf("Fetch: %v", result.err)
	}
	response := result.response
	if response.Status != 200 || string(response.Body) != "<caps/>" || response.Headers["Content-Type"] != "text/xml" {
		t.Fatalf("response = %+v", response)
	}
	if response.CorrelationID() != string(request.correlation) {
		t.Errorf("CorrelationID = %q, want %q", response.CorrelationID(), request.correlation)
	}
	if client.Outstanding() != 0 {
		t.Errorf("Outstanding = %d after full reply", client.Outstanding())
	}
}

func TestRepliesMatchedByCorrelationID(t *testing.T) {
	client, broker := setup(t, clock.Real())
	first := fetchAsync(client, wire.Request{Method: "GET", Target: "/first"}, wait)
	firstRequest := broker.next()
	second := fetchAsync(client, wire.Request{Method: "GET", Target: "/second"}, wait)
	secondRequest := broker.next()

	if string(firstRequest.correlation) == string(secondRequest.correlation) {
		t.Fatal("two requests share a correlation id")
	}

	broker.header(secondRequest, wire.ReplyHeader{Status: 200, Body: []byte(secondRequest.request.Path())})
	broker.header(firstRequest, wire.ReplyHeader{Status: 200, Body: []byte(firstRequest.request.Path())})

	for want, pending := range map[string]<-chan fetchResult{"/first": first, "/second": second} {
		result := testutil.RequireReceive(t, pending, wait, "Fetch %s", want)
		if result.err != nil || string(result.response.Body) != want {
			t.Errorf("Fetch %s = %+v, %v", want, result.response, result.err)
		}
	}
}

func TestProxyError(t *testing.T) {
	client, broker := setup(t, clock.Real())
	pending := fetchAsync(client, wire.Request{Method: "GET", Target: "/"}, wait)
	broker.reject(broker.next(), wire.StatusBusy)

	err := testutil.RequireReceive(t, pending, wait, "Fetch").err
	var proxyErr *ProxyError
	if !errors.As(err, &proxyErr) || proxyErr.Status != wire.StatusBusy {
		t.Fatalf("Fetch = %v, want ProxyError 509", err)
	}
	if status, ok := ProxyStatus(err); !ok || status != 509 {
		t.Errorf("ProxyStatus = %d, %v", status, ok)
	}
	if IsTimeout(err) || IsGatewayError(err) {
		t.Error("ProxyError classified as another kind")
	}
}

func TestTimeoutForgetsRequest(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	client, broker := setup(t, fake)

	pending := fetchAsync(client, wire.Request{Method: "GET", Target: "/slow"}, 20*time.Second)
	slow := broker.next()
	fake.WaitForTimers(1)
	fake.Advance(20 * time.Second)

	err := testutil.RequireReceive(t, pending, wait, "Fetch").err
	var timeout *TimeoutError
	if !errors.As(err, &timeout) || timeout.Chunk || timeout.Timeout != 20*time.Second {
		t.Fatalf("Fetch = %v, want request TimeoutError", err)
	}
	if client.Outstanding() != 0 {
		t.Fatalf("Outstanding = %d after timeout", client.Outstanding())
	}

	// The late reply is dropped; the next request gets its own reply.
	broker.header(slow, wire.ReplyHeader{Status: 200, Body: []byte("late")})
	next := fetchAsync(client, wire.Request{Method: "GET", Target: "/fast"}, 0)
	fast := broker.next()
	broker.header(fast, wire.ReplyHeader{Status: 200, Body: []byte("fresh")})

	result := testutil.RequireReceive(t, next, wait, "second Fetch")
	if result.err != nil || string(result.response.Body) != "fresh" {
		t.Fatalf("second Fetch = %+v, %v", result.response, result.err)
	}
}

func TestGatewayError(t *testing.T) {
	client, broker := setup(t, clock.Real())
	broker.socket.Close()

	_, err := client.Fetch(context.Background(), wire.Request{Method: "GET", Target: "/"}, time.Second)
	if !IsGatewayError(err) {
		t.Fatalf("Fetch = %v, want GatewayError", err)
	}
	if !errors.Is(err, transport.ErrUnreachable) {
		t.Errorf("GatewayError does not wrap ErrUnreachable: %v", err)
	}
	if client.Outstanding() != 0 {
		t.Errorf("Outstanding = %d after send failure", client.Outstanding())
	}
}

func TestPartialReply(t *testing.T) {
	client, broker := setup(t, clock.Real())
	pending := fetchAsync(client, wire.Request{Method: "GET", Target: "/tiles"}, wait)

	request := broker.next()
	broker.header(request, wire.ReplyHeader{Status: wire.StatusPartial})
	broker.send(request, []byte("A"))
	broker.send(request, []byte("B"))
	broker.send(request, []byte{})

	result := testutil.RequireReceive(t, pending, wait, "Fetch")
	if result.err != nil {
		t.Fatalf("Fetch: %v", result.err)
	}
	if !result.response.Partial() {
		t.Fatalf("Status = %d, want partial", result.response.Status)
	}
	chunks, err := collect(t, client.FetchMore(context.Background(), result.response, wait))
	if err != nil {
		t.Fatalf("FetchMore: %v", err)
	}
	if strings.Join(chunks, ",") != "A,B" {
		t.Fatalf("chunks = %q, want [A B]", chunks)
	}
	if client.Outstanding() != 0 {
		t.Errorf("Outstanding = %d after terminator", client.Outstanding())
	}

	if _, err := collect(t, client.FetchMore(context.Background(), result.response, wait)); !errors.Is(err, ErrStreamConsumed) {
		t.Fatalf("second FetchMore = %v, want ErrStreamConsumed", err)
	}
}

func TestFetchMoreOnFullReply(t *testing.T) {
	client, broker := setup(t, clock.Real())
	pending := fetchAsync(client, wire.Request{Method: "GET", Target: "/"}, wait)
	broker.header(broker.next(), wire.ReplyHeader{Status: 200})
	response := testutil.RequireReceive(t, pending, wait, "Fetch").response

	if _, err := collect(t, client.FetchMore(context.Background(), response, wait)); !errors.Is(err, ErrNotPartial) {
		t.Fatalf("FetchMore = %v, want ErrNotPartial", err)
	}
}

func TestChunkTimeout(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	client, broker := setup(t, fake)
	pending := fetchAsync(client, wire.Request{Method: "GET", Target: "/"}, 10*time.Second)

	request := broker.next()
	broker.header(request, wire.ReplyHeader{Status: wire.StatusPartial})
	broker.send(request, []byte("A"))
	response := testutil.RequireReceive(t, pending, wait, "Fetch").response

	done := make(chan error, 1)
	var chunks []string
	go func() {
		var err error
		chunks, err = collect(t, client.FetchMore(context.Background(), response, 10*time.Second))
		done <- err
	}()

	// One deadline from Fetch and one per chunk wait.
	fake.WaitForTimers(3)
	fake.Advance(10 * time.Second)
	err := testutil.RequireReceive(t, done, wait, "FetchMore")
	var timeout *TimeoutError
	if !errors.As(err, &timeout) || !timeout.Chunk {
		t.Fatalf("FetchMore = %v, want chunk TimeoutError", err)
	}
	if len(chunks) != 1 || chunks[0] != "A" {
		t.Errorf("chunks before timeout = %q", chunks)
	}
	if client.Outstanding() != 0 {
		t.Errorf("Outstanding = %d after chunk timeout", client.Outstanding())
	}
}

func TestStoppingIterationAbandonsReply(t *testing.T) {
	client, broker := setup(t, clock.Real())
	pending := fetchAsync(client, wire.Request{Method: "GET", Target: "/"}, wait)
	request := broker.next()
	broker.header(request, wire.ReplyHeader{Status: wire.StatusPartial})
	broker.send(request, []byte("A"))
	broker.send(request, []byte("B"))
	response := testutil.RequireReceive(t, pending, wait, "Fetch").response

	for chunk, err := range client.FetchMore(context.Background(), response, wait) {
		if err != nil || string(chunk) != "A" {
			t.Fatalf("first chunk = %q, %v", chunk, err)
		}
		break
	}
	if client.Outstanding() != 0 {
		t.Fatalf("Outstanding = %d after abandoning the stream", client.Outstanding())
	}
}

func TestDiscardReleasesPartialReply(t *testing.T) {
	client, broker := setup(t, clock.Real())
	pending := fetchAsync(client, wire.Request{Method: "GET", Target: "/"}, wait)
	request := broker.next()
	broker.header(request, wire.ReplyHeader{Status: wire.StatusPartial})
	response := testutil.RequireReceive(t, pending, wait, "Fetch").response
	if client.Outstanding() != 1 {
		t.Fatalf("Outstanding = %d while the stream is open", client.Outstanding())
	}

	response.Discard()
	response.Discard()
	if client.Outstanding() != 0 {
		t.Fatalf("Outstanding = %d after Discard", client.Outstanding())
	}
	if _, err := collect(t, client.FetchMore(context.Background(), response, wait)); !errors.Is(err, ErrStreamConsumed) {
		t.Fatalf("FetchMore after Discard = %v, want ErrStreamConsumed", err)
	}

	// Late chunks are dropped and the client keeps serving.
	broker.send(request, []byte("A"))
	broker.send(request, []byte{})
	next := fetchAsync(client, wire.Request{Method: "GET", Target: "/next"}, wait)
	broker.header(broker.next(), wire.ReplyHeader{Status: 200, Body: []byte("ok")})
	result := testutil.RequireReceive(t, next, wait, "second Fetch")
	if result.err != nil || string(result.response.Body) != "ok" {
		t.Fatalf("second Fetch = %+v, %v", result.response, result.err)
	}
}

func TestDiscardFullReply(t *testing.T) {
	client, broker := setup(t, clock.Real())
	pending := fetchAsync(client, wire.Request{Method: "GET", Target: "/"}, wait)
	broker.header(broker.next(), wire.ReplyHeader{Status: 200})
	response := testutil.RequireReceive(t, pending, wait, "Fetch").response
	response.Discard()
	if client.Outstanding() != 0 {
		t.Fatalf("Outstanding = %d", client.Outstanding())
	}
}

func TestCompressedReply(t *testing.T) {
	client, broker := setup(t, clock.Real())
	body := []byte(strings.Repeat("<FeatureMember/>", 256))
	packedBody, err := codec.Pack(body, codec.CompressionLZ4)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}

	pending := fetchAsync(client, wire.Request{Method: "GET", Target: "/full"}, wait)
	broker.header(broker.next(), wire.ReplyHeader{Status: 200, Body: packedBody, Compressed: true})
	result := testutil.RequireReceive(t, pending, wait, "Fetch")
	if result.err != nil || string(result.response.Body) != string(body) {
		t.Fatalf("Fetch = %d bytes, %v", len(result.response.Body), result.err)
	}

	pending = fetchAsync(client, wire.Request{Method: "GET", Target: "/stream"}, wait)
	request := broker.next()
	broker.header(request, wire.ReplyHeader{Status: wire.StatusPartial, Compressed: true})
	broker.send(request, packedBody)
	broker.send(request, []byte{})
	response := testutil.RequireReceive(t, pending, wait, "Fetch").response
	chunks, err := collect(t, client.FetchMore(context.Background(), response, wait))
	if err != nil || len(chunks) != 1 || chunks[0] != string(body) {
		t.Fatalf("FetchMore = %d chunks, %v", len(chunks), err)
	}
}

func TestMalformedRepliesIgnored(t *testing.T) {
	client, broker := setup(t, clock.Real())
	pending := fetchAsync(client, wire.Request{Method: "GET", Target: "/"}, wait)
	request := broker.next()

	broker.socket.Send(context.Background(), request.client, []byte("only-one-frame-after-identity"), []byte("x"), []byte("y"))
	broker.header(request, wire.ReplyHeader{Status: 200, Body: []byte("ok")})
	result := testutil.RequireReceive(t, pending, wait, "Fetch")
	if result.err != nil || string(result.response.Body) != "ok" {
		t.Fatalf("Fetch = %+v, %v", result.response, result.err)
	}
}

func TestClose(t *testing.T) {
	client, broker := setup(t, clock.Real())
	pending := fetchAsync(client, wire.Request{Method: "GET", Target: "/"}, 0)
	broker.next()

	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	err := testutil.RequireReceive(t, pending, wait, "Fetch").err
	if !IsGatewayError(err) || !errors.Is(err, ErrClientClosed) {
		t.Fatalf("outstanding Fetch = %v, want GatewayError(ErrClientClosed)", err)
	}
	if _, err := client.Fetch(context.Background(), wire.Request{Method: "GET", Target: "/"}, time.Second); !errors.Is(err, ErrClientClosed) {
		t.Fatalf("Fetch after Close = %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestNewIdentity(t *testing.T) {
	first, second := string(NewIdentity()), string(NewIdentity())
	if !strings.HasPrefix(first, "client-") || first == second {
		t.Fatalf("identities %q and %q", first, second)
	}
}
