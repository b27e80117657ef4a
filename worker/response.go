// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/bureau-foundation/mapbroker/lib/codec"
	"github.com/bureau-foundation/mapbroker/lib/wire"
	"github.com/bureau-foundation/mapbroker/transport"
)

// ErrResponseComplete is returned by Flush and Write after the reply
// has been fully sent.
var ErrResponseComplete = errors.New("worker: response already complete")

// ResponseWriter builds the reply to one request. A reply is either
// full (one header frame carrying the body) or partial: a header with
// status 206 followed by chunk frames and an empty terminator.
//
// A ResponseWriter is used by one goroutine, the handler's.
type ResponseWriter struct {
	ctx         context.Context
	socket      transport.Socket
	envelope    wire.Envelope
	compression codec.CompressionTag

	status  int
	headers map[string]string

	headerSent bool
	streaming  bool
	complete   bool
}

func newResponseWriter(ctx context.Context, socket transport.Socket, envelope wire.Envelope, compression codec.CompressionTag) *ResponseWriter {
	return &ResponseWriter{
		ctx:         ctx,
		socket:      socket,
		envelope:    envelope,
		compression: compression,
		status:      wire.StatusOK,
		headers:     make(map[string]string),
	}
}

// Header returns the reply headers. Changes after the header frame
// is sent have no effect.
func (w *ResponseWriter) Header() map[string]string { return w.headers }

// WriteHeader sets the reply status. It does not send anything; the
// header frame goes out with the first Flush. Ignored once sent.
func (w *ResponseWriter) WriteHeader(status int) {
	if w.headerSent {
		return
	}
	w.status = status
}

// HeaderSent reports whether the header frame has gone out.
func (w *ResponseWriter) HeaderSent() bool { return w.headerSent }

// Flush sends data. With more=false on a reply that has not started,
// data is the whole body. With more=true, the reply becomes partial:
// the status is coerced to 206, the header goes out without a body,
// and data follows as the first chunk. On a partial reply, more=false
// sends the last chunk (if data is non-empty) and the terminator.
// Empty data with more=true sends nothing, since an empty chunk would
// end the stream.
func (w *ResponseWriter) Flush(data []byte, more bool) error {
	if w.complete {
		return ErrResponseComplete
	}

	if !w.headerSent {
		if !more {
			w.complete = true
			return w.sendHeader(data)
		}
		w.status = wire.StatusPartial
		w.streaming = true
		if err := w.sendHeader(nil); err != nil {
			return err
		}
	} else if !w.streaming {
		return ErrResponseComplete
	}

	if len(data) > 0 {
		if err := w.sendChunk(data); err != nil {
			return err
		}
	}
	if !more {
		w.complete = true
		return w.send(nil)
	}
	return nil
}

// Write sends p as a chunk of a partial reply, so a ResponseWriter can
// be the destination of io.Copy. The stream is terminated when the
// handler returns.
func (w *ResponseWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := w.Flush(p, true); err != nil {
		return 0, err
	}
	return len(p), nil
}

// finish completes whatever the handler left open: an unsent header
// goes out with an empty body, and an open stream is terminated.
func (w *ResponseWriter) finish() error {
	if w.complete {
		return nil
	}
	w.complete = true
	if !w.headerSent {
		return w.sendHeader(nil)
	}
	return w.send(nil)
}

// fail replaces an unsent reply with a 500.
func (w *ResponseWriter) fail(cause error) error {
	w.status = wire.StatusInternalError
	w.headers = map[string]string{"Content-Type": "text/plain; charset=utf-8"}
	w.complete = true
	return w.sendHeader([]byte(fmt.Sprintf("internal error: %v\n", cause)))
}

func (w *ResponseWriter) sendHeader(body []byte) error {
	header := wire.ReplyHeader{
		Status:     w.status,
		Headers:    w.headers,
		Compressed: w.compression != codec.CompressionNone,
	}
	if len(body) > 0 {
		packed, err := w.pack(body)
		if err != nil {
			return err
		}
		header.Body = packed
	}
	encoded, err := header.Encode()
	if err != nil {
		return fmt.Errorf("encoding reply header: %w", err)
	}
	w.headerSent = true
	return w.send(encoded)
}

func (w *ResponseWriter) sendChunk(data []byte) error {
	packed, err := w.pack(data)
	if err != nil {
		return err
	}
	return w.send(packed)
}

// pack applies the configured compression. Only non-empty data is
// packed; an empty frame keeps its meaning as the stream terminator.
func (w *ResponseWriter) pack(data []byte) ([]byte, error) {
	if w.compression == codec.CompressionNone {
		return data, nil
	}
	packed, err := codec.Pack(data, w.compression)
	if err != nil {
		return nil, fmt.Errorf("compressing reply: %w", err)
	}
	return packed, nil
}

func (w *ResponseWriter) send(frame []byte) error {
	if err := w.socket.Send(w.ctx, w.envelope.Reply(frame)...); err != nil {
		return fmt.Errorf("sending reply frame: %w", err)
	}
	return nil
}
