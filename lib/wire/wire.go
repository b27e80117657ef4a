// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/bureau-foundation/mapbroker/lib/codec"
)

// ErrMalformed is wrapped by every parse failure in this package.
var ErrMalformed = errors.New("wire: malformed message")

// Control frames.
const (
	// TagReady is the single frame a worker sends when it is idle and
	// can take a request: on startup and after each completed reply.
	TagReady = "READY"

	// TagHeartbeat is repeated by an idle worker so that the broker
	// keeps it, or relearns it after a restart. It never makes an
	// assigned worker ready again.
	TagHeartbeat = "HEARTBEAT"

	// TagDisconnect is sent by a worker that is about to exit.
	TagDisconnect = "DISCONNECT"

	// TagError marks a broker-generated error reply.
	TagError = "ERR"
)

// Statuses with protocol meaning. Everything else is HTTP.
const (
	StatusOK = 200

	// StatusPartial marks a reply header followed by chunk frames.
	StatusPartial = 206

	// StatusInternalError is sent when a handler fails before its
	// reply header went out.
	StatusInternalError = 500

	// StatusBusy is the broker's rejection when its waiting queue is
	// full.
	StatusBusy = 509
)

// Request is an HTTP request as it crosses the broker.
type Request struct {
	Method  string            `cbor:"method"`
	Target  string            `cbor:"target"`
	Headers map[string]string `cbor:"headers,omitempty"`
	Body    []byte            `cbor:"body,omitempty"`
}

// Path returns the path component of Target.
func (r *Request) Path() string {
	path, _, _ := strings.Cut(r.Target, "?")
	return path
}

// Query parses the query component of Target. Unparseable pairs are
// dropped.
func (r *Request) Query() url.Values {
	_, query, _ := strings.Cut(r.Target, "?")
	values, _ := url.ParseQuery(query)
	return values
}

// Header returns the value of a header, matched case-insensitively.
func (r *Request) Header(name string) string {
	if value, ok := r.Headers[name]; ok {
		return value
	}
	for key, value := range r.Headers {
		if strings.EqualFold(key, name) {
			return value
		}
	}
	return ""
}

// Encode returns the CBOR form of r.
func (r *Request) Encode() ([]byte, error) {
	return codec.Marshal(r)
}

// DecodeRequest parses a request frame.
func DecodeRequest(data []byte) (*Request, error) {
	var request Request
	if err := codec.Unmarshal(data, &request); err != nil {
		return nil, fmt.Errorf("%w: request: %v", ErrMalformed, err)
	}
	if request.Method == "" {
		return nil, fmt.Errorf("%w: request has no method", ErrMalformed)
	}
	return &request, nil
}

// ReplyHeader is the first frame of every worker reply. When
// Compressed is set, Body and every non-empty chunk that follows are
// codec.Pack frames.
type ReplyHeader struct {
	Status     int               `cbor:"status"`
	Headers    map[string]string `cbor:"headers,omitempty"`
	Body       []byte            `cbor:"body,omitempty"`
	Compressed bool              `cbor:"compressed,omitempty"`
}

// Partial reports whether chunk frames follow the header.
func (h *ReplyHeader) Partial() bool { return h.Status == StatusPartial }

// Encode returns the CBOR form of h.
func (h *ReplyHeader) Encode() ([]byte, error) {
	return codec.Marshal(h)
}

// DecodeReplyHeader parses a reply header frame.
func DecodeReplyHeader(data []byte) (*ReplyHeader, error) {
	var header ReplyHeader
	if err := codec.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("%w: reply header: %v", ErrMalformed, err)
	}
	if header.Status < 100 || header.Status > 999 {
		return nil, fmt.Errorf("%w: reply status %d", ErrMalformed, header.Status)
	}
	return &header, nil
}

// ControlMessage is the frame list for a worker control tag.
func ControlMessage(tag string) [][]byte {
	return [][]byte{[]byte(tag)}
}

// ClientRequest is a request as the broker's frontend receives it.
type ClientRequest struct {
	Client      []byte
	Correlation []byte
	Payload     []byte
}

// ParseClientRequest parses [client, correlationId, request].
func ParseClientRequest(frames [][]byte) (ClientRequest, error) {
	if len(frames) != 3 {
		return ClientRequest{}, fmt.Errorf("%w: client request has %d frames, want 3", ErrMalformed, len(frames))
	}
	if len(frames[1]) == 0 {
		return ClientRequest{}, fmt.Errorf("%w: empty correlation id", ErrMalformed)
	}
	return ClientRequest{Client: frames[0], Correlation: frames[1], Payload: frames[2]}, nil
}

// ForWorker addresses the request to a worker identity.
func (r ClientRequest) ForWorker(worker []byte) [][]byte {
	return [][]byte{worker, r.Client, r.Correlation, r.Payload}
}

// ErrorReply is the frontend message rejecting a request with status.
func (r ClientRequest) ErrorReply(status int) ([][]byte, error) {
	encoded, err := codec.Marshal(status)
	if err != nil {
		return nil, err
	}
	return [][]byte{r.Client, r.Correlation, []byte(TagError), encoded}, nil
}

// WorkerMessage is a message as the broker's backend receives it:
// either a control tag or a reply frame to forward.
type WorkerMessage struct {
	Worker []byte

	// Control is TagReady, TagHeartbeat, or TagDisconnect. Empty for
	// replies.
	Control string

	// Forward is [client, correlationId, data...], ready to send on
	// the frontend. Nil for control messages.
	Forward [][]byte
}

// ParseWorkerMessage parses [worker, tag] or
// [worker, client, correlationId, data...].
func ParseWorkerMessage(frames [][]byte) (WorkerMessage, error) {
	if len(frames) == 2 {
		for _, tag := range []string{TagReady, TagHeartbeat, TagDisconnect} {
			if bytes.Equal(frames[1], []byte(tag)) {
				return WorkerMessage{Worker: frames[0], Control: tag}, nil
			}
		}
		return WorkerMessage{}, fmt.Errorf("%w: unknown worker control %q", ErrMalformed, frames[1])
	}
	if len(frames) < 4 {
		return WorkerMessage{}, fmt.Errorf("%w: worker message has %d frames", ErrMalformed, len(frames))
	}
	return WorkerMessage{Worker: frames[0], Forward: frames[1:]}, nil
}

// Envelope is the return address a worker copies from a request into
// every frame of its reply.
type Envelope struct {
	Client      []byte
	Correlation []byte
}

// ParseWorkerRequest parses [client, correlationId, request] on the
// worker side.
func ParseWorkerRequest(frames [][]byte) (Envelope, *Request, error) {
	if len(frames) != 3 {
		return Envelope{}, nil, fmt.Errorf("%w: worker request has %d frames, want 3", ErrMalformed, len(frames))
	}
	request, err := DecodeRequest(frames[2])
	if err != nil {
		return Envelope{}, nil, err
	}
	return Envelope{Client: frames[0], Correlation: frames[1]}, request, nil
}

// Reply addresses data back through the broker.
func (e Envelope) Reply(data []byte) [][]byte {
	return [][]byte{e.Client, e.Correlation, data}
}

// ClientReply is a message as the client receives it.
type ClientReply struct {
	Correlation string

	// Data is the header or chunk frame. Nil for error replies.
	Data []byte

	// Status is set for broker error replies.
	Status int
}

// Failed reports whether the broker rejected the request.
func (r ClientReply) Failed() bool { return r.Status != 0 }

// ParseClientReply parses [correlationId, data] or
// [correlationId, "ERR", status].
func ParseClientReply(frames [][]byte) (ClientReply, error) {
	switch {
	case len(frames) == 2:
		return ClientReply{Correlation: string(frames[0]), Data: frames[1]}, nil
	case len(frames) == 3 && bytes.Equal(frames[1], []byte(TagError)):
		var status int
		if err := codec.Unmarshal(frames[2], &status); err != nil {
			return ClientReply{}, fmt.Errorf("%w: error status: %v", ErrMalformed, err)
		}
		if status == 0 {
			return ClientReply{}, fmt.Errorf("%w: zero error status", ErrMalformed)
		}
		return ClientReply{Correlation: string(frames[0]), Status: status}, nil
	default:
		return ClientReply{}, fmt.Errorf("%w: client reply has %d frames", ErrMalformed, len(frames))
	}
}
