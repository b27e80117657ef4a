// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package brokerclient

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotPartial is yielded by FetchMore for a full reply.
	ErrNotPartial = errors.New("brokerclient: response is not partial")

	// ErrStreamConsumed is yielded by FetchMore when the chunks of a
	// response have already been iterated.
	ErrStreamConsumed = errors.New("brokerclient: response stream already consumed")

	// ErrClientClosed is wrapped in a GatewayError for requests made
	// or outstanding when the client is closed.
	ErrClientClosed = errors.New("brokerclient: client closed")
)

// TimeoutError means no reply, or no next chunk of a partial reply,
// arrived in time. The request is forgotten; a late reply is dropped.
type TimeoutError struct {
	CorrelationID string
	Timeout       time.Duration

	// Chunk is set when the header arrived but a chunk did not.
	Chunk bool
}

func (e *TimeoutError) Error() string {
	if e.Chunk {
		return fmt.Sprintf("brokerclient: request %s: no chunk within %v", e.CorrelationID, e.Timeout)
	}
	return fmt.Sprintf("brokerclient: request %s: no reply within %v", e.CorrelationID, e.Timeout)
}

// GatewayError means the broker could not be reached.
type GatewayError struct {
	CorrelationID string
	Err           error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("brokerclient: request %s: broker unreachable: %v", e.CorrelationID, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// ProxyError is an error status sent by the broker in place of a
// reply.
type ProxyError struct {
	CorrelationID string
	Status        int
}

func (e *ProxyError) Error() string {
	return fmt.Sprintf("brokerclient: request %s: broker replied with status %d", e.CorrelationID, e.Status)
}

// IsTimeout reports whether err is a *TimeoutError.
func IsTimeout(err error) bool {
	var timeout *TimeoutError
	return errors.As(err, &timeout)
}

// IsGatewayError reports whether err is a *GatewayError.
func IsGatewayError(err error) bool {
	var gateway *GatewayError
	return errors.As(err, &gateway)
}

// ProxyStatus returns the status of a *ProxyError in err's chain.
func ProxyStatus(err error) (int, bool) {
	var proxy *ProxyError
	if errors.As(err, &proxy) {
		return proxy.Status, true
	}
	return 0, false
}
