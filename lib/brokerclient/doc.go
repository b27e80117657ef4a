// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package brokerclient sends requests to the broker frontend and
// matches replies to them.
//
// Every [Client.Fetch] gets a fresh correlation id. Replies are read by
// a single receive loop, started when the first request is registered
// and stopped when none are outstanding, which routes each reply to
// its request by correlation id. Replies may therefore complete in any
// order across requests. A reply for an id that is no longer
// outstanding (its request timed out) is logged and dropped.
//
// A partial reply (status 206) is consumed with [Client.FetchMore],
// which yields the chunks in order until the empty terminator:
//
//	response, err := client.Fetch(ctx, request, 20*time.Second)
//	if err != nil {
//	    return err
//	}
//	if response.Partial() {
//	    for chunk, err := range client.FetchMore(ctx, response, 20*time.Second) {
//	        if err != nil {
//	            return err
//	        }
//	        w.Write(chunk)
//	    }
//	}
//
// Failures are typed: [*TimeoutError] when no reply or chunk arrives in
// time, [*GatewayError] when the request could not be sent, and
// [*ProxyError] when the broker rejected the request (status 509 when
// its queue is full). A ZeroMQ DEALER accepts sends while the broker
// is away, so with that transport a lost broker shows up as a timeout.
//
// A partial reply that the caller will not read must be released with
// [Response.Discard].
package brokerclient
