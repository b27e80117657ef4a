// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the messages exchanged between clients, the
// broker, workers, the supervisor, and the broadcast channel.
//
// Frame layouts by hop (identity frames are added and stripped by
// ROUTER sockets):
//
//	client → broker         [correlationId, request]
//	broker frontend recv    [client, correlationId, request]
//	broker → worker         [worker, client, correlationId, request]
//	worker recv             [client, correlationId, request]
//	worker → broker         ["READY"] | ["HEARTBEAT"] | ["DISCONNECT"]
//	                        | [client, correlationId, data]
//	broker → client         [client, correlationId, data]
//	broker → client (error) [client, correlationId, "ERR", status]
//	client recv             [correlationId, data] | [correlationId, "ERR", status]
//	worker → supervisor     [notification]
//	publisher → workers     ["RESTART"] | ["REPORT"]
//
// Requests, reply headers, statuses, and notifications are CBOR
// (lib/codec). A reply is one header frame; when its status is
// [StatusPartial] it is followed by raw chunk frames ending with an
// empty chunk.
package wire
