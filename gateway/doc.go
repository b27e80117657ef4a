// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package gateway is the HTTP front end. Each HTTP request becomes a
// broker request; the reply is written back as-is, or streamed chunk
// by chunk when the worker sent a partial reply.
//
// Broker client failures map to HTTP statuses:
//
//	broker queue full (ProxyError 509)  509
//	no reply in time (TimeoutError)     504
//	broker unreachable (GatewayError)   502
//	other ProxyError                    its status
//
// The handler also serves /healthz and, when a Prometheus gatherer is
// configured, /metrics.
package gateway
