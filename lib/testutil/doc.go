// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds helpers shared by mapbroker tests.
//
// [RequireReceive] and [RequireClosed] are the only places tests wait
// on the wall clock; everything else drives a fake clock. [SocketDir]
// returns a short directory for Unix sockets and ipc:// endpoints,
// whose paths are limited to 108 bytes. [UniqueID] produces distinct
// identities and correlation strings without reading the time.
package testutil
