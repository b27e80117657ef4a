// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the injectable time source for mapbroker
// components.
//
// Request expiry in the broker, busy deadlines in the supervisor, the
// early-failure window and respawn limiter in the pool, and the worker
// heartbeat all read time through a Clock. Production code passes
// Real(); tests pass Fake() and drive time with Advance:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go supervisor.Run(ctx)
//	fake.WaitForTimers(1)        // supervisor armed its deadline
//	fake.Advance(5 * time.Second) // deadline fires
package clock
