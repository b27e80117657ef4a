// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package pool keeps a fixed number of worker processes alive.
//
// [Pool.Maintain] reaps exited children and spawns replacements. A
// clean exit is routine: workers exit 0 after a restart broadcast or
// when they reach their request limit. A non-zero exit is logged and
// replaced, unless it happens within the early failure window after
// the pool started. Enough of those mean the deployment is broken
// (missing resources, bad configuration, a crashing library) and
// Maintain returns [ErrEarlyFailure] instead of respawning in a loop.
//
// Respawns are rate limited, so a worker that dies immediately after
// the window closes cannot spin the CPU.
//
// [ExecSpawner] runs the worker binary. Children get SIGKILL when the
// pool process dies and run in their own process group.
package pool
