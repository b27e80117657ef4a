// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// mapbroker is the proxy server. It accepts HTTP requests, forwards
// them through the broker to a pool of mapbroker-worker processes, and
// writes their replies back, streaming partial replies chunk by chunk.
//
// The process runs its components as a suture service tree:
//
//	mapbroker
//	├── supervisor   busy-timeout enforcement and worker reports
//	├── broker       embedded broker (broker.embedded: true)
//	├── gateway      HTTP listener, /healthz, /metrics
//	├── admin        control socket used by mapbroker-ctl
//	├── hangup       SIGHUP broadcasts RESTART to every worker
//	└── pool         spawns and respawns workers
//
// Services that fail are restarted by the tree. A pool that keeps
// failing during startup is fatal: the tree stops and the process
// exits non-zero. The broadcast publisher is bound once at startup and
// shared by the admin and hangup services.
//
// Usage:
//
//	mapbroker --config /etc/mapbroker/mapbroker.yaml
package main
