// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"fmt"
	"time"

	"github.com/bureau-foundation/mapbroker/lib/codec"
)

// NotificationTag names a worker-to-supervisor event.
type NotificationTag string

const (
	// NotifyBusy is sent before a handler runs.
	NotifyBusy NotificationTag = "BUSY"

	// NotifyDone is sent once the reply is complete.
	NotifyDone NotificationTag = "DONE"

	// NotifyReport carries a Report in answer to a REPORT broadcast.
	NotifyReport NotificationTag = "REPORT"
)

// Notification is the single frame a worker pushes to the supervisor.
type Notification struct {
	PID    int             `cbor:"pid"`
	Tag    NotificationTag `cbor:"tag"`
	Report *Report         `cbor:"report,omitempty"`
}

// Report is a worker's self-description.
type Report struct {
	PID      int    `cbor:"pid" json:"pid"`
	Identity string `cbor:"identity" json:"identity"`

	// Requests is the number of requests served since start.
	Requests int `cbor:"requests" json:"requests"`

	// MaxRSS is the peak resident set size in bytes.
	MaxRSS int64 `cbor:"max_rss" json:"max_rss"`

	HeapAlloc  uint64 `cbor:"heap_alloc" json:"heap_alloc"`
	Goroutines int    `cbor:"goroutines" json:"goroutines"`

	// CachedResources is the number of entries in the worker's
	// resource cache.
	CachedResources int `cbor:"cached_resources" json:"cached_resources"`

	Uptime time.Duration `cbor:"uptime" json:"uptime"`
}

// EncodeNotification returns the frame for n.
func EncodeNotification(n Notification) ([][]byte, error) {
	encoded, err := codec.Marshal(n)
	if err != nil {
		return nil, err
	}
	return [][]byte{encoded}, nil
}

// DecodeNotification parses a supervisor message.
func DecodeNotification(frames [][]byte) (Notification, error) {
	if len(frames) != 1 {
		return Notification{}, fmt.Errorf("%w: notification has %d frames, want 1", ErrMalformed, len(frames))
	}
	var n Notification
	if err := codec.Unmarshal(frames[0], &n); err != nil {
		return Notification{}, fmt.Errorf("%w: notification: %v", ErrMalformed, err)
	}
	switch n.Tag {
	case NotifyBusy, NotifyDone:
	case NotifyReport:
		if n.Report == nil {
			return Notification{}, fmt.Errorf("%w: REPORT without a report", ErrMalformed)
		}
	default:
		return Notification{}, fmt.Errorf("%w: notification tag %q", ErrMalformed, n.Tag)
	}
	if n.PID <= 0 {
		return Notification{}, fmt.Errorf("%w: notification pid %d", ErrMalformed, n.PID)
	}
	return n, nil
}

// Command is a broadcast instruction to every worker.
type Command string

const (
	// CommandRestart asks idle workers to exit so the pool respawns
	// them.
	CommandRestart Command = "RESTART"

	// CommandReport asks workers to push a Report.
	CommandReport Command = "REPORT"
)

// Frames returns the broadcast message for c.
func (c Command) Frames() [][]byte {
	return [][]byte{[]byte(c)}
}

// DecodeCommand parses a broadcast message.
func DecodeCommand(frames [][]byte) (Command, error) {
	if len(frames) != 1 {
		return "", fmt.Errorf("%w: broadcast has %d frames, want 1", ErrMalformed, len(frames))
	}
	for _, known := range []Command{CommandRestart, CommandReport} {
		if bytes.Equal(frames[0], []byte(known)) {
			return known, nil
		}
	}
	return "", fmt.Errorf("%w: unknown broadcast %q", ErrMalformed, frames[0])
}
