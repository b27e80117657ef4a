// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package brokerclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bureau-foundation/mapbroker/lib/wire"
)

// delivery is one frame routed to an outstanding request. header is
// set for the first frame of a successful reply; err is set when the
// request failed without a reply.
type delivery struct {
	reply  wire.ClientReply
	header *wire.ReplyHeader
	err    error
}

// errDeadline is returned by pop when deadline fires first.
var errDeadline = errors.New("deadline reached")

// queue is an unbounded FIFO of deliveries for one request. The
// receive loop pushes without blocking; the requester pops.
type queue struct {
	mu     sync.Mutex
	items  []delivery
	notify chan struct{}
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{}, 1)}
}

func (q *queue) push(item delivery) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop returns the oldest delivery, waiting until one is pushed, ctx is
// done, or deadline fires. A nil deadline never fires.
func (q *queue) pop(ctx context.Context, deadline <-chan time.Time) (delivery, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = delivery{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-deadline:
			return delivery{}, errDeadline
		case <-ctx.Done():
			return delivery{}, ctx.Err()
		}
	}
}
