// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a Clock whose time moves only when Advance is called.
// It is safe for concurrent use.
//
// AfterFunc callbacks run synchronously inside Advance, in deadline
// order. A callback must not call Advance.
type FakeClock struct {
	mu       sync.Mutex
	changed  *sync.Cond
	now      time.Time
	pending  []*alarm
	sequence uint64
}

// alarm is one registered After, AfterFunc, or ticker deadline.
type alarm struct {
	at       time.Time
	sequence uint64
	channel  chan time.Time
	callback func()
	period   time.Duration
	done     bool
}

// Fake returns a FakeClock reading start.
func Fake(start time.Time) *FakeClock {
	clock := &FakeClock{now: start}
	clock.changed = sync.NewCond(&clock.mu)
	return clock
}

// Now returns the fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After registers a one-shot channel alarm.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	channel := make(chan time.Time, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if d <= 0 {
		channel <- c.now
		return channel
	}
	c.registerLocked(&alarm{at: c.now.Add(d), channel: channel})
	return channel
}

// AfterFunc registers a callback alarm. A non-positive d runs f before
// AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{stop: func() bool { return false }}
	}
	c.mu.Lock()
	entry := &alarm{at: c.now.Add(d), callback: f}
	c.registerLocked(entry)
	c.mu.Unlock()
	return &Timer{stop: func() bool { return c.cancel(entry) }}
}

// NewTicker registers a periodic alarm.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	channel := make(chan time.Time, 1)
	c.mu.Lock()
	entry := &alarm{at: c.now.Add(d), channel: channel, period: d}
	c.registerLocked(entry)
	c.mu.Unlock()
	return &Ticker{
		C:    channel,
		stop: func() { c.cancel(entry) },
		reset: func(d time.Duration) {
			c.mu.Lock()
			defer c.mu.Unlock()
			entry.period = d
			entry.at = c.now.Add(d)
			if entry.done {
				entry.done = false
				c.registerLocked(entry)
			}
		},
	}
}

// Advance moves time forward by d and fires every alarm whose deadline
// is reached, earliest first. A ticker spanning several periods fires
// once per period; sends to a full channel are dropped.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	for {
		entry := c.nextDue(target)
		if entry == nil {
			return
		}
		if entry.callback != nil {
			entry.callback()
			continue
		}
		select {
		case entry.channel <- target:
		default:
		}
	}
}

// WaitForTimers blocks until at least n alarms are pending. Tests call
// it before Advance so that the code under test has registered its
// deadline.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.pending) < n {
		c.changed.Wait()
	}
}

// PendingCount returns the number of alarms that have not fired or
// been stopped.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *FakeClock) registerLocked(entry *alarm) {
	c.sequence++
	entry.sequence = c.sequence
	c.pending = append(c.pending, entry)
	c.changed.Broadcast()
}

func (c *FakeClock) cancel(entry *alarm) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry.done {
		return false
	}
	entry.done = true
	c.removeLocked(entry)
	return true
}

func (c *FakeClock) removeLocked(entry *alarm) {
	for i, candidate := range c.pending {
		if candidate == entry {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

// nextDue pops the earliest alarm at or before target. Ties break by
// registration order. Periodic alarms are rescheduled in place.
func (c *FakeClock) nextDue(target time.Time) *alarm {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return nil
	}
	sort.SliceStable(c.pending, func(i, j int) bool {
		if c.pending[i].at.Equal(c.pending[j].at) {
			return c.pending[i].sequence < c.pending[j].sequence
		}
		return c.pending[i].at.Before(c.pending[j].at)
	})
	entry := c.pending[0]
	if entry.at.After(target) {
		return nil
	}
	if entry.period > 0 {
		entry.at = entry.at.Add(entry.period)
		return entry
	}
	entry.done = true
	c.pending = c.pending[1:]
	return entry
}
