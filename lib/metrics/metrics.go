// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics defines the Prometheus collectors for mapbroker.
//
// Each component receives its own collector set through its Config.
// Every method is safe on a nil receiver, so components built without
// metrics (tests, the standalone broker with metrics disabled) need no
// checks.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mapbroker"

// Metrics groups the collector sets of one process.
type Metrics struct {
	Broker     *Broker
	Pool       *Pool
	Supervisor *Supervisor
	Gateway    *Gateway
}

// New creates every collector set and registers it with registerer.
func New(registerer prometheus.Registerer) *Metrics {
	return &Metrics{
		Broker:     NewBroker(registerer),
		Pool:       NewPool(registerer),
		Supervisor: NewSupervisor(registerer),
		Gateway:    NewGateway(registerer),
	}
}

// Broker outcomes.
const (
	OutcomeDispatched = "dispatched"
	OutcomeRejected   = "rejected"
	OutcomeExpired    = "expired"
	OutcomeRequeued   = "requeued"
)

// Broker holds the broker's collectors.
type Broker struct {
	queueLength  prometheus.Gauge
	readyWorkers prometheus.Gauge
	requests     *prometheus.CounterVec
	replies      prometheus.Counter
	lost         prometheus.Counter
}

// NewBroker creates and registers the broker collectors.
func NewBroker(registerer prometheus.Registerer) *Broker {
	b := &Broker{
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "queue_length",
			Help:      "Requests waiting for a worker.",
		}),
		readyWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "ready_workers",
			Help:      "Workers that announced READY and have no request.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "requests_total",
			Help:      "Client requests by outcome.",
		}, []string{"outcome"}),
		replies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "reply_frames_total",
			Help:      "Reply frames forwarded from workers to clients.",
		}),
		lost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "lost_workers_total",
			Help:      "Workers forgotten after going silent.",
		}),
	}
	registerer.MustRegister(b.queueLength, b.readyWorkers, b.requests, b.replies, b.lost)
	return b
}

// Observe records the current queue and ready-set sizes.
func (b *Broker) Observe(queueLength, readyWorkers int) {
	if b == nil {
		return
	}
	b.queueLength.Set(float64(queueLength))
	b.readyWorkers.Set(float64(readyWorkers))
}

// Request counts one request outcome.
func (b *Broker) Request(outcome string) {
	if b == nil {
		return
	}
	b.requests.WithLabelValues(outcome).Inc()
}

// Reply counts one forwarded reply frame.
func (b *Broker) Reply() {
	if b == nil {
		return
	}
	b.replies.Inc()
}

// LostWorker counts one worker forgotten for silence.
func (b *Broker) LostWorker() {
	if b == nil {
		return
	}
	b.lost.Inc()
}

// Worker exit classes.
const (
	ExitClean   = "clean"
	ExitFailure = "failure"
	ExitEarly   = "early_failure"
)

// Pool holds the process pool's collectors.
type Pool struct {
	workers prometheus.Gauge
	spawns  prometheus.Counter
	exits   *prometheus.CounterVec
}

// NewPool creates and registers the pool collectors.
func NewPool(registerer prometheus.Registerer) *Pool {
	p := &Pool{
		workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "workers",
			Help:      "Live worker processes.",
		}),
		spawns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "spawns_total",
			Help:      "Worker processes started.",
		}),
		exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "exits_total",
			Help:      "Worker process exits by class.",
		}, []string{"class"}),
	}
	registerer.MustRegister(p.workers, p.spawns, p.exits)
	return p
}

// Workers records the live worker count.
func (p *Pool) Workers(n int) {
	if p == nil {
		return
	}
	p.workers.Set(float64(n))
}

// Spawned counts one worker start.
func (p *Pool) Spawned() {
	if p == nil {
		return
	}
	p.spawns.Inc()
}

// Exited counts one worker exit.
func (p *Pool) Exited(class string) {
	if p == nil {
		return
	}
	p.exits.WithLabelValues(class).Inc()
}

// Supervisor holds the supervisor's collectors.
type Supervisor struct {
	busy    prometheus.Gauge
	kills   prometheus.Counter
	reports prometheus.Counter
}

// NewSupervisor creates and registers the supervisor collectors.
func NewSupervisor(registerer prometheus.Registerer) *Supervisor {
	s := &Supervisor{
		busy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "busy_workers",
			Help:      "Workers currently processing a request.",
		}),
		kills: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "kills_total",
			Help:      "Workers killed for exceeding the busy timeout.",
		}),
		reports: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "reports_total",
			Help:      "Worker reports received.",
		}),
	}
	registerer.MustRegister(s.busy, s.kills, s.reports)
	return s
}

// Busy records the number of busy workers.
func (s *Supervisor) Busy(n int) {
	if s == nil {
		return
	}
	s.busy.Set(float64(n))
}

// Killed counts one busy-timeout kill.
func (s *Supervisor) Killed() {
	if s == nil {
		return
	}
	s.kills.Inc()
}

// Reported counts one received report.
func (s *Supervisor) Reported() {
	if s == nil {
		return
	}
	s.reports.Inc()
}

// Gateway holds the HTTP front-end's collectors.
type Gateway struct {
	requests *prometheus.CounterVec
	duration prometheus.Histogram
}

// NewGateway creates and registers the gateway collectors.
func NewGateway(registerer prometheus.Registerer) *Gateway {
	g := &Gateway{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "HTTP requests by response status.",
		}, []string{"code"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Time from request arrival to the last byte written.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
	}
	registerer.MustRegister(g.requests, g.duration)
	return g
}

// Served records one completed HTTP request.
func (g *Gateway) Served(status int, elapsed time.Duration) {
	if g == nil {
		return
	}
	g.requests.WithLabelValues(strconv.Itoa(status)).Inc()
	g.duration.Observe(elapsed.Seconds())
}
