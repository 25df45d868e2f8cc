// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"sync/atomic"
	"time"
)

// Observer receives dispatch measurements. Implementations must be safe for
// concurrent use.
type Observer interface {
	RecordEnqueued(dest string, n int)
	RecordDelivered(dest string, n int, roundTrip time.Duration)
	RecordFailure(dest string, kind Kind)
	RecordDeadLettered(dest string, n int)
	RecordExpired(dest string, n int)
	RecordPing(dest string, roundTrip time.Duration)
	RecordStateChange(dest string, from, to State)
}

type noopObserver struct{}

func (noopObserver) RecordEnqueued(string, int)                 {}
func (noopObserver) RecordDelivered(string, int, time.Duration) {}
func (noopObserver) RecordFailure(string, Kind)                 {}
func (noopObserver) RecordDeadLettered(string, int)             {}
func (noopObserver) RecordExpired(string, int)                  {}
func (noopObserver) RecordPing(string, time.Duration)           {}
func (noopObserver) RecordStateChange(string, State, State)     {}

// Stats is a point-in-time snapshot of one destination.
type Stats struct {
	Destination   string        `json:"destination"`
	Kind          string        `json:"kind"`
	State         string        `json:"state"`
	QueueSize     int           `json:"queue_size"`
	Paused        bool          `json:"paused"`
	Shutdown      bool          `json:"shutdown"`
	WorkerActive  bool          `json:"worker_active"`
	TimerPending  bool          `json:"timer_pending"`
	Enqueued      uint64        `json:"enqueued"`
	Delivered     uint64        `json:"delivered"`
	Failed        uint64        `json:"failed"`
	DeadLettered  uint64        `json:"dead_lettered"`
	Expired       uint64        `json:"expired"`
	Retries       uint64        `json:"retries"`
	LastRoundTrip time.Duration `json:"last_round_trip"`
	LastPing      time.Duration `json:"last_ping"`
}

// counters accumulate per-destination statistics and forward every update
// to the observer.
type counters struct {
	dest string
	obs  Observer

	enqueued      atomic.Uint64
	delivered     atomic.Uint64
	failed        atomic.Uint64
	deadLettered  atomic.Uint64
	expired       atomic.Uint64
	retries       atomic.Uint64
	lastRoundTrip atomic.Int64
	lastPing      atomic.Int64
}

func newCounters(dest string, obs Observer) *counters {
	if obs == nil {
		obs = noopObserver{}
	}
	return &counters{dest: dest, obs: obs}
}

func (c *counters) addEnqueued(n int) {
	c.enqueued.Add(uint64(n))
	c.obs.RecordEnqueued(c.dest, n)
}

func (c *counters) addDelivered(n int, rtt time.Duration) {
	c.delivered.Add(uint64(n))
	c.lastRoundTrip.Store(int64(rtt))
	c.obs.RecordDelivered(c.dest, n, rtt)
}

func (c *counters) addFailure(kind Kind) {
	c.failed.Add(1)
	if kind == TransportFailure {
		c.retries.Add(1)
	}
	c.obs.RecordFailure(c.dest, kind)
}

func (c *counters) addDeadLettered(n int) {
	c.deadLettered.Add(uint64(n))
	c.obs.RecordDeadLettered(c.dest, n)
}

func (c *counters) addExpired(n int) {
	c.expired.Add(uint64(n))
	c.obs.RecordExpired(c.dest, n)
}

func (c *counters) setPing(rtt time.Duration) {
	c.lastPing.Store(int64(rtt))
	c.obs.RecordPing(c.dest, rtt)
}

func (c *counters) fill(s *Stats) {
	s.Enqueued = c.enqueued.Load()
	s.Delivered = c.delivered.Load()
	s.Failed = c.failed.Load()
	s.DeadLettered = c.deadLettered.Load()
	s.Expired = c.expired.Load()
	s.Retries = c.retries.Load()
	s.LastRoundTrip = time.Duration(c.lastRoundTrip.Load())
	s.LastPing = time.Duration(c.lastPing.Load())
}
