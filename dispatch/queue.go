// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// OverflowPolicy decides what Put does when the queue is full.
type OverflowPolicy uint8

const (
	// OverflowBlock makes Put wait for room.
	OverflowBlock OverflowPolicy = iota
	// OverflowReject fails Put with ResourceOverflow.
	OverflowReject
	// OverflowDeadLetter hands the entries to the dead-letter sink.
	OverflowDeadLetter
)

func (p OverflowPolicy) String() string {
	switch p {
	case OverflowReject:
		return "reject"
	case OverflowDeadLetter:
		return "dead_letter"
	default:
		return "block"
	}
}

// ParseOverflowPolicy converts a configured policy name.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch strings.ToLower(s) {
	case "block", "":
		return OverflowBlock, nil
	case "reject":
		return OverflowReject, nil
	case "dead_letter", "deadletter":
		return OverflowDeadLetter, nil
	default:
		return 0, fmt.Errorf("unknown overflow policy %q", s)
	}
}

// DeadLetterSink receives entries that will never be delivered. Sinks are
// best effort and must not block for long.
type DeadLetterSink interface {
	DeadLetter(dest string, reason error, entries []*Entry)
}

type discardSink struct {
	logger *slog.Logger
}

func (s discardSink) DeadLetter(dest string, reason error, entries []*Entry) {
	s.logger.Warn("no dead-letter sink configured, dropping entries",
		slog.String("destination", dest),
		slog.Int("count", len(entries)),
		slog.String("reason", reason.Error()))
}

const priorityLevels = MaxPriority + 1

// QueueConfig configures a Queue.
type QueueConfig struct {
	Destination string
	MaxEntries  int
	Policy      OverflowPolicy
	Sink        DeadLetterSink
	Logger      *slog.Logger

	stats *counters
}

// Queue holds the entries of one destination ordered by priority, highest
// first, then by arrival.
type Queue struct {
	dest       string
	maxEntries int
	policy     OverflowPolicy
	sink       DeadLetterSink
	logger     *slog.Logger
	stats      *counters
	notify     func()

	mu       sync.Mutex
	buckets  [priorityLevels][]*Entry
	size     int
	seq      uint64
	shutdown bool
	space    chan struct{} // closed and replaced whenever room frees up
}

// NewQueue creates a queue. notify is called after every successful Put.
func NewQueue(cfg QueueConfig, notify func()) *Queue {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sink == nil {
		cfg.Sink = discardSink{logger: cfg.Logger}
	}
	if cfg.stats == nil {
		cfg.stats = newCounters(cfg.Destination, nil)
	}
	if cfg.MaxEntries < 1 {
		cfg.MaxEntries = 1
	}
	if notify == nil {
		notify = func() {}
	}
	return &Queue{
		dest:       cfg.Destination,
		maxEntries: cfg.MaxEntries,
		policy:     cfg.Policy,
		sink:       cfg.Sink,
		logger:     cfg.Logger,
		stats:      cfg.stats,
		notify:     notify,
		space:      make(chan struct{}),
	}
}

// Put inserts all entries atomically. When they do not fit, the overflow
// policy applies to the whole call.
func (q *Queue) Put(ctx context.Context, entries ...*Entry) error {
	if len(entries) == 0 {
		return nil
	}
	for _, e := range entries {
		if e == nil {
			return ErrNilEntry
		}
	}
	for _, e := range entries {
		e.prepare()
	}

	q.mu.Lock()
	for {
		if q.shutdown {
			q.mu.Unlock()
			failAll(entries, newError(PermanentFailure, q.dest, "put", ErrShutdown))
			return ErrShutdown
		}
		if q.size+len(entries) <= q.maxEntries {
			break
		}

		overflow := errorf(ResourceOverflow, q.dest, "put",
			"%d entries do not fit, queue holds %d of %d", len(entries), q.size, q.maxEntries)

		switch {
		case q.policy == OverflowReject, q.policy == OverflowBlock && len(entries) > q.maxEntries:
			q.mu.Unlock()
			failAll(entries, overflow)
			return overflow
		case q.policy == OverflowDeadLetter:
			q.mu.Unlock()
			q.deadLetter(overflow, entries)
			return nil
		}

		wait := q.space
		q.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			failAll(entries, newError(ResourceOverflow, q.dest, "put", ctx.Err()))
			return ctx.Err()
		}
		q.mu.Lock()
	}

	for _, e := range entries {
		q.insertLocked(e)
	}
	q.mu.Unlock()

	q.stats.addEnqueued(len(entries))
	q.notify()
	return nil
}

func (q *Queue) insertLocked(e *Entry) {
	if e.Arrival.IsZero() {
		e.Arrival = time.Now()
	}
	if e.seq == 0 {
		q.seq++
		e.seq = q.seq
	}
	p := min(max(e.Priority, MinPriority), MaxPriority)
	b := q.buckets[p]

	// Fast path: new entries arrive in order.
	if n := len(b); n == 0 || before(b[n-1], e) {
		q.buckets[p] = append(b, e)
	} else {
		i := sort.Search(n, func(i int) bool { return before(e, b[i]) })
		b = append(b, nil)
		copy(b[i+1:], b[i:])
		b[i] = e
		q.buckets[p] = b
	}
	q.size++
}

func before(a, b *Entry) bool {
	if !a.Arrival.Equal(b.Arrival) {
		return a.Arrival.Before(b.Arrival)
	}
	return a.seq < b.seq
}

// DrainAll removes and returns every unexpired entry in queue order.
func (q *Queue) DrainAll() []*Entry {
	return q.Drain(-1, -1)
}

// Drain removes entries in queue order until maxEntries entries or maxBytes
// payload bytes are taken. Negative limits are unlimited; at least one entry
// is always taken. Expired entries are resolved and dropped.
func (q *Queue) Drain(maxEntries int, maxBytes int64) []*Entry {
	now := time.Now()

	q.mu.Lock()
	var (
		out     []*Entry
		expired []*Entry
		bytes   int64
		taken   int
	)
	full := false
	for p := MaxPriority; p >= MinPriority && !full; p-- {
		b := q.buckets[p]
		i := 0
		for ; i < len(b); i++ {
			e := b[i]
			if e.Expired(now) {
				expired = append(expired, e)
				continue
			}
			if maxEntries > 0 && len(out) >= maxEntries ||
				maxBytes > 0 && len(out) > 0 && bytes+e.Size() > maxBytes {
				full = true
				break
			}
			out = append(out, e)
			bytes += e.Size()
		}
		taken += i
		q.buckets[p] = compact(b, i)
	}
	q.size -= taken
	if taken > 0 {
		q.signalLocked()
	}
	q.mu.Unlock()

	q.expire(expired)
	return out
}

func (q *Queue) expire(entries []*Entry) {
	if len(entries) == 0 {
		return
	}
	for _, e := range entries {
		e.fail(errorf(Expired, q.dest, "drain", "entry %s expired at %s", e.ID, e.Expires.Format(time.RFC3339Nano)))
	}
	q.stats.addExpired(len(entries))
	q.logger.Info("dropped expired entries",
		slog.String("destination", q.dest),
		slog.Int("count", len(entries)))
}

// compact drops the first n entries of b without keeping references alive.
func compact(b []*Entry, n int) []*Entry {
	if n == 0 {
		return b
	}
	if n == len(b) {
		clear(b)
		return b[:0]
	}
	rest := copy(b, b[n:])
	clear(b[rest:])
	return b[:rest]
}

// Requeue reinserts entries that were drained but not delivered. Their
// original ordering keys are kept and the overflow policy is bypassed.
// On a shut-down queue the entries go to the dead-letter sink.
func (q *Queue) Requeue(entries []*Entry) {
	if len(entries) == 0 {
		return
	}

	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		q.deadLetter(newError(PermanentFailure, q.dest, "requeue", ErrShutdown), entries)
		return
	}
	for _, e := range entries {
		e.redeliver.Add(1)
		q.insertLocked(e)
	}
	q.mu.Unlock()
}

// putBack reinserts entries held back without counting a redelivery.
func (q *Queue) putBack(entries []*Entry) {
	if len(entries) == 0 {
		return
	}
	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		q.deadLetter(newError(PermanentFailure, q.dest, "requeue", ErrShutdown), entries)
		return
	}
	for _, e := range entries {
		q.insertLocked(e)
	}
	q.mu.Unlock()
}

// Peek returns a snapshot of the queued entries in queue order.
func (q *Queue) Peek() []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Entry, 0, q.size)
	for p := MaxPriority; p >= MinPriority; p-- {
		out = append(out, q.buckets[p]...)
	}
	return out
}

// Size returns the number of queued entries.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// IsShutdown reports whether Shutdown was called.
func (q *Queue) IsShutdown() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.shutdown
}

// Shutdown marks the queue terminal and hands the remaining unexpired
// entries to the dead-letter sink. Only the first call has an effect; it
// reports whether this call performed the shutdown.
func (q *Queue) Shutdown(cause error) bool {
	now := time.Now()

	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return false
	}
	q.shutdown = true
	var left, expired []*Entry
	for p := MaxPriority; p >= MinPriority; p-- {
		for _, e := range q.buckets[p] {
			if e.Expired(now) {
				expired = append(expired, e)
				continue
			}
			left = append(left, e)
		}
		q.buckets[p] = nil
	}
	q.size = 0
	q.signalLocked()
	q.mu.Unlock()

	q.expire(expired)
	q.deadLetter(permanent(q.dest, cause), left)
	return true
}

func (q *Queue) deadLetter(reason error, entries []*Entry) {
	if len(entries) == 0 {
		return
	}
	failAll(entries, reason)
	q.stats.addDeadLettered(len(entries))
	q.sink.DeadLetter(q.dest, reason, entries)
}

func (q *Queue) signalLocked() {
	close(q.space)
	q.space = make(chan struct{})
}
