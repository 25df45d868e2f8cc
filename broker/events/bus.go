// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Bus fans events out to in-process subscribers. Publish never blocks:
// a subscriber whose buffer is full misses the event, unless it subscribed
// with SubscribeReliable.
type Bus struct {
	buffer int
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

// Subscription receives events of the types it was created with.
type Subscription struct {
	C <-chan Event

	id      uint64
	ch      chan Event
	types   map[string]bool
	dropped atomic.Uint64
	bus     *Bus

	// Reliable subscriptions queue events here and a pump feeds ch.
	reliable bool
	qmu      sync.Mutex
	pending  []Event
	wake     chan struct{}
	stop     chan struct{}
}

// NewBus creates a bus whose subscriptions buffer up to buffer events.
func NewBus(buffer int, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer < 1 {
		buffer = 1
	}
	return &Bus{
		buffer: buffer,
		logger: logger,
		subs:   make(map[uint64]*Subscription),
	}
}

// Subscribe registers a subscriber for the given event types, or for every
// type when none are given.
func (b *Bus) Subscribe(types ...string) *Subscription {
	return b.subscribe(false, types)
}

// SubscribeReliable is Subscribe for consumers that must not miss events:
// events queue without bound until the subscriber reads them.
func (b *Bus) SubscribeReliable(types ...string) *Subscription {
	return b.subscribe(true, types)
}

func (b *Bus) subscribe(reliable bool, types []string) *Subscription {
	ch := make(chan Event, b.buffer)
	s := &Subscription{C: ch, ch: ch, bus: b, reliable: reliable}
	if len(types) > 0 {
		s.types = make(map[string]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return s
	}
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	if reliable {
		s.wake = make(chan struct{}, 1)
		s.stop = make(chan struct{})
		go s.pump()
	}
	return s
}

// Publish delivers ev to every matching subscriber.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, s := range b.subs {
		if s.types != nil && !s.types[ev.Type()] {
			continue
		}
		if s.reliable {
			s.enqueue(ev)
			continue
		}
		select {
		case s.ch <- ev:
		default:
			if s.dropped.Add(1) == 1 {
				b.logger.Warn("event subscriber is lagging, dropping events",
					slog.String("event_type", ev.Type()),
					slog.String("destination", ev.Destination()))
			}
		}
	}
}

// Close closes every subscription channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		s.closeLocked()
	}
}

// Dropped returns the number of events this subscriber missed.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s.id]; !ok {
		return
	}
	delete(b.subs, s.id)
	s.closeLocked()
}

// closeLocked ends delivery. Events a reliable subscriber has not read yet
// are discarded.
func (s *Subscription) closeLocked() {
	if s.reliable {
		close(s.stop)
		return
	}
	close(s.ch)
}

func (s *Subscription) enqueue(ev Event) {
	s.qmu.Lock()
	s.pending = append(s.pending, ev)
	s.qmu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) next() (Event, bool) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if len(s.pending) == 0 {
		return nil, false
	}
	ev := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]
	return ev, true
}

func (s *Subscription) pump() {
	defer close(s.ch)
	for {
		select {
		case <-s.wake:
		case <-s.stop:
			return
		}
		for ev, ok := s.next(); ok; ev, ok = s.next() {
			select {
			case s.ch <- ev:
			case <-s.stop:
				return
			}
		}
	}
}
