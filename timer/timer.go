// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package timer provides the shared timer service used for burst-mode
// batching, retry backoff and keepalive pings. One goroutine sleeps until the
// earliest deadline; expirations are delivered as messages on a channel
// instead of callbacks, so receivers never run on the timer goroutine.
package timer

import (
	"container/heap"
	"sync"
	"time"
)

// Handle identifies one armed timer. The zero Handle is never issued.
type Handle uint64

// Fired reports that the timer identified by Handle, armed for Key, expired.
type Fired struct {
	Key    string
	Handle Handle
	At     time.Time
}

type item struct {
	key    string
	handle Handle
	when   time.Time
	index  int
}

type timerHeap []*item

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].handle < h[j].handle
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Service is a min-heap timer service.
type Service struct {
	mu      sync.Mutex
	heap    timerHeap
	pending map[Handle]*item
	next    Handle
	closed  bool

	notify chan struct{}
	fired  chan Fired
	done   chan struct{}
	wg     sync.WaitGroup
}

// New starts a timer service. buffer sizes the fired channel.
func New(buffer int) *Service {
	if buffer < 1 {
		buffer = 1
	}
	s := &Service{
		pending: make(map[Handle]*item),
		notify:  make(chan struct{}, 1),
		fired:   make(chan Fired, buffer),
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// C returns the channel on which expirations are delivered.
func (s *Service) C() <-chan Fired {
	return s.fired
}

// Arm schedules an expiration for key after d and returns its handle.
// Arm on a closed service returns the zero Handle.
func (s *Service) Arm(key string, d time.Duration) Handle {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0
	}
	s.next++
	it := &item{key: key, handle: s.next, when: time.Now().Add(d)}
	heap.Push(&s.heap, it)
	s.pending[it.handle] = it
	s.mu.Unlock()

	s.poke()
	return it.handle
}

// Cancel removes a pending timer. It is idempotent and reports whether the
// timer was still pending.
func (s *Service) Cancel(h Handle) bool {
	s.mu.Lock()
	it, ok := s.pending[h]
	if ok {
		delete(s.pending, h)
		heap.Remove(&s.heap, it.index)
	}
	s.mu.Unlock()

	if ok {
		s.poke()
	}
	return ok
}

// Pending returns the number of armed timers for key.
func (s *Service) Pending(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, it := range s.pending {
		if it.key == key {
			n++
		}
	}
	return n
}

// Close stops the service. Pending timers never fire.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()
}

func (s *Service) poke() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Service) untilNext() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.heap) == 0 {
		return 0, false
	}
	return time.Until(s.heap[0].when), true
}

func (s *Service) run() {
	defer s.wg.Done()

	t := time.NewTimer(time.Hour)
	t.Stop()

	for {
		if d, ok := s.untilNext(); ok {
			if d < 0 {
				d = 0
			}
			t.Reset(d)
		} else {
			t.Reset(time.Hour)
		}

		select {
		case <-s.done:
			t.Stop()
			return
		case <-s.notify:
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
		case <-t.C:
			for _, f := range s.due(time.Now()) {
				select {
				case s.fired <- f:
				case <-s.done:
					return
				}
			}
		}
	}
}

func (s *Service) due(now time.Time) []Fired {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Fired
	for len(s.heap) > 0 && !s.heap[0].when.After(now) {
		it := heap.Pop(&s.heap).(*item)
		delete(s.pending, it.handle)
		out = append(out, Fired{Key: it.key, Handle: it.handle, At: now})
	}
	return out
}
