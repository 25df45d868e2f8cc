// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides keyed token-bucket limiters: one bucket per
// dispatch destination, or per client address on the admin API.
package ratelimit

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/absmach/fluxdispatch/config"
	"golang.org/x/time/rate"
)

const defaultCleanup = 5 * time.Minute

// KeyLimiter keeps one token bucket per key and forgets idle keys.
type KeyLimiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
	once     sync.Once
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a limiter allowing r events per second per key with the
// given burst. Keys idle for two cleanup intervals are dropped.
func New(r float64, burst int, cleanupInterval time.Duration) *KeyLimiter {
	if burst < 1 {
		burst = 1
	}
	if cleanupInterval <= 0 {
		cleanupInterval = defaultCleanup
	}
	l := &KeyLimiter{
		limiters: make(map[string]*entry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// FromConfig returns nil when rate limiting is disabled.
func FromConfig(cfg config.RateLimitConfig) *KeyLimiter {
	if !cfg.Enabled {
		return nil
	}
	return New(cfg.Rate, cfg.Burst, cfg.CleanupInterval)
}

func (l *KeyLimiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.limiters[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[key] = e
	}
	e.lastSeen = time.Now()
	return e.limiter
}

// Allow reports whether an event for key may happen now.
func (l *KeyLimiter) Allow(key string) bool {
	return l.get(key).Allow()
}

// Wait blocks until an event for key may happen or ctx is done.
func (l *KeyLimiter) Wait(ctx context.Context, key string) error {
	return l.get(key).Wait(ctx)
}

// Remove forgets key.
func (l *KeyLimiter) Remove(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, key)
}

// Len returns the number of tracked keys.
func (l *KeyLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *KeyLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			l.removeStale(now)
		case <-l.stopCh:
			return
		}
	}
}

func (l *KeyLimiter) removeStale(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := now.Add(-l.cleanup * 2)
	for key, e := range l.limiters {
		if e.lastSeen.Before(threshold) {
			delete(l.limiters, key)
		}
	}
}

// Stop stops the cleanup goroutine. It is idempotent.
func (l *KeyLimiter) Stop() {
	l.once.Do(func() { close(l.stopCh) })
}

// HostOf extracts the host from a "host:port" remote address, returning
// addr unchanged when it has no port.
func HostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
