// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/absmach/fluxdispatch/broker/events"
	"github.com/absmach/fluxdispatch/dispatch"
)

const (
	defaultRetention = 5 * time.Minute
	expiryInterval   = time.Second
)

// ErrNotFound is returned for unknown session IDs.
var ErrNotFound = errors.New("session not found")

// Destinations shuts dispatch destinations down. *dispatch.Engine
// satisfies it.
type Destinations interface {
	Shutdown(id string) error
}

// Config configures a Manager.
type Config struct {
	Destinations Destinations
	Events       dispatch.EventPublisher
	// Retention keeps ended sessions visible before they are forgotten.
	Retention time.Duration
	Logger    *slog.Logger
}

// Manager is the session registry.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	dests     Destinations
	events    dispatch.EventPublisher
	retention time.Duration
	logger    *slog.Logger
	onKill    func(*Session)

	subs   []*events.Subscription
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewManager creates a registry and starts its expiry loop.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	m := &Manager{
		sessions:  make(map[string]*Session),
		dests:     cfg.Destinations,
		events:    cfg.Events,
		retention: cfg.Retention,
		logger:    cfg.Logger,
		stopCh:    make(chan struct{}),
	}

	m.wg.Add(1)
	go m.expiryLoop()

	return m
}

// Open returns the open session id, creating it when missing or ended.
// It reports whether the session was created.
func (m *Manager) Open(id, name string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[id]; ok && s.State() == StateOpen {
		return s, false
	}
	s := New(id, name)
	m.sessions[id] = s
	return s, true
}

// Get returns a session by ID, or nil if not found.
func (m *Manager) Get(id string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// Kill ends the session, shuts its destination down and publishes
// SessionKilled. Killing an ended session is a no-op.
func (m *Manager) Kill(id, reason string) error {
	s := m.Get(id)
	if s == nil {
		return ErrNotFound
	}
	if !s.end(StateKilled, reason) {
		return nil
	}

	m.shutdown(s)
	m.logger.Warn("session killed",
		slog.String("session", id),
		slog.String("reason", reason))

	if m.events != nil {
		m.events.Publish(events.SessionKilled{
			DestinationID: s.Destination().ID(),
			SessionID:     id,
			Reason:        reason,
		})
	}
	if m.onKill != nil {
		go m.onKill(s)
	}
	return nil
}

// Close ends the session gracefully.
func (m *Manager) Close(id string) error {
	s := m.Get(id)
	if s == nil {
		return ErrNotFound
	}
	if s.end(StateClosed, "") {
		m.shutdown(s)
	}
	return nil
}

func (m *Manager) shutdown(s *Session) {
	if m.dests == nil {
		return
	}
	dest := s.Destination().ID()
	if err := m.dests.Shutdown(dest); err != nil && !errors.Is(err, dispatch.ErrUnknownDestination) {
		m.logger.Error("failed to shut down session destination",
			slog.String("destination", dest),
			slog.String("error", err.Error()))
	}
}

// Attach kills sessions whose destination reports a permanent failure with
// KillSession set.
func (m *Manager) Attach(bus *events.Bus) {
	sub := bus.SubscribeReliable(events.TypePermanentFailure)
	m.mu.Lock()
	m.subs = append(m.subs, sub)
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for ev := range sub.C {
			m.handleFailure(ev)
		}
	}()
}

func (m *Manager) handleFailure(ev events.Event) {
	pf, ok := ev.(events.PermanentFailure)
	if !ok || !pf.KillSession || pf.SessionID == "" {
		return
	}
	if err := m.Kill(pf.SessionID, pf.Reason); errors.Is(err, ErrNotFound) {
		m.logger.Debug("permanent failure for unknown session",
			slog.String("session", pf.SessionID))
	}
}

// Count returns the number of open sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, s := range m.sessions {
		if s.State() == StateOpen {
			n++
		}
	}
	return n
}

// List returns every known session ordered by ID.
func (m *Manager) List() []Info {
	m.mu.RLock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Info())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetOnKill sets a callback run after a session is killed.
func (m *Manager) SetOnKill(fn func(*Session)) {
	m.onKill = fn
}

func (m *Manager) expiryLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(expiryInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			m.expire(now)
		case <-m.stopCh:
			return
		}
	}
}

// expire forgets sessions that ended more than the retention ago.
func (m *Manager) expire(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, s := range m.sessions {
		if at, ended := s.ended(); ended && now.Sub(at) > m.retention {
			delete(m.sessions, id)
		}
	}
}

// Stop detaches from the bus and stops the expiry loop. Open sessions are
// left untouched.
func (m *Manager) Stop() {
	m.once.Do(func() {
		m.mu.Lock()
		subs := m.subs
		m.subs = nil
		m.mu.Unlock()

		for _, s := range subs {
			s.Close()
		}
		close(m.stopCh)
		m.wg.Wait()
	})
}
