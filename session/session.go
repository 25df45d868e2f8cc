// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package session tracks client sessions that own dispatch destinations and
// tears them down when their destination fails permanently.
package session

import (
	"sync"
	"time"

	"github.com/absmach/fluxdispatch/dispatch"
)

// State represents the session state.
type State int

const (
	StateOpen State = iota
	StateClosed
	StateKilled
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateKilled:
		return "killed"
	default:
		return "unknown"
	}
}

// Session is one client session. Its dispatch destination is
// "session:<ID>".
type Session struct {
	ID   string
	Name string

	mu       sync.RWMutex
	state    State
	openedAt time.Time
	endedAt  time.Time
	reason   string
	done     chan struct{}
}

// New creates an open session.
func New(id, name string) *Session {
	return &Session{
		ID:       id,
		Name:     name,
		state:    StateOpen,
		openedAt: time.Now(),
		done:     make(chan struct{}),
	}
}

// Destination returns the session's dispatch destination.
func (s *Session) Destination() dispatch.Session {
	return dispatch.Session{SessionID: s.ID, Name: s.Name}
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Reason returns why the session was killed, if it was.
func (s *Session) Reason() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reason
}

// Done is closed when the session ends, killed or closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// end moves an open session to state and reports whether it did.
func (s *Session) end(state State, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return false
	}
	s.state = state
	s.reason = reason
	s.endedAt = time.Now()
	close(s.done)
	return true
}

func (s *Session) ended() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endedAt, s.state != StateOpen
}

// Info is a point-in-time view of a session.
type Info struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	State    string    `json:"state"`
	OpenedAt time.Time `json:"opened_at"`
	EndedAt  time.Time `json:"ended_at,omitzero"`
	Reason   string    `json:"reason,omitempty"`
}

func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Info{
		ID:       s.ID,
		Name:     s.Name,
		State:    s.state.String(),
		OpenedAt: s.openedAt,
		EndedAt:  s.endedAt,
		Reason:   s.reason,
	}
}
