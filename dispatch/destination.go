// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"fmt"
	"strings"
)

// Destination is the closed set of targets owning a queue: Session, Subject
// or Unrelated.
type Destination interface {
	ID() string
	Kind() string
	isDestination()
}

// Destination kinds as they appear in configuration and events.
const (
	KindSession   = "session"
	KindSubject   = "subject"
	KindUnrelated = "unrelated"
)

// Session is a destination bound to one client session.
type Session struct {
	SessionID string
	Name      string
}

// Subject is a point-to-point destination addressed by login name.
type Subject struct {
	LoginName string
}

// Unrelated is a named queue with no owning session or subject.
type Unrelated struct {
	Name string
}

func (s Session) ID() string   { return "session:" + s.SessionID }
func (s Subject) ID() string   { return "subject:" + s.LoginName }
func (u Unrelated) ID() string { return "queue:" + u.Name }

func (Session) Kind() string   { return KindSession }
func (Subject) Kind() string   { return KindSubject }
func (Unrelated) Kind() string { return KindUnrelated }

func (Session) isDestination()   {}
func (Subject) isDestination()   {}
func (Unrelated) isDestination() {}

// NewDestination builds a destination from its kind and name.
func NewDestination(kind, name string) (Destination, error) {
	if name == "" {
		return nil, fmt.Errorf("destination name cannot be empty")
	}
	switch kind {
	case KindSession:
		return Session{SessionID: name, Name: name}, nil
	case KindSubject:
		return Subject{LoginName: name}, nil
	case KindUnrelated:
		return Unrelated{Name: name}, nil
	default:
		return nil, fmt.Errorf("unknown destination kind %q", kind)
	}
}

// ParseID is the inverse of Destination.ID.
func ParseID(id string) (Destination, error) {
	prefix, name, ok := strings.Cut(id, ":")
	if !ok {
		return nil, fmt.Errorf("malformed destination id %q", id)
	}
	switch prefix {
	case "session":
		return NewDestination(KindSession, name)
	case "subject":
		return NewDestination(KindSubject, name)
	case "queue":
		return NewDestination(KindUnrelated, name)
	default:
		return nil, fmt.Errorf("malformed destination id %q", id)
	}
}

// fakeable reports whether undeliverable publishes may be answered with a
// synthesized QUEUED result.
func fakeable(d Destination) bool {
	switch d.(type) {
	case Subject, Unrelated:
		return true
	default:
		return false
	}
}
