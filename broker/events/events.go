// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event type constants.
const (
	TypePermanentFailure = "destination.permanent_failure"
	TypeStateChanged     = "destination.state_changed"
	TypeDeadLettered     = "message.dead_lettered"
	TypeSessionKilled    = "session.killed"
)

// Event is the common interface for all dispatch events.
type Event interface {
	// Type returns the event type identifier (e.g., "destination.state_changed")
	Type() string

	// Destination returns the ID of the destination the event concerns
	Destination() string

	// Wrap wraps the event in a common envelope with metadata
	Wrap(nodeID string) *Envelope
}

// Envelope is the common wrapper for all events leaving the process.
type Envelope struct {
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	NodeID    string `json:"node_id"`
	Data      any    `json:"data"`
}

// MarshalJSON serializes the envelope to JSON.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(*e)
}

func wrap(e Event, nodeID string) *Envelope {
	return &Envelope{
		EventType: e.Type(),
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		NodeID:    nodeID,
		Data:      e,
	}
}

// PermanentFailure is emitted exactly once when a destination exhausts its
// retries or is refused authentication. Session destinations configured to
// do so ask for the owning session to be killed.
type PermanentFailure struct {
	DestinationID string `json:"destination"`
	Kind          string `json:"kind"` // "session", "subject", "unrelated"
	SessionID     string `json:"session_id,omitempty"`
	KillSession   bool   `json:"kill_session"`
	Reason        string `json:"reason"`
	Pending       int    `json:"pending"` // Entries handed to the dead-letter sink
}

func (e PermanentFailure) Type() string                 { return TypePermanentFailure }
func (e PermanentFailure) Destination() string          { return e.DestinationID }
func (e PermanentFailure) Wrap(nodeID string) *Envelope { return wrap(e, nodeID) }

// StateChanged is emitted on every connection handler state transition.
type StateChanged struct {
	DestinationID string `json:"destination"`
	From          string `json:"from"`
	To            string `json:"to"`
}

func (e StateChanged) Type() string                 { return TypeStateChanged }
func (e StateChanged) Destination() string          { return e.DestinationID }
func (e StateChanged) Wrap(nodeID string) *Envelope { return wrap(e, nodeID) }

// DeadLettered is emitted for every batch handed to the dead-letter sink.
type DeadLettered struct {
	DestinationID string   `json:"destination"`
	Reason        string   `json:"reason"`
	EntryIDs      []string `json:"entry_ids"`
	Stored        bool     `json:"stored"` // false when the sink dropped the batch
}

func (e DeadLettered) Type() string                 { return TypeDeadLettered }
func (e DeadLettered) Destination() string          { return e.DestinationID }
func (e DeadLettered) Wrap(nodeID string) *Envelope { return wrap(e, nodeID) }

// SessionKilled is emitted by the session registry after it tore a session
// down in response to a PermanentFailure.
type SessionKilled struct {
	DestinationID string `json:"destination"`
	SessionID     string `json:"session_id"`
	Reason        string `json:"reason"`
}

func (e SessionKilled) Type() string                 { return TypeSessionKilled }
func (e SessionKilled) Destination() string          { return e.DestinationID }
func (e SessionKilled) Wrap(nodeID string) *Envelope { return wrap(e, nodeID) }
