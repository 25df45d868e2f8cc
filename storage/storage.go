// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package storage defines persistence for dead-lettered dispatch entries.
package storage

import (
	"context"
	"errors"
	"sort"
	"time"
)

// Common errors.
var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("store is closed")
)

// DefaultDeadLetterTopic is the well-known topic dead letters are filed
// under.
const DefaultDeadLetterTopic = "__sys__deadMessage"

// DeadLetter is one entry that will never be delivered, kept for inspection
// and manual replay.
type DeadLetter struct {
	ID          string    `json:"id"`
	Topic       string    `json:"topic"`
	Destination string    `json:"destination"`
	Method      string    `json:"method"`
	Key         string    `json:"key,omitempty"`
	Priority    int       `json:"priority"`
	Payload     []byte    `json:"payload,omitempty"`
	QoS         []byte    `json:"qos,omitempty"`
	Kind        string    `json:"kind"`
	Reason      string    `json:"reason"`
	Redeliver   int       `json:"redeliver"`
	Arrival     time.Time `json:"arrival"`
	DeadAt      time.Time `json:"dead_at"`
}

// Query selects dead letters. Zero values match everything.
type Query struct {
	Destination string
	Limit       int
}

// DeadLetterStore persists dead letters.
type DeadLetterStore interface {
	// Store saves letters, replacing letters with the same ID.
	Store(ctx context.Context, letters ...*DeadLetter) error

	// Get returns the letter with the given ID or ErrNotFound.
	Get(ctx context.Context, id string) (*DeadLetter, error)

	// List returns matching letters, oldest first.
	List(ctx context.Context, q Query) ([]*DeadLetter, error)

	// Delete removes one letter or returns ErrNotFound.
	Delete(ctx context.Context, id string) error

	// Purge removes every letter of destination, or all letters when
	// destination is empty, and returns how many were removed.
	Purge(ctx context.Context, destination string) (int, error)

	// Count returns the number of letters of destination, or of all
	// letters when destination is empty.
	Count(ctx context.Context, destination string) (int, error)

	Close() error
}

// Copy returns a deep copy of l.
func (l *DeadLetter) Copy() *DeadLetter {
	if l == nil {
		return nil
	}
	c := *l
	if l.Payload != nil {
		c.Payload = append([]byte(nil), l.Payload...)
	}
	if l.QoS != nil {
		c.QoS = append([]byte(nil), l.QoS...)
	}
	return &c
}

// SortLetters orders letters oldest first, breaking ties by ID.
func SortLetters(letters []*DeadLetter) {
	sort.Slice(letters, func(i, j int) bool {
		a, b := letters[i], letters[j]
		if !a.DeadAt.Equal(b.DeadAt) {
			return a.DeadAt.Before(b.DeadAt)
		}
		return a.ID < b.ID
	})
}

// Apply truncates letters to q.Limit when it is positive.
func (q Query) Apply(letters []*DeadLetter) []*DeadLetter {
	if q.Limit > 0 && len(letters) > q.Limit {
		return letters[:q.Limit]
	}
	return letters
}

// Matches reports whether l is selected by q, ignoring the limit.
func (q Query) Matches(l *DeadLetter) bool {
	return q.Destination == "" || l.Destination == q.Destination
}
