// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory provides an in-memory dead letter store.
package memory

import (
	"context"
	"sync"

	"github.com/absmach/fluxdispatch/storage"
)

var _ storage.DeadLetterStore = (*Store)(nil)

// Store is an in-memory implementation of storage.DeadLetterStore.
type Store struct {
	mu      sync.RWMutex
	letters map[string]*storage.DeadLetter
	closed  bool
}

// New creates an empty store.
func New() *Store {
	return &Store{letters: make(map[string]*storage.DeadLetter)}
}

// Store saves copies of letters.
func (s *Store) Store(ctx context.Context, letters ...*storage.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}
	for _, l := range letters {
		if l == nil {
			continue
		}
		s.letters[l.ID] = l.Copy()
	}
	return nil
}

// Get returns a copy of the letter with the given ID.
func (s *Store) Get(ctx context.Context, id string) (*storage.DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrClosed
	}
	l, ok := s.letters[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return l.Copy(), nil
}

// List returns copies of matching letters, oldest first.
func (s *Store) List(ctx context.Context, q storage.Query) ([]*storage.DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrClosed
	}
	var out []*storage.DeadLetter
	for _, l := range s.letters {
		if q.Matches(l) {
			out = append(out, l.Copy())
		}
	}
	storage.SortLetters(out)
	return q.Apply(out), nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}
	if _, ok := s.letters[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.letters, id)
	return nil
}

func (s *Store) Purge(ctx context.Context, destination string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, storage.ErrClosed
	}
	q := storage.Query{Destination: destination}
	n := 0
	for id, l := range s.letters {
		if q.Matches(l) {
			delete(s.letters, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) Count(ctx context.Context, destination string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, storage.ErrClosed
	}
	if destination == "" {
		return len(s.letters), nil
	}
	q := storage.Query{Destination: destination}
	n := 0
	for _, l := range s.letters {
		if q.Matches(l) {
			n++
		}
	}
	return n, nil
}

// Close releases the letters. Further calls return storage.ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.letters = nil
	return nil
}
