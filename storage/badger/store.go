// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badger provides a BadgerDB backed dead letter store.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/absmach/fluxdispatch/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.DeadLetterStore = (*Store)(nil)

// Key format:
//   - Letter: dlq\x00{destination}\x00{id}
//   - Index:  dlid\x00{id} -> destination
const (
	letterPrefix = "dlq\x00"
	indexPrefix  = "dlid\x00"
	sep          = "\x00"
)

const gcInterval = 5 * time.Minute

// Config holds BadgerDB configuration.
type Config struct {
	Dir string
}

// Store persists dead letters in BadgerDB.
type Store struct {
	db *badger.DB

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// New opens a store in cfg.Dir.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil
	// Dead letters are diagnostic; losing the tail on a crash is acceptable.
	opts.SyncWrites = false
	opts.NumVersionsToKeep = 1
	opts.NumCompactors = 2

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:       db,
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}
	go s.runGC()

	return s, nil
}

func letterKey(destination, id string) []byte {
	return []byte(letterPrefix + destination + sep + id)
}

func destPrefix(destination string) []byte {
	if destination == "" {
		return []byte(letterPrefix)
	}
	return []byte(letterPrefix + destination + sep)
}

func indexKey(id string) []byte {
	return []byte(indexPrefix + id)
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Store saves letters in one transaction.
func (s *Store) Store(ctx context.Context, letters ...*storage.DeadLetter) error {
	if s.isClosed() {
		return storage.ErrClosed
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, l := range letters {
			if l == nil {
				continue
			}
			data, err := json.Marshal(l)
			if err != nil {
				return fmt.Errorf("failed to marshal dead letter: %w", err)
			}
			// A letter re-filed under another destination must not leave
			// the old copy behind.
			if old, err := lookup(txn, l.ID); err == nil && old != l.Destination {
				if err := txn.Delete(letterKey(old, l.ID)); err != nil {
					return err
				}
			}
			if err := txn.Set(letterKey(l.Destination, l.ID), data); err != nil {
				return err
			}
			if err := txn.Set(indexKey(l.ID), []byte(l.Destination)); err != nil {
				return err
			}
		}
		return nil
	})
}

func lookup(txn *badger.Txn, id string) (string, error) {
	item, err := txn.Get(indexKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return "", storage.ErrNotFound
		}
		return "", err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return "", err
	}
	return string(val), nil
}

func (s *Store) Get(ctx context.Context, id string) (*storage.DeadLetter, error) {
	if s.isClosed() {
		return nil, storage.ErrClosed
	}
	var letter *storage.DeadLetter
	err := s.db.View(func(txn *badger.Txn) error {
		dest, err := lookup(txn, id)
		if err != nil {
			return err
		}
		item, err := txn.Get(letterKey(dest, id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			letter = &storage.DeadLetter{}
			return json.Unmarshal(val, letter)
		})
	})
	if err != nil {
		return nil, err
	}
	return letter, nil
}

// List scans the destination prefix and sorts in memory.
func (s *Store) List(ctx context.Context, q storage.Query) ([]*storage.DeadLetter, error) {
	if s.isClosed() {
		return nil, storage.ErrClosed
	}
	var letters []*storage.DeadLetter
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = destPrefix(q.Destination)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := it.Item().Value(func(val []byte) error {
				var l storage.DeadLetter
				if err := json.Unmarshal(val, &l); err != nil {
					return err
				}
				letters = append(letters, &l)
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal dead letter: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	storage.SortLetters(letters)
	return q.Apply(letters), nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if s.isClosed() {
		return storage.ErrClosed
	}
	return s.db.Update(func(txn *badger.Txn) error {
		dest, err := lookup(txn, id)
		if err != nil {
			return err
		}
		if err := txn.Delete(letterKey(dest, id)); err != nil {
			return err
		}
		return txn.Delete(indexKey(id))
	})
}

// Purge deletes keys in batches through a WriteBatch to stay below the
// transaction size limit.
func (s *Store) Purge(ctx context.Context, destination string) (int, error) {
	if s.isClosed() {
		return 0, storage.ErrClosed
	}
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = destPrefix(destination)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return 0, err
		}
		if id := idOf(k); id != "" {
			if err := wb.Delete(indexKey(id)); err != nil {
				return 0, err
			}
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (s *Store) Count(ctx context.Context, destination string) (int, error) {
	if s.isClosed() {
		return 0, storage.ErrClosed
	}
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = destPrefix(destination)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// idOf extracts the letter ID from a letter key.
func idOf(key []byte) string {
	for i := len(key) - 1; i >= len(letterPrefix); i-- {
		if key[i] == sep[0] {
			return string(key[i+1:])
		}
	}
	return ""
}

// Close stops the GC loop and closes the database. It is idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	return s.db.Close()
}

func (s *Store) runGC() {
	defer close(s.gcDone)

	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// ErrNoRewrite is the common case.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}
