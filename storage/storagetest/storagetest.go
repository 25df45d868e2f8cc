// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package storagetest holds the behaviour every storage.DeadLetterStore
// implementation must share.
package storagetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/absmach/fluxdispatch/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty store. Run closes it.
type Factory func(t *testing.T) storage.DeadLetterStore

var base = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// Letter builds a letter that died n seconds after base.
func Letter(id, destination string, n int) *storage.DeadLetter {
	return &storage.DeadLetter{
		ID:          id,
		Topic:       storage.DefaultDeadLetterTopic,
		Destination: destination,
		Method:      "publish",
		Key:         "k-" + id,
		Priority:    n % 10,
		Payload:     []byte("payload-" + id),
		QoS:         []byte{1},
		Kind:        "permanent_failure",
		Reason:      "retries exhausted",
		Redeliver:   n,
		Arrival:     base,
		DeadAt:      base.Add(time.Duration(n) * time.Second),
	}
}

// Run exercises a store built by newStore.
func Run(t *testing.T, newStore Factory) {
	ctx := context.Background()

	open := func(t *testing.T) storage.DeadLetterStore {
		s := newStore(t)
		t.Cleanup(func() { _ = s.Close() })
		return s
	}

	t.Run("StoreAndGet", func(t *testing.T) {
		s := open(t)
		want := Letter("a", "queue:orders", 1)
		require.NoError(t, s.Store(ctx, want))

		got, err := s.Get(ctx, "a")
		require.NoError(t, err)
		Equal(t, want, got)

		_, err = s.Get(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("StoreReplaces", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Store(ctx, Letter("a", "queue:orders", 1)))

		moved := Letter("a", "session:7", 2)
		moved.Reason = "shutdown"
		require.NoError(t, s.Store(ctx, moved))

		got, err := s.Get(ctx, "a")
		require.NoError(t, err)
		Equal(t, moved, got)

		n, err := s.Count(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		n, err = s.Count(ctx, "queue:orders")
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("ListOrdersByDeath", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Store(ctx,
			Letter("c", "queue:a", 3),
			Letter("a", "queue:a", 1),
			Letter("b", "queue:b", 2),
			Letter("d", "queue:a", 3),
		))

		all, err := s.List(ctx, storage.Query{})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c", "d"}, ids(all))

		some, err := s.List(ctx, storage.Query{Destination: "queue:a", Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "c"}, ids(some))

		none, err := s.List(ctx, storage.Query{Destination: "queue:none"})
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("DestinationPrefixesDoNotOverlap", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Store(ctx, Letter("a", "queue:a", 1), Letter("b", "queue:a/b", 2)))

		got, err := s.List(ctx, storage.Query{Destination: "queue:a"})
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, ids(got))
	})

	t.Run("Delete", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Store(ctx, Letter("a", "queue:a", 1)))
		require.NoError(t, s.Delete(ctx, "a"))
		assert.ErrorIs(t, s.Delete(ctx, "a"), storage.ErrNotFound)
		_, err := s.Get(ctx, "a")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("PurgeAndCount", func(t *testing.T) {
		s := open(t)
		for i := 0; i < 5; i++ {
			dest := "queue:a"
			if i%2 == 1 {
				dest = "queue:b"
			}
			require.NoError(t, s.Store(ctx, Letter(fmt.Sprintf("l%d", i), dest, i)))
		}

		n, err := s.Count(ctx, "queue:a")
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		n, err = s.Purge(ctx, "queue:a")
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		_, err = s.Get(ctx, "l0")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		n, err = s.Purge(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = s.Count(ctx, "")
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("Isolation", func(t *testing.T) {
		s := open(t)
		l := Letter("a", "queue:a", 1)
		require.NoError(t, s.Store(ctx, l))
		l.Payload[0] = 'X'

		got, err := s.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, []byte("payload-a"), got.Payload)
	})

	t.Run("Close", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Close())
		require.NoError(t, s.Close())

		assert.ErrorIs(t, s.Store(ctx, Letter("a", "queue:a", 1)), storage.ErrClosed)
		_, err := s.Get(ctx, "a")
		assert.ErrorIs(t, err, storage.ErrClosed)
		_, err = s.List(ctx, storage.Query{})
		assert.ErrorIs(t, err, storage.ErrClosed)
	})
}

// Equal compares letters field by field, ignoring time zones.
func Equal(t *testing.T, want, got *storage.DeadLetter) {
	t.Helper()
	require.NotNil(t, got)
	assert.True(t, want.Arrival.Equal(got.Arrival), "arrival: want %v, got %v", want.Arrival, got.Arrival)
	assert.True(t, want.DeadAt.Equal(got.DeadAt), "dead_at: want %v, got %v", want.DeadAt, got.DeadAt)

	w, g := *want, *got
	w.Arrival, w.DeadAt = time.Time{}, time.Time{}
	g.Arrival, g.DeadAt = time.Time{}, time.Time{}
	assert.Equal(t, w, g)
}

func ids(letters []*storage.DeadLetter) []string {
	out := make([]string, len(letters))
	for i, l := range letters {
		out[i] = l.ID
	}
	return out
}
