// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu      sync.Mutex
	calls   int
	entries []*Entry
	reasons []error
}

func (s *recordingSink) DeadLetter(_ string, reason error, entries []*Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.entries = append(s.entries, entries...)
	s.reasons = append(s.reasons, reason)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func newTestQueue(capacity int, policy OverflowPolicy, sink DeadLetterSink) *Queue {
	return NewQueue(QueueConfig{
		Destination: "queue:test",
		MaxEntries:  capacity,
		Policy:      policy,
		Sink:        sink,
	}, nil)
}

func publish(payload string, opts ...EntryOption) *Entry {
	return NewEntry(MethodPublish, []byte(payload), append([]EntryOption{WithKey("t")}, opts...)...)
}

func payloads(entries []*Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = string(e.Payload)
	}
	return out
}

func TestQueue_Order(t *testing.T) {
	q := newTestQueue(10, OverflowReject, nil)
	ctx := context.Background()

	require.NoError(t, q.Put(ctx, publish("a4")))
	require.NoError(t, q.Put(ctx, publish("b9", WithPriority(9))))
	require.NoError(t, q.Put(ctx, publish("c4")))
	require.NoError(t, q.Put(ctx, publish("d0", WithPriority(0))))
	require.NoError(t, q.Put(ctx, publish("e9", WithPriority(9))))

	assert.Equal(t, []string{"b9", "e9", "a4", "c4", "d0"}, payloads(q.Peek()))
	assert.Equal(t, []string{"b9", "e9", "a4", "c4", "d0"}, payloads(q.DrainAll()))
	assert.Equal(t, 0, q.Size())
}

func TestQueue_OrderByArrivalWithinPriority(t *testing.T) {
	q := newTestQueue(10, OverflowReject, nil)

	late := publish("late")
	early := publish("early")
	early.Arrival = late.Arrival.Add(-time.Second)

	require.NoError(t, q.Put(context.Background(), late, early))
	assert.Equal(t, []string{"early", "late"}, payloads(q.DrainAll()))
}

func TestQueue_Reject(t *testing.T) {
	q := newTestQueue(2, OverflowReject, nil)
	ctx := context.Background()
	require.NoError(t, q.Put(ctx, publish("a"), publish("b")))

	c := publish("c")
	err := q.Put(ctx, c)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrResourceOverflow))
	assert.Equal(t, 2, q.Size())

	res, ok := c.Result()
	require.True(t, ok)
	assert.Equal(t, ResourceOverflow, KindOf(res.Err))
}

func TestQueue_DeadLetterOverflow(t *testing.T) {
	sink := &recordingSink{}
	q := newTestQueue(2, OverflowDeadLetter, sink)
	ctx := context.Background()

	require.NoError(t, q.Put(ctx, publish("a"), publish("b")))
	c, d := publish("c"), publish("d")
	require.NoError(t, q.Put(ctx, c, d))

	assert.Equal(t, []string{"a", "b"}, payloads(q.Peek()))
	assert.Equal(t, []string{"c", "d"}, payloads(sink.entries))
	require.Len(t, sink.reasons, 1)
	assert.True(t, errors.Is(sink.reasons[0], ErrResourceOverflow))

	res, ok := c.Result()
	require.True(t, ok)
	assert.Equal(t, ResourceOverflow, KindOf(res.Err))
}

func TestQueue_BlockWaitsForRoom(t *testing.T) {
	q := newTestQueue(1, OverflowBlock, nil)
	ctx := context.Background()
	require.NoError(t, q.Put(ctx, publish("a")))

	done := make(chan error, 1)
	go func() {
		done <- q.Put(ctx, publish("b"))
	}()

	select {
	case <-done:
		t.Fatal("Put returned while the queue was full")
	case <-time.After(50 * time.Millisecond):
	}

	assert.Equal(t, []string{"a"}, payloads(q.DrainAll()))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Put did not resume after room freed up")
	}
	assert.Equal(t, []string{"b"}, payloads(q.Peek()))
}

func TestQueue_BlockCancelled(t *testing.T) {
	q := newTestQueue(1, OverflowBlock, nil)
	require.NoError(t, q.Put(context.Background(), publish("a")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	b := publish("b")
	err := q.Put(ctx, b)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	res, ok := b.Result()
	require.True(t, ok)
	assert.Equal(t, ResourceOverflow, KindOf(res.Err))
}

func TestQueue_BlockCallLargerThanQueue(t *testing.T) {
	q := newTestQueue(1, OverflowBlock, nil)
	err := q.Put(context.Background(), publish("a"), publish("b"))
	assert.ErrorIs(t, err, ErrResourceOverflow)
	assert.Equal(t, 0, q.Size())
}

func TestQueue_BlockReleasedByShutdown(t *testing.T) {
	q := newTestQueue(1, OverflowBlock, &recordingSink{})
	ctx := context.Background()
	require.NoError(t, q.Put(ctx, publish("a")))

	done := make(chan error, 1)
	go func() {
		done <- q.Put(ctx, publish("b"))
	}()
	time.Sleep(20 * time.Millisecond)
	q.Shutdown(ErrShutdown)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrShutdown)
	case <-time.After(time.Second):
		t.Fatal("blocked Put was not released by Shutdown")
	}
}

func TestQueue_Drain(t *testing.T) {
	cases := []struct {
		desc       string
		maxEntries int
		maxBytes   int64
		want       []string
	}{
		{desc: "unlimited", maxEntries: -1, maxBytes: -1, want: []string{"aa", "bb", "cc"}},
		{desc: "entry cap", maxEntries: 2, maxBytes: -1, want: []string{"aa", "bb"}},
		{desc: "byte cap", maxEntries: -1, maxBytes: 5, want: []string{"aa", "bb"}},
		{desc: "oversized first entry", maxEntries: -1, maxBytes: 1, want: []string{"aa"}},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			q := newTestQueue(10, OverflowReject, nil)
			require.NoError(t, q.Put(context.Background(), publish("aa"), publish("bb"), publish("cc")))

			got := q.Drain(tc.maxEntries, tc.maxBytes)
			assert.Equal(t, tc.want, payloads(got))
			assert.Equal(t, 3-len(tc.want), q.Size())
		})
	}
}

func TestQueue_DrainSkipsExpired(t *testing.T) {
	q := newTestQueue(10, OverflowReject, nil)
	stale := publish("stale", WithTTL(time.Millisecond))
	fresh := publish("fresh")
	require.NoError(t, q.Put(context.Background(), stale, fresh))

	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, []string{"fresh"}, payloads(q.DrainAll()))
	assert.Equal(t, 0, q.Size())

	res, ok := stale.Result()
	require.True(t, ok)
	assert.ErrorIs(t, res.Err, ErrExpired)
}

func TestQueue_RequeueKeepsOrder(t *testing.T) {
	q := newTestQueue(2, OverflowReject, nil)
	ctx := context.Background()
	require.NoError(t, q.Put(ctx, publish("a"), publish("b")))

	drained := q.DrainAll()
	require.NoError(t, q.Put(ctx, publish("c"), publish("d")))

	// Requeue may exceed capacity.
	q.Requeue(drained)
	assert.Equal(t, 4, q.Size())
	assert.Equal(t, []string{"a", "b", "c", "d"}, payloads(q.Peek()))
	assert.Equal(t, 1, drained[0].Redeliver())

	q.putBack(q.Drain(1, -1))
	assert.Equal(t, 1, q.Peek()[0].Redeliver())
}

func TestQueue_Shutdown(t *testing.T) {
	sink := &recordingSink{}
	q := newTestQueue(10, OverflowReject, sink)
	ctx := context.Background()
	a, b := publish("a"), publish("b")
	require.NoError(t, q.Put(ctx, a, b))

	assert.True(t, q.Shutdown(ErrShutdown))
	assert.False(t, q.Shutdown(ErrShutdown))
	assert.True(t, q.IsShutdown())
	assert.Equal(t, 1, sink.calls)
	assert.Equal(t, 2, sink.count())

	res, ok := a.Result()
	require.True(t, ok)
	assert.ErrorIs(t, res.Err, ErrPermanentFailure)

	c := publish("c")
	assert.ErrorIs(t, q.Put(ctx, c), ErrShutdown)
	res, ok = c.Result()
	require.True(t, ok)
	assert.ErrorIs(t, res.Err, ErrPermanentFailure)

	q.Requeue([]*Entry{publish("late")})
	assert.Equal(t, 3, sink.count())
	assert.Equal(t, 0, q.Size())
}

func TestQueue_LiteralEntries(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(1, OverflowReject, &recordingSink{})

	queued := &Entry{Method: MethodPublish, Key: "t", Payload: []byte("a"), WantsResult: true}
	require.NoError(t, q.Put(ctx, queued))
	assert.NotEmpty(t, queued.ID)
	assert.NotNil(t, queued.Done())

	rejected := &Entry{Method: MethodPublish, Key: "t", WantsResult: true}
	assert.ErrorIs(t, q.Put(ctx, rejected), ErrResourceOverflow)
	res, ok := rejected.Result()
	require.True(t, ok)
	assert.ErrorIs(t, res.Err, ErrResourceOverflow)

	assert.ErrorIs(t, q.Put(ctx, nil), ErrNilEntry)
	assert.Equal(t, 1, q.Size())

	q.Shutdown(errors.New("gone"))
	late := &Entry{Method: MethodGet, Key: "t", WantsResult: true}
	assert.ErrorIs(t, q.Put(ctx, late), ErrShutdown)
	res, ok = late.Result()
	require.True(t, ok)
	assert.ErrorIs(t, res.Err, ErrPermanentFailure)

	res, ok = queued.Result()
	require.True(t, ok)
	assert.Error(t, res.Err)
}

func TestParseOverflowPolicy(t *testing.T) {
	cases := map[string]OverflowPolicy{
		"":            OverflowBlock,
		"block":       OverflowBlock,
		"REJECT":      OverflowReject,
		"dead_letter": OverflowDeadLetter,
	}
	for in, want := range cases {
		got, err := ParseOverflowPolicy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseOverflowPolicy("drop")
	assert.Error(t, err)
}
