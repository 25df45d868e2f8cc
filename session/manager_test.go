// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"sync"
	"testing"
	"time"

	"github.com/absmach/fluxdispatch/broker/events"
	"github.com/absmach/fluxdispatch/dispatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDestinations struct {
	mu   sync.Mutex
	shut []string
}

func (f *fakeDestinations) Shutdown(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shut = append(f.shut, id)
	return dispatch.ErrUnknownDestination
}

func (f *fakeDestinations) list() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.shut...)
}

func newTestManager(t *testing.T) (*Manager, *fakeDestinations, *events.Bus) {
	t.Helper()
	dests := &fakeDestinations{}
	bus := events.NewBus(16, nil)
	m := NewManager(Config{Destinations: dests, Events: bus, Retention: 20 * time.Millisecond})
	t.Cleanup(func() {
		m.Stop()
		bus.Close()
	})
	return m, dests, bus
}

func TestManager_Open(t *testing.T) {
	m, _, _ := newTestManager(t)

	s, created := m.Open("1", "joe")
	require.True(t, created)
	assert.Equal(t, "session:1", s.Destination().ID())

	again, created := m.Open("1", "joe")
	assert.False(t, created)
	assert.Same(t, s, again)
	assert.Equal(t, 1, m.Count())

	require.NoError(t, m.Close("1"))
	assert.Equal(t, StateClosed, s.State())

	reopened, created := m.Open("1", "joe")
	assert.True(t, created)
	assert.NotSame(t, s, reopened)
}

func TestManager_Kill(t *testing.T) {
	m, dests, bus := newTestManager(t)
	sub := bus.Subscribe(events.TypeSessionKilled)

	killed := make(chan *Session, 1)
	m.SetOnKill(func(s *Session) { killed <- s })

	s, _ := m.Open("7", "ann")
	require.NoError(t, m.Kill("7", "retries exhausted"))
	require.NoError(t, m.Kill("7", "again"))

	assert.Equal(t, StateKilled, s.State())
	assert.Equal(t, "retries exhausted", s.Reason())
	assert.Equal(t, []string{"session:7"}, dests.list())
	assert.Zero(t, m.Count())

	select {
	case <-s.Done():
	default:
		t.Fatal("killed session must be done")
	}

	select {
	case ev := <-sub.C:
		sk, ok := ev.(events.SessionKilled)
		require.True(t, ok)
		assert.Equal(t, "7", sk.SessionID)
		assert.Equal(t, "session:7", sk.DestinationID)
	case <-time.After(time.Second):
		t.Fatal("no SessionKilled event")
	}

	select {
	case got := <-killed:
		assert.Same(t, s, got)
	case <-time.After(time.Second):
		t.Fatal("kill callback not run")
	}

	assert.ErrorIs(t, m.Kill("missing", "x"), ErrNotFound)
	assert.ErrorIs(t, m.Close("missing"), ErrNotFound)
}

func TestManager_AttachKillsOnPermanentFailure(t *testing.T) {
	m, dests, bus := newTestManager(t)
	m.Attach(bus)

	keep, _ := m.Open("1", "a")
	kill, _ := m.Open("2", "b")

	bus.Publish(events.PermanentFailure{DestinationID: "session:1", SessionID: "1", KillSession: false})
	bus.Publish(events.PermanentFailure{DestinationID: "session:2", SessionID: "2", KillSession: true, Reason: "auth"})

	select {
	case <-kill.Done():
	case <-time.After(time.Second):
		t.Fatal("session not killed")
	}
	assert.Equal(t, StateOpen, keep.State())
	assert.Equal(t, "auth", kill.Reason())
	assert.Equal(t, []string{"session:2"}, dests.list())
}

func TestManager_Expiry(t *testing.T) {
	m, _, _ := newTestManager(t)

	m.Open("1", "a")
	m.Open("2", "b")
	require.NoError(t, m.Kill("2", "x"))

	m.expire(time.Now())
	assert.Len(t, m.List(), 2)

	m.expire(time.Now().Add(time.Second))
	list := m.List()
	require.Len(t, list, 1)
	assert.Equal(t, "1", list[0].ID)
	assert.Equal(t, "open", list[0].State)
}
