// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/fluxdispatch/broker/events"
	"github.com/absmach/fluxdispatch/driver"
	"github.com/absmach/fluxdispatch/driver/local"
	"github.com/absmach/fluxdispatch/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type fixture struct {
	engine *Engine
	net    *local.Network
	sink   *recordingSink
	bus    *events.Bus
}

func newFixture(t *testing.T, opts ...func(*Options)) *fixture {
	t.Helper()

	net := local.NewNetwork()
	reg := driver.NewRegistry()
	require.NoError(t, reg.Register(local.Type, local.Factory(net)))

	sink := &recordingSink{}
	bus := events.NewBus(64, nil)
	o := Options{Registry: reg, PoolSize: 4, Sink: sink, Events: bus}
	for _, fn := range opts {
		fn(&o)
	}
	e, err := NewEngine(o)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = e.Close(ctx)
		bus.Close()
	})
	return &fixture{engine: e, net: net, sink: sink, bus: bus}
}

func testSettings() Settings {
	s := DefaultSettings()
	s.RetryDelay = 10 * time.Millisecond
	s.PingInterval = 0
	s.LogEvery = 0
	return s
}

func addrs(peers ...string) []driver.Address {
	out := make([]driver.Address, len(peers))
	for i, p := range peers {
		out[i] = driver.Address{Type: local.Type, URL: local.Type + "://" + p}
	}
	return out
}

func (f *fixture) create(t *testing.T, dest Destination, s Settings, paused bool, peers ...string) string {
	t.Helper()
	err := f.engine.Create(context.Background(), DestinationConfig{
		Destination: dest,
		Addresses:   addrs(peers...),
		Settings:    s,
		Paused:      paused,
	})
	require.NoError(t, err)
	return dest.ID()
}

func (f *fixture) enqueue(t *testing.T, id string, entries ...*Entry) {
	t.Helper()
	require.NoError(t, f.engine.EnqueueBatch(context.Background(), id, entries...))
}

func wait(t *testing.T, e *Entry) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	res, err := e.Wait(ctx)
	require.NoError(t, err, "entry %s was never resolved", e.ID)
	return res
}

func TestEngine_DeliversInPriorityOrder(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, Unrelated{Name: "orders"}, testSettings(), true, "p")

	entries := []*Entry{
		publish("a4"),
		publish("b9", WithPriority(9)),
		publish("c0", WithPriority(0)),
		publish("d4"),
		publish("e9", WithPriority(9)),
	}
	for _, e := range entries {
		f.enqueue(t, id, e)
	}
	require.NoError(t, f.engine.Resume(id))

	for _, e := range entries {
		res := wait(t, e)
		require.NoError(t, res.Err)
	}

	got := make([]string, 0, len(entries))
	for _, p := range f.net.Peer("p").Published("t") {
		got = append(got, string(p))
	}
	assert.Equal(t, []string{"b9", "e9", "a4", "d4", "c0"}, got)
	assert.Equal(t, 1, f.net.Peer("p").CallCount(driver.OpPublishArr))

	state, err := f.engine.State(id)
	require.NoError(t, err)
	assert.Equal(t, StateAlive, state)

	st, err := f.engine.Stats(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), st.Enqueued)
	assert.Equal(t, uint64(5), st.Delivered)
	assert.Equal(t, 0, st.QueueSize)
}

func TestEngine_BatchResultMismatch(t *testing.T) {
	t.Run("fewer results than messages", func(t *testing.T) {
		f := newFixture(t)
		id := f.create(t, Unrelated{Name: "mismatch"}, testSettings(), true, "p")
		f.net.Peer("p").TruncateResults(1)

		a, b, c := publish("a"), publish("b"), publish("c")
		f.enqueue(t, id, a, b, c)
		require.NoError(t, f.engine.Resume(id))

		require.NoError(t, wait(t, a).Err)
		for _, e := range []*Entry{b, c} {
			res := wait(t, e)
			assert.ErrorIs(t, res.Err, ErrProtocolMismatch)
		}

		state, err := f.engine.State(id)
		require.NoError(t, err)
		assert.Equal(t, StateAlive, state)
	})

	t.Run("more results than messages", func(t *testing.T) {
		f := newFixture(t)
		id := f.create(t, Unrelated{Name: "surplus"}, testSettings(), true, "p")
		f.net.Peer("p").ExtraResults(2)

		entries := []*Entry{publish("a"), publish("b")}
		f.enqueue(t, id, entries...)
		require.NoError(t, f.engine.Resume(id))

		for _, e := range entries {
			res := wait(t, e)
			require.NoError(t, res.Err)

			var got map[string]string
			require.NoError(t, json.Unmarshal(res.Response, &got))
			assert.Equal(t, e.ID, got["id"])
			assert.Equal(t, "OK", got["state"])
		}
		assert.Equal(t, 1, f.net.Peer("p").CallCount(driver.OpPublishArr))

		state, err := f.engine.State(id)
		require.NoError(t, err)
		assert.Equal(t, StateAlive, state)
		assert.Zero(t, f.sink.count())
	})
}

func TestEngine_RetriesExhausted(t *testing.T) {
	f := newFixture(t)
	failures := f.bus.Subscribe(events.TypePermanentFailure)

	s := testSettings()
	s.Retries = 3
	s.KillSession = true
	peer := f.net.Peer("down")
	peer.SetDown(true)
	id := f.create(t, Session{SessionID: "42", Name: "joe"}, s, false, "down")

	e := publish("lost")
	f.enqueue(t, id, e)

	res := wait(t, e)
	assert.ErrorIs(t, res.Err, ErrPermanentFailure)
	// The first attempt plus three retries.
	assert.Equal(t, 4, peer.CallCount("connectLowlevel"))

	var ev events.Event
	select {
	case ev = <-failures.C:
	case <-time.After(waitFor):
		t.Fatal("no permanent failure event")
	}
	pf, ok := ev.(events.PermanentFailure)
	require.True(t, ok)
	assert.Equal(t, id, pf.DestinationID)
	assert.Equal(t, "42", pf.SessionID)
	assert.True(t, pf.KillSession)

	select {
	case ev := <-failures.C:
		t.Fatalf("unexpected second event %v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	state, err := f.engine.State(id)
	require.NoError(t, err)
	assert.Equal(t, StateDead, state)
	assert.Equal(t, 1, f.sink.count())

	late := publish("late")
	err = f.engine.EnqueueBatch(context.Background(), id, late)
	assert.ErrorIs(t, err, ErrShutdown)
	assert.ErrorIs(t, wait(t, late).Err, ErrPermanentFailure)

	assert.ErrorIs(t, f.engine.Initialize(id, addrs("up")), ErrShutdown)
}

func TestEngine_BurstCollectsEntries(t *testing.T) {
	f := newFixture(t)
	s := testSettings()
	s.CollectTime = 200 * time.Millisecond
	id := f.create(t, Unrelated{Name: "burst"}, s, false, "p")

	start := time.Now()
	a := publish("a")
	f.enqueue(t, id, a)
	time.Sleep(50 * time.Millisecond)
	b, c := publish("b"), publish("c")
	f.enqueue(t, id, b)
	f.enqueue(t, id, c)

	for _, e := range []*Entry{a, b, c} {
		require.NoError(t, wait(t, e).Err)
	}

	peer := f.net.Peer("p")
	assert.Equal(t, 1, peer.CallCount(driver.OpPublishArr))
	for _, call := range peer.Calls() {
		if call.Op == driver.OpPublishArr {
			assert.GreaterOrEqual(t, call.At.Sub(start), s.CollectTime)
			assert.Len(t, call.Payloads, 3)
		}
	}
}

func TestEngine_BurstCaps(t *testing.T) {
	f := newFixture(t)
	s := testSettings()
	s.BurstMaxEntries = 2
	id := f.create(t, Unrelated{Name: "capped"}, s, true, "p")

	entries := []*Entry{publish("a"), publish("b"), publish("c"), publish("d"), publish("e")}
	f.enqueue(t, id, entries...)
	require.NoError(t, f.engine.Resume(id))
	for _, e := range entries {
		require.NoError(t, wait(t, e).Err)
	}
	assert.Equal(t, 3, f.net.Peer("p").CallCount(driver.OpPublishArr))
}

func TestEngine_SingleWorkerOrTimer(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.PoolSize = 8 })
	s := testSettings()
	s.CollectTime = 5 * time.Millisecond
	s.BurstMaxEntries = 3
	id := f.create(t, Unrelated{Name: "busy"}, s, false, "p")
	f.net.Peer("p").SetLatency(time.Millisecond)

	d, err := f.engine.get(id)
	require.NoError(t, err)

	var violations atomic.Int32
	stop := make(chan struct{})
	sampled := make(chan struct{})
	go func() {
		defer close(sampled)
		for {
			select {
			case <-stop:
				return
			default:
			}
			d.mu.Lock()
			if d.workerActive && d.timer != 0 {
				violations.Add(1)
			}
			d.mu.Unlock()
			if f.engine.timers.Pending(id) > 1 {
				violations.Add(1)
			}
		}
	}()

	entries := make([]*Entry, 0, 100)
	for i := 0; i < 100; i++ {
		e := publish("m")
		entries = append(entries, e)
		f.enqueue(t, id, e)
		if i%10 == 0 {
			time.Sleep(time.Millisecond)
		}
	}
	for _, e := range entries {
		require.NoError(t, wait(t, e).Err)
	}
	close(stop)
	<-sampled

	assert.Zero(t, violations.Load())
	assert.Len(t, f.net.Peer("p").Published("t"), 100)
}

func TestEngine_Oneway(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, Unrelated{Name: "oneway"}, testSettings(), false, "p")

	e := NewEntry(MethodPublishOneway, []byte("fire"), WithKey("t"))
	f.enqueue(t, id, e)

	_, err := e.Wait(context.Background())
	assert.ErrorIs(t, err, ErrOneway)

	peer := f.net.Peer("p")
	require.Eventually(t, func() bool {
		return len(peer.Published("t")) == 1
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, 1, peer.CallCount(driver.OpPublishOneway))

	_, ok := e.Result()
	assert.False(t, ok)
}

func TestEngine_SecurityRoundTrip(t *testing.T) {
	comp, err := security.NewCompressor(security.CompressionZstd, 0)
	require.NoError(t, err)
	aead, err := security.NewAEAD([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	icpt := security.Chain{comp, aead}

	f := newFixture(t, func(o *Options) { o.Interceptor = icpt })
	peer := f.net.Peer("p")
	peer.SetResultTransform(func(b []byte) ([]byte, error) { return icpt.Export(b, "result") })
	id := f.create(t, Unrelated{Name: "secure"}, testSettings(), false, "p")

	payload := []byte(`<key oid="t"/><content>secret</content>`)
	e := NewEntry(MethodPublish, payload, WithKey("t"))
	f.enqueue(t, id, e)

	res := wait(t, e)
	require.NoError(t, res.Err)
	var answer map[string]string
	require.NoError(t, json.Unmarshal(res.Response, &answer))
	assert.Equal(t, "OK", answer["state"])
	assert.Equal(t, e.ID, answer["id"])

	sent := peer.Published("t")
	require.Len(t, sent, 1)
	assert.NotEqual(t, payload, sent[0])
	plain, err := icpt.Import(sent[0])
	require.NoError(t, err)
	assert.Equal(t, payload, plain)
}

func TestEngine_SecurityImportFailure(t *testing.T) {
	aead, err := security.NewAEAD([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	f := newFixture(t, func(o *Options) { o.Interceptor = aead })
	id := f.create(t, Unrelated{Name: "plain-answers"}, testSettings(), false, "p")

	e := publish("x")
	f.enqueue(t, id, e)
	res := wait(t, e)
	assert.ErrorIs(t, res.Err, ErrSecurityTransform)
}

func TestEngine_FakedReturns(t *testing.T) {
	s := testSettings()
	s.RetryDelay = time.Hour

	t.Run("unrelated destination", func(t *testing.T) {
		f := newFixture(t)
		f.net.Peer("down").SetDown(true)
		id := f.create(t, Unrelated{Name: "faked"}, s, false, "down")

		e := publish("m")
		f.enqueue(t, id, e)

		res := wait(t, e)
		require.NoError(t, res.Err)
		var answer map[string]string
		require.NoError(t, json.Unmarshal(res.Response, &answer))
		assert.Equal(t, StateInfoQueued, answer["stateInfo"])
		assert.Equal(t, e.ID, answer["id"])

		queued, err := f.engine.Peek(id)
		require.NoError(t, err)
		require.Len(t, queued, 1)
		assert.Equal(t, 1, queued[0].Redeliver())
	})

	t.Run("fail fast", func(t *testing.T) {
		f := newFixture(t)
		f.net.Peer("down").SetDown(true)
		ff := s
		ff.FailFast = true
		id := f.create(t, Subject{LoginName: "joe"}, ff, false, "down")

		e := publish("m")
		f.enqueue(t, id, e)
		require.Eventually(t, func() bool {
			st, _ := f.engine.Stats(id)
			return st.Retries == 1
		}, waitFor, 5*time.Millisecond)
		_, ok := e.Result()
		assert.False(t, ok)
	})

	t.Run("session destination", func(t *testing.T) {
		f := newFixture(t)
		f.net.Peer("down").SetDown(true)
		id := f.create(t, Session{SessionID: "1"}, s, false, "down")

		e := publish("m")
		f.enqueue(t, id, e)
		require.Eventually(t, func() bool {
			st, _ := f.engine.Stats(id)
			return st.Retries == 1
		}, waitFor, 5*time.Millisecond)
		_, ok := e.Result()
		assert.False(t, ok)
	})
}

func TestEngine_PauseResume(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, Unrelated{Name: "paused"}, testSettings(), false, "p")
	require.NoError(t, f.engine.Pause(id))

	e := publish("m")
	f.enqueue(t, id, e)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, f.net.Peer("p").CallCount(driver.OpPublishArr))

	st, err := f.engine.Stats(id)
	require.NoError(t, err)
	assert.True(t, st.Paused)
	assert.Equal(t, 1, st.QueueSize)

	require.NoError(t, f.engine.Resume(id))
	require.NoError(t, wait(t, e).Err)
}

func TestEngine_ExpiredEntries(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, Unrelated{Name: "ttl"}, testSettings(), true, "p")

	stale := publish("stale", WithTTL(10*time.Millisecond))
	fresh := publish("fresh")
	f.enqueue(t, id, stale, fresh)
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, f.engine.Resume(id))

	assert.ErrorIs(t, wait(t, stale).Err, ErrExpired)
	require.NoError(t, wait(t, fresh).Err)
	assert.Equal(t, 0, f.sink.count())

	st, err := f.engine.Stats(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Expired)
}

func TestEngine_AuthenticationFailureIsDead(t *testing.T) {
	f := newFixture(t)
	peer := f.net.Peer("locked")
	peer.RefuseAuth(true)
	id := f.create(t, Session{SessionID: "7"}, testSettings(), false, "locked")

	e := publish("m")
	f.enqueue(t, id, e)

	assert.ErrorIs(t, wait(t, e).Err, ErrPermanentFailure)
	assert.Equal(t, 1, peer.CallCount("connectLowlevel"))
	state, err := f.engine.State(id)
	require.NoError(t, err)
	assert.Equal(t, StateDead, state)
}

func TestEngine_RemoteErrorsAreNotRetried(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, Subject{LoginName: "joe"}, testSettings(), true, "p")

	sub := NewEntry(MethodSubscribe, nil, WithKey("news"))
	pub := publish("hello", WithKey("news"))
	get := NewEntry(MethodGet, nil, WithKey("news"))
	unsub := NewEntry(MethodUnsubscribe, nil, WithKey("unknown"))
	f.enqueue(t, id, sub, pub, get, unsub)
	require.NoError(t, f.engine.Resume(id))

	require.NoError(t, wait(t, sub).Err)
	require.NoError(t, wait(t, pub).Err)
	res := wait(t, get)
	require.NoError(t, res.Err)
	assert.Equal(t, []byte("hello"), res.Response)

	res = wait(t, unsub)
	assert.ErrorIs(t, res.Err, ErrRemote)

	d, err := f.engine.get(id)
	require.NoError(t, err)
	assert.Equal(t, StateAlive, d.Handler().State())
	assert.Equal(t, 0, d.Handler().ErrorCount())
	assert.True(t, f.net.Peer("p").Subscribed("news"))
	assert.Equal(t, 1, f.net.Peer("p").CallCount(driver.OpUnsubscribe))
}

func TestEngine_Failover(t *testing.T) {
	f := newFixture(t)
	changes := f.bus.Subscribe(events.TypeStateChanged)
	f.net.Peer("primary").SetDown(true)
	id := f.create(t, Session{SessionID: "s"}, testSettings(), false, "primary", "backup")

	e := publish("m")
	f.enqueue(t, id, e)
	require.NoError(t, wait(t, e).Err)

	assert.Len(t, f.net.Peer("backup").Published("t"), 1)
	assert.Empty(t, f.net.Peer("primary").Published("t"))

	select {
	case ev := <-changes.C:
		sc, ok := ev.(events.StateChanged)
		require.True(t, ok)
		assert.Equal(t, "UNDEF", sc.From)
		assert.Equal(t, "ALIVE", sc.To)
	case <-time.After(waitFor):
		t.Fatal("no state change event")
	}
}

func TestEngine_TransportFailureRecovers(t *testing.T) {
	f := newFixture(t)
	peer := f.net.Peer("flaky")
	id := f.create(t, Session{SessionID: "f"}, testSettings(), false, "flaky")

	first := publish("first")
	f.enqueue(t, id, first)
	require.NoError(t, wait(t, first).Err)

	peer.FailNext(1)
	second := publish("second")
	f.enqueue(t, id, second)
	require.NoError(t, wait(t, second).Err)
	assert.Equal(t, 1, second.Redeliver())

	st, err := f.engine.Stats(id)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, st.Retries, uint64(1))
	assert.Equal(t, "ALIVE", st.State)
}

func TestEngine_RecoversAfterBreakerOpens(t *testing.T) {
	f := newFixture(t)
	s := testSettings()
	s.Retries = 10
	s.RetryDelay = 40 * time.Millisecond
	s.RetryBackoff = BackoffConstant
	peer := f.net.Peer("late")
	peer.SetDown(true)
	id := f.create(t, Session{SessionID: "b"}, s, false, "late")

	e := publish("m")
	f.enqueue(t, id, e)

	// One attempt more than it takes to open the breaker.
	require.Eventually(t, func() bool {
		return peer.CallCount("connectLowlevel") > breakerFailures
	}, waitFor, time.Millisecond)
	peer.SetDown(false)

	require.NoError(t, wait(t, e).Err)
	assert.GreaterOrEqual(t, peer.CallCount("connectLowlevel"), breakerFailures+2)
	assert.Len(t, peer.Published("t"), 1)

	state, err := f.engine.State(id)
	require.NoError(t, err)
	assert.Equal(t, StateAlive, state)
}

func TestEngine_RetriesWithoutDelay(t *testing.T) {
	t.Run("exhausted", func(t *testing.T) {
		f := newFixture(t)
		s := testSettings()
		s.Retries = 3
		s.RetryDelay = 0
		peer := f.net.Peer("down")
		peer.SetDown(true)
		id := f.create(t, Session{SessionID: "z"}, s, false, "down")

		e := publish("m")
		f.enqueue(t, id, e)

		assert.ErrorIs(t, wait(t, e).Err, ErrPermanentFailure)
		assert.Equal(t, 4, peer.CallCount("connectLowlevel"))

		state, err := f.engine.State(id)
		require.NoError(t, err)
		assert.Equal(t, StateDead, state)
	})

	t.Run("recovers", func(t *testing.T) {
		f := newFixture(t)
		s := testSettings()
		s.Retries = UnlimitedRetries
		s.RetryDelay = 0
		peer := f.net.Peer("back")
		peer.SetDown(true)
		id := f.create(t, Session{SessionID: "r"}, s, false, "back")

		e := publish("m")
		f.enqueue(t, id, e)
		require.Eventually(t, func() bool {
			return peer.CallCount("connectLowlevel") >= 2
		}, waitFor, time.Millisecond)
		peer.SetDown(false)

		require.NoError(t, wait(t, e).Err)
		assert.GreaterOrEqual(t, e.Redeliver(), 1)

		state, err := f.engine.State(id)
		require.NoError(t, err)
		assert.Equal(t, StateAlive, state)
	})
}

func TestEngine_PingWhilePolling(t *testing.T) {
	f := newFixture(t)
	s := testSettings()
	s.Retries = 2
	s.RetryDelay = time.Hour
	s.PingInterval = 20 * time.Millisecond
	peer := f.net.Peer("gone")
	peer.SetDown(true)
	id := f.create(t, Session{SessionID: "p"}, s, false, "gone")

	e := publish("m")
	f.enqueue(t, id, e)

	// Keepalive reconnects drive the retries while the retry timer waits.
	assert.ErrorIs(t, wait(t, e).Err, ErrPermanentFailure)
	assert.Equal(t, 3, peer.CallCount("connectLowlevel"))

	state, err := f.engine.State(id)
	require.NoError(t, err)
	assert.Equal(t, StateDead, state)
}

func TestEngine_LiteralEntry(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, Unrelated{Name: "literal"}, testSettings(), false, "p")

	e := &Entry{Method: MethodPublish, Key: "t", Payload: []byte("raw"), WantsResult: true}
	f.enqueue(t, id, e)
	require.NoError(t, wait(t, e).Err)
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, [][]byte{[]byte("raw")}, f.net.Peer("p").Published("t"))

	err := f.engine.EnqueueBatch(context.Background(), id, publish("ok"), nil)
	assert.ErrorIs(t, err, ErrNilEntry)
}

func TestEngine_Initialize(t *testing.T) {
	f := newFixture(t)
	f.net.Peer("old").SetDown(true)
	s := testSettings()
	s.RetryDelay = 20 * time.Millisecond
	id := f.create(t, Session{SessionID: "i"}, s, false, "old")

	e := publish("m")
	f.enqueue(t, id, e)
	require.Eventually(t, func() bool {
		st, _ := f.engine.Stats(id)
		return st.Retries >= 1
	}, waitFor, 5*time.Millisecond)

	require.NoError(t, f.engine.Initialize(id, addrs("new")))
	require.NoError(t, wait(t, e).Err)
	assert.Len(t, f.net.Peer("new").Published("t"), 1)

	assert.ErrorIs(t, f.engine.Initialize(id, nil), ErrNoAddresses)
}

func TestEngine_Ping(t *testing.T) {
	f := newFixture(t)
	s := testSettings()
	s.PingInterval = 20 * time.Millisecond
	id := f.create(t, Unrelated{Name: "ping"}, s, false, "p")

	e := publish("m")
	f.enqueue(t, id, e)
	require.NoError(t, wait(t, e).Err)

	peer := f.net.Peer("p")
	require.Eventually(t, func() bool {
		return peer.CallCount(driver.OpPing) >= 2
	}, waitFor, 5*time.Millisecond)

	st, err := f.engine.Stats(id)
	require.NoError(t, err)
	assert.Positive(t, st.LastPing)
	assert.False(t, st.TimerPending)
}

func TestEngine_PriorityFilter(t *testing.T) {
	t.Run("destroy", func(t *testing.T) {
		f := newFixture(t)
		s := testSettings()
		s.PriorityRules = []PriorityRule{{State: StateUndef, Low: 0, High: 3, Action: ActionDestroy}}
		id := f.create(t, Unrelated{Name: "filtered"}, s, true, "p")

		low, high := publish("low", WithPriority(1)), publish("high", WithPriority(6))
		f.enqueue(t, id, low, high)
		require.NoError(t, f.engine.Resume(id))

		require.NoError(t, wait(t, high).Err)
		assert.ErrorIs(t, wait(t, low).Err, ErrPermanentFailure)
		assert.Equal(t, 1, f.sink.count())
	})

	t.Run("queue until state changes", func(t *testing.T) {
		f := newFixture(t)
		s := testSettings()
		s.PriorityRules = []PriorityRule{{State: StateUndef, Low: 0, High: 3, Action: ActionQueue}}
		id := f.create(t, Unrelated{Name: "held"}, s, true, "p")

		low, high := publish("low", WithPriority(1)), publish("high", WithPriority(6))
		f.enqueue(t, id, low, high)
		require.NoError(t, f.engine.Resume(id))

		require.NoError(t, wait(t, high).Err)
		require.NoError(t, wait(t, low).Err)
		assert.Equal(t, 0, low.Redeliver())

		var got []string
		for _, p := range f.net.Peer("p").Published("t") {
			got = append(got, string(p))
		}
		assert.Equal(t, []string{"high", "low"}, got)
	})
}

func TestEngine_Shutdown(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, Unrelated{Name: "gone"}, testSettings(), true, "p")

	a, b := publish("a"), publish("b")
	f.enqueue(t, id, a, b)
	require.NoError(t, f.engine.Shutdown(id))

	assert.Equal(t, 2, f.sink.count())
	res := wait(t, a)
	assert.ErrorIs(t, res.Err, ErrPermanentFailure)
	assert.ErrorIs(t, res.Err, ErrShutdown)

	_, err := f.engine.State(id)
	assert.ErrorIs(t, err, ErrUnknownDestination)
	assert.ErrorIs(t, f.engine.Shutdown(id), ErrUnknownDestination)
}

func TestEngine_Destinations(t *testing.T) {
	f := newFixture(t)
	f.create(t, Unrelated{Name: "b"}, testSettings(), true, "p")
	f.create(t, Subject{LoginName: "a"}, testSettings(), true, "p")

	err := f.engine.Create(context.Background(), DestinationConfig{
		Destination: Unrelated{Name: "b"},
		Addresses:   addrs("p"),
		Settings:    testSettings(),
	})
	assert.ErrorIs(t, err, ErrDestinationExists)

	err = f.engine.Create(context.Background(), DestinationConfig{
		Destination: Unrelated{Name: "c"},
		Settings:    testSettings(),
	})
	assert.ErrorIs(t, err, ErrNoAddresses)

	assert.Equal(t, []string{"queue:b", "subject:a"}, f.engine.Destinations())
	all := f.engine.AllStats()
	require.Len(t, all, 2)
	assert.Equal(t, "queue:b", all[0].Destination)
	assert.Equal(t, KindSubject, all[1].Kind)

	_, err = f.engine.Enqueue(context.Background(), "queue:missing", publish("x"))
	assert.ErrorIs(t, err, ErrUnknownDestination)
}

func TestEngine_Close(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, Unrelated{Name: "closing"}, testSettings(), true, "p")

	e := publish("m")
	f.enqueue(t, id, e)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, f.engine.Close(ctx))
	require.NoError(t, f.engine.Close(ctx))

	assert.ErrorIs(t, wait(t, e).Err, ErrShutdown)
	assert.Equal(t, 1, f.sink.count())

	err := f.engine.Create(context.Background(), DestinationConfig{
		Destination: Unrelated{Name: "late"},
		Addresses:   addrs("p"),
	})
	assert.ErrorIs(t, err, ErrEngineClosed)
	_, err = f.engine.Enqueue(context.Background(), id, publish("x"))
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestNewEngine_RequiresRegistry(t *testing.T) {
	_, err := NewEngine(Options{})
	assert.ErrorIs(t, err, ErrMissingRegistry)
}
