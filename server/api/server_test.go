// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/absmach/fluxdispatch/deadletter"
	"github.com/absmach/fluxdispatch/dispatch"
	"github.com/absmach/fluxdispatch/driver"
	"github.com/absmach/fluxdispatch/driver/local"
	"github.com/absmach/fluxdispatch/session"
	"github.com/absmach/fluxdispatch/storage"
	"github.com/absmach/fluxdispatch/storage/memory"
	"github.com/absmach/fluxdispatch/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	handler  http.Handler
	engine   *dispatch.Engine
	store    storage.DeadLetterStore
	sessions *session.Manager
	net      *local.Network
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	net := local.NewNetwork()
	reg := driver.NewRegistry()
	require.NoError(t, reg.Register(local.Type, local.Factory(net)))

	store := memory.New()
	sink := deadletter.New(store, deadletter.Config{})
	engine, err := dispatch.NewEngine(dispatch.Options{Registry: reg, PoolSize: 2, Sink: sink})
	require.NoError(t, err)
	sessions := session.NewManager(session.Config{Destinations: engine})

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		sessions.Stop()
		_ = engine.Close(ctx)
		_ = store.Close()
	})

	settings := dispatch.DefaultSettings()
	settings.RetryDelay = 10 * time.Millisecond
	settings.PingInterval = 0
	require.NoError(t, engine.Create(context.Background(), dispatch.DestinationConfig{
		Destination: dispatch.Unrelated{Name: "orders"},
		Addresses:   []driver.Address{{Type: local.Type, URL: local.Type + "://p"}},
		Settings:    settings,
	}))

	opts = append([]Option{WithDeadLetters(sink), WithSessions(sessions)}, opts...)
	s := New(Config{WaitTimeout: 2 * time.Second}, engine, nil, opts...)
	return &fixture{handler: s.Handler(), engine: engine, store: store, sessions: sessions, net: net}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(method, path, &buf))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestDestinations(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/destinations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]dispatch.Stats](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, "queue:orders", list[0].Destination)

	rec = f.do(t, http.MethodGet, "/destinations/queue:orders", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "queue:orders", decode[dispatch.Stats](t, rec).Destination)

	rec = f.do(t, http.MethodGet, "/destinations/queue:orders/state", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "queue:orders", decode[StateResponse](t, rec).Destination)

	rec = f.do(t, http.MethodGet, "/destinations/queue:missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotEmpty(t, decode[ErrorResponse](t, rec).Error)
}

func TestEnqueue(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/destinations/queue:orders/entries", EnqueueRequest{
		Method:  "publish",
		Key:     "t",
		Payload: []byte("hello"),
		Wait:    true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[EnqueueResponse](t, rec)
	assert.NotEmpty(t, resp.ID)
	assert.True(t, resp.Resolved)
	assert.Empty(t, resp.Error)
	assert.Equal(t, [][]byte{[]byte("hello")}, f.net.Peer("p").Published("t"))

	cases := []struct {
		desc   string
		req    EnqueueRequest
		status int
	}{
		{desc: "unknown method", req: EnqueueRequest{Method: "bogus"}, status: http.StatusBadRequest},
		{desc: "bad ttl", req: EnqueueRequest{Method: "publish", TTL: "soon"}, status: http.StatusBadRequest},
		{desc: "fire and forget", req: EnqueueRequest{Method: "publish_oneway", Key: "t"}, status: http.StatusAccepted},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/destinations/queue:orders/entries", tc.req)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
		})
	}

	rec = f.do(t, http.MethodPost, "/destinations/queue:missing/entries", EnqueueRequest{Method: "publish"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPauseResumePeek(t *testing.T) {
	f := newFixture(t)
	const base = "/destinations/queue:orders"

	require.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, base+"/pause", nil).Code)

	prio := 7
	rec := f.do(t, http.MethodPost, base+"/entries", EnqueueRequest{Method: "publish", Key: "t", Priority: &prio, TTL: "1m"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := decode[EnqueueResponse](t, rec).ID

	rec = f.do(t, http.MethodGet, base+"/entries", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]EntryView](t, rec)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ID)
	assert.Equal(t, "PUBLISH", entries[0].Method)
	assert.Equal(t, 7, entries[0].Priority)
	assert.False(t, entries[0].Expires.IsZero())

	require.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, base+"/resume", nil).Code)
	require.Eventually(t, func() bool {
		return len(f.net.Peer("p").Published("t")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, base+"/shutdown", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, base+"/pause", nil).Code)
}

func TestDeadLetters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Store(ctx,
		storagetest.Letter("a", "queue:orders", 1),
		storagetest.Letter("b", "queue:orders", 2),
		storagetest.Letter("c", "session:9", 3),
	))

	rec := f.do(t, http.MethodGet, "/deadletters?destination=queue:orders&limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]storage.DeadLetter](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, "a", list[0].ID)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/deadletters?limit=-1", nil).Code)

	rec = f.do(t, http.MethodGet, "/deadletters/b", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []byte("payload-b"), decode[storage.DeadLetter](t, rec).Payload)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/deadletters/zzz", nil).Code)

	rec = f.do(t, http.MethodPost, "/deadletters/a/replay", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "k-a", decode[EntryView](t, rec).Key)
	require.Eventually(t, func() bool {
		return len(f.net.Peer("p").Published("k-a")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	_, err := f.store.Get(ctx, "a")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// No such destination any more: the letter stays on file.
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/deadletters/c/replay", nil).Code)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/deadletters/b", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/deadletters/b", nil).Code)

	rec = f.do(t, http.MethodDelete, "/deadletters", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[PurgeResponse](t, rec).Purged)
}

func TestSessions(t *testing.T) {
	f := newFixture(t)
	f.sessions.Open("1", "ann")

	rec := f.do(t, http.MethodGet, "/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]session.Info](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, "ann", list[0].Name)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/sessions/1/kill?reason=test", nil).Code)
	assert.Equal(t, "test", f.sessions.Get("1").Reason())
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/sessions/2/kill", nil).Code)
}

type denyAll struct{}

func (denyAll) Allow(string) bool { return false }

func TestRateLimit(t *testing.T) {
	f := newFixture(t, WithLimiter(denyAll{}))
	assert.Equal(t, http.StatusTooManyRequests, f.do(t, http.MethodGet, "/destinations", nil).Code)
}

func TestStatusOf(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{dispatch.ErrUnknownDestination, http.StatusNotFound},
		{storage.ErrNotFound, http.StatusNotFound},
		{session.ErrNotFound, http.StatusNotFound},
		{&dispatch.Error{Kind: dispatch.ResourceOverflow, Destination: "d"}, http.StatusTooManyRequests},
		{dispatch.ErrShutdown, http.StatusGone},
		{dispatch.ErrEngineClosed, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusRequestTimeout},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.status, statusOf(tc.err), tc.err.Error())
	}
}
