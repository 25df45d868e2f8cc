// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package frametest provides an in-memory frame peer and a conformance
// suite for frame drivers.
package frametest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fluxdispatch/driver"
	"github.com/absmach/fluxdispatch/driver/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ frame.Handler = (*Peer)(nil)

// Peer answers frames like a cooperative remote node: publishes echo their
// content, get returns "value:<key>", erase of key "locked" is refused and
// key "auth" fails authentication.
type Peer struct {
	mu    sync.Mutex
	calls []Call
}

// Call records one handled frame.
type Call struct {
	Destination string
	Op          string
	Key         string
	Messages    int
}

func (p *Peer) Handle(_ context.Context, dest string, req *driver.Request) *driver.Response {
	p.mu.Lock()
	p.calls = append(p.calls, Call{Destination: dest, Op: req.Op, Key: req.Key, Messages: len(req.Messages)})
	p.mu.Unlock()

	resp := &driver.Response{ID: req.ID}
	switch req.Op {
	case driver.OpPing:
		resp.Result = req.Data
	case driver.OpPublishArr:
		for _, m := range req.Messages {
			resp.Results = append(resp.Results, m.Content)
		}
	case driver.OpGet:
		resp.Result = []byte("value:" + req.Key)
	case driver.OpErase:
		switch req.Key {
		case "locked":
			resp.Code, resp.Error = "object.locked", "object is locked"
		case "auth":
			resp.Code, resp.Error = driver.CodeAuthentication, "bad token"
		}
	}
	return resp
}

// Calls returns the frames handled so far.
func (p *Peer) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.calls...)
}

// Run connects drv to addr, which must be served by peer under destination
// dest, and exercises every operation.
func Run(t *testing.T, drv driver.Driver, addr driver.Address, peer *Peer, dest string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := drv.Ping(ctx, nil)
	require.ErrorIs(t, err, driver.ErrNotConnected)

	require.NoError(t, drv.ConnectLowlevel(ctx, addr))
	t.Cleanup(func() { _ = drv.Shutdown() })

	got, err := drv.Ping(ctx, []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), got)

	results, err := drv.PublishArr(ctx, []driver.Message{
		{ID: "1", Key: "t", Content: []byte("a")},
		{ID: "2", Key: "t", Content: []byte("b")},
	})
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b")}, results)

	require.NoError(t, drv.PublishOneway(ctx, []driver.Message{{Key: "t", Content: []byte("c")}}))

	got, err = drv.Get(ctx, "k", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("value:k"), got)

	_, err = drv.Subscribe(ctx, "s", []byte{1})
	require.NoError(t, err)
	_, err = drv.Unsubscribe(ctx, "s", nil)
	require.NoError(t, err)
	_, err = drv.Connect(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, drv.Disconnect(ctx, nil))

	_, err = drv.Erase(ctx, "locked", nil)
	require.Error(t, err)
	assert.False(t, driver.IsTransport(err), "remote errors are not transport failures")

	_, err = drv.Erase(ctx, "auth", nil)
	assert.True(t, driver.IsAuthentication(err))

	require.NoError(t, drv.Reconnect(ctx))
	got, err = drv.Get(ctx, "again", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("value:again"), got)

	for _, c := range peer.Calls() {
		assert.Equal(t, dest, c.Destination)
	}
	assert.Len(t, peer.Calls(), 11)
}
