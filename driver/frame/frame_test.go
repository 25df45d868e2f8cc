// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package frame

import (
	"context"
	"errors"
	"testing"

	"github.com/absmach/fluxdispatch/driver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	dialErr error
	answer  func(*driver.Request) (*driver.Response, error)
	dials   int
	closes  int
	last    *driver.Request
}

func (f *fakeTransport) Dial(context.Context, driver.Address) error {
	f.dials++
	return f.dialErr
}

func (f *fakeTransport) Call(_ context.Context, req *driver.Request) (*driver.Response, error) {
	f.last = req
	return f.answer(req)
}

func (f *fakeTransport) Close() error {
	f.closes++
	return nil
}

func echo(req *driver.Request) (*driver.Response, error) {
	return &driver.Response{ID: req.ID, Result: []byte(req.Key)}, nil
}

func TestDriver_Lifecycle(t *testing.T) {
	ft := &fakeTransport{answer: echo}
	d := New("fake", ft)
	ctx := context.Background()

	assert.Equal(t, "fake", d.Type())
	assert.True(t, d.Capabilities().ArrayPublish)
	assert.ErrorIs(t, d.Reconnect(ctx), driver.ErrNotConnected)

	_, err := d.Get(ctx, "k", nil)
	assert.ErrorIs(t, err, driver.ErrNotConnected)

	require.NoError(t, d.ConnectLowlevel(ctx, driver.Address{Type: "fake", URL: "fake://peer"}))
	got, err := d.Get(ctx, "k", []byte{7})
	require.NoError(t, err)
	assert.Equal(t, []byte("k"), got)
	assert.Equal(t, driver.OpGet, ft.last.Op)
	assert.Equal(t, []byte{7}, ft.last.QoS)
	first := ft.last.ID

	_, err = d.Erase(ctx, "k", nil)
	require.NoError(t, err)
	assert.NotEqual(t, first, ft.last.ID, "request IDs are unique")

	require.NoError(t, d.Reconnect(ctx))
	assert.Equal(t, 2, ft.dials)
	assert.Equal(t, 1, ft.closes)

	require.NoError(t, d.Shutdown())
	_, err = d.Get(ctx, "k", nil)
	assert.ErrorIs(t, err, driver.ErrNotConnected)
}

func TestDriver_Errors(t *testing.T) {
	ctx := context.Background()
	addr := driver.Address{Type: "fake", URL: "fake://peer"}

	d := New("fake", &fakeTransport{dialErr: driver.Communication(errors.New("refused"))})
	assert.True(t, driver.IsCommunication(d.ConnectLowlevel(ctx, addr)))

	d = New("fake", &fakeTransport{answer: func(req *driver.Request) (*driver.Response, error) {
		return &driver.Response{ID: "other"}, nil
	}})
	require.NoError(t, d.ConnectLowlevel(ctx, addr))
	_, err := d.Ping(ctx, nil)
	assert.True(t, driver.IsCommunication(err), "mismatched response IDs break the link")

	d = New("fake", &fakeTransport{answer: func(req *driver.Request) (*driver.Response, error) {
		return &driver.Response{ID: req.ID, Code: driver.CodeUnavailable, Error: "busy"}, nil
	}})
	require.NoError(t, d.ConnectLowlevel(ctx, addr))
	_, err = d.PublishArr(ctx, []driver.Message{{Key: "t", Content: []byte("x")}})
	assert.True(t, driver.IsCommunication(err))
}

func TestCodec(t *testing.T) {
	data, err := Encode(&driver.Request{ID: "1", Op: driver.OpPublishArr, Messages: []driver.WireMessage{{Key: "t", Content: []byte{0, 1}}}})
	require.NoError(t, err)

	req, err := DecodeRequest(data)
	require.NoError(t, err)
	assert.Equal(t, "1", req.ID)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, []byte{0, 1}, req.Messages[0].Content)

	_, err = DecodeRequest([]byte("{"))
	assert.Error(t, err)

	_, err = DecodeResponse([]byte("not json"))
	assert.True(t, driver.IsCommunication(err))
}
