// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/absmach/fluxdispatch/driver"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotConnected(t *testing.T) {
	ctx := context.Background()
	d := New(Config{})

	assert.Equal(t, Type, d.Type())
	assert.True(t, d.Capabilities().ArrayPublish)
	assert.Equal(t, defaultHeartbeat, d.cfg.Heartbeat)

	_, err := d.Ping(ctx, nil)
	assert.ErrorIs(t, err, driver.ErrNotConnected)
	_, err = d.PublishArr(ctx, []driver.Message{{Key: "rk"}})
	assert.ErrorIs(t, err, driver.ErrNotConnected)
	assert.ErrorIs(t, d.PublishOneway(ctx, nil), driver.ErrNotConnected)
	_, err = d.Get(ctx, "q", nil)
	assert.ErrorIs(t, err, driver.ErrNotConnected)
	_, err = d.Erase(ctx, "q", nil)
	assert.ErrorIs(t, err, driver.ErrNotConnected)
	assert.ErrorIs(t, d.Reconnect(ctx), driver.ErrNotConnected)
	assert.NoError(t, d.Shutdown())
}

func TestUnreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	d := New(Config{})
	err = d.ConnectLowlevel(context.Background(), driver.Address{Type: Type, URL: "amqp://guest:guest@" + addr + "/"})
	require.Error(t, err)
	assert.True(t, driver.IsCommunication(err))

	assert.Error(t, d.ConnectLowlevel(context.Background(), driver.Address{Type: Type}))
}

func TestPublishing(t *testing.T) {
	m := driver.Message{ID: "m1", Key: "orders", Content: []byte("x")}

	p := New(Config{}).publishing(m)
	assert.Equal(t, amqp.Transient, p.DeliveryMode)
	assert.Equal(t, "m1", p.MessageId)
	assert.Equal(t, []byte("x"), p.Body)

	p = New(Config{Persistent: true}).publishing(m)
	assert.Equal(t, amqp.Persistent, p.DeliveryMode)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		desc string
		err  error
		auth bool
		comm bool
	}{
		{desc: "credentials", err: amqp.ErrCredentials, auth: true},
		{desc: "access refused", err: &amqp.Error{Code: amqp.AccessRefused, Reason: "ACCESS_REFUSED"}, auth: true},
		{desc: "queue not found", err: &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND"}},
		{desc: "recoverable", err: &amqp.Error{Code: amqp.ContentTooLarge, Recover: true}},
		{desc: "connection forced", err: &amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED"}, comm: true},
		{desc: "closed", err: amqp.ErrClosed, comm: true},
		{desc: "dial", err: errors.New("connection refused"), comm: true},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			err := classify(tc.err)
			assert.Equal(t, tc.auth, driver.IsAuthentication(err))
			assert.Equal(t, tc.comm, driver.IsCommunication(err))
			assert.ErrorIs(t, err, tc.err)
		})
	}
}
